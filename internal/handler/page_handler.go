package handler

import (
	"context"
	"html/template"
	"net/http"
	"time"

	"github.com/hitoshi/messmenu/internal/auth"
	"github.com/hitoshi/messmenu/internal/menu"
	"github.com/hitoshi/messmenu/internal/middleware"
	"github.com/hitoshi/messmenu/internal/model"
	"github.com/hitoshi/messmenu/internal/security"
	"github.com/hitoshi/messmenu/internal/storage"
	"github.com/hitoshi/messmenu/internal/view"
)

// IdentityDisplay はページ表示に必要なIdentity Gatewayの部分集合。
type IdentityDisplay interface {
	Providers() []string
	DisplayIdentity(ctx context.Context, local storage.Store) *auth.IdentityClaims
}

// PageHandler は公開ページと保護ページのHTTPハンドラー。
type PageHandler struct {
	pages
	menu      *menu.Menu
	sanitizer security.ContentSanitizerService
	identity  IdentityDisplay
	location  *time.Location
	now       func() time.Time
}

// NewPageHandler はPageHandlerを生成する。
// locは既定の曜日を決めるタイムゾーン。nilの場合はUTC。
func NewPageHandler(renderer *view.Renderer, m *menu.Menu, sanitizer security.ContentSanitizerService, identity IdentityDisplay, forceRedirect bool, loc *time.Location) *PageHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &PageHandler{
		pages:     pages{renderer: renderer, forceRedirect: forceRedirect},
		menu:      m,
		sanitizer: sanitizer,
		identity:  identity,
		location:  loc,
		now:       time.Now,
	}
}

// Landing はトップページを表示する。
// GET /
func (h *PageHandler) Landing(w http.ResponseWriter, r *http.Request) {
	data := &view.LandingPage{Base: h.base(r), Menu: h.menu}

	// 表示用トークンは認可には使わず、挨拶にだけ使う
	if local := storage.LocalFrom(r.Context()); local != nil {
		if claims := h.identity.DisplayIdentity(r.Context(), local); claims != nil {
			data.Greeting = claims.DisplayName
			if data.Greeting == "" {
				data.Greeting = claims.Email
			}
		}
	}

	h.render(w, r, http.StatusOK, view.PageLanding, data)
}

// Home は曜日ごとの献立を表示する。ルートガードの内側に配置する。
// GET /home?day=monday
func (h *PageHandler) Home(w http.ResponseWriter, r *http.Request) {
	day := h.now().In(h.location).Weekday()
	if raw := r.URL.Query().Get("day"); raw != "" {
		parsed, err := menu.ParseDay(raw)
		if err != nil {
			h.renderError(w, r, http.StatusBadRequest, model.NewInvalidDayError(raw))
			return
		}
		day = parsed
	}

	h.render(w, r, http.StatusOK, view.PageHome, &view.HomePage{
		Base:     h.base(r),
		Menu:     h.menu,
		Selected: h.menu.Day(day),
		Days:     view.DayLinks(h.menu, day),
	})
}

// Login はサインイン画面を表示する。
// ?error=<code> が表示可能なエラーであれば、そのメッセージを1件だけ表示する。
// GET /login?next=/home
func (h *PageHandler) Login(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	next := auth.SanitizeDestination(query.Get("next"))

	if middleware.UserFromContext(r.Context()) != nil {
		http.Redirect(w, r, next, http.StatusSeeOther)
		return
	}

	data := h.loginPage(r, h.identity.Providers(), next)
	if code := query.Get("error"); code != "" {
		data.Message = view.ErrorMessage(auth.FailureFromCode(code).Message)
	}
	h.render(w, r, http.StatusOK, view.PageLogin, data)
}

// Rules は食堂のルールを表示する。
// GET /rules
func (h *PageHandler) Rules(w http.ResponseWriter, r *http.Request) {
	raw := h.menu.Rules()
	rules := make([]template.HTML, len(raw))
	for i, rule := range raw {
		rules[i] = h.sanitizer.SanitizeHTML(rule)
	}
	h.render(w, r, http.StatusOK, view.PageRules, &view.RulesPage{Base: h.base(r), Rules: rules})
}

// NotFound は404ページを表示する。
func (h *PageHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusNotFound, view.PageError, &view.ErrorPage{
		Base:    h.base(r),
		Heading: "Page not found",
		Text:    "The page you were looking for does not exist.",
	})
}
