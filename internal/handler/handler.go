// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/messmenu/internal/auth"
	"github.com/hitoshi/messmenu/internal/middleware"
	"github.com/hitoshi/messmenu/internal/model"
	"github.com/hitoshi/messmenu/internal/view"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// pages はページ描画の共通処理。
type pages struct {
	renderer      *view.Renderer
	forceRedirect bool
}

// base はリクエストから全ページ共通のデータを組み立てる。
func (p *pages) base(r *http.Request) view.Base {
	b := view.Base{
		CSRFToken:     middleware.CSRFTokenFromContext(r.Context()),
		ForceRedirect: p.forceRedirect,
	}
	if u := middleware.UserFromContext(r.Context()); u != nil {
		b.Viewer = &view.Viewer{DisplayName: displayName(u), Email: u.Email}
	}
	return b
}

// render はページを描画する。描画に失敗した場合は統一フォーマットの500を返す。
func (p *pages) render(w http.ResponseWriter, r *http.Request, status int, page string, data view.Page) {
	if err := p.renderer.Render(w, status, page, data); err != nil {
		slog.Error("failed to render page",
			slog.String("page", page),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
	}
}

// renderError は汎用エラーページを描画する。
func (p *pages) renderError(w http.ResponseWriter, r *http.Request, status int, apiErr *model.APIError) {
	p.render(w, r, status, view.PageError, &view.ErrorPage{
		Base:    p.base(r),
		Heading: apiErr.Message,
		Text:    apiErr.Action,
	})
}

// loginPage はメッセージなしのサインイン画面データを組み立てる。
func (p *pages) loginPage(r *http.Request, providers []string, next string) *view.LoginPage {
	buttons := make([]view.ProviderButton, 0, len(providers))
	for _, name := range providers {
		buttons = append(buttons, view.ProviderButton{Name: name, Label: providerLabel(name)})
	}
	return &view.LoginPage{Base: p.base(r), Providers: buttons, Next: next}
}

func displayName(u *model.SessionUser) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Email
}

func providerLabel(name string) string {
	switch name {
	case auth.ProviderGoogle:
		return "Google"
	case auth.ProviderGitHub:
		return "GitHub"
	case "":
		return ""
	default:
		return strings.ToUpper(name[:1]) + name[1:]
	}
}
