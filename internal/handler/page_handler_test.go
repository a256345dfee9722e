package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"golang.org/x/net/html"

	"github.com/hitoshi/messmenu/internal/auth"
	"github.com/hitoshi/messmenu/internal/menu"
	"github.com/hitoshi/messmenu/internal/middleware"
	"github.com/hitoshi/messmenu/internal/model"
	"github.com/hitoshi/messmenu/internal/security"
	"github.com/hitoshi/messmenu/internal/storage"
	"github.com/hitoshi/messmenu/internal/view"
)

type stubIdentity struct {
	claims *auth.IdentityClaims
}

func (s stubIdentity) Providers() []string {
	return []string{auth.ProviderGoogle, auth.ProviderGitHub}
}

func (s stubIdentity) DisplayIdentity(context.Context, storage.Store) *auth.IdentityClaims {
	return s.claims
}

func newTestPageHandler(t *testing.T, identity IdentityDisplay) *PageHandler {
	t.Helper()
	return newTestPageHandlerIn(t, identity, nil)
}

func newTestPageHandlerIn(t *testing.T, identity IdentityDisplay, loc *time.Location) *PageHandler {
	t.Helper()
	renderer, err := view.NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer() error = %v", err)
	}
	h := NewPageHandler(renderer, menu.Default(), security.NewContentSanitizer(), identity, false, loc)
	// 2026-10-21は水曜日
	h.now = func() time.Time { return time.Date(2026, 10, 21, 9, 0, 0, 0, time.UTC) }
	return h
}

func withTestStores(req *http.Request) *http.Request {
	return req.WithContext(storage.WithStores(req.Context(), storage.NewMemoryStore(), storage.NewMemoryStore()))
}

func TestPageHandler_Home_DefaultsToToday(t *testing.T) {
	h := newTestPageHandler(t, stubIdentity{})
	req := httptest.NewRequest(http.MethodGet, "/home", nil)
	req = req.WithContext(middleware.ContextWithUser(req.Context(), &model.SessionUser{ID: "u1", Email: "asha@example.edu"}))

	rec := httptest.NewRecorder()
	h.Home(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	resp := rec.Result()
	doc := parseBody(t, resp)
	current := findNode(doc, func(n *html.Node) bool { return attrOf(n, "aria-current") != "" })
	if current == nil {
		t.Fatal("expected a selected day link")
	}
	if href := attrOf(current, "href"); href != "/home?day=wednesday" {
		t.Errorf("selected href = %q, want /home?day=wednesday", href)
	}
}

func TestPageHandler_Home_DefaultDayUsesMenuTimezone(t *testing.T) {
	ist, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatalf("LoadLocation() error = %v", err)
	}
	h := newTestPageHandlerIn(t, stubIdentity{}, ist)
	// UTCでは水曜20時、ISTでは木曜1時30分
	h.now = func() time.Time { return time.Date(2026, 10, 21, 20, 0, 0, 0, time.UTC) }

	req := httptest.NewRequest(http.MethodGet, "/home", nil)
	req = req.WithContext(middleware.ContextWithUser(req.Context(), &model.SessionUser{ID: "u1"}))
	rec := httptest.NewRecorder()
	h.Home(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	current := findNode(parseBody(t, rec.Result()), func(n *html.Node) bool { return attrOf(n, "aria-current") != "" })
	if current == nil {
		t.Fatal("expected a selected day link")
	}
	if href := attrOf(current, "href"); href != "/home?day=thursday" {
		t.Errorf("selected href = %q, want /home?day=thursday", href)
	}
}

func TestPageHandler_Home_SelectedDay(t *testing.T) {
	h := newTestPageHandler(t, stubIdentity{})
	rec := httptest.NewRecorder()
	h.Home(rec, httptest.NewRequest(http.MethodGet, "/home?day=Fri", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "Friday") {
		t.Error("expected Friday menu")
	}
}

func TestPageHandler_Landing_GreetsFromIdentityToken(t *testing.T) {
	tests := []struct {
		name   string
		claims *auth.IdentityClaims
		want   string
	}{
		{"display name", &auth.IdentityClaims{Email: "asha@example.edu", DisplayName: "Asha"}, "Asha"},
		{"email fallback", &auth.IdentityClaims{Email: "asha@example.edu"}, "asha@example.edu"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestPageHandler(t, stubIdentity{claims: tt.claims})
			rec := httptest.NewRecorder()
			h.Landing(rec, withTestStores(httptest.NewRequest(http.MethodGet, "/", nil)))

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Errorf("expected greeting for %q", tt.want)
			}
		})
	}
}

func TestPageHandler_Rules_KeepsAllowedMarkup(t *testing.T) {
	h := newTestPageHandler(t, stubIdentity{})
	rec := httptest.NewRecorder()
	h.Rules(rec, httptest.NewRequest(http.MethodGet, "/rules", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "<strong>mess card</strong>") {
		t.Error("expected inline markup to survive sanitizing")
	}
}

func TestPageHandler_Login_SanitizesNext(t *testing.T) {
	h := newTestPageHandler(t, stubIdentity{})
	rec := httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodGet, "/login?next=https%3A%2F%2Fevil.example", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	doc := parseBody(t, rec.Result())
	link := findNode(doc, func(n *html.Node) bool { return attrOf(n, "data-provider") == auth.ProviderGoogle })
	if link == nil {
		t.Fatal("expected Google button")
	}
	if href := attrOf(link, "href"); !strings.HasSuffix(href, "next=%2fhome") {
		t.Errorf("href = %q, want next to fall back to /home", href)
	}
}
