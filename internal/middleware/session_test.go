package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/messmenu/internal/model"
)

func TestUserMiddleware_ValidSession_InjectsUser(t *testing.T) {
	reader := &mockStateReader{states: map[string]model.AuthState{
		"valid-session": {Authenticated: true, User: &model.SessionUser{ID: "user-1", DisplayName: "Asha"}},
	}}

	var got *model.SessionUser
	handler := NewUserMiddleware(reader)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = UserFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "valid-session"})
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got == nil || got.ID != "user-1" {
		t.Fatalf("user = %+v, want user-1", got)
	}
}

func TestUserMiddleware_NoCookie_PassesThroughWithoutLookup(t *testing.T) {
	reader := &mockStateReader{}

	called := false
	handler := NewUserMiddleware(reader)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if UserFromContext(r.Context()) != nil {
			t.Error("expected no user in context")
		}
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if !called {
		t.Fatal("handler should be called for anonymous request")
	}
	if len(reader.calls) != 0 {
		t.Errorf("CurrentState calls = %d, want 0", len(reader.calls))
	}
}

func TestUserMiddleware_UnknownSession_PassesThroughAnonymous(t *testing.T) {
	reader := &mockStateReader{states: map[string]model.AuthState{}}

	var got *model.SessionUser
	handler := NewUserMiddleware(reader)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = UserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "expired"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if got != nil {
		t.Errorf("user = %+v, want nil", got)
	}
}

func TestSetSessionCookie_UsesRemainingLifetime(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	w := httptest.NewRecorder()

	SetSessionCookie(w, &model.Session{ID: "sess-1", ExpiresAt: now.Add(time.Hour)}, now, CookieConfig{Secure: true, Domain: "mess.example.edu"})

	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies = %d, want 1", len(cookies))
	}
	c := cookies[0]
	if c.Name != SessionCookieName || c.Value != "sess-1" {
		t.Errorf("cookie = %s=%s", c.Name, c.Value)
	}
	if c.MaxAge != 3600 {
		t.Errorf("MaxAge = %d, want 3600", c.MaxAge)
	}
	if !c.HttpOnly || !c.Secure {
		t.Error("session cookie must be HttpOnly and Secure")
	}
	if c.SameSite != http.SameSiteLaxMode {
		t.Errorf("SameSite = %v, want Lax", c.SameSite)
	}
}

func TestClearSessionCookie_Expires(t *testing.T) {
	w := httptest.NewRecorder()
	ClearSessionCookie(w, CookieConfig{})

	c := w.Result().Cookies()[0]
	if c.Name != SessionCookieName || c.MaxAge >= 0 {
		t.Errorf("cookie = %+v, want expired session cookie", c)
	}
}

func TestSessionIDFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := SessionIDFromRequest(req); got != "" {
		t.Errorf("SessionIDFromRequest() = %q, want empty", got)
	}
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "abc"})
	if got := SessionIDFromRequest(req); got != "abc" {
		t.Errorf("SessionIDFromRequest() = %q, want abc", got)
	}
}
