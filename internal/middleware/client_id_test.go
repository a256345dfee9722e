package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestClientIDMiddleware_IssuesNewID(t *testing.T) {
	var got string
	handler := NewClientIDMiddleware(CookieConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIDFromRequest(r)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if _, err := uuid.Parse(got); err != nil {
		t.Fatalf("client ID %q is not a UUID: %v", got, err)
	}
	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == ClientIDCookieName {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value != got {
		t.Fatalf("cookie = %+v, want value %q", cookie, got)
	}
	if !cookie.HttpOnly {
		t.Error("client ID cookie must be HttpOnly")
	}
}

func TestClientIDMiddleware_KeepsExistingID(t *testing.T) {
	existing := uuid.NewString()

	var got string
	handler := NewClientIDMiddleware(CookieConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: ClientIDCookieName, Value: existing})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got != existing {
		t.Errorf("client ID = %q, want %q", got, existing)
	}
	if len(w.Result().Cookies()) != 0 {
		t.Error("existing client ID should not be re-issued")
	}
}

func TestClientIDMiddleware_ReplacesMalformedID(t *testing.T) {
	var got string
	handler := NewClientIDMiddleware(CookieConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: ClientIDCookieName, Value: "../../etc"})
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got == "../../etc" || got == "" {
		t.Errorf("client ID = %q, want a fresh UUID", got)
	}
}
