// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/messmenu/internal/model"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	userContextKey      = contextKey("user")
	clientIDContextKey  = contextKey("client_id")
	csrfTokenContextKey = contextKey("csrf_token")
)

// CookieConfig はアプリケーションが発行するCookieの共通設定。
type CookieConfig struct {
	Secure bool
	Domain string
}

// SessionIDFromRequest はCookieからセッションIDを取得する。未設定なら空文字を返す。
func SessionIDFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// SetSessionCookie はセッションIDをHTTP Only Cookieに設定する。
func SetSessionCookie(w http.ResponseWriter, session *model.Session, now time.Time, config CookieConfig) {
	maxAge := int(session.ExpiresAt.Sub(now).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    session.ID,
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie はセッションCookieを削除する。
func ClearSessionCookie(w http.ResponseWriter, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// StateReader は現在の認証状態を返すインターフェース。
// auth.Gatewayの部分集合として定義する。
type StateReader interface {
	CurrentState(ctx context.Context, sessionID string) model.AuthState
}

// NewUserMiddleware はセッションCookieが有効であればユーザー情報をコンテキストに注入する。
// 未認証のリクエストもそのまま通す。
func NewUserMiddleware(reader StateReader) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := SessionIDFromRequest(r)
			if sessionID == "" {
				next.ServeHTTP(w, r)
				return
			}
			state := reader.CurrentState(r.Context(), sessionID)
			if !state.Authenticated || state.User == nil {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), state.User)))
		})
	}
}

// UserFromContext はコンテキストから認証済みユーザーを取得する。未認証ならnilを返す。
func UserFromContext(ctx context.Context) *model.SessionUser {
	user, _ := ctx.Value(userContextKey).(*model.SessionUser)
	return user
}

// ContextWithUser はコンテキストにユーザーを注入する。
// ログ出力ミドルウェアの内側であれば、ユーザーIDをリクエストログにも記録させる。
func ContextWithUser(ctx context.Context, user *model.SessionUser) context.Context {
	if info, ok := ctx.Value(requestInfoContextKey).(*requestInfo); ok && user != nil {
		info.userID = user.ID
	}
	return context.WithValue(ctx, userContextKey, user)
}
