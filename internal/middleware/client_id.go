package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	// ClientIDCookieName はブラウザを識別するCookieの名前。
	ClientIDCookieName = "client_id"

	clientIDMaxAge = 365 * 24 * 60 * 60
)

// NewClientIDMiddleware はブラウザごとのクライアントIDを発行してコンテキストに格納する。
// クライアントIDは認証状態の配信先とサーバー側ストアのキーに使う。
func NewClientIDMiddleware(config CookieConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := ""
			if cookie, err := r.Cookie(ClientIDCookieName); err == nil {
				if parsed, err := uuid.Parse(cookie.Value); err == nil {
					id = parsed.String()
				}
			}
			if id == "" {
				id = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     ClientIDCookieName,
					Value:    id,
					Path:     "/",
					Domain:   config.Domain,
					MaxAge:   clientIDMaxAge,
					HttpOnly: true,
					Secure:   config.Secure,
					SameSite: http.SameSiteLaxMode,
				})
			}
			next.ServeHTTP(w, r.WithContext(ContextWithClientID(r.Context(), id)))
		})
	}
}

// ClientIDFromContext はコンテキストからクライアントIDを取得する。
func ClientIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientIDContextKey).(string)
	return id
}

// ClientIDFromRequest はリクエストのクライアントIDを返す。
// storage.RedisProviderに渡す関数として使う。
func ClientIDFromRequest(r *http.Request) string {
	return ClientIDFromContext(r.Context())
}

// ContextWithClientID はコンテキストにクライアントIDを注入する。
func ContextWithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDContextKey, id)
}
