package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/messmenu/internal/auth"
	"github.com/hitoshi/messmenu/internal/model"
)

// AuthObserver は認証状態の購読インターフェース。
// auth.Gatewayの部分集合として定義する。
type AuthObserver interface {
	ObserveAuthState(ctx context.Context, clientID, sessionID string) *auth.Subscription
}

// NewRouteGuard は認証済みのリクエストだけを通すミドルウェアを返す。
//
// 認証状態の購読から最初の値を1度だけ受け取り、直ちに購読を解除する。
// 認証済みならユーザーをコンテキストに注入して次へ進め、
// 未認証ならloginPathへnext付きで303リダイレクトする。
// 判定中にクライアントが切断した場合は何も書き込まずに終了する。
func NewRouteGuard(observer AuthObserver, loginPath string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			// 1. 判定中: 最初の値を待つ
			sub := observer.ObserveAuthState(ctx, ClientIDFromContext(ctx), SessionIDFromRequest(r))
			defer sub.Close()

			var user *model.SessionUser
			select {
			case state, ok := <-sub.Updates():
				if !ok {
					abortGuard(r)
					return
				}
				if state.Authenticated && state.User != nil {
					user = state.User
				}
			case <-ctx.Done():
				abortGuard(r)
				return
			}
			if ctx.Err() != nil {
				abortGuard(r)
				return
			}

			// 2. 判定済み: 以降の状態変化は見ない
			sub.Close()
			if user == nil {
				target := loginPath + "?next=" + url.QueryEscape(r.URL.RequestURI())
				http.Redirect(w, r, target, http.StatusSeeOther)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithUser(ctx, user)))
		})
	}
}

func abortGuard(r *http.Request) {
	slog.Debug("client went away while checking auth state", slog.String("path", r.URL.Path))
}
