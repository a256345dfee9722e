package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/messmenu/internal/auth"
	"github.com/hitoshi/messmenu/internal/model"
	"github.com/hitoshi/messmenu/internal/storage"
)

// RedirectReconciler はリダイレクト方式のサインイン結果を照合するインターフェース。
type RedirectReconciler interface {
	Reconcile(ctx context.Context, session storage.Store, query url.Values) auth.Outcome
}

// SessionEstablisher はサインイン完了後にセッションを発行するインターフェース。
type SessionEstablisher interface {
	EstablishSession(ctx context.Context, local storage.Store, clientID string, profile *model.UserProfile) (*model.Session, error)
}

// ReconcileConfig は照合ミドルウェアの設定。
type ReconcileConfig struct {
	Cookie    CookieConfig
	LoginPath string
	Now       func() time.Time
}

// NewReconcileMiddleware はページの読み込みごとに保留中のリダイレクトを照合するミドルウェアを返す。
// storage.Attachの後に配置する。
//
//   - NotARedirect: 何もせず次へ進む
//   - RedirectSuccess: セッションを発行して保存済みの遷移先へリダイレクトする
//   - RedirectFailure: 表示すべきエラーはログイン画面にコード付きでリダイレクトし、
//     表示不要なエラーは次へ進む
func NewReconcileMiddleware(reconciler RedirectReconciler, establisher SessionEstablisher, config ReconcileConfig) func(next http.Handler) http.Handler {
	if config.LoginPath == "" {
		config.LoginPath = "/login"
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			session := storage.SessionFrom(ctx)
			if session == nil {
				next.ServeHTTP(w, r)
				return
			}

			switch outcome := reconciler.Reconcile(ctx, session, r.URL.Query()).(type) {
			case auth.RedirectSuccess:
				s, err := establisher.EstablishSession(ctx, storage.LocalFrom(ctx), ClientIDFromContext(ctx), outcome.Profile)
				if err != nil {
					slog.Error("failed to establish session after redirect sign-in",
						slog.String("user_id", outcome.Profile.ID),
						slog.String("error", err.Error()),
					)
					redirectToLogin(w, r, config.LoginPath, auth.CodeOf(err))
					return
				}
				SetSessionCookie(w, s, config.Now(), config.Cookie)
				http.Redirect(w, r, outcome.Destination, http.StatusSeeOther)
			case auth.RedirectFailure:
				if outcome.Kind == auth.FailureReportable {
					redirectToLogin(w, r, config.LoginPath, outcome.Code)
					return
				}
				next.ServeHTTP(w, r)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// redirectToLogin はエラーコード付きでログイン画面にリダイレクトする。
func redirectToLogin(w http.ResponseWriter, r *http.Request, loginPath, code string) {
	http.Redirect(w, r, loginPath+"?error="+url.QueryEscape(code), http.StatusSeeOther)
}
