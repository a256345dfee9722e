package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/messmenu/internal/auth"
	"github.com/hitoshi/messmenu/internal/menu"
	"github.com/hitoshi/messmenu/internal/middleware"
	"github.com/hitoshi/messmenu/internal/model"
	"github.com/hitoshi/messmenu/internal/security"
	"github.com/hitoshi/messmenu/internal/storage"
	"github.com/hitoshi/messmenu/internal/view"
)

// loginPath はサインイン画面のパス。
const loginPath = "/login"

// Gateway はルーターが必要とするIdentity Gatewayの機能。*auth.Gatewayが満たす。
type Gateway interface {
	AuthFlow
	IdentityDisplay
	CurrentState(ctx context.Context, sessionID string) model.AuthState
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	HTTPObserver      middleware.HTTPObserver
	Storage           storage.Provider
	RateLimiter       *middleware.RateLimiter
	Cookie            middleware.CookieConfig
	CORSAllowedOrigin string

	// 認証
	Gateway         Gateway
	Reconciler      middleware.RedirectReconciler
	ForceRedirect   bool
	StreamKeepAlive time.Duration

	// 表示
	Renderer  *view.Renderer
	Menu         *menu.Menu
	MenuLocation *time.Location
	Sanitizer    security.ContentSanitizerService
	Avatar       AvatarConfig

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → RealIP → Logging → SecurityHeaders
//	→ ClientID → storage.Attach → CSRF → RateLimit(General) → User
//
// ページと /auth/{provider}/callback はさらにリダイレクト照合を通し、
// /home はその内側でルートガードを通す。/health・/metrics・/static は
// セッション系のミドルウェアの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger, deps.HTTPObserver))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	pageHandler := NewPageHandler(deps.Renderer, deps.Menu, deps.Sanitizer, deps.Gateway, deps.ForceRedirect, deps.MenuLocation)
	authHandler := NewAuthHandler(deps.Renderer, deps.Gateway, AuthHandlerConfig{
		Cookie:        deps.Cookie,
		ForceRedirect: deps.ForceRedirect,
		KeepAlive:     deps.StreamKeepAlive,
	})
	apiHandler := NewAPIHandler(deps.Menu, deps.Avatar)

	// --- セッション不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	r.Handle("/static/*", view.StaticHandler())
	r.NotFound(pageHandler.NotFound)

	// --- ブラウザセッションを扱うルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewClientIDMiddleware(deps.Cookie))
		r.Use(storage.Attach(deps.Storage))
		r.Use(middleware.NewCSRFMiddleware(deps.Cookie))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewUserMiddleware(deps.Gateway))

		// ページ: 読み込みごとにリダイレクト方式の結果を照合する
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewReconcileMiddleware(deps.Reconciler, deps.Gateway, middleware.ReconcileConfig{
				Cookie:    deps.Cookie,
				LoginPath: loginPath,
			}))

			r.Get("/", pageHandler.Landing)
			r.Get(loginPath, pageHandler.Login)
			r.Get("/rules", pageHandler.Rules)
			r.With(middleware.NewRouteGuard(deps.Gateway, loginPath)).Get("/home", pageHandler.Home)
			r.Get("/auth/{provider}/callback", authHandler.Callback)
		})

		// サインインフロー
		r.Get("/auth/{provider}/login", authHandler.Start)
		r.Post("/auth/popup/failure", authHandler.PopupFailure)
		r.With(deps.RateLimiter.MagicLinkMiddleware(auth.CodeTooManyRequests)).Post("/auth/magic-link", authHandler.MagicLink)
		r.Post("/auth/logout", authHandler.Logout)
		r.Get("/auth/state", authHandler.State)
		r.Get("/verify-email", authHandler.VerifyEmail)
		r.Post("/verify-email", authHandler.ConfirmEmail)

		// JSON API
		r.Route("/api", func(r chi.Router) {
			r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
			r.Get("/me", apiHandler.Me)
			r.Get("/menu", apiHandler.Menu)
			r.Get("/avatar", apiHandler.Avatar)
		})
	})

	return r
}
