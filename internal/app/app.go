package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/messmenu/internal/auth"
	"github.com/hitoshi/messmenu/internal/config"
	"github.com/hitoshi/messmenu/internal/database"
	"github.com/hitoshi/messmenu/internal/handler"
	"github.com/hitoshi/messmenu/internal/logger"
	"github.com/hitoshi/messmenu/internal/menu"
	"github.com/hitoshi/messmenu/internal/metrics"
	"github.com/hitoshi/messmenu/internal/middleware"
	"github.com/hitoshi/messmenu/internal/profile"
	"github.com/hitoshi/messmenu/internal/repository"
	"github.com/hitoshi/messmenu/internal/security"
	"github.com/hitoshi/messmenu/internal/storage"
	"github.com/hitoshi/messmenu/internal/view"
	"github.com/hitoshi/messmenu/internal/worker/cleanup"
)

// localStorageMaxAge は永続スコープのストレージの保持期間。
const localStorageMaxAge = 180 * 24 * time.Hour

// smtpTimeout はSMTPサーバーへの接続タイムアウト。
const smtpTimeout = 10 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ログレベルの反映
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("failed to set log level: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg, MigrateSteps(args))
	default:
		return runServe(cfg)
	}
}

// runServe はWebサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリとプロフィールストアの初期化
	sessionRepo := repository.NewPostgresSessionRepo(db)
	magicLinkRepo := repository.NewPostgresMagicLinkRepo(db)
	profiles := profile.NewService(repository.NewPostgresProfileRepo(db))

	// 3. メトリクス
	registry := newRegistry()
	collector := metrics.NewCollector(registry)

	mailer, err := buildMailer(cfg)
	if err != nil {
		return err
	}

	broker := auth.NewStateBroker()
	metrics.RegisterGaugeFunc(registry, "messmenu_auth_state_subscribers",
		"認証状態の購読者数", nil, broker.Subscribers)

	// 4. Identity Gatewayの初期化
	gateway := auth.NewGateway(auth.GatewayDeps{
		Providers:  buildProviders(cfg),
		Profiles:   profiles,
		Sessions:   sessionRepo,
		MagicLinks: magicLinkRepo,
		Tokens:     auth.NewTokenIssuer([]byte(cfg.SessionSecret), nil),
		Mailer:     mailer,
		Broker:     broker,
		Recorder:   collector,
	}, auth.GatewayConfig{
		BaseURL:            cfg.BaseURL,
		SessionMaxAge:      cfg.SessionMaxAge,
		MagicLinkTTL:       cfg.MagicLinkTTL,
		ForceRedirect:      cfg.ForceRedirectSignIn,
		PopupFallbackCodes: cfg.PopupFallbackCodes,
	})

	// 5. クライアント側ストレージ
	store, closeStore, err := buildStorage(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// 6. 表示層
	mess, err := menu.Load(cfg.MenuFile)
	if err != nil {
		return fmt.Errorf("failed to load menu: %w", err)
	}
	renderer, err := view.NewRenderer()
	if err != nil {
		return fmt.Errorf("failed to parse templates: %w", err)
	}

	// 7. ルーターの構築
	ssrfGuard := security.NewSSRFGuard()
	rateLimiter := middleware.NewRateLimiter(
		middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitMagicLink),
	)
	defer rateLimiter.Stop()
	metrics.RegisterGaugeFunc(registry, "messmenu_rate_limiter_entries",
		"レート制限で追跡中のクライアント数", prometheus.Labels{"limiter": "general"}, rateLimiter.GeneralLimiterCount)
	metrics.RegisterGaugeFunc(registry, "messmenu_rate_limiter_entries",
		"レート制限で追跡中のクライアント数", prometheus.Labels{"limiter": "magic_link"}, rateLimiter.MagicLinkLimiterCount)

	deps := &handler.RouterDeps{
		Logger:       slog.Default(),
		HTTPObserver: collector,
		Storage:      store,
		RateLimiter:  rateLimiter,
		Cookie: middleware.CookieConfig{
			Secure: cfg.CookieSecure,
			Domain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,

		Gateway:       gateway,
		Reconciler:    auth.NewReconciler(gateway),
		ForceRedirect: cfg.ForceRedirectSignIn,

		Renderer:     renderer,
		Menu:         mess,
		MenuLocation: cfg.MenuLocation,
		Sanitizer:    security.NewContentSanitizer(),
		Avatar: handler.AvatarConfig{
			Validator: ssrfGuard,
			Client:    ssrfGuard.NewSafeClient(cfg.AvatarTimeout),
			MaxSize:   cfg.AvatarMaxSize,
		},

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(registry),
	}

	router := handler.NewRouter(deps)

	// 8. HTTPサーバーの起動
	// WriteTimeoutは認証状態ストリームではハンドラー側で解除する
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("web server starting",
			slog.String("addr", server.Addr),
			slog.String("storage_backend", cfg.StorageBackend),
			slog.Bool("force_redirect", cfg.ForceRedirectSignIn),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down web server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("web server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限切れセッションと使用済みサインインリンクの定期削除を行う。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. クリーンアップジョブの初期化
	collector := metrics.NewCollector(newRegistry())
	job := cleanup.NewCleanupJob(
		repository.NewPostgresSessionRepo(db),
		repository.NewPostgresMagicLinkRepo(db),
		collector,
		slog.Default(),
	)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	// メインgoroutineで実行（ブロッキング）
	job.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// stepsが0ならすべての未適用マイグレーションを適用し、正ならその数だけ戻す。
func runMigrate(cfg *config.Config, steps int) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Int("rollback_steps", steps),
	)

	if steps > 0 {
		if err := database.RollbackMigrations(cfg.DatabaseURL, steps); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
	} else if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// newRegistry はGoランタイムとプロセスのメトリクスを含むレジストリを返す。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// buildProviders は設定済みのOAuthプロバイダを返す。GitHubは任意。
func buildProviders(cfg *config.Config) []auth.OAuthProvider {
	providers := []auth.OAuthProvider{
		auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		}),
	}
	if cfg.GitHubEnabled() {
		providers = append(providers, auth.NewGitHubOAuthProvider(auth.GitHubOAuthConfig{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  cfg.GitHubRedirectURL,
		}))
	}
	return providers
}

// buildMailer はSMTPが設定されていればSMTPMailerを、なければログ出力のみのMailerを返す。
func buildMailer(cfg *config.Config) (auth.Mailer, error) {
	if cfg.SMTPHost == "" {
		slog.Warn("SMTP_HOST is not set; sign-in links will only be logged")
		return auth.LogMailer{}, nil
	}
	mailer, err := auth.NewSMTPMailer(auth.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		Timeout:  smtpTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure mailer: %w", err)
	}
	return mailer, nil
}

// buildStorage は設定に応じたクライアント側ストレージを返す。
// 戻り値の関数で接続を解放する。
func buildStorage(cfg *config.Config) (storage.Provider, func(), error) {
	switch cfg.StorageBackend {
	case "redis":
		client, err := storage.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		provider := storage.NewRedisProvider(client, storage.RedisOptions{
			ClientID:   middleware.ClientIDFromRequest,
			SessionTTL: time.Duration(cfg.SessionMaxAge) * time.Second,
			LocalTTL:   localStorageMaxAge,
			Secure:     cfg.CookieSecure,
			Domain:     cfg.CookieDomain,
		})
		return provider, func() { client.Close() }, nil
	default:
		provider := storage.NewCookieProvider(storage.CookieOptions{
			Secret:      []byte(cfg.SessionSecret),
			LocalMaxAge: int(localStorageMaxAge / time.Second),
			Secure:      cfg.CookieSecure,
			Domain:      cfg.CookieDomain,
		})
		return provider, func() {}, nil
	}
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
