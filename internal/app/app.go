package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/santhai/internal/auth"
	"github.com/hitoshi/santhai/internal/config"
	"github.com/hitoshi/santhai/internal/database"
	"github.com/hitoshi/santhai/internal/handler"
	"github.com/hitoshi/santhai/internal/logger"
	"github.com/hitoshi/santhai/internal/mail"
	"github.com/hitoshi/santhai/internal/metrics"
	"github.com/hitoshi/santhai/internal/middleware"
	"github.com/hitoshi/santhai/internal/product"
	"github.com/hitoshi/santhai/internal/repository"
	"github.com/hitoshi/santhai/internal/security"
	"github.com/hitoshi/santhai/internal/template"
	"github.com/hitoshi/santhai/internal/worker/cleanup"
	"github.com/hitoshi/santhai/internal/worker/templatesync"
)

const (
	// pingTimeout は起動時のDB疎通確認のタイムアウト。
	pingTimeout = 5 * time.Second
	// shutdownTimeout はグレースフルシャットダウンの最大待ち時間。
	shutdownTimeout = 30 * time.Second
	// resendBurst はメールアドレス単位で連続発行できるコード数。
	resendBurst = 5
	// resendRefill はメールアドレス単位のバケットが1つ回復する間隔。
	resendRefill = 10 * time.Minute
)

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

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "help", "-h", "--help":
			PrintUsage(w)
			return nil
		}
	}
	cmd := ParseCommand(args)

	// healthcheck と login はサーバー設定を必要としないため、フル初期化をスキップする
	switch cmd {
	case CommandHealthcheck:
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	case CommandLogin:
		logger.SetupDefault(io.Discard)
		return runLogin(context.Background(), os.Stdin, w, args[1:])
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("template_repo", cfg.TemplateRepo()),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.Ping(ctx, db, pingTimeout); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	productRepo := repository.NewPostgresProductRepo(db)
	otpStore, closeOTPStore, err := newOTPStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeOTPStore()

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	// 4. セキュリティサービスの初期化
	urlGuard := security.NewURLGuard()
	sanitizer := security.NewHTMLSanitizer()

	// 5. 認証サービスの初期化
	var google auth.IdentityVerifier
	if cfg.GoogleClientID != "" {
		verifier, err := auth.NewGoogleIDTokenVerifier(ctx, cfg.GoogleClientID, urlGuard.NewSafeClient(10*time.Second))
		if err != nil {
			return fmt.Errorf("failed to create google verifier: %w", err)
		}
		google = verifier
	} else {
		slog.Warn("GOOGLE_CLIENT_ID is not set, google sign-in is disabled")
	}

	rateLimiter := middleware.NewRateLimiter(
		middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitAuth),
		slog.Default(),
	)
	defer rateLimiter.Stop()
	resendLimiter := middleware.NewKeyedLimiter(rate.Every(resendRefill), resendBurst)
	rateLimiter.Track(resendLimiter)

	authService := auth.NewService(auth.ServiceDeps{
		Users:         userRepo,
		OTPs:          otpStore,
		Sender:        newMailer(cfg),
		Tokens:        auth.NewTokenIssuer(cfg.JWTSecret, cfg.AccessTokenExpire),
		Google:        google,
		ResendLimiter: resendLimiter,
		Metrics:       collector,
		Logger:        slog.Default(),
	}, auth.ServiceConfig{
		OTP: auth.OTPPolicy{
			TTL:            cfg.OTPTTL,
			MaxAttempts:    cfg.OTPMaxAttempts,
			ResendCooldown: cfg.OTPResendCooldown,
		},
	})

	productService := product.NewService(productRepo, sanitizer, urlGuard)

	// 6. テンプレート同期とブラウザ
	syncer, err := newSyncer(cfg, urlGuard, collector)
	if err != nil {
		return err
	}
	browser, err := template.NewBrowser(cfg.TemplateCacheDir, syncer, cfg.ContentCacheMaxCost, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to create template browser: %w", err)
	}
	defer browser.Close()

	// 7. ルーターの構築
	router := handler.NewRouter(&handler.RouterDeps{
		Authenticator:      authService,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimiter:        rateLimiter,
		Logger:             slog.Default(),
		Metrics:            collector,
		MetricsHandler:     metrics.Handler(registry),
		AuthService:        authService,
		ProductService:     productService,
		TemplateSyncer:     syncer,
		TemplateBrowser:    browser,
		DB:                 db,
	})

	// 8. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.String("version", handler.Version),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れコードのクリーンアップとテンプレートの日次同期を実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.Ping(ctx, db, pingTimeout); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. OTPストアとクリーンアップジョブ
	otpStore, closeOTPStore, err := newOTPStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeOTPStore()
	cleanupJob := cleanup.NewCleanupJob(otpStore, slog.Default())

	// 3. テンプレート同期スケジューラ
	var collector metrics.MetricsCollector = metrics.Nop{}
	if cfg.WorkerMetricsPort != "" {
		registry := prometheus.NewRegistry()
		collector = metrics.NewCollector(registry)
		metricsServer := &http.Server{
			Addr:              ":" + cfg.WorkerMetricsPort,
			Handler:           metrics.SetupMetricsRoute(registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("worker metrics server error", slog.String("error", err.Error()))
			}
		}()
		defer metricsServer.Close()
	}

	syncer, err := newSyncer(cfg, security.NewURLGuard(), collector)
	if err != nil {
		return err
	}
	scheduler := templatesync.NewScheduler(syncer, slog.Default(), cfg.TemplateSyncHour, time.Local)

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Int("template_sync_hour", cfg.TemplateSyncHour),
	)

	go cleanupJob.Start(ctx, cfg.CleanupInterval)

	// スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	latest, err := database.LatestVersion()
	if err != nil {
		return err
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Uint64("latest", uint64(latest)),
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

// newOTPStore は設定に応じてPostgresまたはRedisのOTPストアを返す。
// 戻り値の関数で接続を閉じる。
func newOTPStore(ctx context.Context, cfg *config.Config, db *sql.DB) (repository.OTPStore, func(), error) {
	if cfg.OTPStore != config.OTPStoreRedis {
		return repository.NewPostgresOTPRepo(db), func() {}, nil
	}

	client, err := repository.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("using redis otp store")
	return repository.NewRedisOTPStore(client), func() { _ = client.Close() }, nil
}

// newMailer はSMTPの認証情報があればSMTP送信、なければログ出力のMailerを返す。
func newMailer(cfg *config.Config) auth.OTPSender {
	if !cfg.SMTPConfigured() {
		slog.Warn("SMTP credentials are not set, verification codes are written to the log")
		return mail.NewConsoleMailer(slog.Default())
	}
	return mail.NewSMTPMailer(mail.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.FromEmail,
	}, slog.Default())
}

// newSyncer はGitHubクライアントとテンプレート同期処理を組み立てる。
func newSyncer(cfg *config.Config, guard security.URLGuard, m metrics.MetricsCollector) (*template.Syncer, error) {
	repo := template.Repo{
		Owner:  cfg.TemplateRepoOwner,
		Name:   cfg.TemplateRepoName,
		Branch: cfg.TemplateRepoBranch,
	}
	source := template.NewGitHubClient(guard.NewSafeClient(cfg.TemplateFetchTimeout), repo, cfg.GitHubToken, slog.Default())

	syncer, err := template.NewSyncer(source, template.SyncerConfig{
		Repo:     repo,
		CacheDir: cfg.TemplateCacheDir,
	}, slog.Default(), m)
	if err != nil {
		return nil, fmt.Errorf("failed to create template syncer: %w", err)
	}
	return syncer, nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
