package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/santhai/internal/metrics"
	"github.com/hitoshi/santhai/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Authenticator      middleware.TokenAuthenticator
	CORSAllowedOrigins []string
	RateLimiter        *middleware.RateLimiter
	Logger             *slog.Logger
	Metrics            metrics.MetricsCollector
	MetricsHandler     http.Handler // nilの場合は/metricsを公開しない

	// サービス
	AuthService     AuthServiceInterface
	ProductService  ProductServiceInterface
	TemplateSyncer  TemplateSyncController
	TemplateBrowser TemplateBrowser
	DB              Pinger
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → RealIP → Logging → SecurityHeaders → CORS → (Auth) → RateLimit
//
// 認証エンドポイントはIPアドレス単位、認証済みAPIはユーザー単位でレート制限する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))

	authHandler := NewAuthHandler(deps.AuthService)
	productHandler := NewProductHandler(deps.ProductService)
	templateHandler := NewTemplateHandler(deps.TemplateSyncer, deps.TemplateBrowser)
	healthHandler := NewHealthHandler(deps.DB)

	requireAuth := middleware.NewAuthMiddleware(deps.Authenticator)
	general := deps.RateLimiter.GeneralMiddleware()

	// --- 運用エンドポイント ---
	r.Get("/", healthHandler.Root)
	r.Get("/health", healthHandler.Health)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- 認証 ---
	r.Route("/api/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.AuthMiddleware())
			r.Post("/signup", authHandler.Signup)
			r.Post("/login", authHandler.Login)
			r.Post("/verify-otp", authHandler.VerifyOTP)
			r.Post("/resend-otp", authHandler.ResendOTP)
			r.Post("/google", authHandler.Google)
		})
		r.With(requireAuth, general).Get("/me", authHandler.Me)
	})

	// --- プロダクト ---
	r.Route("/api/products", func(r chi.Router) {
		r.With(general).Get("/", productHandler.List)

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Use(general)
			r.Get("/my", productHandler.ListMine)
			r.Post("/", productHandler.Create)
			r.Put("/{id}", productHandler.Update)
			r.Delete("/{id}", productHandler.Delete)
		})
	})

	// --- テンプレート ---
	r.Route("/templates", func(r chi.Router) {
		r.Use(general)
		r.Get("/status", templateHandler.Status)
		r.Post("/sync", templateHandler.Sync)
		r.Get("/files", templateHandler.Files)
		r.Get("/content", templateHandler.Content)
	})

	return r
}
