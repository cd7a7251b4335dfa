package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/neurosight/internal/metrics"
	"github.com/hitoshi/neurosight/internal/middleware"
)

// HealthChecker はDB疎通確認のインターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	AccountResolver   middleware.AccountResolver
	RateLimiter       *middleware.RateLimiter
	CORSAllowedOrigin string
	CSRF              middleware.CSRFConfig
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector

	// 運用エンドポイント
	HealthChecker  HealthChecker
	MetricsHandler http.Handler // nilの場合は/metricsを公開しない

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// オンボーディング
	OnboardingService OnboardingServiceInterface

	// 解析
	AnalysisService AnalysisServiceInterface
	Diseases        DiseaseLister
	UploadMaxSize   int64

	// ユーザー
	UserService UserServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → CSRF
//	  /auth/*         → RateLimit(Auth)
//	  /api/onboarding → Session → RateLimit(General)
//	  /api/*          → Session → OnboardingGate → RateLimit(General) [→ RateLimit(Analyze)]
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	onboardingHandler := NewOnboardingHandler(deps.OnboardingService)
	analysisHandler := NewAnalysisHandler(deps.AnalysisService, deps.Diseases, deps.UploadMaxSize)
	userHandler := NewUserHandler(deps.UserService, deps.AuthConfig)

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

	// --- 認証不要のルート ---
	r.Route("/auth", func(r chi.Router) {
		r.Use(deps.RateLimiter.AuthMiddleware())

		r.Post("/register", authHandler.Register)
		r.Post("/verify-otp", authHandler.VerifyOTP)
		r.Post("/resend-otp", authHandler.ResendOTP)
		r.Post("/login", authHandler.Login)
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)
		r.Post("/forgot-password", authHandler.ForgotPassword)
		r.Post("/reset-password", authHandler.ResetPassword)

		r.Get("/google/login", authHandler.GoogleLogin)
		r.Get("/google/callback", authHandler.GoogleCallback)
	})

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.AccountResolver))

		// オンボーディング前でもアクセスできるルート
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.GeneralMiddleware())

			r.Get("/api/onboarding", onboardingHandler.Prefill)
			r.Post("/api/onboarding", onboardingHandler.Complete)
			r.Delete("/api/users/me", userHandler.Withdraw)
		})

		// オンボーディング完了が必要なルート
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewOnboardingGate())
			r.Use(deps.RateLimiter.GeneralMiddleware())

			r.Get("/api/diseases", analysisHandler.ListDiseases)
			r.Get("/api/dashboard", analysisHandler.Dashboard)

			r.Route("/api/analyses", func(r chi.Router) {
				r.Get("/", analysisHandler.History)
				r.With(deps.RateLimiter.AnalyzeMiddleware()).Post("/", analysisHandler.Analyze)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", analysisHandler.Get)
					r.Get("/image", analysisHandler.Image)
					r.With(deps.RateLimiter.AnalyzeMiddleware()).Post("/report", analysisHandler.Report)
				})
			})
		})
	})

	return r
}

// healthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unhealthy"}`))
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}
