package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/neurosight/internal/admin"
	"github.com/hitoshi/neurosight/internal/analysis"
	"github.com/hitoshi/neurosight/internal/auth"
	"github.com/hitoshi/neurosight/internal/config"
	"github.com/hitoshi/neurosight/internal/database"
	"github.com/hitoshi/neurosight/internal/handler"
	"github.com/hitoshi/neurosight/internal/inference"
	"github.com/hitoshi/neurosight/internal/logger"
	"github.com/hitoshi/neurosight/internal/metrics"
	"github.com/hitoshi/neurosight/internal/middleware"
	"github.com/hitoshi/neurosight/internal/notify"
	"github.com/hitoshi/neurosight/internal/repository"
	"github.com/hitoshi/neurosight/internal/security"
	"github.com/hitoshi/neurosight/internal/storage"
	"github.com/hitoshi/neurosight/internal/user"
	"github.com/hitoshi/neurosight/internal/worker/cleanup"
	"github.com/hitoshi/neurosight/internal/worker/fetch"
)

// modelProbeTimeout は起動時のモデル確認1件あたりのタイムアウト。
const modelProbeTimeout = 5 * time.Second

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
		return runMigrate(cfg)
	case CommandFetchModels:
		return runFetchModels(cfg)
	case CommandAdmin:
		return runAdmin(cfg, args[1:])
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// openObjectStore はS3_BUCKETが設定されていればS3を、それ以外はローカルディスクを使用する。
func openObjectStore(ctx context.Context, cfg *config.Config) (storage.ObjectStore, error) {
	if cfg.S3Bucket != "" {
		store, err := storage.NewS3Store(ctx, storage.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize s3 storage: %w", err)
		}
		slog.Info("object storage: s3", slog.String("bucket", cfg.S3Bucket))
		return store, nil
	}

	store, err := storage.NewLocalStore(cfg.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize local storage: %w", err)
	}
	slog.Info("object storage: local", slog.String("dir", cfg.StorageDir))
	return store, nil
}

// newNotifier はSMTP_HOSTが設定されていればSMTP送信、それ以外はログ出力のみのNotifierを返す。
func newNotifier(cfg *config.Config) *notify.Notifier {
	if cfg.SMTPHost == "" {
		slog.Warn("SMTP_HOST is not set; emails will be logged instead of sent")
		return notify.NewNotifier(notify.NewLogSender(slog.Default()), cfg.BaseURL)
	}
	sender := notify.NewSMTPSender(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.MailFrom,
	})
	return notify.NewNotifier(sender, cfg.BaseURL)
}

// newRateLimiterConfig は1分あたりの設定値からレート制限設定を組み立てる。
func newRateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	rl.GeneralRate, rl.GeneralBurst = middleware.PerMinute(cfg.RateLimitGeneral)
	rl.AnalyzeRate, rl.AnalyzeBurst = middleware.PerMinute(cfg.RateLimitAnalyze)
	rl.AuthRate, rl.AuthBurst = middleware.PerMinute(cfg.RateLimitAuth)
	return rl
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx := context.Background()

	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	// 3. リポジトリの初期化
	accountRepo := repository.NewPostgresAccountRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	analysisRepo := repository.NewPostgresAnalysisRepo(db)

	// 4. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()

	// 5. 認証
	authDeps := auth.Deps{
		Accounts:   accountRepo,
		Identities: identRepo,
		Sessions:   sessionRepo,
		Notifier:   newNotifier(cfg),
		Sanitizer:  sanitizer,
		URLGuard:   ssrfGuard,
		Metrics:    collector,
	}
	if cfg.GoogleEnabled() {
		authDeps.OAuth = auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		})
	} else {
		slog.Warn("google login is disabled; GOOGLE_CLIENT_ID or GOOGLE_CLIENT_SECRET is not set")
	}
	authService := auth.NewService(authDeps, auth.ServiceConfig{
		SessionMaxAge: cfg.SessionMaxAge,
		OTPTTL:        cfg.OTPTTL,
		ResetTTL:      cfg.PasswordResetTTL,
		ResetSecret:   []byte(cfg.SessionSecret),
		EmailTimeout:  cfg.EmailSendTimeout,
	})

	// 6. 推論（起動時に1回だけモデルを登録する）
	grpcBackend, err := inference.NewGRPCBackend(cfg.ModelGRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to initialize grpc backend: %w", err)
	}
	defer grpcBackend.Close()

	modelRegistry := inference.NewRegistry(ctx, inference.DefaultCatalog(), map[inference.RuntimeKind]inference.Backend{
		inference.KindKeras:       inference.NewRESTBackend(cfg.ModelServingURL, cfg.InferenceTimeout),
		inference.KindTransformer: grpcBackend,
	}, inference.RegistryOptions{
		ProbeTimeout: modelProbeTimeout,
		Metrics:      collector,
	})
	classifier := inference.NewClassifier(modelRegistry, cfg.InferenceTimeout, collector)

	// 7. ストレージと予測キャッシュ
	store, err := openObjectStore(ctx, cfg)
	if err != nil {
		return err
	}

	var cache analysis.Cache
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
		cache = analysis.NewRedisCache(redisClient)
		slog.Info("prediction cache enabled", slog.String("addr", cfg.RedisAddr))
	}

	// 8. ドメインサービスの初期化
	analysisService := analysis.NewService(analysis.Deps{
		Classifier: classifier,
		Catalog:    modelRegistry,
		Analyses:   analysisRepo,
		Store:      store,
		Cache:      cache,
		Sanitizer:  sanitizer,
		Metrics:    collector,
	}, cfg.PredictionCacheTTL)
	userService := user.NewService(accountRepo, sessionRepo, analysisRepo, store)

	// 9. ルーターの構築
	limiter := middleware.NewRateLimiter(newRateLimiterConfig(cfg))
	defer limiter.Stop()

	authConfig := handler.AuthHandlerConfig{
		BaseURL:       cfg.BaseURL,
		CookieDomain:  cfg.CookieDomain,
		CookieSecure:  cfg.CookieSecure,
		SessionMaxAge: cfg.SessionMaxAge,
	}
	router := handler.NewRouter(&handler.RouterDeps{
		AccountResolver:   authService,
		RateLimiter:       limiter,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		Logger:         slog.Default(),
		Metrics:        collector,
		HealthChecker:  db,
		MetricsHandler: metrics.Handler(registry),

		AuthService: authService,
		AuthConfig:  authConfig,

		OnboardingService: authService,

		AnalysisService: analysisService,
		Diseases:        modelRegistry,
		UploadMaxSize:   cfg.UploadMaxSize,

		UserService: userService,
	})

	// 10. HTTPサーバーの起動
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      2 * cfg.InferenceTimeout,
		IdleTimeout:       60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// 送信中のメールを待つ
	authService.Wait()

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限切れデータのクリーンアップジョブを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(db, repository.NewPostgresSessionRepo(db), slog.Default())
	cleanupJob.UnverifiedRetentionDays = cfg.UnverifiedRetentionDays

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
		slog.Int("unverified_retention_days", cfg.UnverifiedRetentionDays),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	cleanupJob.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runFetchModels はカタログに定義されたモデル成果物をMODEL_DIRへダウンロードする。
// 既存のファイルはスキップする。ダウンロードに失敗したファイルがあればエラーを返す。
func runFetchModels(cfg *config.Config) error {
	configured, err := fetch.ParseArtifacts(cfg.ModelArtifacts)
	if err != nil {
		return fmt.Errorf("invalid MODEL_ARTIFACTS: %w", err)
	}
	plan := fetch.Plan(inference.DefaultCatalog(), configured)

	client := security.NewSSRFGuard().NewSafeClient(cfg.ModelFetchTimeout)
	fetcher := fetch.NewFetcher(client, cfg.ModelDir, slog.Default())

	results, err := fetcher.FetchAll(context.Background(), plan)
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Status == fetch.StatusFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d model artifacts failed to download", failed, len(results))
	}
	return nil
}

// runAdmin は運用者向けのアカウント管理コマンドを実行する。
func runAdmin(cfg *config.Config, args []string) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	store, err := openObjectStore(ctx, cfg)
	if err != nil {
		return err
	}

	accountRepo := repository.NewPostgresAccountRepo(db)
	analysisRepo := repository.NewPostgresAnalysisRepo(db)
	userService := user.NewService(accountRepo, repository.NewPostgresSessionRepo(db), analysisRepo, store)

	console := admin.NewConsole(accountRepo, analysisRepo, userService, os.Stdin, os.Stdout)
	return console.Run(ctx, args)
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

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
