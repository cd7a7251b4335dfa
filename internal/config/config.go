package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// OAuth（未設定の場合はGoogleログインを無効化する）
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Session
	SessionSecret string
	SessionMaxAge int

	// Verification
	OTPTTL           time.Duration
	PasswordResetTTL time.Duration
	EmailSendTimeout time.Duration

	// Mail
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	MailFrom     string

	// Inference
	ModelServingURL    string // TensorFlow Serving互換REST（kerasモデル）
	ModelGRPCAddr      string // gRPCモデルサーバー（transformerモデル）
	InferenceTimeout   time.Duration
	UploadMaxSize      int64
	PredictionCacheTTL time.Duration

	// Model artifacts
	ModelDir          string
	ModelArtifacts    string // "file=url,file=url"
	ModelFetchTimeout time.Duration

	// Storage（S3Bucketが空の場合はローカルディスクに保存する）
	StorageDir  string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	// Cache
	RedisAddr     string
	RedisPassword string

	// Rate Limit
	RateLimitGeneral int
	RateLimitAuth    int
	RateLimitAnalyze int

	// Worker
	CleanupInterval         time.Duration
	UnverifiedRetentionDays int // 未検証のまま放置された登録の保持日数（0で無効）

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// GoogleEnabled はGoogleログインが設定済みかを返す。
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != "" && c.GoogleRedirectURL != ""
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.GoogleRedirectURL = getEnvString("GOOGLE_REDIRECT_URL", strings.TrimRight(cfg.BaseURL, "/")+"/auth/google/callback")

	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.OTPTTL = getEnvDuration("OTP_TTL", 10*time.Minute)
	cfg.PasswordResetTTL = getEnvDuration("PASSWORD_RESET_TTL", time.Hour)
	cfg.EmailSendTimeout = getEnvDuration("EMAIL_SEND_TIMEOUT", 30*time.Second)

	cfg.SMTPHost = getEnvString("SMTP_HOST", "")
	cfg.SMTPPort = getEnvInt("SMTP_PORT", 587)
	cfg.SMTPUsername = getEnvString("SMTP_USERNAME", "")
	cfg.SMTPPassword = getEnvString("SMTP_PASSWORD", "")
	cfg.MailFrom = getEnvString("MAIL_FROM", "NeuroSight <noreply@neurosight.local>")

	cfg.ModelServingURL = getEnvString("MODEL_SERVING_URL", "http://localhost:8501")
	cfg.ModelGRPCAddr = getEnvString("MODEL_GRPC_ADDR", "localhost:8500")
	cfg.InferenceTimeout = getEnvDuration("INFERENCE_TIMEOUT", 30*time.Second)
	cfg.UploadMaxSize = getEnvInt64("UPLOAD_MAX_SIZE", 16<<20)
	cfg.PredictionCacheTTL = getEnvDuration("PREDICTION_CACHE_TTL", 24*time.Hour)

	cfg.ModelDir = getEnvString("MODEL_DIR", "models")
	cfg.ModelArtifacts = getEnvString("MODEL_ARTIFACTS", "")
	cfg.ModelFetchTimeout = getEnvDuration("MODEL_FETCH_TIMEOUT", 10*time.Minute)

	cfg.StorageDir = getEnvString("STORAGE_DIR", "data")
	cfg.S3Bucket = getEnvString("S3_BUCKET", "")
	cfg.S3Region = getEnvString("S3_REGION", "us-east-1")
	cfg.S3Endpoint = getEnvString("S3_ENDPOINT", "")
	cfg.S3AccessKey = getEnvString("S3_ACCESS_KEY", "")
	cfg.S3SecretKey = getEnvString("S3_SECRET_KEY", "")

	cfg.RedisAddr = getEnvString("REDIS_ADDR", "")
	cfg.RedisPassword = getEnvString("REDIS_PASSWORD", "")

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 20)
	cfg.RateLimitAnalyze = getEnvInt("RATE_LIMIT_ANALYZE", 30)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	cfg.UnverifiedRetentionDays = getEnvInt("UNVERIFIED_RETENTION_DAYS", 7)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
