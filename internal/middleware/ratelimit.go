package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/neurosight/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般（ユーザー単位）
	GeneralBurst    int           // API全般のバーストサイズ
	AnalyzeRate     rate.Limit    // 画像解析（ユーザー単位）
	AnalyzeBurst    int           // 画像解析のバーストサイズ
	AuthRate        rate.Limit    // 認証エンドポイント（IP単位）
	AuthBurst       int           // 認証エンドポイントのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// PerMinute は1分あたりの回数からレートとバーストを求める。
func PerMinute(n int) (rate.Limit, int) {
	if n <= 0 {
		return rate.Inf, 0
	}
	return rate.Limit(float64(n) / 60.0), n
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min/user、解析 30 req/min/user、認証 20 req/min/IP。
func DefaultRateLimiterConfig() RateLimiterConfig {
	cfg := RateLimiterConfig{CleanupInterval: 5 * time.Minute}
	cfg.GeneralRate, cfg.GeneralBurst = PerMinute(120)
	cfg.AnalyzeRate, cfg.AnalyzeBurst = PerMinute(30)
	cfg.AuthRate, cfg.AuthBurst = PerMinute(20)
	return cfg
}

// keyedLimiter はキーごとのリミッターと最終アクセス時刻。
type keyedLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet はキー単位のリミッター集合。
type limiterSet struct {
	name  string
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*keyedLimiter
}

func newLimiterSet(name string, limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{name: name, limit: limit, burst: burst, limiters: make(map[string]*keyedLimiter)}
}

func (s *limiterSet) allow(key string, now time.Time) bool {
	s.mu.Lock()
	kl, ok := s.limiters[key]
	if !ok {
		kl = &keyedLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[key] = kl
	}
	kl.lastAccess = now
	s.mu.Unlock()
	return kl.limiter.AllowN(now, 1)
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

func (s *limiterSet) evictIdle(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, kl := range s.limiters {
		if now.Sub(kl.lastAccess) > ttl {
			delete(s.limiters, key)
		}
	}
}

// RateLimiter はユーザー単位とIP単位のレート制限を管理する。
type RateLimiter struct {
	config  RateLimiterConfig
	general *limiterSet
	analyze *limiterSet
	auth    *limiterSet

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter はRateLimiterを生成し、バックグラウンドのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	rl := &RateLimiter{
		config:  config,
		general: newLimiterSet("general", config.GeneralRate, config.GeneralBurst),
		analyze: newLimiterSet("analyze", config.AnalyzeRate, config.AnalyzeBurst),
		auth:    newLimiterSet("auth", config.AuthRate, config.AuthBurst),
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Stop はクリーンアップを停止する。複数回呼び出してもよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はAPI全般のユーザー単位レート制限を行う。SessionMiddlewareの後に配置する。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.perUser(rl.general)
}

// AnalyzeMiddleware は画像解析のユーザー単位レート制限を行う。API全般とは独立に動作する。
func (rl *RateLimiter) AnalyzeMiddleware() func(next http.Handler) http.Handler {
	return rl.perUser(rl.analyze)
}

// AuthMiddleware は未認証の認証エンドポイントをクライアントIP単位で制限する。
func (rl *RateLimiter) AuthMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !rl.auth.allow(ip, time.Now()) {
				rejectRateLimited(w, r, rl.auth, ip)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) perUser(set *limiterSet) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
				return
			}
			if !set.allow(userID, time.Now()) {
				rejectRateLimited(w, r, set, userID)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount はAPI全般リミッターのエントリ数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int { return rl.general.len() }

// AnalyzeLimiterCount は画像解析リミッターのエントリ数を返す。
func (rl *RateLimiter) AnalyzeLimiterCount() int { return rl.analyze.len() }

// AuthLimiterCount は認証リミッターのエントリ数を返す。
func (rl *RateLimiter) AuthLimiterCount() int { return rl.auth.len() }

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセスからCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup(now time.Time) {
	ttl := rl.config.CleanupInterval * 2
	rl.general.evictIdle(now, ttl)
	rl.analyze.evictIdle(now, ttl)
	rl.auth.evictIdle(now, ttl)
}

// clientIP はRemoteAddrからIPを取り出す。chiのRealIPミドルウェアの後に配置する前提。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rejectRateLimited は429を返す。Retry-Afterには1トークン補充までの秒数を設定する。
func rejectRateLimited(w http.ResponseWriter, r *http.Request, set *limiterSet, key string) {
	retryAfter := 1
	if set.limit > 0 && set.limit != rate.Inf {
		retryAfter = max(1, int(math.Ceil(1.0/float64(set.limit))))
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

	keyAttr := "user_id"
	if set.name == "auth" {
		keyAttr = "client_ip"
	}
	slog.Warn("rate limit exceeded",
		slog.String(keyAttr, key),
		slog.String("limit_type", set.name),
		slog.String("path", r.URL.Path),
	)

	WriteErrorResponse(w, http.StatusTooManyRequests, &model.APIError{
		Code:     "RATE_LIMIT_EXCEEDED",
		Message:  "Too many requests. Please try again later.",
		Category: model.CategorySystem,
		Action:   "Wait and retry after the time given in Retry-After.",
	})
}
