package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/neurosight/internal/model"
)

func okHandler(count *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*count++
		w.WriteHeader(http.StatusOK)
	})
}

func userRequest(userID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/dashboard", nil)
	return req.WithContext(ContextWithAccount(req.Context(), &model.Account{ID: userID}))
}

func testLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(1.0 / 60.0),
		GeneralBurst:    3,
		AnalyzeRate:     rate.Limit(1.0 / 60.0),
		AnalyzeBurst:    1,
		AuthRate:        rate.Limit(0.5),
		AuthBurst:       2,
		CleanupInterval: time.Minute,
	}
}

func TestGeneralMiddleware_BurstThen429(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()

	count := 0
	handler := rl.GeneralMiddleware()(okHandler(&count))

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, userRequest("user-1"))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, userRequest("user-1"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want %q", got, "60")
	}
	if body := decodeErrorBody(t, w); body.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("code = %q, want %q", body.Code, "RATE_LIMIT_EXCEEDED")
	}
	if count != 3 {
		t.Errorf("handler calls = %d, want 3", count)
	}

	// 他ユーザーは影響を受けない
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, userRequest("user-2"))
	if w.Code != http.StatusOK {
		t.Errorf("other user status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAnalyzeMiddleware_IndependentFromGeneral(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()

	count := 0
	analyze := rl.AnalyzeMiddleware()(okHandler(&count))
	general := rl.GeneralMiddleware()(okHandler(&count))

	w := httptest.NewRecorder()
	analyze.ServeHTTP(w, userRequest("user-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("first analyze status = %d", w.Code)
	}
	w = httptest.NewRecorder()
	analyze.ServeHTTP(w, userRequest("user-1"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second analyze status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	w = httptest.NewRecorder()
	general.ServeHTTP(w, userRequest("user-1"))
	if w.Code != http.StatusOK {
		t.Errorf("general status = %d, want %d", w.Code, http.StatusOK)
	}
	if rl.AnalyzeLimiterCount() != 1 || rl.GeneralLimiterCount() != 1 {
		t.Errorf("limiter counts = %d/%d, want 1/1", rl.AnalyzeLimiterCount(), rl.GeneralLimiterCount())
	}
}

func TestPerUserMiddleware_NoAccount_Returns401(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()

	count := 0
	w := httptest.NewRecorder()
	rl.GeneralMiddleware()(okHandler(&count)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/dashboard", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_PerClientIP(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()

	count := 0
	handler := rl.AuthMiddleware()(okHandler(&count))

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	// 同一IPはポートが違っても同じ枠を使う
	if got := send("203.0.113.7:5000"); got != http.StatusOK {
		t.Fatalf("status = %d", got)
	}
	if got := send("203.0.113.7:5001"); got != http.StatusOK {
		t.Fatalf("status = %d", got)
	}
	if got := send("203.0.113.7:5002"); got != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", got, http.StatusTooManyRequests)
	}
	if got := send("198.51.100.1:4000"); got != http.StatusOK {
		t.Errorf("other IP status = %d, want %d", got, http.StatusOK)
	}
	if rl.AuthLimiterCount() != 2 {
		t.Errorf("AuthLimiterCount() = %d, want 2", rl.AuthLimiterCount())
	}
}

func TestRateLimiter_CleanupEvictsIdleEntries(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()

	count := 0
	rl.GeneralMiddleware()(okHandler(&count)).ServeHTTP(httptest.NewRecorder(), userRequest("idle-user"))
	if rl.GeneralLimiterCount() != 1 {
		t.Fatalf("GeneralLimiterCount() = %d, want 1", rl.GeneralLimiterCount())
	}

	rl.cleanup(time.Now().Add(time.Minute))
	if rl.GeneralLimiterCount() != 1 {
		t.Errorf("entry evicted before TTL")
	}
	rl.cleanup(time.Now().Add(3 * time.Minute))
	if rl.GeneralLimiterCount() != 0 {
		t.Errorf("GeneralLimiterCount() = %d, want 0", rl.GeneralLimiterCount())
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	rl.Stop()
	rl.Stop()
}

func TestPerMinute(t *testing.T) {
	limit, burst := PerMinute(120)
	if limit != rate.Limit(2) || burst != 120 {
		t.Errorf("PerMinute(120) = %v, %d; want 2, 120", limit, burst)
	}
	if limit, _ := PerMinute(0); limit != rate.Inf {
		t.Errorf("PerMinute(0) = %v, want Inf", limit)
	}
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()
	if cfg.GeneralBurst != 120 || cfg.AnalyzeBurst != 30 || cfg.AuthBurst != 20 {
		t.Errorf("bursts = %d/%d/%d, want 120/30/20", cfg.GeneralBurst, cfg.AnalyzeBurst, cfg.AuthBurst)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m", cfg.CleanupInterval)
	}
}
