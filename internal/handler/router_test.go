package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/neurosight/internal/middleware"
	"github.com/hitoshi/neurosight/internal/model"
)

// --- モック定義 ---

type stubHealth struct{ err error }

func (s stubHealth) PingContext(ctx context.Context) error { return s.err }

// newTestRouter はセッションIDごとのアカウントを解決するテスト用ルーターを生成する。
func newTestRouter(t *testing.T, accounts map[string]*model.Account, health HealthChecker) http.Handler {
	t.Helper()
	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(limiter.Stop)

	auth := &mockAuthService{
		getCurrentAccountFn: func(ctx context.Context, sessionID string) (*model.Account, error) {
			if a, ok := accounts[sessionID]; ok {
				return a, nil
			}
			return nil, model.NewUnauthenticatedError()
		},
		loginFn: func(ctx context.Context, email, password string) (*model.Session, *model.Account, error) {
			return &model.Session{ID: "s-new"}, &model.Account{ID: "user-1"}, nil
		},
	}

	return NewRouter(&RouterDeps{
		AccountResolver:   auth,
		RateLimiter:       limiter,
		CORSAllowedOrigin: "http://localhost:3000",
		HealthChecker:     health,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics"))
		}),
		AuthService:       auth,
		AuthConfig:        testAuthConfig,
		OnboardingService: &mockOnboardingService{},
		AnalysisService:   &mockAnalysisService{},
		Diseases:          stubDiseases{{Key: "stroke", Name: "Brain Stroke", Kind: "keras", Available: true}},
		UploadMaxSize:     1 << 20,
		UserService:       &mockUserService{},
	})
}

func serve(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// --- テスト ---

func TestRouter_Health(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		router := newTestRouter(t, nil, stubHealth{})
		w := serve(router, httptest.NewRequest(http.MethodGet, "/health", nil))
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("database down", func(t *testing.T) {
		router := newTestRouter(t, nil, stubHealth{err: errors.New("connection refused")})
		w := serve(router, httptest.NewRequest(http.MethodGet, "/health", nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
	})
}

func TestRouter_Metrics(t *testing.T) {
	router := newTestRouter(t, nil, stubHealth{})
	w := serve(router, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "# metrics") {
		t.Errorf("GET /metrics = %d %q", w.Code, w.Body.String())
	}
}

func TestRouter_ProtectedRoutes(t *testing.T) {
	accounts := map[string]*model.Account{
		"s-new":  {ID: "user-new", Active: true, Onboarded: false},
		"s-done": {ID: "user-done", Active: true, Onboarded: true},
	}
	router := newTestRouter(t, accounts, stubHealth{})

	tests := []struct {
		name       string
		path       string
		session    string
		wantStatus int
	}{
		{"history without session", "/api/analyses", "", http.StatusUnauthorized},
		{"history with unknown session", "/api/analyses", "s-bogus", http.StatusUnauthorized},
		{"history before onboarding", "/api/analyses", "s-new", http.StatusForbidden},
		{"history after onboarding", "/api/analyses", "s-done", http.StatusOK},
		{"diseases before onboarding", "/api/diseases", "s-new", http.StatusForbidden},
		{"dashboard after onboarding", "/api/dashboard", "s-done", http.StatusOK},
		{"onboarding prefill before onboarding", "/api/onboarding", "s-new", http.StatusOK},
		{"analysis of another user", "/api/analyses/xyz", "s-done", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.session != "" {
				req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: tt.session})
			}
			w := serve(router, req)
			if w.Code != tt.wantStatus {
				t.Errorf("GET %s status = %d, want %d", tt.path, w.Code, tt.wantStatus)
			}
		})
	}
}

func TestRouter_CSRFRequiredForStateChanges(t *testing.T) {
	router := newTestRouter(t, nil, stubHealth{})
	body := `{"email":"doc@example.com","password":"Secret123"}`

	t.Run("without token", func(t *testing.T) {
		w := serve(router, jsonRequest(http.MethodPost, "/auth/login", body))
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("with matching token", func(t *testing.T) {
		req := jsonRequest(http.MethodPost, "/auth/login", body)
		req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "tok"})
		req.Header.Set("X-CSRF-Token", "tok")
		w := serve(router, req)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d; body=%s", w.Code, http.StatusOK, w.Body.String())
		}
	})
}

func TestRouter_CSRFTokenEndpoint(t *testing.T) {
	router := newTestRouter(t, nil, stubHealth{})
	w := serve(router, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := decodeBody(t, w)
	if tok, _ := body["token"].(string); tok == "" {
		t.Error("token is empty")
	}
}

func TestRouter_SecurityHeadersOnEveryResponse(t *testing.T) {
	router := newTestRouter(t, nil, stubHealth{})
	w := serve(router, httptest.NewRequest(http.MethodGet, "/api/analyses", nil))

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want %q", got, "nosniff")
	}
}
