package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/neurosight/internal/middleware"
	"github.com/hitoshi/neurosight/internal/model"
)

// --- モック定義 ---

// mockUserService はUserServiceInterfaceのモック実装。
type mockUserService struct {
	withdrawFn func(ctx context.Context, userID string) error
}

func (m *mockUserService) Withdraw(ctx context.Context, userID string) error {
	if m.withdrawFn != nil {
		return m.withdrawFn(ctx, userID)
	}
	return nil
}

// --- DELETE /api/users/me テスト ---

func TestUserHandler_Withdraw_Success(t *testing.T) {
	withdrawCalled := false
	svc := &mockUserService{
		withdrawFn: func(ctx context.Context, userID string) error {
			withdrawCalled = true
			if userID != "user-123" {
				t.Errorf("userID = %q, want %q", userID, "user-123")
			}
			return nil
		},
	}

	h := NewUserHandler(svc, testAuthConfig)

	req := httptest.NewRequest(http.MethodDelete, "/api/users/me", nil)
	req = withAccount(req, &model.Account{ID: "user-123"})
	w := httptest.NewRecorder()

	h.Withdraw(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if !withdrawCalled {
		t.Error("expected Withdraw to be called")
	}
	if c := findCookie(resp, middleware.SessionCookieName); c == nil || c.MaxAge >= 0 {
		t.Errorf("session cookie not cleared: %+v", c)
	}
}

func TestUserHandler_Withdraw_NoAccount_ReturnsUnauthorized(t *testing.T) {
	h := NewUserHandler(&mockUserService{}, testAuthConfig)

	req := httptest.NewRequest(http.MethodDelete, "/api/users/me", nil)
	w := httptest.NewRecorder()

	h.Withdraw(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestUserHandler_Withdraw_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"user not found", model.NewUserNotFoundError(), http.StatusNotFound},
		{"internal error", errors.New("transaction failed"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockUserService{
				withdrawFn: func(ctx context.Context, userID string) error {
					return tt.err
				},
			}
			h := NewUserHandler(svc, testAuthConfig)

			req := withAccount(httptest.NewRequest(http.MethodDelete, "/api/users/me", nil), &model.Account{ID: "user-123"})
			w := httptest.NewRecorder()
			h.Withdraw(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if c := findCookie(w.Result(), middleware.SessionCookieName); c != nil {
				t.Error("session cookie must be kept when withdrawal fails")
			}
		})
	}
}
