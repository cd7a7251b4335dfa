package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/neurosight/internal/model"
)

// --- モック定義 ---

type mockAccountResolver struct {
	getCurrentAccountFn func(ctx context.Context, sessionID string) (*model.Account, error)
}

func (m *mockAccountResolver) GetCurrentAccount(ctx context.Context, sessionID string) (*model.Account, error) {
	if m.getCurrentAccountFn != nil {
		return m.getCurrentAccountFn(ctx, sessionID)
	}
	return nil, model.NewUnauthenticatedError()
}

func resolverFor(sessionID string, account *model.Account) *mockAccountResolver {
	return &mockAccountResolver{
		getCurrentAccountFn: func(ctx context.Context, id string) (*model.Account, error) {
			if id == sessionID {
				return account, nil
			}
			return nil, model.NewUnauthenticatedError()
		},
	}
}

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) ErrorResponseBody {
	t.Helper()
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}

// --- テスト ---

func TestSessionMiddleware_ValidSession_InjectsAccount(t *testing.T) {
	account := &model.Account{ID: "user-123", Onboarded: true, Active: true}
	mw := NewSessionMiddleware(resolverFor("valid-session-id", account))

	var got *model.Account
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		got, err = AccountFromContext(r.Context())
		if err != nil {
			t.Errorf("AccountFromContext() error = %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "valid-session-id"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got == nil || got.ID != "user-123" {
		t.Errorf("account = %+v, want user-123", got)
	}
}

func TestSessionMiddleware_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		cookie     string
		resolveErr error
		wantStatus int
		wantCode   string
	}{
		{"no cookie", "", nil, http.StatusUnauthorized, model.ErrCodeUnauthenticated},
		{"expired session", "expired", model.NewUnauthenticatedError(), http.StatusUnauthorized, model.ErrCodeUnauthenticated},
		{"deactivated account", "s1", model.NewAccountDeactivatedError(), http.StatusForbidden, model.ErrCodeAccountDeactivated},
		{"repository failure", "s1", errors.New("db down"), http.StatusInternalServerError, model.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &mockAccountResolver{
				getCurrentAccountFn: func(ctx context.Context, id string) (*model.Account, error) {
					return nil, tt.resolveErr
				},
			}
			handler := NewSessionMiddleware(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/dashboard", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: tt.cookie})
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			body := decodeErrorBody(t, w)
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
			if body.Success {
				t.Error("success = true, want false")
			}
		})
	}
}

func TestOnboardingGate(t *testing.T) {
	tests := []struct {
		name       string
		account    *model.Account
		wantStatus int
	}{
		{"onboarded", &model.Account{ID: "u1", Onboarded: true}, http.StatusOK},
		{"not onboarded", &model.Account{ID: "u1"}, http.StatusForbidden},
		{"no account", nil, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewOnboardingGate()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/analyses", nil)
			if tt.account != nil {
				req = req.WithContext(ContextWithAccount(req.Context(), tt.account))
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusForbidden {
				if body := decodeErrorBody(t, w); body.Code != model.ErrCodeOnboardingRequired {
					t.Errorf("code = %q, want %q", body.Code, model.ErrCodeOnboardingRequired)
				}
			}
		})
	}
}

func TestUserIDFromContext(t *testing.T) {
	if _, err := UserIDFromContext(context.Background()); err == nil {
		t.Error("expected error for empty context")
	}

	ctx := ContextWithAccount(context.Background(), &model.Account{ID: "user-456"})
	got, err := UserIDFromContext(ctx)
	if err != nil {
		t.Fatalf("UserIDFromContext() error = %v", err)
	}
	if got != "user-456" {
		t.Errorf("userID = %q, want %q", got, "user-456")
	}
}
