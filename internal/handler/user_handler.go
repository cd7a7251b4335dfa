package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/neurosight/internal/middleware"
	"github.com/hitoshi/neurosight/internal/model"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// Withdraw はアカウントを削除する。
	// セッション、identities、解析履歴、保存済みの画像とレポートも削除される。
	Withdraw(ctx context.Context, userID string) error
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service      UserServiceInterface
	cookieDomain string
	cookieSecure bool
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface, config AuthHandlerConfig) *UserHandler {
	return &UserHandler{
		service:      service,
		cookieDomain: config.CookieDomain,
		cookieSecure: config.CookieSecure,
	}
}

// Withdraw は退会処理を実行し、セッションCookieをクリアする。
// DELETE /api/users/me
func (h *UserHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return
	}

	if err := h.service.Withdraw(r.Context(), userID); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	clearSessionCookie(w, h.cookieDomain, h.cookieSecure)
	w.WriteHeader(http.StatusNoContent)
}
