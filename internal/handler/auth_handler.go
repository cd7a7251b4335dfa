package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/neurosight/internal/middleware"
	"github.com/hitoshi/neurosight/internal/model"
)

const oauthStateCookie = "oauth_state"

var errExternalLoginDisabled = &model.APIError{
	Code:     "EXTERNAL_LOGIN_DISABLED",
	Message:  "Google sign-in is not available.",
	Category: model.CategoryUnavailable,
	Action:   "Sign in with your email and password.",
}

var errInvalidOAuthState = &model.APIError{
	Code:     "INVALID_OAUTH_STATE",
	Message:  "The sign-in request could not be verified.",
	Category: model.CategoryValidation,
	Action:   "Start the Google sign-in again.",
}

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Register(ctx context.Context, email, password, name string) (*model.Account, error)
	VerifyOTP(ctx context.Context, accountID, code string) (*model.Account, error)
	ResendOTP(ctx context.Context, accountID string) error
	Login(ctx context.Context, email, password string) (*model.Session, *model.Account, error)
	ExternalLoginEnabled() bool
	GetLoginURL(state string) string
	HandleCallback(ctx context.Context, code string) (*model.Session, *model.Account, error)
	Logout(ctx context.Context, sessionID string) error
	GetCurrentAccount(ctx context.Context, sessionID string) (*model.Account, error)
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, password string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL       string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

// accountResponse はAPIで返すアカウント情報。
type accountResponse struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	Name            string     `json:"name"`
	Role            string     `json:"role"`
	Verification    string     `json:"verification"`
	Onboarded       bool       `json:"onboarded"`
	ProfilePhotoURL string     `json:"profile_photo_url,omitempty"`
	HospitalName    string     `json:"hospital_name,omitempty"`
	LastLoginAt     *time.Time `json:"last_login_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func toAccountResponse(a *model.Account) accountResponse {
	return accountResponse{
		ID:              a.ID,
		Email:           a.Email,
		Name:            a.Name,
		Role:            a.Role,
		Verification:    a.Verification.String(),
		Onboarded:       a.Onboarded,
		ProfilePhotoURL: a.ProfilePhotoURL,
		HospitalName:    a.Profile.HospitalName,
		LastLoginAt:     a.LastLoginAt,
		CreatedAt:       a.CreatedAt,
	}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type verifyOTPRequest struct {
	AccountID string `json:"account_id"`
	OTP       string `json:"otp"`
}

type resendOTPRequest struct {
	AccountID string `json:"account_id"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// Register はメールアドレスとパスワードでアカウントを登録し、確認コードを送信する。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	account, err := h.service.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"account_id": account.ID,
		"email":      account.Email,
		"message":    "A verification code has been sent to your email.",
	})
}

// VerifyOTP は確認コードを検証する。検証成功後はログインが必要。
// POST /auth/verify-otp
func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	account, err := h.service.VerifyOTP(r.Context(), req.AccountID, strings.TrimSpace(req.OTP))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account": toAccountResponse(account),
		"message": "Your email has been verified. Please log in.",
	})
}

// ResendOTP は確認コードを再発行する。
// POST /auth/resend-otp
func (h *AuthHandler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var req resendOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	if err := h.service.ResendOTP(r.Context(), req.AccountID); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "A new verification code has been sent to your email.",
	})
}

// Login はメールアドレスとパスワードで認証し、セッションCookieを発行する。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	session, account, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	h.setSessionCookie(w, session.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"account":             toAccountResponse(account),
		"onboarding_required": !account.Onboarded,
	})
}

// GoogleLogin はGoogle OAuthフローを開始する。
// GET /auth/google/login
func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	if !h.service.ExternalLoginEnabled() {
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, errExternalLoginDisabled)
		return
	}

	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.service.GetLoginURL(state), http.StatusTemporaryRedirect)
}

// GoogleCallback はOAuthコールバックを処理し、オンボーディング状態に応じて遷移先を決める。
// GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	if !h.service.ExternalLoginEnabled() {
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, errExternalLoginDisabled)
		return
	}

	// 1. stateの検証
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch", slog.String("query_state", state))
		middleware.WriteErrorResponse(w, http.StatusBadRequest, errInvalidOAuthState)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	// 2. 認可コードの取得
	code := r.URL.Query().Get("code")
	if code == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewMissingFieldError("code"))
		return
	}

	// 3. 認証処理
	session, account, err := h.service.HandleCallback(r.Context(), code)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	// 4. セッションCookieを設定してフロントエンドへ
	h.setSessionCookie(w, session.ID)

	dest := "/dashboard"
	if !account.Onboarded {
		dest = "/onboarding"
	}
	http.Redirect(w, r, strings.TrimRight(h.config.BaseURL, "/")+dest, http.StatusTemporaryRedirect)
}

// Logout はセッションを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err == nil && cookie.Value != "" {
		if logoutErr := h.service.Logout(r.Context(), cookie.Value); logoutErr != nil {
			// 失敗してもCookieはクリアする
			slog.Error("failed to logout", slog.String("error", logoutErr.Error()))
		}
	}

	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"message": "You have been logged out."})
}

// Me は現在のログインアカウント情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err != nil || cookie.Value == "" {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return
	}

	account, err := h.service.GetCurrentAccount(r.Context(), cookie.Value)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account":             toAccountResponse(account),
		"onboarding_required": !account.Onboarded,
	})
}

// ForgotPassword はパスワードリセットメールを送信する。
// アカウントの有無はレスポンスから判別できない。
// POST /auth/forgot-password
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	if err := h.service.ForgotPassword(r.Context(), req.Email); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "If an account exists for that email, a reset link has been sent.",
	})
}

// ResetPassword はリセットトークンを検証してパスワードを更新する。
// POST /auth/reset-password
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	if err := h.service.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Your password has been reset. Please log in.",
	})
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	clearSessionCookie(w, h.config.CookieDomain, h.config.CookieSecure)
}

func clearSessionCookie(w http.ResponseWriter, domain string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
