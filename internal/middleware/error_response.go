package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/neurosight/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
type ErrorResponseBody struct {
	Success  bool   `json:"success"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

var statusByCode = map[string]int{
	model.ErrCodeInvalidInput:             http.StatusBadRequest,
	model.ErrCodeMissingField:             http.StatusBadRequest,
	model.ErrCodeNotConfirmed:             http.StatusBadRequest,
	model.ErrCodeNoOTPPending:             http.StatusBadRequest,
	model.ErrCodeOTPExpired:               http.StatusBadRequest,
	model.ErrCodeOTPMismatch:              http.StatusBadRequest,
	model.ErrCodeInvalidImage:             http.StatusBadRequest,
	model.ErrCodeInvalidURL:               http.StatusBadRequest,
	model.ErrCodeSSRFBlocked:              http.StatusBadRequest,
	model.ErrCodeInvalidCredentials:       http.StatusUnauthorized,
	model.ErrCodeUnauthenticated:          http.StatusUnauthorized,
	model.ErrCodeInvalidResetToken:        http.StatusUnauthorized,
	model.ErrCodeAccountDeactivated:       http.StatusForbidden,
	model.ErrCodeEmailNotVerified:         http.StatusForbidden,
	model.ErrCodeOnboardingRequired:       http.StatusForbidden,
	model.ErrCodeUserNotFound:             http.StatusNotFound,
	model.ErrCodeUnknownDisease:           http.StatusNotFound,
	model.ErrCodeAnalysisNotFound:         http.StatusNotFound,
	model.ErrCodeDuplicateVerifiedAccount: http.StatusConflict,
	model.ErrCodeAlreadyVerified:          http.StatusConflict,
	model.ErrCodeAlreadyOnboarded:         http.StatusConflict,
	model.ErrCodeFileTooLarge:             http.StatusRequestEntityTooLarge,
	model.ErrCodeTooManyAttempts:          http.StatusTooManyRequests,
	model.ErrCodeInferenceFailed:          http.StatusBadGateway,
	model.ErrCodeModelUnavailable:         http.StatusServiceUnavailable,
}

// StatusForError はAPIErrorに対応するHTTPステータスを返す。
// 未定義のコードはカテゴリから決定する。
func StatusForError(apiErr *model.APIError) int {
	if status, ok := statusByCode[apiErr.Code]; ok {
		return status
	}
	switch apiErr.Category {
	case model.CategoryValidation:
		return http.StatusBadRequest
	case model.CategoryAuth:
		return http.StatusUnauthorized
	case model.CategoryNotFound:
		return http.StatusNotFound
	case model.CategoryUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Success:  false,
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteError はエラーをレスポンスに変換する。
// APIError以外は詳細をログにのみ記録し、一般的な500を返す。
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		WriteErrorResponse(w, StatusForError(apiErr), apiErr)
		return
	}
	slog.Error("request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	WriteInternalServerError(w)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
