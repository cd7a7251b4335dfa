// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/neurosight/internal/middleware"
	"github.com/hitoshi/neurosight/internal/model"
)

// maxJSONBodySize はJSONリクエストボディの上限。
const maxJSONBodySize = 1 << 20

// writeJSON は成功レスポンスを書き込む。payloadには"success": trueを付与する。
func writeJSON(w http.ResponseWriter, status int, payload map[string]any) {
	body := map[string]any{"success": true}
	for k, v := range payload {
		body[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをdstにデコードする。
// 形式不正やサイズ超過はバリデーションエラーとして返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return model.NewFileTooLargeError(maxErr.Limit)
		case errors.Is(err, io.EOF):
			return model.NewValidationError("Request body is empty.")
		default:
			return model.NewValidationError("Request body is not valid JSON.")
		}
	}
	return nil
}

// currentAccount はセッションミドルウェアが設定したアカウントを返す。
// 未設定の場合はエラーレスポンスを書き込んでnilを返す。
func currentAccount(w http.ResponseWriter, r *http.Request) *model.Account {
	account, err := middleware.AccountFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return nil
	}
	return account
}
