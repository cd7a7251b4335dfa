// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hitoshi/neurosight/internal/model"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var accountContextKey = contextKey("account")

// AccountResolver はセッションIDからアカウントを解決するインターフェース。
// 無効なセッションにはmodel.APIErrorを返す。
type AccountResolver interface {
	GetCurrentAccount(ctx context.Context, sessionID string) (*model.Account, error)
}

// NewSessionMiddleware はHTTP Only Cookieのセッションを検証し、
// ログイン中のアカウントをリクエストコンテキストに注入するミドルウェアを返す。
func NewSessionMiddleware(resolver AccountResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. CookieからセッションIDを取得
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
				return
			}

			// 2. セッションとアカウントの検証
			account, err := resolver.GetCurrentAccount(r.Context(), cookie.Value)
			if err != nil {
				WriteError(w, r, err)
				return
			}

			// 3. アカウントをコンテキストに注入
			annotateUserID(r.Context(), account.ID)
			next.ServeHTTP(w, r.WithContext(ContextWithAccount(r.Context(), account)))
		})
	}
}

// NewOnboardingGate はオンボーディング未完了のアカウントを403で拒否するミドルウェアを返す。
// SessionMiddlewareの後に配置する。
func NewOnboardingGate() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			account, err := AccountFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
				return
			}
			if !account.Onboarded {
				WriteErrorResponse(w, http.StatusForbidden, model.NewOnboardingRequiredError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AccountFromContext はリクエストコンテキストからアカウントを取得する。
func AccountFromContext(ctx context.Context) (*model.Account, error) {
	account, ok := ctx.Value(accountContextKey).(*model.Account)
	if !ok || account == nil {
		return nil, fmt.Errorf("account not found in context")
	}
	return account, nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	account, err := AccountFromContext(ctx)
	if err != nil {
		return "", err
	}
	return account.ID, nil
}

// ContextWithAccount はコンテキストにアカウントを注入する。
func ContextWithAccount(ctx context.Context, account *model.Account) context.Context {
	return context.WithValue(ctx, accountContextKey, account)
}
