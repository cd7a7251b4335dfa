package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"unicode"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/neurosight/internal/model"
)

// maxPasswordBytes はbcryptが扱える最大長。
const maxPasswordBytes = 72

// resetAudience はパスワードリセットトークンのaudクレーム。
const resetAudience = "password-reset"

// bcryptCost はパスワードハッシュのコスト。テストでは下げて使う。
var bcryptCost = bcrypt.DefaultCost

// ValidatePassword はパスワードポリシーを検証する。
// 英大文字・英小文字・数字・記号をそれぞれ1文字以上含み、72バイト以下であること。
func ValidatePassword(password string) error {
	if password == "" {
		return model.NewValidationError("password is required")
	}
	if len(password) > maxPasswordBytes {
		return model.NewValidationError(fmt.Sprintf("password must be at most %d bytes", maxPasswordBytes))
	}

	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	if !upper || !lower || !digit || !symbol {
		return model.NewValidationError("password must contain an uppercase letter, a lowercase letter, a digit and a symbol")
	}
	return nil
}

// HashPassword はパスワードをbcryptでハッシュ化する。
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// resetClaims はパスワードリセットトークンのクレーム。
// fpは発行時のパスワードハッシュの指紋で、パスワード変更後はトークンが無効になる。
type resetClaims struct {
	Fingerprint string `json:"fp"`
	jwt.RegisteredClaims
}

func passwordFingerprint(hash string) string {
	sum := sha256.Sum256([]byte(hash))
	return hex.EncodeToString(sum[:16])
}

func (s *Service) issueResetToken(a *model.Account) (string, error) {
	now := s.now()
	claims := resetClaims{
		Fingerprint: passwordFingerprint(a.PasswordHash),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.ID,
			Audience:  jwt.ClaimStrings{resetAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.ResetTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.config.ResetSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign reset token: %w", err)
	}
	return token, nil
}

func (s *Service) parseResetToken(token string) (*resetClaims, error) {
	claims := &resetClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) {
			return s.config.ResetSecret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(resetAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("reset token has no subject")
	}
	return claims, nil
}

// ForgotPassword はパスワードリセットメールを送信する。
// アカウントの存在有無を推測させないため、未登録や無効化済みのメールアドレスでもエラーを返さない。
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return model.NewValidationError("email is required")
	}

	account, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil || !account.Active {
		slog.Info("password reset requested for unknown or inactive account")
		s.metrics.RecordAuthEvent("forgot_password", "ignored")
		return nil
	}

	token, err := s.issueResetToken(account)
	if err != nil {
		return err
	}

	to, name, ttl := account.Email, account.Name, s.config.ResetTTL
	s.dispatchEmail("password_reset", to, func(ctx context.Context) error {
		return s.notifier.SendPasswordReset(ctx, to, name, token, ttl)
	})

	s.metrics.RecordAuthEvent("forgot_password", "success")
	slog.Info("password reset email queued", slog.String("user_id", account.ID))
	return nil
}

// ResetPassword はリセットトークンを検証してパスワードを更新し、全セッションを失効させる。
func (s *Service) ResetPassword(ctx context.Context, token, password string) error {
	// 1. 入力検証
	if err := ValidatePassword(password); err != nil {
		return err
	}

	// 2. トークン検証
	claims, err := s.parseResetToken(token)
	if err != nil {
		s.metrics.RecordAuthEvent("reset_password", "invalid_token")
		slog.Warn("invalid password reset token", slog.String("error", err.Error()))
		return model.NewInvalidResetTokenError()
	}

	// 3. 使用済みトークンでセッションを失効させないよう、先に指紋を確認
	account, err := s.accounts.FindByID(ctx, claims.Subject)
	if err != nil {
		return fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil || passwordFingerprint(account.PasswordHash) != claims.Fingerprint {
		s.metrics.RecordAuthEvent("reset_password", "invalid_token")
		return model.NewInvalidResetTokenError()
	}

	hash, err := HashPassword(password)
	if err != nil {
		return err
	}

	// 4. パスワード変更前に既存セッションを全て失効
	// 失敗した場合はパスワードを変更せず、同じトークンで再試行できる
	if err := s.sessions.DeleteByUserID(ctx, claims.Subject); err != nil {
		return fmt.Errorf("failed to revoke sessions: %w", err)
	}

	// 5. 指紋が一致する場合のみパスワードを更新
	err = s.accounts.Mutate(ctx, claims.Subject, func(a *model.Account) (bool, error) {
		if passwordFingerprint(a.PasswordHash) != claims.Fingerprint {
			return false, model.NewInvalidResetTokenError()
		}
		a.PasswordHash = hash
		return true, nil
	})
	if err != nil {
		if apiErr, ok := asAPIError(err); ok && apiErr.Code == model.ErrCodeUserNotFound {
			return model.NewInvalidResetTokenError()
		}
		return err
	}

	// 6. 4と5の間に旧パスワードで作成されたセッションを失効
	// パスワードは変更済みのため、失敗してもエラーにしない
	if err := s.sessions.DeleteByUserID(ctx, claims.Subject); err != nil {
		slog.Warn("failed to revoke sessions after password reset",
			slog.String("user_id", claims.Subject),
			slog.String("error", err.Error()),
		)
	}

	s.metrics.RecordAuthEvent("reset_password", "success")
	slog.Info("password reset completed", slog.String("user_id", claims.Subject))
	return nil
}
