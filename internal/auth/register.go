package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"github.com/hitoshi/neurosight/internal/model"
	"github.com/hitoshi/neurosight/internal/repository"
)

// defaultRole は新規アカウントのロール。
const defaultRole = "doctor"

// dummyHash はアカウントが存在しない場合の比較に使うbcryptハッシュ。
// 応答時間からアカウントの存在を推測されにくくする。
var dummyHash, _ = HashPassword("Dummy-Passw0rd!")

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// validateEmail は表示名を含まない単一のメールアドレスかを検証する。
func validateEmail(email string) error {
	if email == "" {
		return model.NewValidationError("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return model.NewValidationError("invalid email address")
	}
	return nil
}

func asAPIError(err error) (*model.APIError, bool) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// Register はメールアドレスとパスワードでアカウントを登録し、検証用OTPを送信する。
// 検証済みアカウントが存在する場合は重複エラー、未検証アカウントが存在する場合はOTPを再発行する。
func (s *Service) Register(ctx context.Context, email, password, name string) (*model.Account, error) {
	// 1. 入力検証（永続化より先に行う）
	email = normalizeEmail(email)
	name = strings.TrimSpace(name)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, model.NewValidationError("name is required")
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	if s.sanitizer != nil {
		name = s.sanitizer.Sanitize(name)
	}

	// 2. 既存アカウントの確認
	existing, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}

	if existing != nil {
		return s.reissueRegistrationOTP(ctx, existing)
	}

	// 3b. 新規アカウント: 未検証状態で作成
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	now := s.now()
	account := &model.Account{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		Name:         name,
		Role:         defaultRole,
		Verification: model.VerificationUnverified,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.issueOTP(account); err != nil {
		return nil, err
	}

	if err := s.accounts.Create(ctx, account); err != nil {
		if !errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, fmt.Errorf("failed to create account: %w", err)
		}
		// 並行した登録が先に作成したアカウントを既存アカウントとして扱う
		existing, findErr := s.accounts.FindByEmail(ctx, email)
		if findErr != nil {
			return nil, fmt.Errorf("failed to find account: %w", findErr)
		}
		if existing == nil {
			return nil, fmt.Errorf("failed to create account: %w", err)
		}
		return s.reissueRegistrationOTP(ctx, existing)
	}

	s.sendOTP(account)
	s.metrics.RecordAuthEvent("register", "success")
	slog.Info("new account registered", slog.String("user_id", account.ID))
	return account, nil
}

// reissueRegistrationOTP は登録済みメールアドレスへの再登録を処理する。
// 検証済みの場合は重複エラー、未検証の場合はOTPを再発行して再送する。
func (s *Service) reissueRegistrationOTP(ctx context.Context, existing *model.Account) (*model.Account, error) {
	if existing.Verification == model.VerificationVerified {
		s.metrics.RecordAuthEvent("register", "duplicate")
		return nil, model.NewDuplicateVerifiedAccountError()
	}

	// 3a. 未検証アカウント: OTPを再発行して再送
	var account *model.Account
	err := s.accounts.Mutate(ctx, existing.ID, func(a *model.Account) (bool, error) {
		if a.Verification == model.VerificationVerified {
			return false, model.NewDuplicateVerifiedAccountError()
		}
		if err := s.issueOTP(a); err != nil {
			return false, err
		}
		account = a
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.sendOTP(account)
	s.metrics.RecordAuthEvent("register", "otp_resent")
	slog.Info("verification code reissued for unverified account", slog.String("user_id", account.ID))
	return account, nil
}

// VerifyOTP はOTPを検証し、一致した場合はアカウントを検証済みにする。
// 判定は行ロック下で行い、不一致の場合は試行回数を加算して保存する。
func (s *Service) VerifyOTP(ctx context.Context, accountID, code string) (*model.Account, error) {
	code = strings.TrimSpace(code)
	if accountID == "" || code == "" {
		return nil, model.NewValidationError("user_id and otp_code are required")
	}
	if _, err := uuid.Parse(accountID); err != nil {
		return nil, model.NewUserNotFoundError()
	}

	var verified *model.Account
	err := s.accounts.Mutate(ctx, accountID, func(a *model.Account) (bool, error) {
		if !a.HasPendingOTP() {
			return false, model.NewNoOTPPendingError()
		}
		if s.now().After(*a.OTPExpiresAt) {
			return false, model.NewOTPExpiredError()
		}
		if a.OTPAttempts >= model.MaxOTPAttempts {
			return false, model.NewTooManyAttemptsError()
		}
		if subtle.ConstantTimeCompare([]byte(code), []byte(a.OTPCode)) != 1 {
			a.OTPAttempts++
			return true, model.NewOTPMismatchError(model.MaxOTPAttempts - a.OTPAttempts)
		}

		a.ClearOTP()
		a.Verification = model.VerificationVerified
		verified = a
		return true, nil
	})
	if err != nil {
		outcome := "error"
		if apiErr, ok := asAPIError(err); ok {
			outcome = strings.ToLower(apiErr.Code)
		}
		s.metrics.RecordAuthEvent("verify_otp", outcome)
		return nil, err
	}

	s.metrics.RecordAuthEvent("verify_otp", "success")
	slog.Info("email verified", slog.String("user_id", accountID))
	return verified, nil
}

// ResendOTP は未検証アカウントのOTPを再発行して送信する。
func (s *Service) ResendOTP(ctx context.Context, accountID string) error {
	if _, err := uuid.Parse(accountID); err != nil {
		return model.NewUserNotFoundError()
	}

	var account *model.Account
	err := s.accounts.Mutate(ctx, accountID, func(a *model.Account) (bool, error) {
		if a.Verification == model.VerificationVerified {
			return false, model.NewAlreadyVerifiedError()
		}
		if err := s.issueOTP(a); err != nil {
			return false, err
		}
		account = a
		return true, nil
	})
	if err != nil {
		return err
	}

	s.sendOTP(account)
	s.metrics.RecordAuthEvent("resend_otp", "success")
	slog.Info("verification code resent", slog.String("user_id", accountID))
	return nil
}

// Login はメールアドレスとパスワードで認証し、セッションを発行する。
// 検証フラグが未設定（NULL）の旧アカウントはログインを許可する。
func (s *Service) Login(ctx context.Context, email, password string) (*model.Session, *model.Account, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, nil, model.NewValidationError("email and password are required")
	}

	account, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find account: %w", err)
	}

	// 1. 認証情報の照合
	if account == nil || !account.HasPassword() {
		checkPassword(dummyHash, password)
		s.metrics.RecordAuthEvent("login", "invalid_credentials")
		return nil, nil, model.NewInvalidCredentialsError()
	}
	if !checkPassword(account.PasswordHash, password) {
		s.metrics.RecordAuthEvent("login", "invalid_credentials")
		return nil, nil, model.NewInvalidCredentialsError()
	}

	// 2. アカウント状態の確認
	if !account.Active {
		s.metrics.RecordAuthEvent("login", "deactivated")
		return nil, nil, model.NewAccountDeactivatedError()
	}
	if account.Verification == model.VerificationUnverified {
		s.metrics.RecordAuthEvent("login", "not_verified")
		return nil, nil, model.NewEmailNotVerifiedError()
	}

	// 3. セッション発行
	session, err := s.startSession(ctx, account.ID)
	if err != nil {
		return nil, nil, err
	}

	s.metrics.RecordAuthEvent("login", "success")
	slog.Info("user logged in",
		slog.String("user_id", account.ID),
		slog.String("verification", account.Verification.String()),
	)
	return session, account, nil
}
