package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/neurosight/internal/model"
)

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	EmailVerified  bool
	Name           string
	PictureURL     string
	Provider       string // "google"
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// HandleCallback はOAuthコールバックを処理し、セッションを発行する。
func (s *Service) HandleCallback(ctx context.Context, code string) (*model.Session, *model.Account, error) {
	if s.oauth == nil {
		return nil, nil, fmt.Errorf("external login is not configured")
	}

	userInfo, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		s.metrics.RecordAuthEvent("external_login", "exchange_failed")
		return nil, nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	return s.ExternalLogin(ctx, userInfo)
}

// ExternalLogin は外部IdPで認証済みのユーザーをログインさせる。
// 未登録の場合は検証済み・オンボーディング未完了のアカウントを作成する。
// 登録済みの場合はidentityが未紐付けなら紐付け、検証状態を無条件に検証済みにする。
func (s *Service) ExternalLogin(ctx context.Context, info *OAuthUserInfo) (*model.Session, *model.Account, error) {
	email := normalizeEmail(info.Email)
	if info.ProviderUserID == "" || email == "" {
		return nil, nil, model.NewValidationError("identity and email are required")
	}
	provider := info.Provider
	if provider == "" {
		provider = ProviderGoogle
	}

	// 1. identity、次にメールアドレスで既存アカウントを特定
	var account *model.Account
	identity, err := s.identities.FindByProviderAndProviderUserID(ctx, provider, info.ProviderUserID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if identity != nil {
		account, err = s.accounts.FindByID(ctx, identity.UserID)
	} else {
		account, err = s.accounts.FindByEmail(ctx, email)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find account: %w", err)
	}

	if account == nil {
		// 2a. 新規アカウントとidentityを同時に作成
		account, err = s.createExternalAccount(ctx, provider, email, info)
		if err != nil {
			return nil, nil, err
		}
	} else {
		// 2b. 既存アカウントを更新（無効化済みの場合は何も変更しない）
		account, err = s.linkExternalAccount(ctx, account.ID, provider, info)
		if err != nil {
			if apiErr, ok := asAPIError(err); ok && apiErr.Code == model.ErrCodeAccountDeactivated {
				s.metrics.RecordAuthEvent("external_login", "deactivated")
			}
			return nil, nil, err
		}
	}

	// 3. セッション発行
	session, err := s.startSession(ctx, account.ID)
	if err != nil {
		return nil, nil, err
	}

	s.metrics.RecordAuthEvent("external_login", "success")
	return session, account, nil
}

func (s *Service) createExternalAccount(ctx context.Context, provider, email string, info *OAuthUserInfo) (*model.Account, error) {
	now := s.now()
	name := strings.TrimSpace(info.Name)
	if name == "" {
		name = email[:strings.Index(email, "@")]
	}
	if s.sanitizer != nil {
		name = s.sanitizer.Sanitize(name)
	}

	account := &model.Account{
		ID:              uuid.New().String(),
		Email:           email,
		Name:            name,
		Role:            defaultRole,
		Verification:    model.VerificationVerified,
		Active:          true,
		ProfilePhotoURL: s.acceptablePhotoURL(info.PictureURL),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	identity := newIdentity(account.ID, provider, info.ProviderUserID, now)

	if err := s.accounts.CreateWithIdentity(ctx, account, identity); err != nil {
		return nil, fmt.Errorf("failed to create account and identity: %w", err)
	}

	slog.Info("new account created via external login",
		slog.String("user_id", account.ID),
		slog.String("provider", provider),
	)
	return account, nil
}

func (s *Service) linkExternalAccount(ctx context.Context, accountID, provider string, info *OAuthUserInfo) (*model.Account, error) {
	var account *model.Account
	err := s.accounts.Mutate(ctx, accountID, func(a *model.Account) (bool, error) {
		if !a.Active {
			return false, model.NewAccountDeactivatedError()
		}
		changed := false
		if a.Verification != model.VerificationVerified {
			a.Verification = model.VerificationVerified
			a.ClearOTP()
			changed = true
		}
		if a.ProfilePhotoURL == "" {
			if photo := s.acceptablePhotoURL(info.PictureURL); photo != "" {
				a.ProfilePhotoURL = photo
				changed = true
			}
		}
		account = a
		return changed, nil
	})
	if err != nil {
		return nil, err
	}

	bound, err := s.identities.FindByUserAndProvider(ctx, accountID, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if bound == nil {
		if err := s.identities.Create(ctx, newIdentity(accountID, provider, info.ProviderUserID, s.now())); err != nil {
			return nil, fmt.Errorf("failed to link identity: %w", err)
		}
		slog.Info("external identity linked",
			slog.String("user_id", accountID),
			slog.String("provider", provider),
		)
	}

	return account, nil
}

// acceptablePhotoURL はSSRF検証を通過したURLのみを返す。
func (s *Service) acceptablePhotoURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if s.urlGuard != nil {
		if err := s.urlGuard.ValidateURL(raw); err != nil {
			slog.Warn("profile photo URL rejected", slog.String("error", err.Error()))
			return ""
		}
	}
	return raw
}

func newIdentity(userID, provider, providerUserID string, now time.Time) *model.Identity {
	return &model.Identity{
		ID:             uuid.New().String(),
		UserID:         userID,
		Provider:       provider,
		ProviderUserID: providerUserID,
		CreatedAt:      now,
	}
}
