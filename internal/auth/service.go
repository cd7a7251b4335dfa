// Package auth はアカウント登録、OTPによるメール検証、ログイン、オンボーディング、セッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/neurosight/internal/metrics"
	"github.com/hitoshi/neurosight/internal/model"
	"github.com/hitoshi/neurosight/internal/repository"
)

// Notifier は認証フローで送信するメールのインターフェース。
type Notifier interface {
	SendOTP(ctx context.Context, to, name, code string, ttl time.Duration) error
	SendWelcome(ctx context.Context, to, name, hospital string) error
	SendPasswordReset(ctx context.Context, to, name, token string, ttl time.Duration) error
}

// URLValidator はユーザー入力URLの検証インターフェース。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// Sanitizer はユーザー入力テキストの無害化インターフェース。
type Sanitizer interface {
	Sanitize(raw string) string
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int           // セッション有効期間（秒）
	OTPTTL        time.Duration // OTPの有効期間
	ResetTTL      time.Duration // パスワードリセットトークンの有効期間
	ResetSecret   []byte        // パスワードリセットトークンの署名鍵
	EmailTimeout  time.Duration // バックグラウンドメール送信のタイムアウト
}

// Deps は認証サービスの依存関係。
type Deps struct {
	OAuth      OAuthProvider // nilの場合は外部ログイン無効
	Accounts   repository.AccountRepository
	Identities repository.IdentityRepository
	Sessions   repository.SessionRepository
	Notifier   Notifier
	Sanitizer  Sanitizer
	URLGuard   URLValidator
	Metrics    metrics.MetricsCollector
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth      OAuthProvider
	accounts   repository.AccountRepository
	identities repository.IdentityRepository
	sessions   repository.SessionRepository
	notifier   Notifier
	sanitizer  Sanitizer
	urlGuard   URLValidator
	metrics    metrics.MetricsCollector
	config     ServiceConfig

	now     func() time.Time
	newOTP  func() (string, error)
	pending sync.WaitGroup
}

// NewService はServiceを生成する。
func NewService(deps Deps, config ServiceConfig) *Service {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if config.OTPTTL <= 0 {
		config.OTPTTL = 10 * time.Minute
	}
	if config.ResetTTL <= 0 {
		config.ResetTTL = time.Hour
	}
	if config.EmailTimeout <= 0 {
		config.EmailTimeout = 30 * time.Second
	}
	return &Service{
		oauth:      deps.OAuth,
		accounts:   deps.Accounts,
		identities: deps.Identities,
		sessions:   deps.Sessions,
		notifier:   deps.Notifier,
		sanitizer:  deps.Sanitizer,
		urlGuard:   deps.URLGuard,
		metrics:    deps.Metrics,
		config:     config,
		now:        time.Now,
		newOTP:     generateOTP,
	}
}

// ExternalLoginEnabled は外部IdPログインが利用可能かを返す。
func (s *Service) ExternalLoginEnabled() bool {
	return s.oauth != nil
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	if s.oauth == nil {
		return ""
	}
	return s.oauth.GetLoginURL(state)
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessions.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	s.metrics.RecordAuthEvent("logout", "success")
	slog.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// GetCurrentAccount はセッションから現在のアカウントを取得する。
// セッションが無効な場合はUnauthenticated、無効化済みアカウントの場合はAccountDeactivatedを返す。
func (s *Service) GetCurrentAccount(ctx context.Context, sessionID string) (*model.Account, error) {
	if sessionID == "" {
		return nil, model.NewUnauthenticatedError()
	}

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, model.NewUnauthenticatedError()
	}

	account, err := s.accounts.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return nil, model.NewUnauthenticatedError()
	}
	if !account.Active {
		return nil, model.NewAccountDeactivatedError()
	}

	return account, nil
}

// Wait はバックグラウンドで送信中のメールがすべて完了するまで待機する。
func (s *Service) Wait() {
	s.pending.Wait()
}

// dispatchEmail はメール送信をバックグラウンドで実行する。
// 送信失敗は呼び出し元の処理結果に影響させず、ログとメトリクスにのみ記録する。
func (s *Service) dispatchEmail(kind, to string, send func(ctx context.Context) error) {
	if s.notifier == nil {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.config.EmailTimeout)
		defer cancel()

		err := send(ctx)
		s.metrics.RecordEmail(kind, err)
		if err != nil {
			slog.Error("failed to send email",
				slog.String("kind", kind),
				slog.String("to", to),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// startSession は最終ログイン日時を更新してセッションを発行する。
func (s *Service) startSession(ctx context.Context, accountID string) (*model.Session, error) {
	if err := s.accounts.UpdateLastLogin(ctx, accountID, s.now()); err != nil {
		return nil, fmt.Errorf("failed to update last login: %w", err)
	}
	session, err := s.createSession(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
