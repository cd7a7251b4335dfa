// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/neurosight/internal/model"
)

// withdrawScanLimit は退会時にストレージ削除対象として列挙する解析履歴の上限。
const withdrawScanLimit = 10000

// AccountStore は退会処理で使用するアカウント操作。
type AccountStore interface {
	FindByID(ctx context.Context, id string) (*model.Account, error)
	DeleteByID(ctx context.Context, id string) error
}

// SessionDeleter はセッションの一括削除インターフェース。
type SessionDeleter interface {
	DeleteByUserID(ctx context.Context, userID string) error
}

// AnalysisLister は解析履歴の列挙インターフェース。
type AnalysisLister interface {
	ListByUserID(ctx context.Context, userID string, limit int) ([]*model.Analysis, error)
}

// ObjectDeleter はストレージオブジェクトの削除インターフェース。
type ObjectDeleter interface {
	Delete(ctx context.Context, key string) error
}

// Service はユーザー管理のサービス層。
// 退会処理のビジネスロジックを提供する。
type Service struct {
	accounts AccountStore
	sessions SessionDeleter
	analyses AnalysisLister
	store    ObjectDeleter
}

// NewService はServiceの新しいインスタンスを生成する。
// analysesとstoreがnilの場合、保存済みファイルの削除は行わない。
func NewService(
	accounts AccountStore,
	sessions SessionDeleter,
	analyses AnalysisLister,
	store ObjectDeleter,
) *Service {
	return &Service{
		accounts: accounts,
		sessions: sessions,
		analyses: analyses,
		store:    store,
	}
}

// Withdraw はユーザーの退会処理を実行する。
// 削除順序: sessions → account（+ CASCADE: identities, analyses）→ 保存済みの画像とレポート
// ストレージの削除失敗はログに記録するのみで退会自体は完了させる。
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	account, err := s.accounts.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return model.NewUserNotFoundError()
	}

	slog.Info("account withdrawal started", slog.String("user_id", userID))

	// 1. 削除対象のストレージキーを先に収集（CASCADE後は参照できない）
	keys, err := s.objectKeys(ctx, userID)
	if err != nil {
		return err
	}

	// 2. セッションを削除
	if s.sessions != nil {
		if err := s.sessions.DeleteByUserID(ctx, userID); err != nil {
			return fmt.Errorf("failed to delete sessions: %w", err)
		}
	}

	// 3. アカウントを削除
	if err := s.accounts.DeleteByID(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}

	// 4. 画像とレポートを削除
	failed := 0
	for _, key := range keys {
		if err := s.store.Delete(ctx, key); err != nil {
			failed++
			slog.Warn("failed to delete stored object",
				slog.String("user_id", userID),
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}

	slog.Info("account withdrawal completed",
		slog.String("user_id", userID),
		slog.Int("objects_deleted", len(keys)-failed),
		slog.Int("objects_failed", failed),
	)
	return nil
}

func (s *Service) objectKeys(ctx context.Context, userID string) ([]string, error) {
	if s.analyses == nil || s.store == nil {
		return nil, nil
	}

	list, err := s.analyses.ListByUserID(ctx, userID, withdrawScanLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}

	keys := make([]string, 0, len(list)*2)
	for _, a := range list {
		if a.ImageKey != "" {
			keys = append(keys, a.ImageKey)
		}
		if a.ReportKey != "" {
			keys = append(keys, a.ReportKey)
		}
	}
	return keys, nil
}
