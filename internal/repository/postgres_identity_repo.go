package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/neurosight/internal/model"
)

// PostgresIdentityRepo はPostgreSQLを使用したidentityリポジトリ。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

func (r *PostgresIdentityRepo) findOne(ctx context.Context, query string, args ...any) (*model.Identity, error) {
	identity := &model.Identity{}
	err := r.db.QueryRowContext(ctx, query, args...).
		Scan(&identity.ID, &identity.UserID, &identity.Provider, &identity.ProviderUserID, &identity.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	identity, err := r.findOne(ctx,
		`SELECT id, user_id, provider, provider_user_id, created_at
		 FROM identities
		 WHERE provider = $1 AND provider_user_id = $2`,
		provider, providerUserID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	return identity, nil
}

// FindByUserAndProvider はユーザーに紐付いた指定providerのidentityを返す。
func (r *PostgresIdentityRepo) FindByUserAndProvider(ctx context.Context, userID, provider string) (*model.Identity, error) {
	identity, err := r.findOne(ctx,
		`SELECT id, user_id, provider, provider_user_id, created_at
		 FROM identities
		 WHERE user_id = $1 AND provider = $2`,
		userID, provider,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity by user: %w", err)
	}
	return identity, nil
}

func insertIdentity(ctx context.Context, ex execer, identity *model.Identity) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO identities (id, user_id, provider, provider_user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		identity.ID, identity.UserID, identity.Provider, identity.ProviderUserID, identity.CreatedAt,
	)
	return err
}

// Create はidentityを作成する。
func (r *PostgresIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	if err := insertIdentity(ctx, r.db, identity); err != nil {
		return fmt.Errorf("failed to insert identity: %w", err)
	}
	return nil
}

// compile-time interface check
var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
