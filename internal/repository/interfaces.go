// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/neurosight/internal/model"
)

// AccountMutator はロック取得済みのアカウントを変更する関数。
// changed=trueを返した場合、errの有無に関わらず変更内容を保存してからerrを返す。
type AccountMutator func(account *model.Account) (changed bool, err error)

// AccountRepository はアカウントデータの永続化インターフェース。
type AccountRepository interface {
	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Account, error)

	// FindByEmail は正規化済みメールアドレスでアカウントを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Account, error)

	// Create はアカウントを作成する。メールアドレスが重複する場合はErrDuplicateEmailを返す。
	Create(ctx context.Context, account *model.Account) error

	// CreateWithIdentity はアカウントとidentityを同一トランザクションで作成する。
	// メールアドレスが重複する場合はErrDuplicateEmailを返す。
	CreateWithIdentity(ctx context.Context, account *model.Account, identity *model.Identity) error

	// Mutate はアカウント行をSELECT ... FOR UPDATEでロックし、fnの変更を同一トランザクションで保存する。
	// アカウントが存在しない場合はnilを渡さずにmodel.UserNotFoundエラーを返す。
	Mutate(ctx context.Context, id string, fn AccountMutator) error

	// UpdateLastLogin は最終ログイン日時を更新する。
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error

	// UpdatePassword はパスワードハッシュを更新する。
	UpdatePassword(ctx context.Context, id, passwordHash string) error

	// List は作成日時の降順でアカウント一覧を返す。
	List(ctx context.Context, limit int) ([]*model.Account, error)

	// Search はメールアドレスまたは氏名の部分一致でアカウントを検索する。
	Search(ctx context.Context, term string, limit int) ([]*model.Account, error)

	// Stats はアカウントの集計値を返す。
	Stats(ctx context.Context) (*AccountStats, error)

	// DeleteByID は指定IDのアカウントを削除する。
	// 関連するidentities、sessions、analysesはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// AccountStats はアカウント集計値。
type AccountStats struct {
	Total      int
	Verified   int
	Unverified int
	Legacy     int
	Onboarded  int
	Inactive   int
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)

	// FindByUserAndProvider はユーザーに紐付いた指定providerのidentityを返す。見つからない場合はnilを返す。
	FindByUserAndProvider(ctx context.Context, userID, provider string) (*model.Identity, error)

	// Create はidentityを作成する。
	Create(ctx context.Context, identity *model.Identity) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
	// DeleteExpired は期限切れセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// AnalysisRepository は解析履歴の永続化インターフェース。
type AnalysisRepository interface {
	// Create は解析履歴を追加する。
	Create(ctx context.Context, analysis *model.Analysis) error

	// FindByID は指定ユーザーの解析履歴を取得する。他ユーザーのものや存在しない場合はnilを返す。
	FindByID(ctx context.Context, userID, id string) (*model.Analysis, error)

	// ListByUserID は作成日時の降順で解析履歴を返す。
	ListByUserID(ctx context.Context, userID string, limit int) ([]*model.Analysis, error)

	// CountByUserID はユーザーの解析件数を返す。sinceがゼロ値でない場合はそれ以降の件数を返す。
	CountByUserID(ctx context.Context, userID string, since time.Time) (int, error)

	// UpdateReportKey は生成済みレポートのストレージキーを記録する。
	UpdateReportKey(ctx context.Context, id, reportKey string) error

	// CountAll は全ユーザーの解析件数を返す。
	CountAll(ctx context.Context) (int, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
