package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/neurosight/internal/model"
)

// ErrDuplicateEmail は同じメールアドレスのアカウントが既に存在する場合に返される。
var ErrDuplicateEmail = errors.New("account with this email already exists")

// uniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const uniqueViolation = "23505"

// usersEmailConstraint はusers.emailのUNIQUE制約名。
const usersEmailConstraint = "users_email_key"

// isDuplicateEmail はerrがusers.emailの一意制約違反かを判定する。
func isDuplicateEmail(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == uniqueViolation && pqErr.Constraint == usersEmailConstraint
}

const accountColumns = `id, email, password_hash, name, role, email_verified, is_active, onboarding_completed,
	otp_code, otp_expires_at, otp_attempts, profile_photo_url, last_login_at,
	full_name, medical_registration_no, specialization, phone, contact_email, years_of_experience, clinic_timing,
	hospital_name, hospital_id, department, hospital_phone, hospital_address, hospital_logo_url,
	created_at, updated_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresAccountRepo はPostgreSQLを使用したアカウントリポジトリ。
type PostgresAccountRepo struct {
	db *sql.DB
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

func scanAccount(row rowScanner) (*model.Account, error) {
	a := &model.Account{}
	var (
		verified   sql.NullBool
		otpExpires sql.NullTime
		lastLogin  sql.NullTime
		years      sql.NullInt64
	)
	err := row.Scan(
		&a.ID, &a.Email, &a.PasswordHash, &a.Name, &a.Role, &verified, &a.Active, &a.Onboarded,
		&a.OTPCode, &otpExpires, &a.OTPAttempts, &a.ProfilePhotoURL, &lastLogin,
		&a.Profile.FullName, &a.Profile.MedicalRegistrationNo, &a.Profile.Specialization, &a.Profile.Phone,
		&a.Profile.ContactEmail, &years, &a.Profile.ClinicTiming,
		&a.Profile.HospitalName, &a.Profile.HospitalID, &a.Profile.Department, &a.Profile.HospitalPhone,
		&a.Profile.HospitalAddress, &a.Profile.HospitalLogoURL,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if verified.Valid {
		a.Verification = model.VerificationStateFromNullable(&verified.Bool)
	} else {
		a.Verification = model.VerificationLegacyUnknown
	}
	if otpExpires.Valid {
		t := otpExpires.Time
		a.OTPExpiresAt = &t
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		a.LastLoginAt = &t
	}
	if years.Valid {
		y := int(years.Int64)
		a.Profile.YearsOfExperience = &y
	}
	return a, nil
}

func (r *PostgresAccountRepo) findOne(ctx context.Context, query string, arg any) (*model.Account, error) {
	account, err := scanAccount(r.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	account, err := r.findOne(ctx, `SELECT `+accountColumns+` FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find account by ID: %w", err)
	}
	return account, nil
}

// FindByEmail は正規化済みメールアドレスでアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByEmail(ctx context.Context, email string) (*model.Account, error) {
	account, err := r.findOne(ctx, `SELECT `+accountColumns+` FROM users WHERE email = $1`, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find account by email: %w", err)
	}
	return account, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAccount(ctx context.Context, ex execer, a *model.Account) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, name, role, email_verified, is_active, onboarding_completed,
			otp_code, otp_expires_at, otp_attempts, profile_photo_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		a.ID, a.Email, a.PasswordHash, a.Name, a.Role, a.Verification.Nullable(), a.Active, a.Onboarded,
		a.OTPCode, a.OTPExpiresAt, a.OTPAttempts, a.ProfilePhotoURL, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

// Create はアカウントを作成する。
func (r *PostgresAccountRepo) Create(ctx context.Context, account *model.Account) error {
	if err := insertAccount(ctx, r.db, account); err != nil {
		if isDuplicateEmail(err) {
			return fmt.Errorf("failed to insert account: %w", ErrDuplicateEmail)
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// CreateWithIdentity はアカウントとidentityを同一トランザクションで作成する。
func (r *PostgresAccountRepo) CreateWithIdentity(ctx context.Context, account *model.Account, identity *model.Identity) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// アカウントを作成
	if err := insertAccount(ctx, tx, account); err != nil {
		if isDuplicateEmail(err) {
			return fmt.Errorf("failed to insert account: %w", ErrDuplicateEmail)
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}

	// identityを作成
	if err := insertIdentity(ctx, tx, identity); err != nil {
		return fmt.Errorf("failed to insert identity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Mutate はアカウント行をロックしてfnを適用し、変更があれば保存する。
func (r *PostgresAccountRepo) Mutate(ctx context.Context, id string, fn AccountMutator) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 1. 行ロックを取得
	account, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
	if err == sql.ErrNoRows {
		return model.NewUserNotFoundError()
	}
	if err != nil {
		return fmt.Errorf("failed to lock account: %w", err)
	}

	// 2. 変更を適用
	changed, fnErr := fn(account)
	if !changed {
		return fnErr
	}

	// 3. 変更を保存（fnがエラーを返した場合でも試行回数などの更新は確定させる）
	account.UpdatedAt = time.Now()
	if err := updateAccount(ctx, tx, account); err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return fnErr
}

func updateAccount(ctx context.Context, ex execer, a *model.Account) error {
	p := a.Profile
	_, err := ex.ExecContext(ctx,
		`UPDATE users SET
			password_hash = $2, name = $3, role = $4, email_verified = $5, is_active = $6, onboarding_completed = $7,
			otp_code = $8, otp_expires_at = $9, otp_attempts = $10, profile_photo_url = $11,
			full_name = $12, medical_registration_no = $13, specialization = $14, phone = $15, contact_email = $16,
			years_of_experience = $17, clinic_timing = $18, hospital_name = $19, hospital_id = $20, department = $21,
			hospital_phone = $22, hospital_address = $23, hospital_logo_url = $24, updated_at = $25
		 WHERE id = $1`,
		a.ID, a.PasswordHash, a.Name, a.Role, a.Verification.Nullable(), a.Active, a.Onboarded,
		a.OTPCode, a.OTPExpiresAt, a.OTPAttempts, a.ProfilePhotoURL,
		p.FullName, p.MedicalRegistrationNo, p.Specialization, p.Phone, p.ContactEmail,
		p.YearsOfExperience, p.ClinicTiming, p.HospitalName, p.HospitalID, p.Department,
		p.HospitalPhone, p.HospitalAddress, p.HospitalLogoURL, a.UpdatedAt,
	)
	return err
}

// UpdateLastLogin は最終ログイン日時を更新する。
func (r *PostgresAccountRepo) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = $2 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// UpdatePassword はパスワードハッシュを更新する。
func (r *PostgresAccountRepo) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`,
		id, passwordHash,
	)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return nil
}

func (r *PostgresAccountRepo) queryMany(ctx context.Context, query string, args ...any) ([]*model.Account, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// List は作成日時の降順でアカウント一覧を返す。
func (r *PostgresAccountRepo) List(ctx context.Context, limit int) ([]*model.Account, error) {
	accounts, err := r.queryMany(ctx,
		`SELECT `+accountColumns+` FROM users ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// Search はメールアドレスまたは氏名の部分一致でアカウントを検索する。
func (r *PostgresAccountRepo) Search(ctx context.Context, term string, limit int) ([]*model.Account, error) {
	accounts, err := r.queryMany(ctx,
		`SELECT `+accountColumns+` FROM users
		 WHERE email ILIKE '%' || $1 || '%' OR name ILIKE '%' || $1 || '%' OR full_name ILIKE '%' || $1 || '%'
		 ORDER BY created_at DESC LIMIT $2`, term, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search accounts: %w", err)
	}
	return accounts, nil
}

// Stats はアカウントの集計値を返す。
func (r *PostgresAccountRepo) Stats(ctx context.Context) (*AccountStats, error) {
	s := &AccountStats{}
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*),
			count(*) FILTER (WHERE email_verified = TRUE),
			count(*) FILTER (WHERE email_verified = FALSE),
			count(*) FILTER (WHERE email_verified IS NULL),
			count(*) FILTER (WHERE onboarding_completed),
			count(*) FILTER (WHERE NOT is_active)
		 FROM users`,
	).Scan(&s.Total, &s.Verified, &s.Unverified, &s.Legacy, &s.Onboarded, &s.Inactive)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate accounts: %w", err)
	}
	return s, nil
}

// DeleteByID は指定IDのアカウントを削除する。
// 関連するidentities、sessions、analysesはCASCADE削除される。
func (r *PostgresAccountRepo) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM users WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("account not found: %s", id)
	}
	return nil
}

// compile-time interface check
var _ AccountRepository = (*PostgresAccountRepo)(nil)
