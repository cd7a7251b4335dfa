package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/neurosight/internal/model"
)

const analysisColumns = `id, user_id, patient_name, patient_id, patient_age, scan_date, notes,
	disease_type, prediction, confidence, image_key, report_key, created_at`

// PostgresAnalysisRepo はPostgreSQLを使用した解析履歴リポジトリ。
type PostgresAnalysisRepo struct {
	db *sql.DB
}

// NewPostgresAnalysisRepo はPostgresAnalysisRepoを生成する。
func NewPostgresAnalysisRepo(db *sql.DB) *PostgresAnalysisRepo {
	return &PostgresAnalysisRepo{db: db}
}

func scanAnalysis(row rowScanner) (*model.Analysis, error) {
	a := &model.Analysis{}
	var age sql.NullInt64
	err := row.Scan(
		&a.ID, &a.UserID, &a.Patient.Name, &a.Patient.ID, &age, &a.Patient.ScanDate, &a.Patient.Notes,
		&a.DiseaseKey, &a.Prediction, &a.Confidence, &a.ImageKey, &a.ReportKey, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if age.Valid {
		v := int(age.Int64)
		a.Patient.Age = &v
	}
	return a, nil
}

// Create は解析履歴を追加する。
func (r *PostgresAnalysisRepo) Create(ctx context.Context, a *model.Analysis) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO analyses (id, user_id, patient_name, patient_id, patient_age, scan_date, notes,
			disease_type, prediction, confidence, image_key, report_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.UserID, a.Patient.Name, a.Patient.ID, a.Patient.Age, a.Patient.ScanDate, a.Patient.Notes,
		a.DiseaseKey, a.Prediction, a.Confidence, a.ImageKey, a.ReportKey, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert analysis: %w", err)
	}
	return nil
}

// FindByID は指定ユーザーの解析履歴を取得する。見つからない場合はnilを返す。
func (r *PostgresAnalysisRepo) FindByID(ctx context.Context, userID, id string) (*model.Analysis, error) {
	a, err := scanAnalysis(r.db.QueryRowContext(ctx,
		`SELECT `+analysisColumns+` FROM analyses WHERE id = $1 AND user_id = $2`,
		id, userID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find analysis: %w", err)
	}
	return a, nil
}

// ListByUserID は作成日時の降順で解析履歴を返す。
func (r *PostgresAnalysisRepo) ListByUserID(ctx context.Context, userID string, limit int) ([]*model.Analysis, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+analysisColumns+` FROM analyses
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer rows.Close()

	analyses := make([]*model.Analysis, 0)
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		analyses = append(analyses, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate analyses: %w", err)
	}
	return analyses, nil
}

// CountByUserID はユーザーの解析件数を返す。sinceがゼロ値でない場合はそれ以降の件数を返す。
func (r *PostgresAnalysisRepo) CountByUserID(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	var err error
	if since.IsZero() {
		err = r.db.QueryRowContext(ctx,
			`SELECT count(*) FROM analyses WHERE user_id = $1`, userID,
		).Scan(&count)
	} else {
		err = r.db.QueryRowContext(ctx,
			`SELECT count(*) FROM analyses WHERE user_id = $1 AND created_at >= $2`, userID, since,
		).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count analyses: %w", err)
	}
	return count, nil
}

// UpdateReportKey は生成済みレポートのストレージキーを記録する。
func (r *PostgresAnalysisRepo) UpdateReportKey(ctx context.Context, id, reportKey string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE analyses SET report_key = $2 WHERE id = $1`,
		id, reportKey,
	)
	if err != nil {
		return fmt.Errorf("failed to update report key: %w", err)
	}
	return nil
}

// CountAll は全ユーザーの解析件数を返す。
func (r *PostgresAnalysisRepo) CountAll(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM analyses`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count analyses: %w", err)
	}
	return count, nil
}

// compile-time interface check
var _ AnalysisRepository = (*PostgresAnalysisRepo)(nil)
