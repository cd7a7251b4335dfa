// Package cleanup は期限切れデータの定期削除ジョブを提供する。
// 期限切れセッションと、OTP検証が完了しないまま保持期間を過ぎた登録を削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// SessionPurger は期限切れセッションの削除インターフェース。
type SessionPurger interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// CleanupJob は期限切れデータの削除ジョブ。
// 何度実行しても結果が変わらない。
type CleanupJob struct {
	db       Executor
	sessions SessionPurger
	logger   *slog.Logger
	now      func() time.Time

	// UnverifiedRetentionDays は未検証登録の保持日数。0以下の場合は削除しない。
	// 検証フラグがNULLの旧アカウントは対象外。
	UnverifiedRetentionDays int
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの未検証登録の保持日数は7日。
func NewCleanupJob(db Executor, sessions SessionPurger, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:                      db,
		sessions:                sessions,
		logger:                  logger,
		now:                     time.Now,
		UnverifiedRetentionDays: 7,
	}
}

// Run は期限切れセッションと放置された未検証登録を削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()

	// 1. 期限切れセッション
	sessionsDeleted, err := j.sessions.DeleteExpired(ctx, start)
	if err != nil {
		j.logger.Error("failed to delete expired sessions", slog.String("error", err.Error()))
		return fmt.Errorf("failed to delete expired sessions: %w", err)
	}

	// 2. 未検証のまま放置された登録
	var accountsDeleted int64
	if j.UnverifiedRetentionDays > 0 {
		cutoff := start.AddDate(0, 0, -j.UnverifiedRetentionDays)
		result, err := j.db.ExecContext(ctx,
			`DELETE FROM users WHERE email_verified = false AND created_at < $1`, cutoff,
		)
		if err != nil {
			j.logger.Error("failed to delete stale unverified accounts",
				slog.String("error", err.Error()),
				slog.Int("retention_days", j.UnverifiedRetentionDays),
			)
			return fmt.Errorf("failed to delete stale unverified accounts: %w", err)
		}
		accountsDeleted, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get deleted count: %w", err)
		}
	}

	j.logger.Info("cleanup job completed",
		slog.Int64("sessions_deleted", sessionsDeleted),
		slog.Int64("unverified_accounts_deleted", accountsDeleted),
		slog.Int("retention_days", j.UnverifiedRetentionDays),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)
	return nil
}

// DefaultInterval はintervalが正でない場合に使う実行間隔。
const DefaultInterval = time.Hour

// Start は起動直後に1回実行し、以後intervalごとにRunを繰り返す。ctxがキャンセルされると戻る。
// intervalが0以下の場合はDefaultIntervalを使う。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		j.logger.Warn("invalid cleanup interval, using default",
			slog.Duration("interval", interval),
			slog.Duration("default", DefaultInterval),
		)
		interval = DefaultInterval
	}

	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
