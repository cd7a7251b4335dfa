package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type fakeResult struct {
	rowsAffected int64
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

// Executor インターフェースに対するモック実装
type mockExecutor struct {
	execCalled bool
	query      string
	args       []interface{}
	result     sql.Result
	err        error
}

func (m *mockExecutor) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	m.execCalled = true
	m.query = query
	m.args = args
	return m.result, m.err
}

type mockSessionPurger struct {
	calledWith time.Time
	deleted    int64
	err        error
}

func (m *mockSessionPurger) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	m.calledWith = now
	return m.deleted, m.err
}

var fixedNow = time.Date(2026, 3, 14, 3, 0, 0, 0, time.UTC)

func newTestJob(db Executor, sessions SessionPurger, buf *bytes.Buffer) *CleanupJob {
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	job := NewCleanupJob(db, sessions, logger)
	job.now = func() time.Time { return fixedNow }
	return job
}

// findLogEntry はJSONログからkeyを含む最初のエントリを返す。
func findLogEntry(buf *bytes.Buffer, key string) map[string]interface{} {
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if _, ok := entry[key]; ok {
			return entry
		}
	}
	return nil
}

// --- テスト ---

func TestNewCleanupJob_DefaultRetention(t *testing.T) {
	var buf bytes.Buffer
	job := newTestJob(&mockExecutor{}, &mockSessionPurger{}, &buf)

	if job.UnverifiedRetentionDays != 7 {
		t.Errorf("UnverifiedRetentionDays = %d, want 7", job.UnverifiedRetentionDays)
	}
}

func TestCleanupJob_Run_DeletesExpiredSessionsAndStaleAccounts(t *testing.T) {
	var buf bytes.Buffer
	db := &mockExecutor{result: &fakeResult{rowsAffected: 2}}
	sessions := &mockSessionPurger{deleted: 5}
	job := newTestJob(db, sessions, &buf)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if !sessions.calledWith.Equal(fixedNow) {
		t.Errorf("DeleteExpired now = %v, want %v", sessions.calledWith, fixedNow)
	}
	if !strings.Contains(db.query, "DELETE FROM users") || !strings.Contains(db.query, "email_verified = false") {
		t.Errorf("未検証アカウント削除のクエリが想定と異なる: %s", db.query)
	}
	if strings.Contains(db.query, "IS NULL") {
		t.Errorf("検証フラグがNULLの旧アカウントを削除対象にしてはならない: %s", db.query)
	}

	cutoff, ok := db.args[0].(time.Time)
	if !ok {
		t.Fatalf("第1引数が time.Time ではない: %T", db.args[0])
	}
	if want := fixedNow.AddDate(0, 0, -7); !cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", cutoff, want)
	}

	entry := findLogEntry(&buf, "sessions_deleted")
	if entry == nil {
		t.Fatalf("完了ログが出力されていない。ログ出力: %s", buf.String())
	}
	if entry["sessions_deleted"] != float64(5) {
		t.Errorf("sessions_deleted = %v, want 5", entry["sessions_deleted"])
	}
	if entry["unverified_accounts_deleted"] != float64(2) {
		t.Errorf("unverified_accounts_deleted = %v, want 2", entry["unverified_accounts_deleted"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("ログに duration_ms が記録されていない")
	}
}

func TestCleanupJob_Run_RetentionDisabled(t *testing.T) {
	var buf bytes.Buffer
	db := &mockExecutor{result: &fakeResult{}}
	job := newTestJob(db, &mockSessionPurger{}, &buf)
	job.UnverifiedRetentionDays = 0

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}
	if db.execCalled {
		t.Error("保持日数0の場合は未検証アカウントを削除してはならない")
	}
}

func TestCleanupJob_Run_SessionFailure(t *testing.T) {
	var buf bytes.Buffer
	db := &mockExecutor{result: &fakeResult{}}
	job := newTestJob(db, &mockSessionPurger{err: errors.New("db down")}, &buf)

	if err := job.Run(context.Background()); err == nil {
		t.Fatal("セッション削除失敗時に Run() は nil でないエラーを返すべき")
	}
	if db.execCalled {
		t.Error("セッション削除失敗後に処理を続けてはならない")
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラー時にERRORレベルのログが記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_AccountDeleteFailure(t *testing.T) {
	var buf bytes.Buffer
	db := &mockExecutor{err: sql.ErrConnDone}
	job := newTestJob(db, &mockSessionPurger{}, &buf)

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("DBエラー時に Run() は nil でないエラーを返すべき")
	}
	if !errors.Is(err, sql.ErrConnDone) {
		t.Errorf("err = %v, want wrapping %v", err, sql.ErrConnDone)
	}
}

func TestCleanupJob_Run_Idempotent(t *testing.T) {
	var buf bytes.Buffer
	job := newTestJob(&mockExecutor{result: &fakeResult{}}, &mockSessionPurger{}, &buf)

	for i := 0; i < 2; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("%d回目の Run() がエラーを返した: %v", i+1, err)
		}
	}
}

func TestCleanupJob_Start_StopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	sessions := &mockSessionPurger{}
	job := newTestJob(&mockExecutor{result: &fakeResult{}}, sessions, &buf)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start がキャンセル後に戻らない")
	}
	if sessions.calledWith.IsZero() {
		t.Error("起動直後に1回実行されるべき")
	}
}

func TestCleanupJob_Start_NonPositiveInterval(t *testing.T) {
	for _, interval := range []time.Duration{0, -time.Minute} {
		var buf bytes.Buffer
		sessions := &mockSessionPurger{}
		job := newTestJob(&mockExecutor{result: &fakeResult{}}, sessions, &buf)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		// キャンセル済みのctxなので、パニックしなければ即座に戻る
		job.Start(ctx, interval)

		if sessions.calledWith.IsZero() {
			t.Errorf("interval=%v: 起動直後に1回実行されるべき", interval)
		}
		if !strings.Contains(buf.String(), "invalid cleanup interval") {
			t.Errorf("interval=%v: 警告ログが出力されていない: %s", interval, buf.String())
		}
	}
}
