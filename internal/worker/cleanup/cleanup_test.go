package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// --- テスト用モック ---

type mockSessionPurger struct {
	mu      sync.Mutex
	calls   int
	deleted int64
	err     error
}

func (m *mockSessionPurger) DeleteExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.deleted, m.err
}

func (m *mockSessionPurger) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockMagicLinkPurger struct {
	before  time.Time
	deleted int64
	err     error
	called  bool
}

func (m *mockMagicLinkPurger) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	m.called = true
	m.before = before
	return m.deleted, m.err
}

type mockRecorder struct {
	counts map[string]int64
}

func (m *mockRecorder) RecordCleanup(kind string, deleted int64) {
	if m.counts == nil {
		m.counts = make(map[string]int64)
	}
	m.counts[kind] += deleted
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// logEntries はJSONログを1行ずつデコードする。
func logEntries(buf *bytes.Buffer) []map[string]interface{} {
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err == nil {
			entries = append(entries, entry)
		}
	}
	return entries
}

func TestNewCleanupJob_Defaults(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockSessionPurger{}, &mockMagicLinkPurger{}, nil, newTestLogger(&buf))

	if job == nil {
		t.Fatal("NewCleanupJob は nil を返してはならない")
	}
	if job.MagicLinkRetention != 24*time.Hour {
		t.Errorf("MagicLinkRetention = %v, want 24h", job.MagicLinkRetention)
	}
}

func TestCleanupJob_Run_DeletesSessionsAndMagicLinks(t *testing.T) {
	var buf bytes.Buffer
	sessions := &mockSessionPurger{deleted: 5}
	links := &mockMagicLinkPurger{deleted: 3}
	recorder := &mockRecorder{}
	job := NewCleanupJob(sessions, links, recorder, newTestLogger(&buf))

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if sessions.callCount() != 1 {
		t.Errorf("DeleteExpired の呼び出し回数 = %d, want 1", sessions.callCount())
	}
	if !links.called {
		t.Fatal("DeleteStale が呼び出されなかった")
	}
	if recorder.counts[KindSessions] != 5 {
		t.Errorf("sessions の計測値 = %d, want 5", recorder.counts[KindSessions])
	}
	if recorder.counts[KindMagicLinks] != 3 {
		t.Errorf("magic_links の計測値 = %d, want 3", recorder.counts[KindMagicLinks])
	}
}

func TestCleanupJob_Run_UsesRetentionCutoff(t *testing.T) {
	var buf bytes.Buffer
	links := &mockMagicLinkPurger{}
	job := NewCleanupJob(&mockSessionPurger{}, links, nil, newTestLogger(&buf))

	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }
	job.MagicLinkRetention = 6 * time.Hour

	_ = job.Run(context.Background())

	want := now.Add(-6 * time.Hour)
	if !links.before.Equal(want) {
		t.Errorf("before = %v, want %v", links.before, want)
	}
}

func TestCleanupJob_Run_LogsDeletedCounts(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockSessionPurger{deleted: 42}, &mockMagicLinkPurger{deleted: 0}, nil, newTestLogger(&buf))

	_ = job.Run(context.Background())

	found := false
	for _, entry := range logEntries(&buf) {
		if entry["deleted_sessions"] == float64(42) && entry["deleted_magic_links"] == float64(0) {
			if _, ok := entry["duration_ms"]; ok {
				found = true
			}
		}
	}
	if !found {
		t.Errorf("ログに削除件数と duration_ms が記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_ContinuesAfterSessionFailure(t *testing.T) {
	var buf bytes.Buffer
	links := &mockMagicLinkPurger{deleted: 2}
	recorder := &mockRecorder{}
	job := NewCleanupJob(&mockSessionPurger{err: sql.ErrConnDone}, links, recorder, newTestLogger(&buf))

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("DBエラー時に Run() は nil でないエラーを返すべき")
	}
	if !strings.Contains(err.Error(), "sql: connection is already closed") {
		t.Errorf("エラーメッセージが期待と異なる: %v", err)
	}
	if !links.called {
		t.Error("セッションの削除に失敗してもサインインリンクの削除は実行されるべき")
	}
	if _, ok := recorder.counts[KindSessions]; ok {
		t.Error("失敗した削除は計測しないこと")
	}
	if recorder.counts[KindMagicLinks] != 2 {
		t.Errorf("magic_links の計測値 = %d, want 2", recorder.counts[KindMagicLinks])
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラー時にERRORレベルのログが記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_ReturnsBothErrors(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(
		&mockSessionPurger{err: sql.ErrConnDone},
		&mockMagicLinkPurger{err: sql.ErrTxDone},
		nil, newTestLogger(&buf),
	)

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("Run() はエラーを返すべき")
	}
	for _, want := range []error{sql.ErrConnDone, sql.ErrTxDone} {
		if !strings.Contains(err.Error(), want.Error()) {
			t.Errorf("エラーに %q が含まれていない: %v", want, err)
		}
	}
}

func TestCleanupJob_Run_Idempotent_ZeroRows(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockSessionPurger{}, &mockMagicLinkPurger{}, nil, newTestLogger(&buf))

	// 削除対象がなくてもエラーにならない
	for i := 0; i < 2; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("%d回目の Run() がエラーを返した: %v", i+1, err)
		}
	}
}

func TestCleanupJob_Start_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	sessions := &mockSessionPurger{}
	job := NewCleanupJob(sessions, &mockMagicLinkPurger{}, nil, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for sessions.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("起動直後に Run が実行されなかった")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後に Start が終了しなかった")
	}
}
