// Package cleanup は期限切れの認証データを削除するジョブを提供する。
// 期限切れのセッションと、期限切れまたは使用済みのサインインリンクを
// 定期的に削除する。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// 削除対象の種類。メトリクスのラベルに使う。
const (
	KindSessions   = "sessions"
	KindMagicLinks = "magic_links"
)

// SessionPurger は期限切れセッションの削除インターフェース。
type SessionPurger interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// MagicLinkPurger は不要になったサインインリンクの削除インターフェース。
type MagicLinkPurger interface {
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

// Recorder は削除件数の計測インターフェース。
type Recorder interface {
	RecordCleanup(kind string, deleted int64)
}

type nopRecorder struct{}

func (nopRecorder) RecordCleanup(string, int64) {}

// CleanupJob は認証データの自動削除ジョブ。
// 冪等な削除処理のみを行うため、複数インスタンスで同時に実行しても問題ない。
type CleanupJob struct {
	sessions   SessionPurger
	magicLinks MagicLinkPurger
	recorder   Recorder
	logger     *slog.Logger
	now        func() time.Time

	// MagicLinkRetention は期限切れ後もリンクを残しておく期間（デフォルト: 24時間）。
	// 期限切れ直後のリンクを開いたユーザーに「期限切れ」を伝えるために残す。
	MagicLinkRetention time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。recorderはnilでもよい。
func NewCleanupJob(sessions SessionPurger, magicLinks MagicLinkPurger, recorder Recorder, logger *slog.Logger) *CleanupJob {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &CleanupJob{
		sessions:           sessions,
		magicLinks:         magicLinks,
		recorder:           recorder,
		logger:             logger,
		now:                time.Now,
		MagicLinkRetention: 24 * time.Hour,
	}
}

// Run は期限切れのセッションとサインインリンクを削除する。
// 一方の削除に失敗しても他方は実行し、失敗をまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	// 1. セッション
	sessionCount, sessionErr := j.sessions.DeleteExpired(ctx)
	if sessionErr != nil {
		j.logger.Error("セッションのクリーンアップに失敗しました",
			slog.String("error", sessionErr.Error()),
		)
		sessionErr = fmt.Errorf("セッションのクリーンアップに失敗: %w", sessionErr)
	} else {
		j.recorder.RecordCleanup(KindSessions, sessionCount)
	}

	// 2. サインインリンク
	before := j.now().Add(-j.MagicLinkRetention)
	linkCount, linkErr := j.magicLinks.DeleteStale(ctx, before)
	if linkErr != nil {
		j.logger.Error("サインインリンクのクリーンアップに失敗しました",
			slog.String("error", linkErr.Error()),
		)
		linkErr = fmt.Errorf("サインインリンクのクリーンアップに失敗: %w", linkErr)
	} else {
		j.recorder.RecordCleanup(KindMagicLinks, linkCount)
	}

	if err := errors.Join(sessionErr, linkErr); err != nil {
		return err
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_sessions", sessionCount),
		slog.Int64("deleted_magic_links", linkCount),
		slog.Duration("magic_link_retention", j.MagicLinkRetention),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回、以降intervalごとにRunを実行する。ctxがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	j.runOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

func (j *CleanupJob) runOnce(ctx context.Context) {
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}
}
