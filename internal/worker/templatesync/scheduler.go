// Package templatesync はテンプレートリポジトリの日次同期スケジューラを提供する。
package templatesync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/santhai/internal/template"
)

// TemplateSyncer はスケジューラが使う同期処理のインターフェース。
type TemplateSyncer interface {
	Status() (template.Metadata, error)
	Sync(ctx context.Context, force bool) (*template.SyncResult, error)
}

// Scheduler は毎日決まった時刻にテンプレートを同期する。
// 起動時に一度も同期していなければ即座に同期する。
type Scheduler struct {
	syncer   TemplateSyncer
	logger   *slog.Logger
	hour     int
	location *time.Location
	timeout  time.Duration
	now      func() time.Time
	after    func(d time.Duration) <-chan time.Time
}

// NewScheduler はSchedulerを生成する。hourは0〜23、locがnilの場合はローカル時刻を使う。
func NewScheduler(syncer TemplateSyncer, logger *slog.Logger, hour int, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		syncer:   syncer,
		logger:   logger,
		hour:     hour,
		location: loc,
		timeout:  10 * time.Minute,
		now:      time.Now,
		after:    time.After,
	}
}

// NextRun はnowより後で最初に訪れる同期時刻を返す。
func (s *Scheduler) NextRun(now time.Time) time.Time {
	local := now.In(s.location)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.hour, 0, 0, 0, s.location)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Start はコンテキストがキャンセルされるまで日次同期を実行する。
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("テンプレート同期スケジューラを開始しました",
		slog.Int("sync_hour", s.hour),
		slog.String("location", s.location.String()),
	)

	if meta, err := s.syncer.Status(); err != nil || meta.Status != template.StatusSynced {
		s.logger.Info("テンプレートが未同期のため初回同期を実行します")
		s.RunOnce(ctx, true)
	}

	for {
		next := s.NextRun(s.now())
		s.logger.Info("次回のテンプレート同期を予約しました", slog.Time("next_run", next))

		select {
		case <-ctx.Done():
			s.logger.Info("テンプレート同期スケジューラを停止しました")
			return
		case <-s.after(next.Sub(s.now())):
			s.RunOnce(ctx, false)
		}
	}
}

// RunOnce は同期を1回実行する。forceがfalseの場合は最新コミットに変化がなければスキップされる。
func (s *Scheduler) RunOnce(ctx context.Context, force bool) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.syncer.Sync(ctx, force)
	switch {
	case errors.Is(err, template.ErrSyncInProgress):
		s.logger.Info("テンプレート同期は実行中のためスキップしました")
	case err != nil:
		s.logger.Error("テンプレート同期に失敗しました", slog.String("error", err.Error()))
	case result.Skipped:
		s.logger.Info("テンプレートに変更はありません", slog.String("head_commit", result.HeadCommit))
	default:
		s.logger.Info("テンプレート同期が完了しました",
			slog.Int("file_count", result.FileCount),
			slog.String("head_commit", result.HeadCommit),
		)
	}
}
