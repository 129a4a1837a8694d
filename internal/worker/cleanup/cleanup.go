// Package cleanup は期限切れワンタイムコードの定期削除ジョブを提供する。
// 検証時にも期限切れのコードは削除されるが、放置されたコードはこのジョブで掃除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ExpiredOTPDeleter は期限切れコードの削除を抽象化するインターフェース。
// repository.OTPStore を受け付けることができる。
type ExpiredOTPDeleter interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// CleanupJob は期限切れワンタイムコードの削除ジョブ。
// 冪等であり、削除対象がない場合もエラーにならない。
type CleanupJob struct {
	store  ExpiredOTPDeleter
	logger *slog.Logger
	now    func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(store ExpiredOTPDeleter, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Run は期限切れのコードを1回削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()

	deleted, err := j.store.DeleteExpired(ctx, start)
	if err != nil {
		j.logger.Error("OTPクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("OTPクリーンアップの実行に失敗: %w", err)
	}

	duration := j.now().Sub(start)
	j.logger.Info("OTPクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}

// Start はintervalごとにRunを実行する。起動直後にも1回実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("OTPクリーンアップジョブを開始しました", slog.Duration("interval", interval))

	// エラーはRun内でログ出力済み
	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("OTPクリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
