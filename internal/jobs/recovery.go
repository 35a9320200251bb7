package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Recover は起動時に一度だけ呼び、ストアの状態を「ワーカーが存在しない」事実に合わせます。
// running/merging のジョブを失敗として確定させてから、queued のジョブを再登録します。
// 途中まで取得した内容は再開せず、削除は取消か掃除に任せます。
func Recover(ctx context.Context, store Store, submitter Submitter, logger *logrus.Logger) error {
	log := logger.WithField("component", "recovery")

	interrupted, err := store.List(ctx, Filter{Statuses: []Status{StatusRunning, StatusMerging}})
	if err != nil {
		return fmt.Errorf("failed to list interrupted jobs: %w", err)
	}
	for _, job := range interrupted {
		job.Status = StatusFailed
		job.ErrorMessage = RestartMessage
		job.clearResult()
		job.UpdatedAt = time.Now()
		if err := store.Update(ctx, job, StatusRunning, StatusMerging); err != nil && !errors.Is(err, ErrStatusChanged) {
			return fmt.Errorf("failed to mark job %d as failed: %w", job.ID, err)
		}
	}

	queued, err := store.List(ctx, Filter{Statuses: []Status{StatusQueued}})
	if err != nil {
		return fmt.Errorf("failed to list queued jobs: %w", err)
	}
	// 古いものから順に登録する
	for i := len(queued) - 1; i >= 0; i-- {
		submitter.Submit(queued[i].ID)
	}

	log.WithFields(logrus.Fields{
		"interrupted": len(interrupted),
		"requeued":    len(queued),
	}).Info("job recovery finished")
	return nil
}
