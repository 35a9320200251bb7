package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/Eterpy/jm-web/internal/storage"
)

// SweepResult は1回の掃除で遷移したジョブ数です。
type SweepResult struct {
	Expired int
	Cleaned int
}

// Sweeper は期限切れのジョブを expired にし、成果物を削除して cleaned にします。
type Sweeper struct {
	store  Store
	files  *storage.Local
	logger *logrus.Logger
	now    func() time.Time

	mu sync.Mutex // Tick 同士を直列化する

	cronMu sync.Mutex
	cron   *cron.Cron
}

// NewSweeper は Sweeper を生成します。
func NewSweeper(store Store, files *storage.Local, logger *logrus.Logger) *Sweeper {
	return &Sweeper{store: store, files: files, logger: logger, now: time.Now}
}

// Tick は掃除を1回実行します。期限切れへの遷移を確定させてから削除に進むため、
// 途中で停止しても次回は削除から再開されます。
func (s *Sweeper) Tick(ctx context.Context) (SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result SweepResult
	now := s.now()

	done, err := s.store.List(ctx, Filter{Statuses: []Status{StatusDone}, ExpiresBefore: &now})
	if err != nil {
		return result, fmt.Errorf("failed to list expiring jobs: %w", err)
	}
	for _, job := range done {
		if err := expire(ctx, s.store, job, now); err != nil {
			if errors.Is(err, ErrStatusChanged) {
				continue
			}
			return result, err
		}
		result.Expired++
	}

	expired, err := s.store.List(ctx, Filter{Statuses: []Status{StatusExpired}, ExpiresBefore: &now})
	if err != nil {
		return result, fmt.Errorf("failed to list expired jobs: %w", err)
	}
	for _, job := range expired {
		if err := s.files.RemoveAll(job.ID); err != nil {
			s.logger.WithField("job_id", job.ID).WithError(err).Debug("failed to remove job directories")
		}
		job.Status = StatusCleaned
		job.SourceDir = ""
		job.clearResult()
		job.UpdatedAt = now
		if err := s.store.Update(ctx, job, StatusExpired); err != nil {
			if errors.Is(err, ErrStatusChanged) {
				continue
			}
			return result, fmt.Errorf("failed to mark job %d as cleaned: %w", job.ID, err)
		}
		result.Cleaned++
	}
	return result, nil
}

// expire は done のジョブを expired にします。ダウンロードトークンと期限は cleaned まで残します。
func expire(ctx context.Context, store Store, job *Job, now time.Time) error {
	if err := transition(job, StatusExpired); err != nil {
		return err
	}
	job.ArtifactPath = ""
	job.ArtifactName = ""
	job.UpdatedAt = now
	if err := store.Update(ctx, job, StatusDone); err != nil {
		return fmt.Errorf("failed to mark job %d as expired: %w", job.ID, err)
	}
	return nil
}

// Start は schedule の cron 式で掃除を定期実行します。前回の実行が終わっていない場合は飛ばします。
func (s *Sweeper) Start(schedule string) error {
	logger := cron.PrintfLogger(s.logger.WithField("component", "sweeper"))
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	_, err := c.AddFunc(schedule, func() {
		result, err := s.Tick(context.Background())
		log := s.logger.WithFields(logrus.Fields{
			"component": "sweeper",
			"expired":   result.Expired,
			"cleaned":   result.Cleaned,
		})
		if err != nil {
			log.WithError(err).Warn("sweep failed")
			return
		}
		if result.Expired > 0 || result.Cleaned > 0 {
			log.Info("sweep finished")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep interval %q: %w", schedule, err)
	}
	s.cronMu.Lock()
	s.cron = c
	s.cronMu.Unlock()
	c.Start()
	return nil
}

// Stop は定期実行を止め、実行中の掃除が終わるまで待ちます。
func (s *Sweeper) Stop(ctx context.Context) {
	s.cronMu.Lock()
	c := s.cron
	s.cron = nil
	s.cronMu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
