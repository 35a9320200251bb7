package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// JobFunc は1件のジョブ本体です。ctx は取消またはスケジューラ停止で打ち切られ、
// context.Cause は ErrCancelled か ErrShutdown を返します。
type JobFunc func(ctx context.Context, jobID int64) error

// Submitter はジョブIDを実行待ちに登録します。
type Submitter interface {
	Submit(jobID int64) bool
}

type tracked struct {
	cancel    context.CancelCauseFunc
	requested bool
}

// Scheduler は同時実行数を制限してジョブを実行するプロセス内のワーカープールです。
// 実行中または実行待ちのジョブIDを追跡し、同じIDの二重実行を防ぎます。
type Scheduler struct {
	slots  *semaphore.Weighted
	run    JobFunc
	logger *logrus.Logger

	base context.Context
	stop context.CancelCauseFunc

	mu       sync.Mutex
	inflight map[int64]*tracked
	closed   bool
	wg       sync.WaitGroup
}

// NewScheduler は parallel 個の実行枠を持つ Scheduler を生成します。
func NewScheduler(parallel int, run JobFunc, logger *logrus.Logger) *Scheduler {
	if parallel < 1 {
		parallel = 1
	}
	base, stop := context.WithCancelCause(context.Background())
	return &Scheduler{
		slots:    semaphore.NewWeighted(int64(parallel)),
		run:      run,
		logger:   logger,
		base:     base,
		stop:     stop,
		inflight: make(map[int64]*tracked),
	}
}

// Submit は jobID を実行待ちに登録します。既に追跡中のIDや停止後の呼び出しでは何もせず false を返します。
func (s *Scheduler) Submit(jobID int64) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.inflight[jobID]; ok {
		s.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancelCause(s.base)
	s.inflight[jobID] = &tracked{cancel: cancel}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.execute(ctx, jobID)
	return true
}

func (s *Scheduler) execute(ctx context.Context, jobID int64) {
	defer s.wg.Done()
	defer s.forget(jobID)

	// 待機中に取り消された場合はここで抜ける
	if err := s.slots.Acquire(ctx, 1); err != nil {
		s.logger.WithFields(logrus.Fields{
			"component": "scheduler",
			"job_id":    jobID,
		}).Debugf("job left the queue before starting: %v", context.Cause(ctx))
		return
	}
	defer s.slots.Release(1)

	if err := s.safeRun(ctx, jobID); err != nil {
		s.logger.WithFields(logrus.Fields{
			"component": "scheduler",
			"job_id":    jobID,
		}).WithError(err).Error("job execution failed")
	}
}

func (s *Scheduler) safeRun(ctx context.Context, jobID int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %d panicked: %v", jobID, r)
		}
	}()
	return s.run(ctx, jobID)
}

func (s *Scheduler) forget(jobID int64) {
	s.mu.Lock()
	if t, ok := s.inflight[jobID]; ok {
		t.cancel(nil)
		delete(s.inflight, jobID)
	}
	s.mu.Unlock()
}

// Cancel は追跡中のジョブに取消を通知します。追跡していないIDでは false を返し、記録も残しません。
func (s *Scheduler) Cancel(jobID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.inflight[jobID]
	if !ok {
		return false
	}
	t.requested = true
	t.cancel(ErrCancelled)
	return true
}

// CancelRequested は jobID に取消が要求済みかどうかを返します。
func (s *Scheduler) CancelRequested(jobID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.inflight[jobID]
	return ok && t.requested
}

// InFlight は追跡中のジョブ数を返します。
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Shutdown は新規登録を止め、実行中と待機中のジョブを ErrShutdown で打ち切り、終了を待ちます。
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop(ErrShutdown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}
