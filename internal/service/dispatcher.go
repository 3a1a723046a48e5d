package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pesio-ai/be-records-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-records-workflow/internal/platform/logger"
)

// AsyncDispatcher runs pipeline jobs on background goroutines detached from
// the caller's context. At most `concurrency` jobs run at once.
type AsyncDispatcher struct {
	runner  JobRunner
	sem     *semaphore.Weighted
	timeout time.Duration
	log     *logger.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ Dispatcher = (*AsyncDispatcher)(nil)

// NewAsyncDispatcher creates an AsyncDispatcher. A zero timeout means jobs
// run without a deadline.
func NewAsyncDispatcher(runner JobRunner, concurrency int64, timeout time.Duration, log *logger.Logger) *AsyncDispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &AsyncDispatcher{
		runner:  runner,
		sem:     semaphore.NewWeighted(concurrency),
		timeout: timeout,
		log:     log,
	}
}

// Dispatch schedules job and returns immediately.
func (d *AsyncDispatcher) Dispatch(ctx context.Context, job PipelineJob) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New(errors.ErrCodeInternal, "dispatcher is shut down")
	}

	jobCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		if err := d.sem.Acquire(jobCtx, 1); err != nil {
			d.log.Warn().Err(err).Str("request_id", job.RequestID).Msg("Pipeline job not started")
			return
		}
		defer d.sem.Release(1)

		runCtx := jobCtx
		if d.timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(jobCtx, d.timeout)
			defer cancel()
		}

		if err := d.runner.Run(runCtx, job); err != nil {
			d.log.Warn().Err(err).Str("request_id", job.RequestID).Msg("Pipeline job failed")
		}
	}()
	return nil
}

// Shutdown stops accepting jobs and waits for running ones, or for ctx.
func (d *AsyncDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
