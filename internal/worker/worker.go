package worker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-records-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-records-workflow/internal/service"
)

// Worker consumes the pipeline queue and runs each job.
type Worker struct {
	queue       *RedisQueue
	runner      service.JobRunner
	concurrency int
	jobTimeout  time.Duration
	pollWait    time.Duration
	log         *logger.Logger
}

// NewWorker creates a worker with the given number of consumers.
func NewWorker(queue *RedisQueue, runner service.JobRunner, concurrency int, jobTimeout time.Duration, log *logger.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		queue:       queue,
		runner:      runner,
		concurrency: concurrency,
		jobTimeout:  jobTimeout,
		pollWait:    time.Second,
		log:         log,
	}
}

// Run consumes until ctx is cancelled. Job failures are logged; the
// pipeline has already recorded them in history.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error { return w.consume(ctx) })
	}
	return g.Wait()
}

func (w *Worker) consume(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		job, err := w.queue.Dequeue(ctx, w.pollWait)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			w.log.Warn().Err(err).Msg("Pipeline queue read failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.pollWait):
			}
			continue
		}
		if job == nil {
			continue
		}

		w.run(ctx, *job)
	}
}

func (w *Worker) run(ctx context.Context, job service.PipelineJob) {
	// Let a running job finish its history write on shutdown.
	jobCtx := context.WithoutCancel(ctx)
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(jobCtx, w.jobTimeout)
		defer cancel()
	}

	if err := w.runner.Run(jobCtx, job); err != nil {
		w.log.Warn().Err(err).Str("request_id", job.RequestID).Msg("Pipeline job failed")
		return
	}
	w.log.Debug().Str("request_id", job.RequestID).Msg("Pipeline job done")
}
