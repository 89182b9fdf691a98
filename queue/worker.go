package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"rightly/storage"
)

// Handler processes one claimed job. A nil error completes the job with the
// returned result; errors wrapped with Permanent fail it immediately.
type Handler func(ctx context.Context, job *storage.Job) (any, error)

// Runner drives a bounded pool of workers over a queue.
type Runner struct {
	queue       *Queue
	handler     Handler
	concurrency int
	logger      *slog.Logger
}

// RunnerOption adjusts a Runner.
type RunnerOption func(*Runner)

// WithConcurrency sets the number of jobs processed in parallel.
func WithConcurrency(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithLogger overrides the runner logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner binds handler to q.
func NewRunner(q *Queue, handler Handler, opts ...RunnerOption) *Runner {
	r := &Runner{queue: q, handler: handler, concurrency: 1, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("queue", q.Name())
	return r
}

// Run blocks until ctx is cancelled. A job that is in flight when ctx ends is
// allowed to finish so its outcome is recorded.
func (r *Runner) Run(ctx context.Context) error {
	if r == nil || r.queue == nil || r.handler == nil {
		return errors.New("queue: runner not configured")
	}
	var wg sync.WaitGroup
	for i := 0; i < r.concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.loop(ctx, worker)
		}(i)
	}
	wg.Wait()
	return nil
}

func (r *Runner) loop(ctx context.Context, worker int) {
	for {
		job, err := r.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("dequeue failed", "worker", worker, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		r.Process(context.WithoutCancel(ctx), job)
	}
}

// Process runs the handler for one claimed job and records the outcome.
func (r *Runner) Process(ctx context.Context, job *storage.Job) storage.JobState {
	log := r.logger.With("job_id", job.ID, "job", job.Name, "attempt", job.Attempts)
	result, err := r.safeHandle(ctx, job)
	if err == nil {
		if cerr := r.queue.Complete(ctx, job, result); cerr != nil {
			log.Error("complete job", "error", cerr)
			return job.State
		}
		log.Info("job succeeded")
		return storage.JobSucceeded
	}

	state, ferr := r.queue.Fail(ctx, job, err)
	if ferr != nil {
		log.Error("record job failure", "error", ferr, "cause", err)
		return job.State
	}
	if state == storage.JobFailed {
		log.Error("job failed", "error", err, "permanent", IsPermanent(err))
	} else {
		log.Warn("job will be retried", "error", err, "next_eligible_at", job.NextEligibleAt)
	}
	return state
}

func (r *Runner) safeHandle(ctx context.Context, job *storage.Job) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("job handler panic", "job_id", job.ID, "panic", rec)
			err = Permanent(errors.New("handler panic"))
		}
	}()
	return r.handler(ctx, job)
}
