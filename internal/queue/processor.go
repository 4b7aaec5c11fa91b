package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/foxzi/dripline/internal/metrics"
)

// Processor runs a handler over the jobs of one queue
type Processor struct {
	store        *BoltQueue
	queue        string
	handler      Handler
	workers      int
	pollInterval time.Duration
	reapInterval time.Duration
	logger       *slog.Logger

	wg sync.WaitGroup
}

// Consume runs handler for jobs of queue until ctx is done
func (q *BoltQueue) Consume(ctx context.Context, queue string, handler Handler, concurrency int) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	p := newProcessor(q, queue, handler, concurrency)
	p.Run(ctx)
	return nil
}

func newProcessor(q *BoltQueue, queue string, handler Handler, workers int) *Processor {
	if workers <= 0 {
		workers = 1
	}
	return &Processor{
		store:        q,
		queue:        queue,
		handler:      handler,
		workers:      workers,
		pollInterval: q.cfg.PollInterval,
		reapInterval: q.cfg.LeaseGrace,
		logger:       q.logger.With("queue", queue),
	}
}

// Run starts the workers and blocks until ctx is done and all runs finished
func (p *Processor) Run(ctx context.Context) {
	p.logger.Info("starting queue processor", "workers", p.workers)

	p.reap(ctx)

	p.wg.Add(p.workers + 1)
	for i := 0; i < p.workers; i++ {
		go p.worker(ctx, i)
	}
	go p.reaper(ctx)

	p.wg.Wait()
	p.logger.Info("queue processor stopped")
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", id)
	logger.Debug("worker started")

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopped by context")
			return
		case <-ticker.C:
			// drain everything that is ready before sleeping again
			for ctx.Err() == nil && p.processOne(ctx, logger) {
			}
		}
	}
}

func (p *Processor) reaper(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reap(ctx)
		}
	}
}

func (p *Processor) reap(ctx context.Context) {
	n, err := p.store.RecoverExpired(ctx, p.queue, time.Now())
	if err != nil {
		p.logger.Error("failed to recover expired leases", "error", err)
		return
	}
	if n > 0 {
		p.logger.Warn("recovered jobs with expired lease", "count", n)
	}
}

// processOne runs a single ready job. It reports whether a job was found.
func (p *Processor) processOne(ctx context.Context, logger *slog.Logger) bool {
	job, err := p.store.Dequeue(ctx, p.queue)
	if err != nil {
		logger.Error("failed to dequeue job", "error", err)
		return false
	}
	if job == nil {
		return false
	}

	logger = logger.With("job_id", job.ID, "attempt", job.Attempts)
	logger.Debug("processing job")

	runCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	err = p.safeRun(runCtx, job)
	cancel()

	// bookkeeping must survive shutdown of ctx
	bgCtx := context.WithoutCancel(ctx)

	if err == nil {
		if err := p.store.Complete(bgCtx, job); err != nil {
			logger.Error("failed to complete job", "error", err)
		}
		metrics.IncJobsProcessed(p.queue, "completed")
		return true
	}

	if delay, ok := rescheduleDelay(err); ok {
		logger.Info("job rescheduled", "reason", err, "delay", delay)
		job.Attempts--
		if err := p.store.Defer(bgCtx, job, time.Now().Add(delay), nil); err != nil {
			logger.Error("failed to reschedule job", "error", err)
		}
		metrics.IncJobsProcessed(p.queue, "rescheduled")
		return true
	}

	switch {
	case ctx.Err() != nil:
		// interrupted by shutdown, run again right away on next start
		if err := p.store.Defer(bgCtx, job, time.Now(), err); err != nil {
			logger.Error("failed to release job", "error", err)
		}
		metrics.IncJobsProcessed(p.queue, "interrupted")
	case errors.Is(err, ErrSkipRetry) || job.Exhausted():
		logger.Error("job failed permanently",
			"error", err,
			"max_attempts", job.Retry.MaxAttempts,
		)
		if err := p.store.Kill(bgCtx, job, err); err != nil {
			logger.Error("failed to move job to dead letters", "error", err)
		}
		metrics.IncJobsProcessed(p.queue, "dead")
	default:
		backoff := job.Retry.Delay(job.Attempts)
		logger.Warn("job failed, retrying",
			"error", err,
			"backoff", backoff,
		)
		if err := p.store.Defer(bgCtx, job, time.Now().Add(backoff), err); err != nil {
			logger.Error("failed to defer job", "error", err)
		}
		metrics.IncJobsProcessed(p.queue, "retried")
	}
	return true
}

func (p *Processor) safeRun(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job handler panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, job)
}
