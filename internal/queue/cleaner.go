package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig contains retention settings of the bolt queue
type CleanerConfig struct {
	CompletedMaxAge   time.Duration // 0 keeps completed jobs
	CompletedInterval time.Duration

	DeadMaxAge   time.Duration // 0 keeps dead jobs by age
	DeadMaxCount int           // 0 keeps any number of dead jobs
	DeadInterval time.Duration
}

// Cleaner prunes finished jobs so job ids stay deduplicated only as long as needed
type Cleaner struct {
	queue  *BoltQueue
	cfg    CleanerConfig
	logger *slog.Logger

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// sweep is one periodic retention pass
type sweep struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) (int, error)
}

// NewCleaner creates a cleaner for q
func NewCleaner(q *BoltQueue, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		queue:  q,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches the enabled sweeps
func (c *Cleaner) Start(ctx context.Context) {
	var sweeps []sweep
	if c.cfg.CompletedMaxAge > 0 && c.cfg.CompletedInterval > 0 {
		sweeps = append(sweeps, sweep{
			name:     "completed",
			interval: c.cfg.CompletedInterval,
			run: func(ctx context.Context) (int, error) {
				return c.queue.CleanupCompleted(ctx, c.cfg.CompletedMaxAge)
			},
		})
	}
	if (c.cfg.DeadMaxAge > 0 || c.cfg.DeadMaxCount > 0) && c.cfg.DeadInterval > 0 {
		sweeps = append(sweeps, sweep{
			name:     "dead",
			interval: c.cfg.DeadInterval,
			run: func(ctx context.Context) (int, error) {
				return c.queue.CleanupDead(ctx, c.cfg.DeadMaxAge, c.cfg.DeadMaxCount)
			},
		})
	}

	for _, s := range sweeps {
		c.wg.Add(1)
		go c.loop(ctx, s)
	}

	c.logger.Info("cleaner started",
		"sweeps", len(sweeps),
		"completed_max_age", c.cfg.CompletedMaxAge,
		"dead_max_age", c.cfg.DeadMaxAge,
		"dead_max_count", c.cfg.DeadMaxCount,
	)
}

// Stop stops the sweeps and waits for a running pass to finish
func (c *Cleaner) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	c.logger.Info("cleaner stopped")
}

func (c *Cleaner) loop(ctx context.Context, s sweep) {
	defer c.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	c.pass(ctx, s)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.pass(ctx, s)
		}
	}
}

func (c *Cleaner) pass(ctx context.Context, s sweep) {
	deleted, err := s.run(ctx)
	if err != nil {
		c.logger.Error("queue cleanup failed", "jobs", s.name, "error", err)
		return
	}
	if deleted > 0 {
		c.logger.Info("queue cleanup", "jobs", s.name, "deleted", deleted)
	}
}
