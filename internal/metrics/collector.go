package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"
)

// QueueStats contains job counts of one queue
type QueueStats struct {
	Pending   int64
	Running   int64
	Deferred  int64
	Completed int64
	Dead      int64
}

// QueueStatsFunc returns job counts for a queue
type QueueStatsFunc func(ctx context.Context, queue string) (*QueueStats, error)

// Collector periodically refreshes queue and system gauges
type Collector struct {
	metrics     *Metrics
	queueStats  QueueStatsFunc
	queues      []string
	storagePath string
	interval    time.Duration
	startTime   time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new metrics collector
func NewCollector(m *Metrics, queueStats QueueStatsFunc, queues []string, storagePath string, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 10 * time.Second
	}
	return &Collector{
		metrics:     m,
		queueStats:  queueStats,
		queues:      queues,
		storagePath: storagePath,
		interval:    interval,
		startTime:   time.Now(),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the collector loop
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// collect updates gauges from the current state
func (c *Collector) collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.queueStats == nil {
		return
	}
	for _, queue := range c.queues {
		stats, err := c.queueStats(ctx, queue)
		if err != nil || stats == nil {
			continue
		}
		c.metrics.QueueJobs.WithLabelValues(queue, "pending").Set(float64(stats.Pending))
		c.metrics.QueueJobs.WithLabelValues(queue, "running").Set(float64(stats.Running))
		c.metrics.QueueJobs.WithLabelValues(queue, "deferred").Set(float64(stats.Deferred))
		c.metrics.QueueJobs.WithLabelValues(queue, "completed").Set(float64(stats.Completed))
		c.metrics.QueueJobs.WithLabelValues(queue, "dead").Set(float64(stats.Dead))
	}
}
