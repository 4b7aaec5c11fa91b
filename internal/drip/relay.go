package drip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/dripline/internal/queue"
	"github.com/foxzi/dripline/internal/store"
)

// relayBatchSize bounds one outbox read
const relayBatchSize = 100

// Enqueuer is the part of the job queue the relay needs
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload []byte, opts ...queue.Option) (string, error)
}

// Relay moves outbox rows written by store transactions into the job queue
type Relay struct {
	store   *store.Store
	queue   Enqueuer
	options map[string][]queue.Option
	logger  *slog.Logger
	mu      sync.Mutex
	now     func() time.Time
}

// NewRelay creates a relay. options are appended to every enqueue of the named queue.
func NewRelay(s *store.Store, q Enqueuer, options map[string][]queue.Option, logger *slog.Logger) *Relay {
	return &Relay{
		store:   s,
		queue:   q,
		options: options,
		logger:  logger.With("component", "outbox"),
		now:     time.Now,
	}
}

// Flush enqueues every pending outbox row and deletes the relayed ones.
// A row whose job already exists counts as relayed.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	relayed := 0
	for {
		entries, err := r.store.PendingOutbox(ctx, relayBatchSize)
		if err != nil {
			return relayed, err
		}

		var errs []error
		for i := range entries {
			if err := r.relay(ctx, &entries[i]); err != nil {
				errs = append(errs, err)
				continue
			}
			relayed++
		}
		if len(errs) > 0 {
			return relayed, errors.Join(errs...)
		}
		if len(entries) < relayBatchSize {
			return relayed, nil
		}
	}
}

func (r *Relay) relay(ctx context.Context, e *store.OutboxEntry) error {
	opts := []queue.Option{queue.JobID(e.JobID), queue.Delay(e.Delay(r.now()))}
	opts = append(opts, r.options[e.Queue]...)

	_, err := r.queue.Enqueue(ctx, e.Queue, e.Payload, opts...)
	if err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
		return fmt.Errorf("failed to relay job %s: %w", e.JobID, err)
	}
	if err == nil {
		r.logger.Debug("job relayed", "job_id", e.JobID, "queue", e.Queue, "run_at", e.RunAt)
	}
	return r.store.DeleteOutbox(ctx, e.ID)
}

// Run sweeps the outbox every interval until ctx is done
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := r.Flush(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("outbox sweep failed", "error", err, "relayed", n)
		} else if n > 0 {
			r.logger.Info("outbox sweep relayed jobs", "count", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
