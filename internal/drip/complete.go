package drip

import (
	"context"
	"log/slog"
	"time"

	"github.com/foxzi/dripline/internal/metrics"
	"github.com/foxzi/dripline/internal/queue"
	"github.com/foxzi/dripline/internal/store"
)

// Completer marks leads COMPLETED once their last step is old enough
type Completer struct {
	store  *store.Store
	after  time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewCompleter creates the completion sweep. after <= 0 disables it.
func NewCompleter(s *store.Store, after time.Duration, logger *slog.Logger) *Completer {
	return &Completer{
		store:  s,
		after:  after,
		logger: logger.With("component", "complete"),
		now:    time.Now,
	}
}

// Enabled reports whether the sweep should be scheduled
func (c *Completer) Enabled() bool {
	return c.after > 0
}

// Handle is the queue handler for the lead-complete entry
func (c *Completer) Handle(ctx context.Context, job *queue.Job) error {
	if !c.Enabled() {
		return nil
	}
	n, err := c.store.CompleteFinishedLeads(ctx, c.now().Add(-c.after))
	if err != nil {
		return err
	}
	if n > 0 {
		metrics.AddLeadsCompleted(int(n))
		c.logger.Info("leads completed", "count", n)
	}
	return nil
}
