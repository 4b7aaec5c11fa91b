package drip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/dripline/internal/email"
	"github.com/foxzi/dripline/internal/imap"
	"github.com/foxzi/dripline/internal/metrics"
	"github.com/foxzi/dripline/internal/queue"
	"github.com/foxzi/dripline/internal/store"
)

// Match methods
const (
	MatchExact    = "exact"
	MatchFallback = "fallback"
)

// MailboxReader lists inbound messages
type MailboxReader interface {
	ListUnseen(ctx context.Context, since time.Time) ([]imap.InboundMessage, error)
}

// ReconcileResult counts the outcome of one reconciliation run
type ReconcileResult struct {
	Scanned   int
	Exact     int
	Fallback  int
	Unmatched int
}

// Reconciler matches inbound replies to leads and stops their sequence
type Reconciler struct {
	store    *store.Store
	reader   MailboxReader
	lookback time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewReconciler creates a reconciler. lookback bounds how far back unseen mail is read.
func NewReconciler(s *store.Store, reader MailboxReader, lookback time.Duration, logger *slog.Logger) *Reconciler {
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return &Reconciler{
		store:    s,
		reader:   reader,
		lookback: lookback,
		logger:   logger.With("component", "reconcile"),
		now:      time.Now,
	}
}

// Handle is the queue handler for the reply-check entry
func (r *Reconciler) Handle(ctx context.Context, job *queue.Job) error {
	_, err := r.Run(ctx)
	return err
}

// Run reads unseen messages and records every matched reply. Messages are left unseen.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileResult, error) {
	messages, err := r.reader.ListUnseen(ctx, r.now().Add(-r.lookback))
	if err != nil {
		return nil, fmt.Errorf("failed to list inbound messages: %w", err)
	}

	result := &ReconcileResult{Scanned: len(messages)}
	var errs []error
	for i := range messages {
		msg := &messages[i]
		method, changed, err := r.reconcile(ctx, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("message %s: %w", msg.MessageID, err))
			continue
		}

		switch method {
		case MatchExact:
			result.Exact++
		case MatchFallback:
			result.Fallback++
		default:
			result.Unmatched++
			metrics.IncRepliesUnmatched()
			continue
		}
		if changed {
			metrics.IncRepliesMatched(method)
			r.logger.Info("reply recorded", "from", msg.From, "method", method)
		}
	}

	r.logger.Debug("reconciliation finished",
		"scanned", result.Scanned,
		"exact", result.Exact,
		"fallback", result.Fallback,
		"unmatched", result.Unmatched,
	)
	return result, errors.Join(errs...)
}

// reconcile matches one message. method is empty when nothing matched.
func (r *Reconciler) reconcile(ctx context.Context, msg *imap.InboundMessage) (method string, changed bool, err error) {
	for _, id := range correlationIDs(msg) {
		log, err := r.store.GetLogByMessageID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", false, err
		}
		changed, err := r.store.RecordReply(ctx, log.LeadID, log.ID)
		return MatchExact, changed, err
	}

	sender := email.Normalize(msg.From)
	if sender == "" {
		return "", false, nil
	}
	lead, err := r.store.FindLatestLeadByEmail(ctx, sender)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	logID := ""
	log, err := r.store.LatestLogForLead(ctx, lead.ID)
	switch {
	case err == nil:
		logID = log.ID
	case !errors.Is(err, store.ErrNotFound):
		return "", false, err
	}

	changed, err = r.store.RecordReply(ctx, lead.ID, logID)
	return MatchFallback, changed, err
}

// correlationIDs lists ids to try: In-Reply-To, then References newest first
func correlationIDs(msg *imap.InboundMessage) []string {
	ids := make([]string, 0, len(msg.References)+1)
	seen := make(map[string]bool, len(msg.References)+1)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	add(msg.InReplyTo)
	for i := len(msg.References) - 1; i >= 0; i-- {
		add(msg.References[i])
	}
	return ids
}
