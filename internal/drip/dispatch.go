package drip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/foxzi/dripline/internal/email"
	"github.com/foxzi/dripline/internal/metrics"
	"github.com/foxzi/dripline/internal/queue"
	"github.com/foxzi/dripline/internal/ratelimit"
	"github.com/foxzi/dripline/internal/smtp"
	"github.com/foxzi/dripline/internal/store"
	"github.com/foxzi/dripline/internal/template"
)

// Transport delivers one rendered message
type Transport interface {
	Send(ctx context.Context, msg *smtp.Message) (*smtp.SendResult, error)
}

// DispatchConfig configures the dispatch worker
type DispatchConfig struct {
	// TrackingBaseURL prefixes the open pixel; empty disables the pixel
	TrackingBaseURL string
	// MessageIDDomain is the right side of generated Message-IDs; defaults to the mailbox domain
	MessageIDDomain string
	SendTimeout     time.Duration
	// HourlyLimit caps sends per mailbox and hour on top of the mailbox daily limit
	HourlyLimit int
}

// Dispatcher sends campaign steps
type Dispatcher struct {
	store     *store.Store
	transport Transport
	limiter   *ratelimit.Limiter
	relay     *Relay
	engine    *template.Engine
	cfg       DispatchConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher creates a dispatch worker. limiter may be nil.
func NewDispatcher(s *store.Store, transport Transport, limiter *ratelimit.Limiter, relay *Relay, cfg DispatchConfig, logger *slog.Logger) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = time.Minute
	}
	cfg.TrackingBaseURL = strings.TrimRight(cfg.TrackingBaseURL, "/")

	return &Dispatcher{
		store:     s,
		transport: transport,
		limiter:   limiter,
		relay:     relay,
		engine:    template.NewEngine(),
		cfg:       cfg,
		logger:    logger.With("component", "dispatch"),
		now:       time.Now,
	}
}

// Handle is the queue handler for dispatch jobs
func (d *Dispatcher) Handle(ctx context.Context, job *queue.Job) error {
	var p DispatchPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("invalid dispatch payload: %w: %w", queue.ErrSkipRetry, err)
	}
	return d.Dispatch(ctx, p)
}

// Dispatch sends one step to one lead and queues the following step.
// Missing entities and replied leads finish the job without error.
func (d *Dispatcher) Dispatch(ctx context.Context, p DispatchPayload) error {
	logger := d.logger.With("lead_id", p.LeadID, "step", p.StepOrder)

	lead, campaign, step, mailbox, err := d.load(ctx, p)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("dropping dispatch job", "reason", err)
		return nil
	}
	if err != nil {
		return err
	}

	if lead.Status == store.LeadReplied {
		logger.Debug("lead replied, sequence stopped")
		return nil
	}

	entry, err := d.store.PrepareLog(ctx, lead.ID, step.ID)
	if errors.Is(err, store.ErrLeadReplied) {
		logger.Debug("lead replied, sequence stopped")
		return nil
	}
	if err != nil {
		return err
	}
	if entry.MessageID != "" {
		logger.Info("step already sent", "message_id", entry.MessageID)
		return nil
	}
	logger = logger.With("log_id", entry.ID)

	rendered, err := d.engine.Render(&template.Template{Subject: step.Subject, HTML: step.Body},
		template.NewContext(lead.Email, lead.Name, lead.Company, lead.CustomFields))
	if err != nil {
		return fmt.Errorf("failed to render step %d: %w", step.Order, err)
	}

	msg := &smtp.Message{
		From:      mailbox.Email,
		FromName:  mailbox.Name,
		To:        lead.Email,
		ToName:    lead.Name,
		Subject:   rendered.Subject,
		HTML:      rendered.HTML + d.pixel(entry.ID),
		MessageID: NewMessageID(d.now(), lead.ID, step.ID, d.domain(mailbox)),
	}

	if err := d.acquire(ctx, mailbox); err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	result, err := d.transport.Send(sendCtx, msg)
	cancel()
	if err != nil {
		d.release(mailbox)
		return d.sendFailed(ctx, logger, entry, step, err)
	}

	messageID := msg.MessageID
	if result != nil && result.MessageID != "" {
		messageID = result.MessageID
	}

	fin := store.Finalize{
		LogID:     entry.ID,
		MessageID: messageID,
		LeadID:    lead.ID,
		StepOrder: step.Order,
	}
	if next := nextStep(campaign.Steps, step.Order); next != nil {
		fin.Next, err = dispatchEntry(campaign.ID, lead.ID, next, d.now())
		if err != nil {
			return err
		}
	}

	// the message is out, bookkeeping must not be cut short by shutdown
	chained, err := d.store.FinalizeDispatch(context.WithoutCancel(ctx), fin)
	if errors.Is(err, store.ErrAlreadySent) {
		logger.Warn("step recorded by a concurrent run", "message_id", messageID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to finalize step %d: %w", step.Order, err)
	}

	metrics.IncEmailsSent()
	logger.Info("step sent",
		"campaign_id", campaign.ID,
		"to", lead.Email,
		"message_id", messageID,
		"next_queued", chained,
	)

	if chained && d.relay != nil {
		if _, err := d.relay.Flush(ctx); err != nil {
			logger.Warn("failed to relay next step", "error", err)
		}
	}
	return nil
}

func (d *Dispatcher) load(ctx context.Context, p DispatchPayload) (*store.Lead, *store.Campaign, *store.Step, *store.Mailbox, error) {
	lead, err := d.store.GetLead(ctx, p.LeadID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	campaign, err := d.store.GetCampaign(ctx, p.CampaignID)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	var step *store.Step
	for i := range campaign.Steps {
		if campaign.Steps[i].Order == p.StepOrder {
			step = &campaign.Steps[i]
			break
		}
	}
	if step == nil {
		return nil, nil, nil, nil, fmt.Errorf("step %d of campaign %s: %w", p.StepOrder, campaign.ID, store.ErrNotFound)
	}

	if campaign.MailboxID == "" {
		return nil, nil, nil, nil, fmt.Errorf("mailbox of campaign %s: %w", campaign.ID, store.ErrNotFound)
	}
	mailbox, err := d.store.GetMailbox(ctx, campaign.MailboxID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return lead, campaign, step, mailbox, nil
}

// acquire takes a unit of the mailbox quota and waits for the send pace.
// An exhausted quota reschedules the job without spending an attempt.
func (d *Dispatcher) acquire(ctx context.Context, mailbox *store.Mailbox) error {
	if d.limiter == nil {
		return nil
	}

	res, err := d.limiter.Reserve(ctx, mailbox.ID, ratelimit.LimitConfig{
		MessagesPerHour: d.cfg.HourlyLimit,
		MessagesPerDay:  mailbox.DailyLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to check mailbox quota: %w", err)
	}
	if !res.Allowed {
		d.logger.Info("mailbox quota exhausted", "mailbox_id", mailbox.ID, "retry_after", res.RetryAfter)
		return queue.Reschedule(res.RetryAfter, "mailbox quota exhausted")
	}

	if err := d.limiter.Wait(ctx, mailbox.ID); err != nil {
		d.limiter.Refund(mailbox.ID)
		return fmt.Errorf("failed waiting for send pace: %w", err)
	}
	return nil
}

func (d *Dispatcher) release(mailbox *store.Mailbox) {
	if d.limiter != nil {
		d.limiter.Refund(mailbox.ID)
	}
}

func (d *Dispatcher) sendFailed(ctx context.Context, logger *slog.Logger, entry *store.EmailLog, step *store.Step, err error) error {
	if smtp.IsTemporaryError(err) {
		metrics.IncEmailsFailed("temporary")
		logger.Warn("send failed, will retry", "error", err)
		return fmt.Errorf("failed to send step %d: %w", step.Order, err)
	}

	metrics.IncEmailsFailed("permanent")
	logger.Error("send rejected", "error", err)
	if _, ferr := d.store.MarkLogFailed(context.WithoutCancel(ctx), entry.ID, err.Error()); ferr != nil {
		logger.Error("failed to mark log failed", "error", ferr)
	}
	return fmt.Errorf("failed to send step %d: %w: %w", step.Order, queue.ErrSkipRetry, err)
}

func (d *Dispatcher) domain(mailbox *store.Mailbox) string {
	if d.cfg.MessageIDDomain != "" {
		return d.cfg.MessageIDDomain
	}
	return email.ExtractDomainOrDefault(mailbox.Email, "localhost")
}

// pixel returns the open tracking image for a log
func (d *Dispatcher) pixel(logID string) string {
	if d.cfg.TrackingBaseURL == "" {
		return ""
	}
	src := html.EscapeString(d.cfg.TrackingBaseURL + "/track/open/" + logID)
	return `<img src="` + src + `" width="1" height="1" alt="" style="display:none" />`
}
