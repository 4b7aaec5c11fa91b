package drip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/foxzi/dripline/internal/email"
	"github.com/foxzi/dripline/internal/metrics"
	"github.com/foxzi/dripline/internal/store"
)

// Row is one lead to enroll
type Row struct {
	Email        string         `json:"email" validate:"required,email"`
	Name         string         `json:"name"`
	Company      string         `json:"company"`
	CustomFields map[string]any `json:"customFields"`
}

// IngestResult counts the outcome of an ingestion batch
type IngestResult struct {
	Created         int      `json:"created"`
	Duplicates      int      `json:"duplicates"`
	DuplicateEmails []string `json:"duplicateEmails"`
	Failed          int      `json:"failed"`
	Errors          []string `json:"errors,omitempty"`
}

// ValidationError describes a rejected row
type ValidationError struct {
	Row    int
	Email  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("row %d (%q): %s", e.Row, e.Email, e.Reason)
}

// Ingester enrolls leads into campaigns
type Ingester struct {
	store    *store.Store
	relay    *Relay
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewIngester creates a new ingester
func NewIngester(s *store.Store, relay *Relay, logger *slog.Logger) *Ingester {
	return &Ingester{
		store:    s,
		relay:    relay,
		validate: validator.New(),
		logger:   logger.With("component", "ingest"),
		now:      time.Now,
	}
}

// Ingest validates, deduplicates and inserts rows as PENDING leads. When the
// campaign can send, each new lead gets its first dispatch job in the same transaction.
func (in *Ingester) Ingest(ctx context.Context, campaignID string, rows []Row) (*IngestResult, error) {
	campaign, err := in.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	result := &IngestResult{DuplicateEmails: []string{}}

	valid := make([]Row, 0, len(rows))
	emails := make([]string, 0, len(rows))
	for i, row := range rows {
		row.Email = email.Normalize(row.Email)
		if err := in.validate.Struct(row); err != nil {
			verr := &ValidationError{Row: i + 1, Email: row.Email, Reason: validationReason(err)}
			result.Failed++
			result.Errors = append(result.Errors, verr.Error())
			continue
		}
		valid = append(valid, row)
		emails = append(emails, row.Email)
	}

	existing, err := in.store.ExistingEmails(ctx, campaignID, emails)
	if err != nil {
		return nil, err
	}

	first := campaign.FirstStep()
	firstOrder := 1
	if first != nil {
		firstOrder = first.Order
	}
	schedule := first != nil && campaign.MailboxID != ""

	seen := make(map[string]bool, len(valid))
	queued := 0
	for _, row := range valid {
		if existing[row.Email] || seen[row.Email] {
			result.Duplicates++
			result.DuplicateEmails = append(result.DuplicateEmails, row.Email)
			continue
		}
		seen[row.Email] = true

		lead := &store.Lead{
			OwnerID:      campaign.OwnerID,
			CampaignID:   campaign.ID,
			Email:        row.Email,
			Name:         row.Name,
			Company:      row.Company,
			CustomFields: row.CustomFields,
			CurrentStep:  firstOrder,
			FirstStep:    firstOrder,
		}

		var next *store.OutboxEntry
		if schedule {
			// the lead id is fixed up front so the job can reference it
			lead.ID = uuid.New().String()
			next, err = dispatchEntry(campaign.ID, lead.ID, first, in.now())
			if err != nil {
				in.rowFailed(result, row.Email, err)
				continue
			}
		}

		created, err := in.store.InsertLead(ctx, lead, next)
		if err != nil {
			in.rowFailed(result, row.Email, err)
			continue
		}
		if !created {
			// lost a race with a concurrent ingestion
			result.Duplicates++
			result.DuplicateEmails = append(result.DuplicateEmails, row.Email)
			continue
		}
		result.Created++
		if next != nil {
			queued++
		}
	}

	metrics.AddLeadsIngested("created", result.Created)
	metrics.AddLeadsIngested("duplicate", result.Duplicates)
	metrics.AddLeadsIngested("failed", result.Failed)

	in.logger.Info("leads ingested",
		"campaign_id", campaignID,
		"created", result.Created,
		"duplicates", result.Duplicates,
		"failed", result.Failed,
		"queued", queued,
	)

	if queued > 0 && in.relay != nil {
		if _, err := in.relay.Flush(ctx); err != nil {
			// rows stay in the outbox for the periodic sweep
			in.logger.Warn("failed to relay first steps", "campaign_id", campaignID, "error", err)
		}
	}
	return result, nil
}

// rowFailed counts a row whose insert failed; the rest of the batch still runs
func (in *Ingester) rowFailed(result *IngestResult, addr string, err error) {
	in.logger.Error("failed to insert lead", "email", addr, "error", err)
	result.Failed++
	result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", addr, err))
}

func validationReason(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		switch verrs[0].Tag() {
		case "required":
			return "email is required"
		case "email":
			return "invalid email address"
		}
		return verrs[0].Error()
	}
	return err.Error()
}
