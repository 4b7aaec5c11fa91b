// Package drip runs campaigns: it enrolls leads, sends each step after its
// wait elapses and stops a lead's sequence once a reply is matched.
package drip

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/foxzi/dripline/internal/store"
)

// Queue names
const (
	QueueDispatch    = "dispatch"
	QueueReplies     = "replies"
	QueueMaintenance = "maintenance"
)

// Recurring entry names
const (
	EntryReplyCheck   = "reply-check"
	EntryLeadComplete = "lead-complete"
)

// DispatchPayload identifies one step to send to one lead
type DispatchPayload struct {
	CampaignID string `json:"campaignId"`
	LeadID     string `json:"leadId"`
	StepOrder  int    `json:"stepOrder"`
}

// DispatchJobID is deterministic so a step can only be queued once per lead
func DispatchJobID(leadID string, order int) string {
	return fmt.Sprintf("dispatch:%s:%d", leadID, order)
}

// NewMessageID builds the correlation token sent as Message-ID
func NewMessageID(now time.Time, leadID, stepID, domain string) string {
	return fmt.Sprintf("%d.%s.%s@%s", now.UnixMilli(), leadID, stepID, domain)
}

// WaitDelay converts a step wait into a delay; negative waits run immediately
func WaitDelay(waitDays int) time.Duration {
	if waitDays <= 0 {
		return 0
	}
	return time.Duration(waitDays) * 24 * time.Hour
}

// dispatchEntry builds the outbox row that queues step for lead
func dispatchEntry(campaignID, leadID string, step *store.Step, now time.Time) (*store.OutboxEntry, error) {
	payload, err := json.Marshal(DispatchPayload{
		CampaignID: campaignID,
		LeadID:     leadID,
		StepOrder:  step.Order,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode dispatch payload: %w", err)
	}
	return &store.OutboxEntry{
		Queue:   QueueDispatch,
		JobID:   DispatchJobID(leadID, step.Order),
		Payload: payload,
		RunAt:   now.Add(WaitDelay(step.WaitDays)),
	}, nil
}

// nextStep returns the step with order+1. A gap in the orders ends the chain.
func nextStep(steps []store.Step, order int) *store.Step {
	for i := range steps {
		if steps[i].Order == order+1 {
			return &steps[i]
		}
	}
	return nil
}
