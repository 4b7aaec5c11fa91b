package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const leadColumns = `id, owner_id, campaign_id, email, name, company, custom_fields, status, current_step, first_step, created_at, updated_at`

// emailBatchSize bounds the IN list of ExistingEmails
const emailBatchSize = 500

// InsertLead inserts a PENDING lead and, when next is set, its first job in the same transaction.
// created is false when a lead with the same email already exists in the campaign.
func (s *Store) InsertLead(ctx context.Context, lead *Lead, next *OutboxEntry) (created bool, err error) {
	if lead.ID == "" {
		lead.ID = uuid.New().String()
	}
	if lead.Status == "" {
		lead.Status = LeadPending
	}
	if lead.CustomFields == nil {
		lead.CustomFields = map[string]any{}
	}
	fields, err := json.Marshal(lead.CustomFields)
	if err != nil {
		return false, fmt.Errorf("failed to encode custom fields: %w", err)
	}
	lead.CreatedAt = s.now()
	lead.UpdatedAt = lead.CreatedAt

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx, `
			INSERT INTO leads (`+leadColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (campaign_id, email) DO NOTHING`,
			lead.ID, lead.OwnerID, lead.CampaignID, lead.Email, lead.Name, lead.Company, string(fields),
			string(lead.Status), lead.CurrentStep, lead.FirstStep, lead.CreatedAt, lead.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert lead: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		created = true

		if next != nil {
			return s.insertOutbox(ctx, tx, next)
		}
		return nil
	})
	return created, err
}

// GetLead returns a lead by ID
func (s *Store) GetLead(ctx context.Context, id string) (*Lead, error) {
	lead, err := scanLead(s.queryRow(ctx, s.db, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lead %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lead: %w", err)
	}
	return lead, nil
}

// ListLeads returns leads of a campaign
func (s *Store) ListLeads(ctx context.Context, campaignID string, filter LeadFilter) ([]Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE campaign_id = ?`
	args := []any{campaignID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at, email`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list leads: %w", err)
	}
	defer rows.Close()

	var leads []Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, *lead)
	}
	return leads, rows.Err()
}

// ExistingEmails returns which of the given emails already have a lead in the campaign
func (s *Store) ExistingEmails(ctx context.Context, campaignID string, emails []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	for start := 0; start < len(emails); start += emailBatchSize {
		end := min(start+emailBatchSize, len(emails))
		batch := emails[start:end]

		args := make([]any, 0, len(batch)+1)
		args = append(args, campaignID)
		for _, e := range batch {
			args = append(args, e)
		}

		rows, err := s.query(ctx, s.db,
			`SELECT email FROM leads WHERE campaign_id = ? AND email IN (`+placeholders(len(batch))+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to look up existing leads: %w", err)
		}
		for rows.Next() {
			var email string
			if err := rows.Scan(&email); err != nil {
				rows.Close()
				return nil, err
			}
			existing[email] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return existing, nil
}

// FindLatestLeadByEmail returns the most recently created ACTIVE or PENDING lead with the email
func (s *Store) FindLatestLeadByEmail(ctx context.Context, email string) (*Lead, error) {
	lead, err := scanLead(s.queryRow(ctx, s.db, `
		SELECT `+leadColumns+` FROM leads
		WHERE email = ? AND status IN ('ACTIVE', 'PENDING')
		ORDER BY created_at DESC
		LIMIT 1`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lead with email %s: %w", email, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find lead: %w", err)
	}
	return lead, nil
}

// UpdateLead applies u to a lead. A REPLIED lead keeps its status.
func (s *Store) UpdateLead(ctx context.Context, id string, u LeadUpdate) (*Lead, error) {
	sets := []string{"updated_at = ?"}
	args := []any{s.now()}
	if u.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *u.Name)
	}
	if u.Company != nil {
		sets = append(sets, "company = ?")
		args = append(args, *u.Company)
	}
	if u.CustomFields != nil {
		fields, err := json.Marshal(u.CustomFields)
		if err != nil {
			return nil, fmt.Errorf("failed to encode custom fields: %w", err)
		}
		sets = append(sets, "custom_fields = ?")
		args = append(args, string(fields))
	}
	if u.Status != nil {
		sets = append(sets, "status = CASE WHEN status = 'REPLIED' THEN status ELSE ? END")
		args = append(args, string(*u.Status))
	}
	args = append(args, id)

	res, err := s.exec(ctx, s.db, `UPDATE leads SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update lead: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("lead %s: %w", id, ErrNotFound)
	}
	return s.GetLead(ctx, id)
}

// DeleteLead removes a lead and its logs. Queued jobs for it are dropped when they run.
func (s *Store) DeleteLead(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM email_logs WHERE lead_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete lead logs: %w", err)
		}
		res, err := s.exec(ctx, tx, `DELETE FROM leads WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete lead: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("lead %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// RecordReply marks the lead and, when logID is set, the log REPLIED.
// Rows already REPLIED are left untouched; changed reports whether anything moved.
func (s *Store) RecordReply(ctx context.Context, leadID, logID string) (changed bool, err error) {
	now := s.now()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx, `
			UPDATE leads SET status = 'REPLIED', updated_at = ?
			WHERE id = ? AND status <> 'REPLIED'`, now, leadID)
		if err != nil {
			return fmt.Errorf("failed to mark lead replied: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			changed = true
		}

		if logID == "" {
			return nil
		}
		ok, err := s.transitionLog(ctx, tx, logID, LogReplied)
		if err != nil {
			return err
		}
		changed = changed || ok
		return nil
	})
	return changed, err
}

// CompleteFinishedLeads marks ACTIVE leads COMPLETED when they sit on the last step
// of their campaign and that step was sent before cutoff.
func (s *Store) CompleteFinishedLeads(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, s.db, `
		UPDATE leads SET status = 'COMPLETED', updated_at = ?
		WHERE status = 'ACTIVE'
		  AND current_step = (SELECT MAX(cs.step_order) FROM campaign_steps cs WHERE cs.campaign_id = leads.campaign_id)
		  AND EXISTS (
			SELECT 1 FROM email_logs l
			JOIN campaign_steps s ON s.id = l.step_id
			WHERE l.lead_id = leads.id
			  AND s.step_order = leads.current_step
			  AND l.message_id <> ''
			  AND l.sent_at < ?
		  )`, s.now(), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to complete leads: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanLead(row scanner) (*Lead, error) {
	lead := &Lead{}
	var fields, status string
	if err := row.Scan(&lead.ID, &lead.OwnerID, &lead.CampaignID, &lead.Email, &lead.Name, &lead.Company,
		&fields, &status, &lead.CurrentStep, &lead.FirstStep, &lead.CreatedAt, &lead.UpdatedAt); err != nil {
		return nil, err
	}
	lead.Status = LeadStatus(status)
	lead.CustomFields = map[string]any{}
	if fields != "" {
		if err := json.Unmarshal([]byte(fields), &lead.CustomFields); err != nil {
			return nil, fmt.Errorf("failed to decode custom fields of lead %s: %w", lead.ID, err)
		}
	}
	return lead, nil
}
