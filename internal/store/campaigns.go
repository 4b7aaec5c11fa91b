package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	campaignColumns = `id, owner_id, name, type, status, mailbox_id, created_at, updated_at`
	stepColumns     = `id, campaign_id, step_order, subject, body, wait_days, created_at`
)

// CreateCampaign creates a campaign together with its steps
func (s *Store) CreateCampaign(ctx context.Context, c *Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Type == "" {
		c.Type = CampaignOther
	}
	if c.Status == "" {
		c.Status = CampaignDraft
	}
	c.CreatedAt = s.now()
	c.UpdatedAt = c.CreatedAt

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx, `
			INSERT INTO campaigns (`+campaignColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.OwnerID, c.Name, string(c.Type), string(c.Status), nullString(c.MailboxID), c.CreatedAt, c.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create campaign: %w", err)
		}

		for i := range c.Steps {
			c.Steps[i].CampaignID = c.ID
			if err := s.insertStep(ctx, tx, &c.Steps[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetCampaign returns a campaign with its steps ordered by step order
func (s *Store) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	c, err := scanCampaign(s.queryRow(ctx, s.db, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}

	steps, err := s.ListSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Steps = steps
	return c, nil
}

// ListCampaigns returns campaigns without steps, optionally limited to one owner
func (s *Store) ListCampaigns(ctx context.Context, ownerID string) ([]Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// UpdateCampaignStatus sets the campaign status
func (s *Store) UpdateCampaignStatus(ctx context.Context, id string, status CampaignStatus) error {
	res, err := s.exec(ctx, s.db, `UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateCampaign applies u to a campaign in one transaction. Steps whose order is kept
// are updated in place so their logs survive; steps missing from u.Steps are removed.
func (s *Store) UpdateCampaign(ctx context.Context, id string, u CampaignUpdate) (*Campaign, error) {
	sets := []string{"updated_at = ?"}
	args := []any{s.now()}
	if u.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *u.Name)
	}
	if u.Type != nil {
		sets = append(sets, "type = ?")
		args = append(args, string(*u.Type))
	}
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.MailboxID != nil {
		sets = append(sets, "mailbox_id = ?")
		args = append(args, nullString(*u.MailboxID))
	}
	args = append(args, id)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx, `UPDATE campaigns SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return fmt.Errorf("failed to update campaign: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("campaign %s: %w", id, ErrNotFound)
		}
		if u.Steps == nil {
			return nil
		}
		return s.replaceSteps(ctx, tx, id, u.Steps)
	})
	if err != nil {
		return nil, err
	}
	return s.GetCampaign(ctx, id)
}

func (s *Store) replaceSteps(ctx context.Context, tx *sql.Tx, campaignID string, steps []Step) error {
	orders := make([]any, 0, len(steps)+1)
	orders = append(orders, campaignID)
	for i := range steps {
		orders = append(orders, steps[i].Order)
	}

	query := `DELETE FROM campaign_steps WHERE campaign_id = ?`
	if len(steps) > 0 {
		query += ` AND step_order NOT IN (` + placeholders(len(steps)) + `)`
	}
	if _, err := s.exec(ctx, tx, query, orders...); err != nil {
		return fmt.Errorf("failed to remove steps: %w", err)
	}

	for i := range steps {
		step := &steps[i]
		step.CampaignID = campaignID
		if step.WaitDays < 0 {
			step.WaitDays = 0
		}
		res, err := s.exec(ctx, tx, `
			UPDATE campaign_steps SET subject = ?, body = ?, wait_days = ?
			WHERE campaign_id = ? AND step_order = ?`,
			step.Subject, step.Body, step.WaitDays, campaignID, step.Order)
		if err != nil {
			return fmt.Errorf("failed to update step %d: %w", step.Order, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			continue
		}
		if err := s.insertStep(ctx, tx, step); err != nil {
			return err
		}
	}
	return nil
}

// DeleteCampaign removes a campaign with its steps, leads and logs
func (s *Store) DeleteCampaign(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`DELETE FROM email_logs WHERE lead_id IN (SELECT id FROM leads WHERE campaign_id = ?)`,
			`DELETE FROM leads WHERE campaign_id = ?`,
			`DELETE FROM campaign_steps WHERE campaign_id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := s.exec(ctx, tx, stmt, id); err != nil {
				return fmt.Errorf("failed to delete campaign: %w", err)
			}
		}
		res, err := s.exec(ctx, tx, `DELETE FROM campaigns WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete campaign: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("campaign %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// AddStep appends a step to an existing campaign
func (s *Store) AddStep(ctx context.Context, step *Step) error {
	if _, err := s.GetCampaign(ctx, step.CampaignID); err != nil {
		return err
	}
	return s.insertStep(ctx, s.db, step)
}

func (s *Store) insertStep(ctx context.Context, q querier, step *Step) error {
	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	if step.WaitDays < 0 {
		step.WaitDays = 0
	}
	step.CreatedAt = s.now()

	_, err := s.exec(ctx, q, `
		INSERT INTO campaign_steps (`+stepColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.CampaignID, step.Order, step.Subject, step.Body, step.WaitDays, step.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create step %d: %w", step.Order, err)
	}
	return nil
}

// GetStep returns the step with the given order
func (s *Store) GetStep(ctx context.Context, campaignID string, order int) (*Step, error) {
	step, err := scanStep(s.queryRow(ctx, s.db,
		`SELECT `+stepColumns+` FROM campaign_steps WHERE campaign_id = ? AND step_order = ?`, campaignID, order))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("step %d of campaign %s: %w", order, campaignID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return step, nil
}

// ListSteps returns the steps of a campaign ordered by step order
func (s *Store) ListSteps(ctx context.Context, campaignID string) ([]Step, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+stepColumns+` FROM campaign_steps WHERE campaign_id = ? ORDER BY step_order`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

func scanCampaign(row scanner) (*Campaign, error) {
	c := &Campaign{}
	var typ, status string
	var mailboxID sql.NullString
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &typ, &status, &mailboxID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Type = CampaignType(typ)
	c.Status = CampaignStatus(status)
	c.MailboxID = mailboxID.String
	return c, nil
}

func scanStep(row scanner) (*Step, error) {
	step := &Step{}
	if err := row.Scan(&step.ID, &step.CampaignID, &step.Order, &step.Subject, &step.Body, &step.WaitDays, &step.CreatedAt); err != nil {
		return nil, err
	}
	return step, nil
}
