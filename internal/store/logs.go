package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const logColumns = `id, lead_id, step_id, status, message_id, error, sent_at, created_at`

// Finalize describes the bookkeeping after a successful send
type Finalize struct {
	LogID     string
	MessageID string
	LeadID    string
	StepOrder int
	Next      *OutboxEntry // job for the following step, if any
}

// PrepareLog returns the log for (lead, step), creating it with status SENT and no message id.
// No log is created for a lead that already replied; ErrLeadReplied is returned instead.
func (s *Store) PrepareLog(ctx context.Context, leadID, stepID string) (*EmailLog, error) {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO email_logs (id, lead_id, step_id, status, message_id, error, created_at)
		SELECT ?, ?, ?, 'SENT', '', '', ?
		WHERE EXISTS (SELECT 1 FROM leads WHERE id = ? AND status <> 'REPLIED')
		ON CONFLICT (lead_id, step_id) DO NOTHING`,
		uuid.New().String(), leadID, stepID, s.now(), leadID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create email log: %w", err)
	}

	log, err := scanLog(s.queryRow(ctx, s.db,
		`SELECT `+logColumns+` FROM email_logs WHERE lead_id = ? AND step_id = ?`, leadID, stepID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLeadReplied
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email log: %w", err)
	}
	return log, nil
}

// FinalizeDispatch records the assigned message id, advances the lead and writes the next job.
// The next job is skipped when the lead replied in the meantime. chained reports whether it was written.
func (s *Store) FinalizeDispatch(ctx context.Context, f Finalize) (chained bool, err error) {
	now := s.now()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx, `
			UPDATE email_logs SET message_id = ?, sent_at = ?
			WHERE id = ? AND message_id = ''`, f.MessageID, now, f.LogID)
		if err != nil {
			return fmt.Errorf("failed to record message id: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAlreadySent
		}

		_, err = s.exec(ctx, tx, `
			UPDATE leads SET
				current_step = CASE WHEN current_step > ? THEN current_step ELSE ? END,
				status = CASE WHEN status = 'PENDING' THEN 'ACTIVE' ELSE status END,
				updated_at = ?
			WHERE id = ?`, f.StepOrder, f.StepOrder, now, f.LeadID)
		if err != nil {
			return fmt.Errorf("failed to advance lead: %w", err)
		}

		if f.Next == nil {
			return nil
		}

		var status string
		if err := s.queryRow(ctx, tx, `SELECT status FROM leads WHERE id = ?`, f.LeadID).Scan(&status); err != nil {
			return fmt.Errorf("failed to read lead status: %w", err)
		}
		if LeadStatus(status) == LeadReplied {
			return nil
		}
		if err := s.insertOutbox(ctx, tx, f.Next); err != nil {
			return err
		}
		chained = true
		return nil
	})
	return chained, err
}

// GetLog returns a log by ID
func (s *Store) GetLog(ctx context.Context, id string) (*EmailLog, error) {
	log, err := scanLog(s.queryRow(ctx, s.db, `SELECT `+logColumns+` FROM email_logs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("email log %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email log: %w", err)
	}
	return log, nil
}

// GetLogByMessageID returns the log that sent the message. Angle brackets are ignored.
func (s *Store) GetLogByMessageID(ctx context.Context, messageID string) (*EmailLog, error) {
	messageID = strings.Trim(strings.TrimSpace(messageID), "<>")
	if messageID == "" {
		return nil, fmt.Errorf("empty message id: %w", ErrNotFound)
	}

	log, err := scanLog(s.queryRow(ctx, s.db, `SELECT `+logColumns+` FROM email_logs WHERE message_id = ?`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email log: %w", err)
	}
	return log, nil
}

// LatestLogForLead returns the most recently created log of a lead
func (s *Store) LatestLogForLead(ctx context.Context, leadID string) (*EmailLog, error) {
	log, err := scanLog(s.queryRow(ctx, s.db, `
		SELECT `+logColumns+` FROM email_logs
		WHERE lead_id = ?
		ORDER BY created_at DESC
		LIMIT 1`, leadID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("logs of lead %s: %w", leadID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email log: %w", err)
	}
	return log, nil
}

// ListLogs returns the logs of a lead oldest first
func (s *Store) ListLogs(ctx context.Context, leadID string) ([]EmailLog, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+logColumns+` FROM email_logs WHERE lead_id = ? ORDER BY created_at`, leadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list email logs: %w", err)
	}
	defer rows.Close()

	var logs []EmailLog
	for rows.Next() {
		log, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *log)
	}
	return logs, rows.Err()
}

// TransitionLog moves a log to status if it currently has a lower rank.
// It reports whether the row changed.
func (s *Store) TransitionLog(ctx context.Context, id string, to LogStatus) (bool, error) {
	return s.transitionLog(ctx, s.db, id, to)
}

// MarkLogFailed moves a log to FAILED and records the cause
func (s *Store) MarkLogFailed(ctx context.Context, id, cause string) (bool, error) {
	from := LogFailed.predecessors()
	args := []any{cause, id}
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := s.exec(ctx, s.db, `
		UPDATE email_logs SET status = 'FAILED', error = ?
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("failed to mark email log failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) transitionLog(ctx context.Context, q querier, id string, to LogStatus) (bool, error) {
	from := to.predecessors()
	if len(from) == 0 {
		return false, nil
	}

	args := []any{string(to), id}
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := s.exec(ctx, q, `
		UPDATE email_logs SET status = ?
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update email log status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanLog(row scanner) (*EmailLog, error) {
	log := &EmailLog{}
	var status string
	var sentAt sql.NullTime
	if err := row.Scan(&log.ID, &log.LeadID, &log.StepID, &status, &log.MessageID, &log.Error, &sentAt, &log.CreatedAt); err != nil {
		return nil, err
	}
	log.Status = LogStatus(status)
	if sentAt.Valid {
		t := sentAt.Time
		log.SentAt = &t
	}
	return log, nil
}
