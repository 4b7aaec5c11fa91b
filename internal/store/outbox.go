package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PendingOutbox returns up to limit unrelayed jobs, oldest first
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx, s.db, `
		SELECT id, queue, job_id, payload, run_at, created_at
		FROM outbox ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var payload string
		if err := rows.Scan(&e.ID, &e.Queue, &e.JobID, &payload, &e.RunAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteOutbox removes a relayed entry
func (s *Store) DeleteOutbox(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, s.db, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete outbox entry: %w", err)
	}
	return nil
}

// insertOutbox writes an entry; an entry with the same job id is kept as is
func (s *Store) insertOutbox(ctx context.Context, q querier, e *OutboxEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = s.now()
	if e.RunAt.IsZero() {
		e.RunAt = e.CreatedAt
	}

	_, err := s.exec(ctx, q, `
		INSERT INTO outbox (id, queue, job_id, payload, run_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO NOTHING`,
		e.ID, e.Queue, e.JobID, string(e.Payload), e.RunAt.UTC(), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

// Delay returns how long until the entry is due, never negative
func (e *OutboxEntry) Delay(now time.Time) time.Duration {
	if d := e.RunAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
