package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const mailboxColumns = `id, owner_id, email, name, provider, daily_limit, is_active, created_at, updated_at`

// CreateMailbox creates a new mailbox
func (s *Store) CreateMailbox(ctx context.Context, m *Mailbox) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Provider == "" {
		m.Provider = ProviderSMTP
	}
	if m.DailyLimit <= 0 {
		m.DailyLimit = 50
	}
	m.CreatedAt = s.now()
	m.UpdatedAt = m.CreatedAt

	_, err := s.exec(ctx, s.db, `
		INSERT INTO mailboxes (`+mailboxColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.OwnerID, m.Email, m.Name, string(m.Provider), m.DailyLimit, m.IsActive, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create mailbox: %w", err)
	}
	return nil
}

// GetMailbox returns a mailbox by ID
func (s *Store) GetMailbox(ctx context.Context, id string) (*Mailbox, error) {
	m, err := scanMailbox(s.queryRow(ctx, s.db, `SELECT `+mailboxColumns+` FROM mailboxes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mailbox %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mailbox: %w", err)
	}
	return m, nil
}

// ListMailboxes returns mailboxes, optionally limited to one owner
func (s *Store) ListMailboxes(ctx context.Context, ownerID string) ([]Mailbox, error) {
	query := `SELECT ` + mailboxColumns + ` FROM mailboxes`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}
	defer rows.Close()

	var mailboxes []Mailbox
	for rows.Next() {
		m, err := scanMailbox(rows)
		if err != nil {
			return nil, err
		}
		mailboxes = append(mailboxes, *m)
	}
	return mailboxes, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMailbox(row scanner) (*Mailbox, error) {
	m := &Mailbox{}
	var provider string
	if err := row.Scan(&m.ID, &m.OwnerID, &m.Email, &m.Name, &provider, &m.DailyLimit, &m.IsActive, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Provider = MailboxProvider(provider)
	return m, nil
}
