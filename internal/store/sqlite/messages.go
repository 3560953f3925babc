package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bookline/concierge/internal/bus"
	"github.com/bookline/concierge/internal/store"
)

// MessageStore implements store.MessageStore on SQLite.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) Append(ctx context.Context, ev store.BufferedEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buffered_events (id, customer_id, kind, payload, caption, enqueued_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID.String(), ev.CustomerID, string(ev.Kind), ev.Payload, ev.Caption, ev.EnqueuedAt.UTC())
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Drain reads and deletes inside one transaction. SQLite holds a write
// lock for the whole transaction, so a concurrent append lands either
// before the read (included) or after the commit (next drain).
func (s *MessageStore) Drain(ctx context.Context, customerID string) ([]store.BufferedEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("drain: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, customer_id, kind, payload, caption, enqueued_at
		 FROM buffered_events WHERE customer_id = ? ORDER BY enqueued_at, id`,
		customerID)
	if err != nil {
		return nil, fmt.Errorf("drain: select: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]any, len(events))
	ph := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID.String()
		ph[i] = "?"
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM buffered_events WHERE id IN (`+strings.Join(ph, ",")+`)`, ids...)
	if err != nil {
		return nil, fmt.Errorf("drain: delete: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("drain: commit: %w", err)
	}
	return events, nil
}

func (s *MessageStore) CustomersWithPending(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT customer_id FROM buffered_events`)
	if err != nil {
		return nil, fmt.Errorf("list pending customers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *MessageStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM buffered_events WHERE enqueued_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete stale events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanEvents(rows *sql.Rows) ([]store.BufferedEvent, error) {
	defer rows.Close()

	var events []store.BufferedEvent
	for rows.Next() {
		var ev store.BufferedEvent
		var id, kind string
		if err := rows.Scan(&id, &ev.CustomerID, &kind, &ev.Payload, &ev.Caption, &ev.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.ID = parseUUID(id)
		ev.Kind = bus.EventKind(kind)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func parseUUID(s string) uuid.UUID {
	id, _ := uuid.Parse(s)
	return id
}
