package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bookline/concierge/internal/bus"
	"github.com/bookline/concierge/internal/store"
)

// PGMessageStore implements store.MessageStore backed by Postgres.
type PGMessageStore struct {
	db *sql.DB
}

func NewPGMessageStore(db *sql.DB) *PGMessageStore {
	return &PGMessageStore{db: db}
}

const eventSelectCols = `id, customer_id, kind, payload, caption, enqueued_at`

func (s *PGMessageStore) Append(ctx context.Context, ev store.BufferedEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buffered_events (id, customer_id, kind, payload, caption, enqueued_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.CustomerID, string(ev.Kind), ev.Payload, ev.Caption, ev.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Drain deletes and returns all buffered events for the customer in one
// statement. The CTE runs under a single snapshot, so an append racing
// with the drain is either fully included or becomes visible to the next
// drain; UUIDv7 ids break ties between equal enqueue timestamps.
func (s *PGMessageStore) Drain(ctx context.Context, customerID string) ([]store.BufferedEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`WITH drained AS (
		     DELETE FROM buffered_events WHERE customer_id = $1
		     RETURNING `+eventSelectCols+`
		 )
		 SELECT `+eventSelectCols+` FROM drained ORDER BY enqueued_at, id`,
		customerID)
	if err != nil {
		return nil, fmt.Errorf("drain events: %w", err)
	}
	return scanEvents(rows)
}

func (s *PGMessageStore) CustomersWithPending(ctx context.Context) ([]string, error) {
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

func (s *PGMessageStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM buffered_events WHERE enqueued_at < $1`, cutoff)
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
		var kind string
		if err := rows.Scan(&ev.ID, &ev.CustomerID, &kind, &ev.Payload, &ev.Caption, &ev.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = bus.EventKind(kind)
		events = append(events, ev)
	}
	return events, rows.Err()
}
