package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bookline/concierge/internal/store"
)

// PGTimestampStore implements store.TimestampStore backed by Postgres.
//
// SetInbound and SetOutbound run inside a transaction that row-locks the
// customer's marker row, reads the prior values, and then upserts. The
// prior values are returned to the caller as part of the same call, so
// reconciliation logic can never accidentally compare against a marker
// it just overwrote.
type PGTimestampStore struct {
	db *sql.DB
}

func NewPGTimestampStore(db *sql.DB) *PGTimestampStore {
	return &PGTimestampStore{db: db}
}

func (s *PGTimestampStore) Get(ctx context.Context, customerID string) (store.Timestamps, error) {
	var inbound, outbound sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT last_inbound_at, last_outbound_at FROM customer_timestamps WHERE customer_id = $1`,
		customerID).Scan(&inbound, &outbound)
	if err == sql.ErrNoRows {
		return store.Timestamps{}, nil
	}
	if err != nil {
		return store.Timestamps{}, fmt.Errorf("get timestamps: %w", err)
	}
	return timestampsFromNull(inbound, outbound), nil
}

func (s *PGTimestampStore) SetInbound(ctx context.Context, customerID string, at time.Time) (store.Timestamps, error) {
	return s.setMarker(ctx, customerID, "last_inbound_at", at)
}

func (s *PGTimestampStore) SetOutbound(ctx context.Context, customerID string, at time.Time) (store.Timestamps, error) {
	return s.setMarker(ctx, customerID, "last_outbound_at", at)
}

func (s *PGTimestampStore) setMarker(ctx context.Context, customerID, column string, at time.Time) (store.Timestamps, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Timestamps{}, fmt.Errorf("set %s: begin: %w", column, err)
	}
	defer tx.Rollback()

	var inbound, outbound sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT last_inbound_at, last_outbound_at FROM customer_timestamps
		 WHERE customer_id = $1 FOR UPDATE`,
		customerID).Scan(&inbound, &outbound)
	if err != nil && err != sql.ErrNoRows {
		return store.Timestamps{}, fmt.Errorf("set %s: read prior: %w", column, err)
	}
	prev := timestampsFromNull(inbound, outbound)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO customer_timestamps (customer_id, `+column+`)
		 VALUES ($1, $2)
		 ON CONFLICT (customer_id) DO UPDATE SET `+column+` = EXCLUDED.`+column,
		customerID, at.UTC())
	if err != nil {
		return store.Timestamps{}, fmt.Errorf("set %s: upsert: %w", column, err)
	}

	if err := tx.Commit(); err != nil {
		return store.Timestamps{}, fmt.Errorf("set %s: commit: %w", column, err)
	}
	return prev, nil
}

func timestampsFromNull(inbound, outbound sql.NullTime) store.Timestamps {
	var ts store.Timestamps
	if inbound.Valid {
		ts.LastInboundAt = inbound.Time
	}
	if outbound.Valid {
		ts.LastOutboundAt = outbound.Time
	}
	return ts
}
