// Package store defines the durable shared state every worker process
// coordinates through: buffered events, per-customer processing locks,
// and inbound/outbound timestamps. All implementations must provide the
// atomicity guarantees documented on each interface; no caller is allowed
// to compose multi-step read-modify-write sequences on top of them.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bookline/concierge/internal/bus"
)

// ErrNotFound is returned by lookups that reference a missing row.
var ErrNotFound = errors.New("not found")

// BufferedEvent is one inbound customer event awaiting processing.
// It is owned exclusively by the MessageStore until a drain removes it.
type BufferedEvent struct {
	ID         uuid.UUID     `json:"id"`
	CustomerID string        `json:"customer_id"`
	Kind       bus.EventKind `json:"kind"`
	Payload    string        `json:"payload"`
	Caption    string        `json:"caption,omitempty"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

// ProcessingLock marks a customer as having a drain in flight.
// At most one row exists per customer, enforced by the store's unique key.
type ProcessingLock struct {
	CustomerID string    `json:"customer_id"`
	OwnerID    string    `json:"owner_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Timestamps holds the two per-customer markers. A zero time means the
// marker has never been written (new customer).
type Timestamps struct {
	LastInboundAt  time.Time `json:"last_inbound_at"`
	LastOutboundAt time.Time `json:"last_outbound_at"`
}

// MessageStore is the durable append/drain log of inbound events.
type MessageStore interface {
	// Append buffers one event. It never blocks on processing locks and is
	// never rolled back by failures in later pipeline steps.
	Append(ctx context.Context, ev BufferedEvent) error

	// Drain atomically reads and deletes all buffered events for the
	// customer, in enqueue order. An event appended concurrently with a
	// drain is either fully included or left for the next drain, never
	// lost and never duplicated.
	Drain(ctx context.Context, customerID string) ([]BufferedEvent, error)

	// CustomersWithPending returns every customer with at least one
	// buffered event. Used by recovery sweeps only.
	CustomersWithPending(ctx context.Context) ([]string, error)

	// DeleteOlderThan removes events enqueued before cutoff and returns
	// how many were deleted. Used by startup recovery to drop stale
	// buffers instead of reprocessing a flood of old messages.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// LockStore is the cross-process mutual exclusion record per customer.
type LockStore interface {
	// TryAcquire attempts a single conditional insert against the unique
	// customer key. It returns false on contention; contention is a normal
	// outcome, not an error.
	TryAcquire(ctx context.Context, customerID, ownerID string) (bool, error)

	// Release deletes the customer's lock, but only when ownerID still
	// holds it. A lock that was already swept and re-acquired by another
	// worker stays untouched; releasing a lock that no longer exists is
	// not an error.
	Release(ctx context.Context, customerID, ownerID string) error

	// SweepStale deletes locks acquired before olderThan and returns the
	// affected customer ids so recovery can re-trigger them. A stale lock
	// models a crashed owner; there are no heartbeats.
	SweepStale(ctx context.Context, olderThan time.Time) ([]string, error)

	// List returns all current lock holders, for observability.
	List(ctx context.Context) ([]ProcessingLock, error)
}

// TimestampStore tracks last-inbound and last-outbound markers.
//
// The Set operations return the value that was stored *before* the write,
// atomically with the write itself. Callers that need the old value for
// gap reconciliation must keep that returned snapshot; re-reading the
// marker after it has been overwritten yields the new value and collapses
// the reconciliation window to nothing.
type TimestampStore interface {
	Get(ctx context.Context, customerID string) (Timestamps, error)
	SetInbound(ctx context.Context, customerID string, at time.Time) (prev Timestamps, err error)
	SetOutbound(ctx context.Context, customerID string, at time.Time) (prev Timestamps, err error)
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Messages   MessageStore
	Locks      LockStore
	Timestamps TimestampStore

	// DB is the shared handle the stores were built on, kept for Close.
	DB *sql.DB
}

// Close releases the underlying database handle.
func (s *Stores) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Config selects and parameterizes a storage backend.
type Config struct {
	Driver      string // "postgres" or "sqlite"
	PostgresDSN string
	SQLitePath  string
}
