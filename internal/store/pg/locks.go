package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bookline/concierge/internal/store"
)

// PGLockStore implements store.LockStore backed by Postgres.
//
// Acquisition is a single conditional insert against the primary key.
// Two workers racing for the same customer cannot both succeed: the
// uniqueness constraint, not application logic, enforces mutual exclusion.
type PGLockStore struct {
	db *sql.DB
}

func NewPGLockStore(db *sql.DB) *PGLockStore {
	return &PGLockStore{db: db}
}

func (s *PGLockStore) TryAcquire(ctx context.Context, customerID, ownerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO processing_locks (customer_id, owner_id, acquired_at)
		 VALUES ($1, $2, $3) ON CONFLICT (customer_id) DO NOTHING`,
		customerID, ownerID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PGLockStore) Release(ctx context.Context, customerID, ownerID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM processing_locks WHERE customer_id = $1 AND owner_id = $2`,
		customerID, ownerID)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (s *PGLockStore) SweepStale(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM processing_locks WHERE acquired_at < $1 RETURNING customer_id`,
		olderThan)
	if err != nil {
		return nil, fmt.Errorf("sweep stale locks: %w", err)
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

func (s *PGLockStore) List(ctx context.Context) ([]store.ProcessingLock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT customer_id, owner_id, acquired_at FROM processing_locks ORDER BY acquired_at`)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	var locks []store.ProcessingLock
	for rows.Next() {
		var l store.ProcessingLock
		if err := rows.Scan(&l.CustomerID, &l.OwnerID, &l.AcquiredAt); err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}
