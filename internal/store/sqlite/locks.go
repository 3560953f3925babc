package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bookline/concierge/internal/store"
)

// LockStore implements store.LockStore on SQLite. INSERT OR IGNORE against
// the primary key is the single conditional insert that makes acquisition
// atomic; application code never does check-then-insert.
type LockStore struct {
	db *sql.DB
}

func NewLockStore(db *sql.DB) *LockStore {
	return &LockStore{db: db}
}

func (s *LockStore) TryAcquire(ctx context.Context, customerID, ownerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processing_locks (customer_id, owner_id, acquired_at)
		 VALUES (?, ?, ?)`,
		customerID, ownerID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *LockStore) Release(ctx context.Context, customerID, ownerID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM processing_locks WHERE customer_id = ? AND owner_id = ?`,
		customerID, ownerID)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (s *LockStore) SweepStale(ctx context.Context, olderThan time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sweep stale locks: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT customer_id FROM processing_locks WHERE acquired_at < ?`, olderThan.UTC())
	if err != nil {
		return nil, fmt.Errorf("sweep stale locks: select: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM processing_locks WHERE acquired_at < ?`, olderThan.UTC()); err != nil {
			return nil, fmt.Errorf("sweep stale locks: delete: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sweep stale locks: commit: %w", err)
	}
	return ids, nil
}

func (s *LockStore) List(ctx context.Context) ([]store.ProcessingLock, error) {
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
