// Package sqlite provides the standalone-mode storage backend. It mirrors
// the Postgres store semantics on a single local database file, which also
// makes it the fixture for store-level tests.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/bookline/concierge/internal/store"
)

// schema is applied on open; standalone mode has no external migration step.
const schema = `
CREATE TABLE IF NOT EXISTS buffered_events (
    id          TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL,
    kind        TEXT NOT NULL,
    payload     TEXT NOT NULL,
    caption     TEXT NOT NULL DEFAULT '',
    enqueued_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_buffered_events_customer ON buffered_events (customer_id, enqueued_at);

CREATE TABLE IF NOT EXISTS processing_locks (
    customer_id TEXT PRIMARY KEY,
    owner_id    TEXT NOT NULL,
    acquired_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS customer_timestamps (
    customer_id      TEXT PRIMARY KEY,
    last_inbound_at  TIMESTAMP,
    last_outbound_at TIMESTAMP
);
`

// OpenDB opens (and initializes) a SQLite database file. The parent
// directory is created if needed; "~/" expands to the user's home.
func OpenDB(path string) (*sql.DB, error) {
	path = expandHome(path)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc.org/sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY churn under concurrent drains.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return db, nil
}

// NewSQLiteStores creates all stores backed by one SQLite file.
func NewSQLiteStores(cfg store.Config) (*store.Stores, error) {
	db, err := OpenDB(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	return &store.Stores{
		Messages:   NewMessageStore(db),
		Locks:      NewLockStore(db),
		Timestamps: NewTimestampStore(db),
		DB:         db,
	}, nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
