// Package sqlitestore provides SQLite-backed store implementations.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/XSAM/otelsql"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so that ORDER BY on the text column is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS user_records (
	group_id      INTEGER NOT NULL,
	user_id       INTEGER NOT NULL,
	message_count INTEGER NOT NULL DEFAULT 0,
	is_restricted INTEGER NOT NULL DEFAULT 0,
	last_updated  TEXT    NOT NULL,
	PRIMARY KEY (group_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_user_records_restricted
	ON user_records (group_id, is_restricted);

CREATE TABLE IF NOT EXISTS topic_selections (
	chat_id     INTEGER PRIMARY KEY,
	topic_id    INTEGER NOT NULL,
	topic_name  TEXT    NOT NULL,
	selected_at TEXT    NOT NULL
);
`

// Store owns the SQLite connection shared by the record and selection stores.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database file at path and applies the schema.
// Queries are traced through otelsql.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := otelsql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps read-modify-write statements from racing into SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Records returns the moderation counter store.
func (s *Store) Records() *RecordStore {
	return NewRecordStore(s.db)
}

// Selections returns the topic selection store.
func (s *Store) Selections() *SelectionStore {
	return NewSelectionStore(s.db)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
