// Package db opens the shellyd SQLite database and owns its schema.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
}

var schema = []struct {
	name string
	ddl  string
}{
	{
		// append-only; no uniqueness on event_key so retries may log twice
		name: "event_ledger",
		ddl: `
		CREATE TABLE IF NOT EXISTS event_ledger (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			payload TEXT,
			source TEXT,
			event_key TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_type_ts ON event_ledger(event_type, timestamp);
		CREATE INDEX IF NOT EXISTS idx_ledger_ts ON event_ledger(timestamp);`,
	},
	{
		name: "settings",
		ddl: `
		CREATE TABLE IF NOT EXISTS settings (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (bucket, key)
		);`,
	},
}

// Open opens the database at path, creating its directory when needed,
// and applies the schema.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, s := range schema {
		if _, err := conn.Exec(s.ddl); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create %s table: %w", s.name, err)
		}
	}

	return &DB{conn}, nil
}
