// Package ledger keeps an append-only history of driver events:
// communication health transitions and relay command outcomes.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event in the ledger
type EventType string

const (
	EventCommFailed     EventType = "comm_failed"
	EventCommRestored   EventType = "comm_restored"
	EventCommandSent    EventType = "command_sent"
	EventCommandFailed  EventType = "command_failed"
	EventCommandSkipped EventType = "command_skipped"
)

// Entry represents a single event in the ledger
type Entry struct {
	ID        int64          `json:"id"`
	EventType EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
	Source    string         `json:"source,omitempty"`
	EventKey  string         `json:"event_key"`
}

// Ledger provides append-only event logging
type Ledger struct {
	db     *sql.DB
	source string
}

// New creates a ledger whose entries are tagged with source (the device ID).
func New(db *sql.DB, source string) *Ledger {
	return &Ledger{db: db, source: source}
}

// Append adds a new event to the ledger. An empty key gets a random one.
func (l *Ledger) Append(eventType EventType, key string, payload map[string]any) error {
	var payloadJSON []byte
	var err error

	if payload != nil {
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	if key == "" {
		key = uuid.NewString()
	}

	_, err = l.db.Exec(
		`INSERT INTO event_ledger (event_type, timestamp, payload, source, event_key) VALUES (?, ?, ?, ?, ?)`,
		string(eventType), time.Now().UTC().UnixMilli(), string(payloadJSON), l.source, key,
	)
	if err != nil {
		return fmt.Errorf("failed to append %s: %w", eventType, err)
	}
	return nil
}

const selectEntries = `SELECT id, event_type, timestamp, payload, source, event_key FROM event_ledger`

// Recent returns the newest entries first.
func (l *Ledger) Recent(limit int) ([]*Entry, error) {
	return l.query("", limit)
}

// GetByType returns the newest entries of one type first.
func (l *Ledger) GetByType(eventType EventType, limit int) ([]*Entry, error) {
	return l.query("WHERE event_type = ?", limit, string(eventType))
}

func (l *Ledger) query(where string, limit int, args ...any) ([]*Entry, error) {
	q := selectEntries + " " + where + " ORDER BY timestamp DESC, id DESC LIMIT ?"
	rows, err := l.db.Query(q, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// DeleteOlderThan removes entries older than retention and returns how many
// were removed. A zero retention empties the ledger.
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().UnixMilli()
	result, err := l.db.Exec(`DELETE FROM event_ledger WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var payloadStr, source sql.NullString
		var timestamp int64

		if err := rows.Scan(&entry.ID, &entry.EventType, &timestamp, &payloadStr, &source, &entry.EventKey); err != nil {
			return nil, err
		}

		entry.Timestamp = time.UnixMilli(timestamp).UTC()
		entry.Source = source.String

		if payloadStr.Valid && payloadStr.String != "" {
			entry.Payload = make(map[string]any)
			if err := json.Unmarshal([]byte(payloadStr.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
