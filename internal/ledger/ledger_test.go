package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dokzlo13/shellyd/internal/db"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return New(database.DB, "io0")
}

func TestAppendAndRecent(t *testing.T) {
	l := openLedger(t)

	if err := l.Append(EventCommFailed, "", map[string]any{"phase": "read"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := l.Append(EventCommandSent, "cmd-1", map[string]any{"on": true}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	entries, err := l.Recent(10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Recent() returned %d entries, want 2", len(entries))
	}

	newest := entries[0]
	if newest.EventType != EventCommandSent || newest.EventKey != "cmd-1" {
		t.Errorf("newest = %+v", newest)
	}
	if newest.Source != "io0" {
		t.Errorf("source = %q, want io0", newest.Source)
	}
	if on, _ := newest.Payload["on"].(bool); !on {
		t.Errorf("payload = %v", newest.Payload)
	}
	if entries[1].EventKey == "" {
		t.Error("empty key should be replaced with a generated one")
	}
}

func TestGetByType(t *testing.T) {
	l := openLedger(t)

	for _, et := range []EventType{EventCommFailed, EventCommRestored, EventCommFailed, EventCommandSkipped} {
		if err := l.Append(et, "", nil); err != nil {
			t.Fatalf("Append(%s) error = %v", et, err)
		}
	}

	entries, err := l.GetByType(EventCommFailed, 10)
	if err != nil {
		t.Fatalf("GetByType() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("GetByType() returned %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.EventType != EventCommFailed {
			t.Errorf("unexpected type %s", e.EventType)
		}
		if e.Payload != nil {
			t.Errorf("nil payload should stay nil, got %v", e.Payload)
		}
	}

	limited, err := l.Recent(1)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(limited) != 1 || limited[0].EventType != EventCommandSkipped {
		t.Errorf("Recent(1) = %+v", limited)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	l := openLedger(t)

	old := time.Now().Add(-48 * time.Hour).UTC().UnixMilli()
	if _, err := l.db.Exec(
		`INSERT INTO event_ledger (event_type, timestamp, payload, source, event_key) VALUES (?, ?, '', 'io0', 'old')`,
		string(EventCommFailed), old,
	); err != nil {
		t.Fatalf("insert old entry: %v", err)
	}
	if err := l.Append(EventCommRestored, "", nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	deleted, err := l.DeleteOlderThan(24 * time.Hour)
	if err != nil {
		t.Fatalf("DeleteOlderThan() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted %d entries, want 1", deleted)
	}

	entries, _ := l.Recent(10)
	if len(entries) != 1 || entries[0].EventType != EventCommRestored {
		t.Errorf("remaining = %+v", entries)
	}
}
