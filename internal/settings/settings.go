// Package settings persists small driver settings in SQLite.
package settings

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const keyEnabled = "enabled"

// Bucket is a named group of JSON-encoded settings.
type Bucket struct {
	db   *sql.DB
	name string
}

// NewBucket creates a bucket; name is usually the device ID.
func NewBucket(db *sql.DB, name string) *Bucket {
	return &Bucket{db: db, name: name}
}

// Store saves value under key, replacing any previous value.
func (b *Bucket) Store(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	_, err = b.db.Exec(`
		INSERT INTO settings (bucket, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, b.name, key, string(data), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// Load decodes the value under key into dst. It reports false when the key
// has never been stored.
func (b *Bucket) Load(key string, dst any) (bool, error) {
	var value string
	err := b.db.QueryRow(`
		SELECT value FROM settings WHERE bucket = ? AND key = ?
	`, b.name, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(value), dst); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Delete removes key from the bucket.
func (b *Bucket) Delete(key string) (bool, error) {
	result, err := b.db.Exec(`DELETE FROM settings WHERE bucket = ? AND key = ?`, b.name, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete %s: %w", key, err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// SaveEnabled persists the driver's enabled flag.
func (b *Bucket) SaveEnabled(enabled bool) error {
	return b.Store(keyEnabled, enabled)
}

// LoadEnabled returns the persisted enabled flag, or def if none was stored.
func (b *Bucket) LoadEnabled(def bool) (bool, error) {
	enabled := def
	found, err := b.Load(keyEnabled, &enabled)
	if err != nil || !found {
		return def, err
	}
	return enabled, nil
}
