package store

import (
	"context"
	"database/sql"
	"time"
)

// Keys held in the store_meta table.
const (
	metaKDFSalt  = "kdf_salt"
	metaKeyCheck = "key_check"
)

// metaStore is a small key-value table living next to the connector document.
type metaStore struct {
	db *sql.DB
}

// Get retrieves a value.
func (m *metaStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := m.db.QueryRowContext(ctx, "SELECT value FROM store_meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set inserts or replaces a value.
func (m *metaStore) Set(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO store_meta (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	_, err := m.db.ExecContext(ctx, query, key, value, time.Now().UTC())
	return err
}
