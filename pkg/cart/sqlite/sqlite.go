// Package sqlite stores the cart slot in an on-device SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS kv_store (
	namespace TEXT NOT NULL,
	slot_key  TEXT NOT NULL,
	value     TEXT NOT NULL,
	PRIMARY KEY (namespace, slot_key)
)`

// Storage persists key-value pairs scoped to one namespace.
type Storage struct {
	db        *sql.DB
	namespace string
	owned     bool
}

// Open opens (creating if needed) the database at path and ensures the
// kv_store table exists.
func Open(ctx context.Context, path, namespace string) (*Storage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %q: %w", path, err)
	}
	// one writer; SQLite serializes anyway and this avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	s := New(db, namespace)
	s.owned = true
	return s, nil
}

// Migrate creates the kv_store table.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating kv_store: %w", err)
	}
	return nil
}

// New wraps an existing database. The caller must ensure the kv_store
// table exists (see Migrate).
func New(db *sql.DB, namespace string) *Storage {
	return &Storage{db: db, namespace: namespace}
}

// GetItem retrieves a value by key.
func (s *Storage) GetItem(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv_store WHERE namespace = ? AND slot_key = ?", s.namespace, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetItem upserts the value.
func (s *Storage) SetItem(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO kv_store (namespace, slot_key, value) VALUES (?, ?, ?) ON CONFLICT (namespace, slot_key) DO UPDATE SET value = excluded.value",
		s.namespace, key, value)
	return err
}

// Clear removes every key in the namespace.
func (s *Storage) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM kv_store WHERE namespace = ?", s.namespace)
	return err
}

// Ping reports whether the database answers.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database if Open created it.
func (s *Storage) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
