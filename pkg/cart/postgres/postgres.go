// Package postgres stores the cart slot in a PostgreSQL table.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// Schema is the table the storage expects.
const Schema = `CREATE TABLE IF NOT EXISTS kv_store (
	namespace TEXT NOT NULL,
	slot_key  TEXT NOT NULL,
	value     TEXT NOT NULL,
	PRIMARY KEY (namespace, slot_key)
)`

// Storage persists the cart slot in PostgreSQL.
type Storage struct {
	db        *sql.DB
	namespace string
	owned     bool
}

// Open connects to dsn, verifies connectivity and creates the table.
func Open(ctx context.Context, dsn, namespace string) (*Storage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	s := New(db, namespace)
	s.owned = true
	return s, nil
}

// New creates a PostgreSQL storage. The caller must ensure the provided
// database has the kv_store table (see Schema).
func New(db *sql.DB, namespace string) *Storage {
	return &Storage{db: db, namespace: namespace}
}

// GetItem retrieves a value by key.
func (s *Storage) GetItem(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv_store WHERE namespace=$1 AND slot_key=$2", s.namespace, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetItem inserts or replaces a value.
func (s *Storage) SetItem(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO kv_store (namespace,slot_key,value) VALUES ($1,$2,$3) ON CONFLICT (namespace,slot_key) DO UPDATE SET value=EXCLUDED.value",
		s.namespace, key, value)
	return err
}

// Clear removes every key in the namespace.
func (s *Storage) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM kv_store WHERE namespace=$1", s.namespace)
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
