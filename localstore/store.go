// Package localstore persists the small per-user blobs the messaging layer
// needs across sessions: the bearer credential, the active conversation set
// and the single-use pre-select handoff. Values are opaque strings (JSON
// where the caller wants structure) in a single sqlite table, so they
// survive process restarts and are shared by concurrent controllers.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Well-known keys.
const (
	KeyToken         = "token"
	KeyActiveChats   = "activeChats"
	KeyPreSelectChat = "preSelectChat"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// Store is a durable key-value store backed by a local sqlite file.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	// churn between controllers in the same process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init local store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value for key. ok is false when the key is absent.
func (s *Store) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.db.GetContext(ctx, &value, `SELECT value FROM kv WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key, replacing any prior value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Update applies fn to the current value of key inside one transaction.
// The current durable value is re-read under the transaction, never taken
// from a stale in-memory copy, so concurrent updates merge instead of
// overwriting each other.
func (s *Store) Update(ctx context.Context, key string, fn func(cur string, ok bool) (string, error)) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update %q: %w", key, err)
	}
	defer tx.Rollback()

	var cur string
	ok := true
	err = tx.GetContext(ctx, &cur, `SELECT value FROM kv WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		ok = false
	} else if err != nil {
		return fmt.Errorf("update %q: %w", key, err)
	}

	next, err := fn(cur, ok)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, next); err != nil {
		return fmt.Errorf("update %q: %w", key, err)
	}
	return tx.Commit()
}

// Take returns the value for key and deletes it in the same transaction,
// for single-use handoffs. ok is false when the key was absent.
func (s *Store) Take(ctx context.Context, key string) (value string, ok bool, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("take %q: %w", key, err)
	}
	defer tx.Rollback()

	err = tx.GetContext(ctx, &value, `SELECT value FROM kv WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("take %q: %w", key, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return "", false, fmt.Errorf("take %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("take %q: %w", key, err)
	}
	return value, true, nil
}
