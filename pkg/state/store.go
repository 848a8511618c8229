// Package state implements the embedded relational store that backs the
// control plane. Every persisted entity lives in a single SQLite file with a
// goose-managed schema; writes are serialized through a single connection
// with foreign keys enforced.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("state: not found")

// ErrAlreadyExists is returned when a unique constraint rejects a write.
var ErrAlreadyExists = errors.New("state: already exists")

// Store provides typed CRUD over the embedded database plus the endpoint
// allowlist, audit log, and GC passes.
type Store struct {
	db *sql.DB

	// allowedEndpoints is the environment-sourced outbound allowlist
	// consulted by IsEndpointAllowed. An empty list denies everything.
	allowedEndpoints []string

	// requireTLS rejects plain-http endpoints. Off only in development.
	requireTLS bool
}

// RequireSecureEndpoints toggles the https-only check on the endpoint
// allowlist. Call before serving requests.
func (s *Store) RequireSecureEndpoints(require bool) {
	s.requireTLS = require
}

// Open opens (creating if necessary) the database at path, applies pending
// migrations, and returns the store. allowedEndpoints seeds the outbound
// endpoint allowlist.
func Open(ctx context.Context, path string, allowedEndpoints []string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	// SQLite allows a single writer; serializing all access through one
	// connection avoids SQLITE_BUSY churn under concurrent handlers.
	db.SetMaxOpenConns(1)

	if err := prepareLegacyAudit(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := restoreLegacyAudit(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, allowedEndpoints: allowedEndpoints}, nil
}

// OpenInMemory opens a fresh in-memory store. Intended for tests.
func OpenInMemory(ctx context.Context, allowedEndpoints []string) (*Store, error) {
	// A single pooled connection keeps the in-memory database alive for
	// the life of the store.
	db, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, allowedEndpoints: allowedEndpoints}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
