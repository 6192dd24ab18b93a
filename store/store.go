// Package store is the SQLite persistence layer: tenders with normalized
// columns and version history, fetched documents and their extracted text,
// FTS-indexed segments, users, subscriptions, follows, pipeline events and
// operational alerts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/radar/dbopen"
)

// Store wraps the database with the application's queries.
type Store struct {
	db *sql.DB
}

// New applies the schema on db and returns a Store.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Open opens (or creates) the database at path with the standard pragmas
// and applies the schema.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	opts = append([]dbopen.Option{dbopen.WithMkdirAll()}, opts...)
	db, err := dbopen.Open(path, opts...)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// nowUTC is the canonical timestamp format for every table.
func nowUTC() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// nullStr maps "" to NULL on the way in.
func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullInt maps 0 to NULL for optional foreign keys.
func nullInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}
