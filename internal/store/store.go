// Package store provides the SQL-backed provenance ledger and dispatch
// tables for peagen. Backends live in store/sqlite and store/postgres.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/swarmauri/peagen/internal/apperr"
)

// Sentinel errors for store operations.
var (
	ErrDuplicateRevision = errors.New("revision already committed")
	ErrAppendOnly        = errors.New("ledger tables are append-only")
	ErrStateConflict     = errors.New("task state changed concurrently")
	ErrAmbiguousRef      = errors.New("ref matches more than one revision")
	ErrLeaseNotFound     = errors.New("no active lease")
	ErrWorkerNotFound    = errors.New("worker not registered")
)

// Dialect isolates the SQL differences between backends.
type Dialect interface {
	// Name identifies the backend ("sqlite", "postgres").
	Name() string
	// Rebind rewrites ? placeholders into the backend's form.
	Rebind(query string) string
	// ClaimSuffix is appended to the claim SELECT (row locking).
	ClaimSuffix() string
	IsUniqueViolation(err error) bool
	IsAppendOnlyViolation(err error) bool
	IsUnavailable(err error) bool
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store provides access to the ledger database.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// New wraps an open, migrated database.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, now: time.Now}
}

// SetClock replaces the clock used for row timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Dialect returns the backend dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperr.Wrap(apperr.CodeUnavailable, "ping store", err)
	}
	return nil
}

// Tx is an open ledger transaction. Every ledger write goes through one.
type Tx struct {
	tx *sql.Tx
	s  *Store
}

// InTx runs fn inside a transaction, committing only if fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.classify(fmt.Errorf("begin tx: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx, s: s}); err != nil {
		return s.classify(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return s.classify(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// classify maps driver errors onto store and domain errors.
func (s *Store) classify(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	switch {
	case errors.Is(err, ErrDuplicateRevision), errors.Is(err, ErrAppendOnly):
		return err
	case s.dialect.IsAppendOnlyViolation(err):
		return fmt.Errorf("%w: %v", ErrAppendOnly, err)
	case s.dialect.IsUnavailable(err):
		return apperr.Wrap(apperr.CodeUnavailable, "store unavailable", err)
	}
	return err
}

func (s *Store) rebind(q string) string {
	return s.dialect.Rebind(q)
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(n int64) time.Time {
	return time.UnixMicro(n).UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
