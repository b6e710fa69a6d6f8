// Package store provides SQLite persistence for feedreader.
//
// All mutation goes through Store; write transactions are started with
// BEGIN IMMEDIATE so concurrent writers queue on SQLite's busy timeout
// instead of deadlocking, and fail with a *model.StorageError when the
// timeout expires.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robertmeta/feedreader/model"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// DefaultTimeout is how long an operation waits for a lock held elsewhere.
const DefaultTimeout = 5 * time.Second

// Store manages the SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// Option configures a Store.
type Option func(*options)

type options struct {
	timeout time.Duration
}

// WithTimeout sets how long operations wait on a locked database
// before failing with a StorageError. Zero means fail immediately.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// New creates a new Store with the given database path.
// Use ":memory:" for an in-memory database (useful for testing).
func New(dbPath string, opts ...Option) (*Store, error) {
	o := options{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := sql.Open("sqlite", dsn(dbPath, o))
	if err != nil {
		return nil, wrapError("open database", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, path: dbPath}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func dsn(path string, o options) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", o.timeout.Milliseconds()))
	q.Set("_txlock", "immediate")
	return path + "?" + q.Encode()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// Update runs fn in a single write transaction.
// The transaction is committed if fn returns nil and rolled back otherwise.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapError("begin transaction", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapError("commit transaction", err)
	}
	return nil
}

// Query runs a read-only query outside of any explicit transaction.
// The caller must close the rows; SQLite keeps a shared lock until it does.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapError("query", err)
	}
	return rows, nil
}

// Tx is a write transaction handed out by Store.Update.
type Tx struct {
	tx *sql.Tx
}

// Exec runs a statement inside the transaction.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, wrapError("exec", err)
	}
	return res, nil
}

// Query runs a query inside the transaction.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapError("query", err)
	}
	return rows, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// IsOperational reports whether err is a datastore failure the caller
// cannot fix by changing its input: locks, I/O, corruption, a closed handle.
func IsOperational(err error) bool {
	if err == nil {
		return false
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY,
			sqlite3.SQLITE_LOCKED,
			sqlite3.SQLITE_CANTOPEN,
			sqlite3.SQLITE_IOERR,
			sqlite3.SQLITE_CORRUPT,
			sqlite3.SQLITE_NOTADB,
			sqlite3.SQLITE_READONLY,
			sqlite3.SQLITE_FULL,
			sqlite3.SQLITE_PERM,
			sqlite3.SQLITE_PROTOCOL:
			return true
		}
		return false
	}
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}

func isConstraint(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func isForeignKey(err error) bool {
	return isConstraint(err) && strings.Contains(err.Error(), "FOREIGN KEY")
}

// wrapError turns operational failures into *model.StorageError
// and leaves domain errors alone.
func wrapError(action string, err error) error {
	if err == nil {
		return nil
	}
	var storageErr *model.StorageError
	if errors.As(err, &storageErr) {
		return err
	}
	if IsOperational(err) {
		return &model.StorageError{Message: "failed to " + action, Err: err}
	}
	return fmt.Errorf("failed to %s: %w", action, err)
}

// Helper functions for boolean<->int conversion (SQLite doesn't have BOOLEAN type)
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Timestamps are stored as fixed-width UTC text so that they sort
// lexicographically; microseconds are the smallest unit kept.
const timeLayout = "2006-01-02 15:04:05.000000"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a timestamp in the stored format.
func ParseTime(s string) (time.Time, error) {
	return parseTime(s)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func scanTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func emptyToNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
