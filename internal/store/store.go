// Package store persists runs, thread sessions, scheduled tasks, and the
// Telegram image buffer in an embedded SQLite database.
//
// The store is the single writer of durable state: every mutation goes
// through it under a transaction. All goroutines share one write connection
// (SetMaxOpenConns(1)) so concurrent writers serialize in-process instead
// of racing for the SQLITE_BUSY lock.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Sentinel errors recognizable by callers.
var (
	// ErrRunNotFound is returned when a run id does not exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunFinalized is returned when finalizing a run that already
	// reached a terminal state. Terminal rows are immutable.
	ErrRunFinalized = errors.New("run already finalized")

	// ErrTelegramUpdateDuplicate marks an image buffer write rejected by
	// the telegram update dedup index (exactly-once ingestion).
	ErrTelegramUpdateDuplicate = errors.New("telegram update already ingested")

	// ErrTaskNotFound is returned when a scheduled task id does not exist.
	ErrTaskNotFound = errors.New("scheduled task not found")
)

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens (creating if needed) the SQLite store at path.
// Pragmas: WAL journal, foreign keys on, 5s busy timeout, normal synchronous.
// Transactions take the write lock immediately so the migration barrier and
// ingest transactions don't deadlock on lock upgrades.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := "file:" + path + "?" + strings.Join([]string{
		"_txlock=immediate",
		"_pragma=" + url.QueryEscape("busy_timeout(5000)"),
		"_pragma=" + url.QueryEscape("journal_mode(WAL)"),
		"_pragma=" + url.QueryEscape("foreign_keys(1)"),
		"_pragma=" + url.QueryEscape("synchronous(NORMAL)"),
	}, "&")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing on nil error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("store: rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure on
// the given table. modernc/sqlite surfaces constraint names only in the
// error text, so this matches on the table prefix.
func isUniqueViolation(err error, table string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, table+".")
}

// Timestamps are stored as ISO-8601 UTC text.
const timeLayout = time.RFC3339Nano

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// nullStr maps empty strings to NULL.
func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullTime maps nil times to NULL.
func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
