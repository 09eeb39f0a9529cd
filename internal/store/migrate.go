package store

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// Migrate applies every *.sql file in src in lexicographic order.
//
// Each migration runs in its own transaction and is recorded by name in
// schema_migrations; the unique name insert is the barrier that lets two
// processes migrate the same store concurrently — whichever transaction
// commits first wins, the loser sees the row and skips.
func (s *Store) Migrate(ctx context.Context, src fs.FS) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	names, err := fs.Glob(src, "*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	for _, file := range names {
		name := strings.TrimSuffix(file, ".sql")
		applied, err := s.applyMigration(ctx, src, file, name)
		if err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if applied {
			s.logger.Info("store: migration applied", "name", name)
		}
	}
	return nil
}

// applyMigration runs one migration transactionally.
// Returns false if another process (or a prior start) already applied it.
func (s *Store) applyMigration(ctx context.Context, src fs.FS, file, name string) (bool, error) {
	script, err := fs.ReadFile(src, file)
	if err != nil {
		return false, fmt.Errorf("read: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// The insert doubles as existence check and cross-process barrier.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (name, applied_at) VALUES (?, datetime('now'))`,
		name,
	); err != nil {
		if isUniqueViolation(err, "schema_migrations") {
			return false, nil
		}
		return false, fmt.Errorf("record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, string(script)); err != nil {
		return false, fmt.Errorf("exec: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// AppliedMigrations returns the recorded migration names in applied order.
func (s *Store) AppliedMigrations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM schema_migrations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
