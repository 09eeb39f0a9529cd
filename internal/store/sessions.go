package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ThreadSession maps a thread key to its current agent session.
type ThreadSession struct {
	ThreadKey       string
	SessionID       string
	SessionFilePath string
	Generation      uint64
	UpdatedAt       time.Time
}

// GetThreadSession loads the session mapping for a thread key.
// Returns (nil, nil) when no mapping exists.
func (s *Store) GetThreadSession(ctx context.Context, threadKey string) (*ThreadSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT thread_key, session_id, session_file_path, generation, updated_at
		FROM thread_sessions WHERE thread_key = ?`, threadKey)

	var (
		ts        ThreadSession
		updatedAt string
	)
	err := row.Scan(&ts.ThreadKey, &ts.SessionID, &ts.SessionFilePath, &ts.Generation, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get thread session: %w", err)
	}
	ts.UpdatedAt = parseTime(updatedAt)
	return &ts, nil
}

// UpsertThreadSession writes the session mapping for a thread, gated on the
// generation captured when the writing run started. If the stored row's
// generation differs — the session was reset while the run executed — the
// write is dropped and false is returned.
func (s *Store) UpsertThreadSession(ctx context.Context, threadKey, sessionID, sessionFile string, expectedGeneration uint64) (bool, error) {
	var updated bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current uint64
		err := tx.QueryRowContext(ctx,
			`SELECT generation FROM thread_sessions WHERE thread_key = ?`, threadKey,
		).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// first write for this thread
		case err != nil:
			return fmt.Errorf("read thread session generation: %w", err)
		case current != expectedGeneration:
			return nil // stale write, drop
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO thread_sessions (thread_key, session_id, session_file_path, generation, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (thread_key) DO UPDATE SET
				session_id = excluded.session_id,
				session_file_path = excluded.session_file_path,
				generation = excluded.generation,
				updated_at = excluded.updated_at`,
			threadKey, sessionID, sessionFile, expectedGeneration, fmtTime(time.Now()),
		); err != nil {
			return fmt.Errorf("upsert thread session: %w", err)
		}
		updated = true
		return nil
	})
	return updated, err
}

// DeleteThreadSession removes the session mapping for a thread.
// Used on reset so the next run starts a fresh session.
func (s *Store) DeleteThreadSession(ctx context.Context, threadKey string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM thread_sessions WHERE thread_key = ?`, threadKey,
	); err != nil {
		return fmt.Errorf("delete thread session: %w", err)
	}
	return nil
}
