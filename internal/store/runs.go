package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// DeliveryMode controls how a run's prompt enters the agent session.
type DeliveryMode string

const (
	// DeliverFollowUp enqueues the prompt behind the current turn.
	DeliverFollowUp DeliveryMode = "followUp"
	// DeliverSteer interrupts the current turn.
	DeliverSteer DeliveryMode = "steer"
)

// Valid reports whether the mode is a known delivery mode.
func (m DeliveryMode) Valid() bool {
	return m == DeliverFollowUp || m == DeliverSteer
}

// RunImage is one input image attached to a run.
type RunImage struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"` // base64 in JSON
	Filename string `json:"filename,omitempty"`
}

// RunOutput is the structured result of a successful run.
type RunOutput struct {
	Type         string `json:"type"` // "message"
	Text         string `json:"text"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	DeliveryMode string `json:"delivery_mode,omitempty"`
}

// Run is one end-to-end unit of agent work.
type Run struct {
	RunID        string
	Source       string
	ThreadKey    string
	UserKey      string
	DeliveryMode DeliveryMode
	Status       RunStatus
	InputText    string
	Images       []RunImage
	Output       *RunOutput
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const runColumns = `run_id, source, thread_key, user_key, delivery_mode, status,
	input_text, images, output, error_message, created_at, updated_at`

// InsertRun persists a new run row. The run must be in the running state.
func (s *Store) InsertRun(ctx context.Context, run *Run) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertRunTx(ctx, tx, run)
	})
}

func insertRunTx(ctx context.Context, tx *sql.Tx, run *Run) error {
	images, err := marshalImages(run.Images)
	if err != nil {
		return err
	}
	output, err := marshalOutput(run.Output)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Source, run.ThreadKey, nullStr(run.UserKey),
		string(run.DeliveryMode), string(run.Status), run.InputText,
		images, output, nullStr(run.ErrorMessage),
		fmtTime(run.CreatedAt), fmtTime(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// ListUnfinishedRuns loads every run still in the running state, oldest
// first, so re-enqueueing after a restart preserves per-thread order.
func (s *Store) ListUnfinishedRuns(ctx context.Context) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status = 'running'
		ORDER BY created_at ASC, run_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list unfinished runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// FinalizeRun writes the terminal state of a run exactly once. Exactly one
// of output and errMsg must be set, matching the status. Finalizing a run
// that is already terminal returns ErrRunFinalized; an unknown id returns
// ErrRunNotFound.
func (s *Store) FinalizeRun(ctx context.Context, runID string, status RunStatus, output *RunOutput, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize run %s: non-terminal status %q", runID, status)
	}
	out, err := marshalOutput(output)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE runs
			SET status = ?, output = ?, error_message = ?, updated_at = ?
			WHERE run_id = ? AND status = 'running'`,
			string(status), out, nullStr(errMsg), fmtTime(time.Now()), runID,
		)
		if err != nil {
			return fmt.Errorf("finalize run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var existing string
			err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&existing)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrRunNotFound
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: run %s is %s", ErrRunFinalized, runID, existing)
		}
		return nil
	})
}

// AttachRunImages sets the image list of a still-running run.
// Used to fold drained pending images into a freshly ingested run.
func (s *Store) AttachRunImages(ctx context.Context, runID string, images []RunImage) error {
	data, err := marshalImages(images)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET images = ?, updated_at = ?
		WHERE run_id = ? AND status = 'running'`,
		data, fmtTime(time.Now()), runID,
	)
	if err != nil {
		return fmt.Errorf("attach run images: %w", err)
	}
	return nil
}

// IngestParams identifies one message ingestion.
type IngestParams struct {
	Source         string
	IdempotencyKey string // optional; empty synthesizes a unique key
}

// IngestMessage atomically resolves (source, idempotency_key) to a run:
// a repeated key returns the original run without creating anything, a new
// key creates the run via factory and records the ingest row in the same
// transaction.
func (s *Store) IngestMessage(ctx context.Context, params IngestParams, factory func() *Run) (run *Run, deduplicated bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if params.IdempotencyKey != "" {
			var existingID string
			err := tx.QueryRowContext(ctx, `
				SELECT run_id FROM message_ingest
				WHERE source = ? AND idempotency_key = ?`,
				params.Source, params.IdempotencyKey,
			).Scan(&existingID)
			switch {
			case err == nil:
				row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, existingID)
				existing, scanErr := scanRun(row)
				if scanErr != nil {
					return fmt.Errorf("load deduplicated run %s: %w", existingID, scanErr)
				}
				run = existing
				deduplicated = true
				return nil
			case errors.Is(err, sql.ErrNoRows):
				// fall through to create
			default:
				return fmt.Errorf("ingest lookup: %w", err)
			}
		}

		created := factory()
		if err := insertRunTx(ctx, tx, created); err != nil {
			return err
		}

		key := params.IdempotencyKey
		if key == "" {
			// No caller key: synthesize one from the run id so the
			// ingest row still satisfies the unique index.
			key = "run:" + created.RunID
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_ingest (source, idempotency_key, run_id, created_at)
			VALUES (?, ?, ?, ?)`,
			params.Source, key, created.RunID, fmtTime(time.Now()),
		); err != nil {
			return fmt.Errorf("insert ingest row: %w", err)
		}

		run = created
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return run, deduplicated, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run       Run
		userKey   sql.NullString
		mode      string
		status    string
		images    sql.NullString
		output    sql.NullString
		errMsg    sql.NullString
		createdAt string
		updatedAt string
	)
	if err := row.Scan(
		&run.RunID, &run.Source, &run.ThreadKey, &userKey, &mode, &status,
		&run.InputText, &images, &output, &errMsg, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	run.UserKey = userKey.String
	run.DeliveryMode = DeliveryMode(mode)
	run.Status = RunStatus(status)
	run.ErrorMessage = errMsg.String
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)

	if images.Valid && images.String != "" {
		if err := json.Unmarshal([]byte(images.String), &run.Images); err != nil {
			return nil, fmt.Errorf("decode run images: %w", err)
		}
	}
	if output.Valid && output.String != "" {
		run.Output = &RunOutput{}
		if err := json.Unmarshal([]byte(output.String), run.Output); err != nil {
			return nil, fmt.Errorf("decode run output: %w", err)
		}
	}
	return &run, nil
}

func marshalImages(images []RunImage) (sql.NullString, error) {
	if len(images) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(images)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode run images: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func marshalOutput(output *RunOutput) (sql.NullString, error) {
	if output == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(output)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode run output: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
