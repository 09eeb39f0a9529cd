package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ScheduleKind selects how a task's occurrences are computed.
type ScheduleKind string

const (
	ScheduleOnce  ScheduleKind = "once"
	ScheduleCron  ScheduleKind = "cron"
	ScheduleRRule ScheduleKind = "rrule"
)

// Valid reports whether the kind is known.
func (k ScheduleKind) Valid() bool {
	return k == ScheduleOnce || k == ScheduleCron || k == ScheduleRRule
}

// DeliveryTarget routes a scheduled task's result to a chat transport.
type DeliveryTarget struct {
	Provider string            // e.g. "telegram"
	Route    string            // provider-specific address (thread key for telegram)
	Metadata map[string]string // extra routing data
}

// ScheduledTask is a recurring or one-shot instruction executed as runs.
type ScheduledTask struct {
	TaskID             string
	Title              string
	Instructions       string
	ScheduleKind       ScheduleKind
	OnceAt             *time.Time
	CronExpr           string
	RRuleExpr          string
	Timezone           string
	Enabled            bool
	NextRunAt          *time.Time
	CreatorThreadKey   string
	OwnerUserKey       string
	Delivery           DeliveryTarget
	ExecutionThreadKey string
	LastRunAt          *time.Time
	LastRunStatus      string
	LastErrorMessage   string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ExecutionKey returns the thread key the task's runs execute on.
func (t *ScheduledTask) ExecutionKey() string {
	if t.ExecutionThreadKey != "" {
		return t.ExecutionThreadKey
	}
	return t.CreatorThreadKey
}

// TaskRunStatus is the lifecycle state of one scheduled occurrence.
type TaskRunStatus string

const (
	TaskRunPending   TaskRunStatus = "pending"
	TaskRunSucceeded TaskRunStatus = "succeeded"
	TaskRunFailed    TaskRunStatus = "failed"
)

// TaskRun is one occurrence of a scheduled task.
// UNIQUE(task_id, scheduled_for) makes occurrences exactly-once across
// process restarts.
type TaskRun struct {
	TaskRunID      string
	TaskID         string
	ScheduledFor   time.Time
	IdempotencyKey string
	RunID          string
	Status         TaskRunStatus
	ErrorMessage   string
}

// marshalMetadata encodes delivery metadata as JSON, NULL when empty.
func marshalMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode task delivery metadata: %w", err)
	}
	return string(raw), nil
}

const taskColumns = `task_id, title, instructions, schedule_kind, once_at, cron_expr,
	rrule_expr, timezone, enabled, next_run_at, creator_thread_key, owner_user_key,
	delivery_provider, delivery_route, delivery_metadata, execution_thread_key,
	last_run_at, last_run_status, last_error_message, created_at, updated_at`

// CreateScheduledTask persists a new task.
func (s *Store) CreateScheduledTask(ctx context.Context, task *ScheduledTask) error {
	if !task.ScheduleKind.Valid() {
		return fmt.Errorf("create task: invalid schedule kind %q", task.ScheduleKind)
	}
	metadata, err := marshalMetadata(task.Delivery.Metadata)
	if err != nil {
		return err
	}
	now := fmtTime(time.Now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TaskID, task.Title, task.Instructions, string(task.ScheduleKind),
		nullTime(task.OnceAt), nullStr(task.CronExpr), nullStr(task.RRuleExpr),
		task.Timezone, task.Enabled, nullTime(task.NextRunAt),
		task.CreatorThreadKey, nullStr(task.OwnerUserKey),
		nullStr(task.Delivery.Provider), nullStr(task.Delivery.Route), metadata,
		nullStr(task.ExecutionThreadKey),
		nullTime(task.LastRunAt), nullStr(task.LastRunStatus), nullStr(task.LastErrorMessage),
		now, now,
	)
	if err != nil {
		return fmt.Errorf("create scheduled task: %w", err)
	}
	return nil
}

// GetScheduledTask loads a task by id.
func (s *Store) GetScheduledTask(ctx context.Context, taskID string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE task_id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

// ListScheduledTasks returns every task, newest first.
func (s *Store) ListScheduledTasks(ctx context.Context) ([]*ScheduledTask, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY created_at DESC`)
}

// ListDueTasks returns enabled tasks with next_run_at <= now.
// Simultaneous tasks tie-break on ascending task_id.
func (s *Store) ListDueTasks(ctx context.Context, now time.Time) ([]*ScheduledTask, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY task_id ASC`, fmtTime(now))
}

// AdvanceTask updates the task's schedule pointer after dispatching an
// occurrence. A nil nextRunAt with enabled=false retires a once task.
func (s *Store) AdvanceTask(ctx context.Context, taskID string, nextRunAt *time.Time, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET next_run_at = ?, enabled = ?, updated_at = ?
		WHERE task_id = ?`,
		nullTime(nextRunAt), enabled, fmtTime(time.Now()), taskID,
	)
	if err != nil {
		return fmt.Errorf("advance task: %w", err)
	}
	return nil
}

// SetTaskEnabled toggles a task.
func (s *Store) SetTaskEnabled(ctx context.Context, taskID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET enabled = ?, updated_at = ? WHERE task_id = ?`,
		enabled, fmtTime(time.Now()), taskID,
	)
	if err != nil {
		return fmt.Errorf("set task enabled: %w", err)
	}
	return nil
}

// DeleteScheduledTask removes a task and, via cascade, its task runs.
func (s *Store) DeleteScheduledTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete scheduled task: %w", err)
	}
	return nil
}

// RecordTaskOutcome stores the latest run outcome on the task row.
func (s *Store) RecordTaskOutcome(ctx context.Context, taskID string, ranAt time.Time, status, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET last_run_at = ?, last_run_status = ?, last_error_message = ?, updated_at = ?
		WHERE task_id = ?`,
		fmtTime(ranAt), status, nullStr(errMsg), fmtTime(time.Now()), taskID,
	)
	if err != nil {
		return fmt.Errorf("record task outcome: %w", err)
	}
	return nil
}

// CreateOrGetTaskRun inserts the task-run row for one occurrence, or
// returns the existing row when the occurrence was already claimed
// (same process earlier, or another process). created reports which.
func (s *Store) CreateOrGetTaskRun(ctx context.Context, taskRunID, taskID string, scheduledFor time.Time, idempotencyKey string) (tr *TaskRun, created bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, insErr := tx.ExecContext(ctx, `
			INSERT INTO scheduled_task_runs
				(task_run_id, task_id, scheduled_for, idempotency_key, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'pending', ?, ?)`,
			taskRunID, taskID, fmtTime(scheduledFor), idempotencyKey,
			fmtTime(time.Now()), fmtTime(time.Now()),
		)
		if insErr == nil {
			tr = &TaskRun{
				TaskRunID:      taskRunID,
				TaskID:         taskID,
				ScheduledFor:   scheduledFor.UTC(),
				IdempotencyKey: idempotencyKey,
				Status:         TaskRunPending,
			}
			created = true
			return nil
		}
		if !isUniqueViolation(insErr, "scheduled_task_runs") {
			return fmt.Errorf("insert task run: %w", insErr)
		}

		existing, getErr := scanTaskRun(tx.QueryRowContext(ctx, `
			SELECT task_run_id, task_id, scheduled_for, idempotency_key, run_id, status, error_message
			FROM scheduled_task_runs
			WHERE task_id = ? AND scheduled_for = ?`,
			taskID, fmtTime(scheduledFor),
		))
		if getErr != nil {
			return fmt.Errorf("load existing task run: %w", getErr)
		}
		tr = existing
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return tr, created, nil
}

// SetTaskRunRunID links the ingested run to its task-run row.
func (s *Store) SetTaskRunRunID(ctx context.Context, taskRunID, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_task_runs SET run_id = ?, updated_at = ? WHERE task_run_id = ?`,
		runID, fmtTime(time.Now()), taskRunID,
	)
	if err != nil {
		return fmt.Errorf("set task run run_id: %w", err)
	}
	return nil
}

// FinalizeTaskRun records the terminal outcome of one occurrence.
func (s *Store) FinalizeTaskRun(ctx context.Context, taskRunID string, status TaskRunStatus, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_task_runs SET status = ?, error_message = ?, updated_at = ?
		WHERE task_run_id = ?`,
		string(status), nullStr(errMsg), fmtTime(time.Now()), taskRunID,
	)
	if err != nil {
		return fmt.Errorf("finalize task run: %w", err)
	}
	return nil
}

// TaskRunsForTask returns the occurrences of a task, newest first.
func (s *Store) TaskRunsForTask(ctx context.Context, taskID string) ([]*TaskRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_run_id, task_id, scheduled_for, idempotency_key, run_id, status, error_message
		FROM scheduled_task_runs WHERE task_id = ? ORDER BY scheduled_for DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	var runs []*TaskRun
	for rows.Next() {
		tr, err := scanTaskRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, tr)
	}
	return runs, rows.Err()
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*ScheduledTask, error) {
	var (
		task                               ScheduledTask
		kind                               string
		onceAt, nextRunAt, lastRunAt       sql.NullString
		cronExpr, rruleExpr, ownerKey      sql.NullString
		provider, route, metadata, execKey sql.NullString
		lastStatus, lastErr                sql.NullString
		createdAt, updated                 string
	)
	if err := row.Scan(
		&task.TaskID, &task.Title, &task.Instructions, &kind,
		&onceAt, &cronExpr, &rruleExpr, &task.Timezone, &task.Enabled, &nextRunAt,
		&task.CreatorThreadKey, &ownerKey,
		&provider, &route, &metadata, &execKey,
		&lastRunAt, &lastStatus, &lastErr, &createdAt, &updated,
	); err != nil {
		return nil, err
	}

	task.ScheduleKind = ScheduleKind(kind)
	task.OnceAt = timePtr(onceAt)
	task.CronExpr = cronExpr.String
	task.RRuleExpr = rruleExpr.String
	task.NextRunAt = timePtr(nextRunAt)
	task.OwnerUserKey = ownerKey.String
	task.Delivery.Provider = provider.String
	task.Delivery.Route = route.String
	task.ExecutionThreadKey = execKey.String
	task.LastRunAt = timePtr(lastRunAt)
	task.LastRunStatus = lastStatus.String
	task.LastErrorMessage = lastErr.String
	task.CreatedAt = parseTime(createdAt)
	task.UpdatedAt = parseTime(updated)

	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &task.Delivery.Metadata); err != nil {
			return nil, fmt.Errorf("decode task delivery metadata: %w", err)
		}
	}
	return &task, nil
}

func scanTaskRun(row rowScanner) (*TaskRun, error) {
	var (
		tr           TaskRun
		scheduledFor string
		runID        sql.NullString
		status       string
		errMsg       sql.NullString
	)
	if err := row.Scan(&tr.TaskRunID, &tr.TaskID, &scheduledFor, &tr.IdempotencyKey, &runID, &status, &errMsg); err != nil {
		return nil, err
	}
	tr.ScheduledFor = parseTime(scheduledFor)
	tr.RunID = runID.String
	tr.Status = TaskRunStatus(status)
	tr.ErrorMessage = errMsg.String
	return &tr, nil
}
