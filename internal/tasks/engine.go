package tasks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/jagc/internal/runs"
	"github.com/nextlevelbuilder/jagc/internal/store"
)

const (
	// DefaultPollInterval is how often the engine scans for due tasks.
	DefaultPollInterval = 15 * time.Second
	// DefaultCatchUpGrace bounds how far past due an occurrence may be
	// before it is coalesced into a single catch-up run at now.
	DefaultCatchUpGrace = 5 * time.Minute
)

// Deliverer routes a scheduled run's result to its delivery target.
// Implemented by the Telegram delivery manager; nil disables notification.
type Deliverer interface {
	DeliverTaskRun(task *store.ScheduledTask, runID string)
}

// Engine polls for due scheduled tasks and turns each due occurrence into
// exactly one ingested run, across restarts and concurrent processes.
type Engine struct {
	store     *store.Store
	runs      *runs.Service
	deliverer Deliverer
	logger    *slog.Logger

	interval time.Duration
	grace    time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// Option tweaks engine construction.
type Option func(*Engine)

func WithPollInterval(d time.Duration) Option { return func(e *Engine) { e.interval = d } }
func WithCatchUpGrace(d time.Duration) Option { return func(e *Engine) { e.grace = d } }
func WithDeliverer(d Deliverer) Option        { return func(e *Engine) { e.deliverer = d } }
func withClock(fn func() time.Time) Option    { return func(e *Engine) { e.now = fn } }

func NewEngine(st *store.Store, runSvc *runs.Service, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		runs:     runSvc,
		logger:   logger,
		interval: DefaultPollInterval,
		grace:    DefaultCatchUpGrace,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the poll loop.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.loop(ctx)
	e.logger.Info("tasks: engine started", "interval", e.interval)
}

// Stop halts polling. In-flight runs finish under the run service.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunDue(ctx)
		}
	}
}

// RunDue processes every task whose next_run_at has passed. Exported for
// deterministic use in tests; the poll loop calls it on each tick.
func (e *Engine) RunDue(ctx context.Context) {
	now := e.now().UTC()
	due, err := e.store.ListDueTasks(ctx, now)
	if err != nil {
		e.logger.Error("tasks: listing due tasks failed", "error", err)
		return
	}
	for _, task := range due {
		if err := e.fire(ctx, task, now); err != nil {
			e.logger.Error("tasks: firing task failed", "task_id", task.TaskID, "error", err)
		}
	}
}

// fire emits at most one run for the task's due occurrence and advances
// the schedule. Occurrences missed by more than the grace period coalesce
// into a single catch-up run stamped at now.
func (e *Engine) fire(ctx context.Context, task *store.ScheduledTask, now time.Time) error {
	scheduledFor := now
	if task.NextRunAt != nil {
		scheduledFor = task.NextRunAt.UTC()
		if now.Sub(scheduledFor) > e.grace {
			e.logger.Warn("tasks: coalescing missed occurrence",
				"task_id", task.TaskID, "scheduled_for", scheduledFor, "now", now)
			scheduledFor = now
		}
	}

	key := OccurrenceKey(task.TaskID, scheduledFor)
	taskRun, created, err := e.store.CreateOrGetTaskRun(ctx,
		uuid.Must(uuid.NewV7()).String(), task.TaskID, scheduledFor, key)
	if err != nil {
		return fmt.Errorf("claim occurrence: %w", err)
	}
	if created {
		if err := e.ingest(ctx, task, taskRun); err != nil {
			return err
		}
	} else {
		e.logger.Debug("tasks: occurrence already claimed",
			"task_id", task.TaskID, "scheduled_for", scheduledFor)
	}

	return e.advance(ctx, task, now)
}

func (e *Engine) ingest(ctx context.Context, task *store.ScheduledTask, taskRun *store.TaskRun) error {
	run, _, err := e.runs.IngestMessage(ctx, runs.IngestParams{
		Source:         "scheduled",
		ThreadKey:      task.ExecutionKey(),
		UserKey:        task.OwnerUserKey,
		Text:           task.Instructions,
		DeliveryMode:   store.DeliverFollowUp,
		IdempotencyKey: taskRun.IdempotencyKey,
	})
	if err != nil {
		finErr := e.store.FinalizeTaskRun(ctx, taskRun.TaskRunID, store.TaskRunFailed, err.Error())
		if finErr != nil {
			e.logger.Error("tasks: finalizing failed occurrence", "task_id", task.TaskID, "error", finErr)
		}
		return fmt.Errorf("ingest occurrence: %w", err)
	}
	if err := e.store.SetTaskRunRunID(ctx, taskRun.TaskRunID, run.RunID); err != nil {
		e.logger.Error("tasks: linking run to occurrence",
			"task_id", task.TaskID, "run_id", run.RunID, "error", err)
	}

	e.watchOutcome(task, taskRun, run.RunID)
	if e.deliverer != nil && task.Delivery.Provider == "telegram" {
		e.deliverer.DeliverTaskRun(task, run.RunID)
	}

	e.logger.Info("tasks: occurrence ingested",
		"task_id", task.TaskID, "run_id", run.RunID, "scheduled_for", taskRun.ScheduledFor)
	return nil
}

// watchOutcome records the run's terminal state on the task and its
// occurrence row.
func (e *Engine) watchOutcome(task *store.ScheduledTask, taskRun *store.TaskRun, runID string) {
	record := func(ev runs.ProgressEvent) {
		ctx := context.Background()
		status := store.TaskRunSucceeded
		if ev.Kind == runs.ProgressFailed {
			status = store.TaskRunFailed
		}
		if err := e.store.FinalizeTaskRun(ctx, taskRun.TaskRunID, status, ev.ErrorMessage); err != nil {
			e.logger.Error("tasks: finalizing occurrence", "task_id", task.TaskID, "error", err)
		}
		if err := e.store.RecordTaskOutcome(ctx, task.TaskID, e.now().UTC(), string(status), ev.ErrorMessage); err != nil {
			e.logger.Error("tasks: recording outcome", "task_id", task.TaskID, "error", err)
		}
	}

	var unsub func()
	unsub = e.runs.SubscribeRunProgress(runID, func(ev runs.ProgressEvent) {
		if !ev.Terminal() {
			return
		}
		record(ev)
		if unsub != nil {
			unsub()
		}
	})

	// The run may have finished between ingest and subscribe.
	if run, err := e.runs.GetRun(context.Background(), runID); err == nil && run.Status.Terminal() {
		ev := runs.ProgressEvent{Kind: runs.ProgressSucceeded, RunID: runID, Output: run.Output}
		if run.Status == store.RunFailed {
			ev = runs.ProgressEvent{Kind: runs.ProgressFailed, RunID: runID, ErrorMessage: run.ErrorMessage}
		}
		record(ev)
		unsub()
	}
}

func (e *Engine) advance(ctx context.Context, task *store.ScheduledTask, now time.Time) error {
	next, err := NextOccurrence(task, now)
	if err != nil {
		return fmt.Errorf("advance: %w", err)
	}
	enabled := next != nil
	if err := e.store.AdvanceTask(ctx, task.TaskID, next, enabled); err != nil {
		return err
	}
	if !enabled {
		e.logger.Info("tasks: schedule exhausted", "task_id", task.TaskID)
	}
	return nil
}

// CreateTask validates the schedule, computes the first occurrence and
// persists the task.
func (e *Engine) CreateTask(ctx context.Context, task *store.ScheduledTask) error {
	if task.TaskID == "" {
		task.TaskID = uuid.Must(uuid.NewV7()).String()
	}
	if err := ValidateSchedule(task); err != nil {
		return err
	}
	next, err := NextOccurrence(task, e.now().UTC())
	if err != nil {
		return err
	}
	if task.ScheduleKind == store.ScheduleOnce && next == nil && task.OnceAt != nil {
		// a once task created for a past time fires on the next poll
		at := e.now().UTC()
		next = &at
	}
	task.NextRunAt = next
	task.Enabled = next != nil
	if err := e.store.CreateScheduledTask(ctx, task); err != nil {
		return err
	}
	e.logger.Info("tasks: task created",
		"task_id", task.TaskID, "kind", string(task.ScheduleKind), "next_run_at", task.NextRunAt)
	return nil
}

// ListTasks returns every task.
func (e *Engine) ListTasks(ctx context.Context) ([]*store.ScheduledTask, error) {
	return e.store.ListScheduledTasks(ctx)
}

// DeleteTask removes a task and its occurrence history.
func (e *Engine) DeleteTask(ctx context.Context, taskID string) error {
	return e.store.DeleteScheduledTask(ctx, taskID)
}

// SetEnabled toggles a task without touching its schedule.
func (e *Engine) SetEnabled(ctx context.Context, taskID string, enabled bool) error {
	return e.store.SetTaskEnabled(ctx, taskID, enabled)
}

// OccurrenceKey derives the stable idempotency key for one occurrence.
func OccurrenceKey(taskID string, scheduledFor time.Time) string {
	sum := sha256.Sum256([]byte(taskID + "|" + scheduledFor.UTC().Format(time.RFC3339Nano)))
	return "task:" + hex.EncodeToString(sum[:])
}
