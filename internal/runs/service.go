package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/jagc/internal/executor"
	"github.com/nextlevelbuilder/jagc/internal/scheduler"
	"github.com/nextlevelbuilder/jagc/internal/store"
	"github.com/nextlevelbuilder/jagc/internal/threads"
)

var (
	ErrInvalidDeliveryMode = errors.New("invalid delivery mode")
	ErrInvalidThreadKey    = errors.New("invalid thread key")
	ErrEmptyText           = errors.New("message text is empty")
)

// ProgressEvent is one run lifecycle notification delivered to
// process-local subscribers.
type ProgressEvent struct {
	Kind         string // queued, started, succeeded, failed
	RunID        string
	Output       *store.RunOutput
	ErrorMessage string
}

const (
	ProgressQueued    = "queued"
	ProgressStarted   = "started"
	ProgressSucceeded = "succeeded"
	ProgressFailed    = "failed"
)

// Terminal reports whether the event ends the run's progress stream.
func (e ProgressEvent) Terminal() bool {
	return e.Kind == ProgressSucceeded || e.Kind == ProgressFailed
}

// IngestParams describes one inbound message.
type IngestParams struct {
	Source         string
	ThreadKey      string
	UserKey        string
	Text           string
	DeliveryMode   store.DeliveryMode // empty defaults to followUp
	IdempotencyKey string
	Images         []store.RunImage
}

// Service orchestrates ingest, persistence, scheduling and execution of
// runs. It owns the per-thread scheduler.
type Service struct {
	store  *store.Store
	exec   *executor.Executor
	sched  *scheduler.Scheduler
	logger *slog.Logger

	mu      sync.Mutex
	nextSub int
	subs    map[string]map[int]func(ProgressEvent)
}

func NewService(st *store.Store, exec *executor.Executor, logger *slog.Logger) *Service {
	s := &Service{
		store:  st,
		exec:   exec,
		logger: logger,
		subs:   make(map[string]map[int]func(ProgressEvent)),
	}
	s.sched = scheduler.New(s.dispatch, logger)
	return s
}

// Start enables run dispatch.
func (s *Service) Start() {
	s.sched.Start()
}

// Recover re-enqueues runs an earlier process left in the running state,
// so a restart finishes them instead of leaving their rows non-terminal
// forever. Call after Start. Returns how many runs were re-enqueued.
func (s *Service) Recover(ctx context.Context) (int, error) {
	unfinished, err := s.store.ListUnfinishedRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover runs: %w", err)
	}
	for _, run := range unfinished {
		if _, err := s.sched.EnsureEnqueued(run.ThreadKey, run.RunID); err != nil {
			return 0, fmt.Errorf("re-enqueue run %s: %w", run.RunID, err)
		}
	}
	if len(unfinished) > 0 {
		s.logger.Info("runs: recovered unfinished runs", "count", len(unfinished))
	}
	return len(unfinished), nil
}

// Shutdown stops the scheduler, waits for in-flight runs within ctx and
// closes every agent session.
func (s *Service) Shutdown(ctx context.Context) error {
	err := s.sched.Stop(ctx)
	s.exec.Shutdown()
	return err
}

// IngestMessage turns a message into a run: deduplicate on the
// idempotency key, persist, fold in any buffered images for the thread
// and user, and enqueue. A repeated key returns the original run with
// deduplicated=true.
func (s *Service) IngestMessage(ctx context.Context, p IngestParams) (*store.Run, bool, error) {
	mode := p.DeliveryMode
	if mode == "" {
		mode = store.DeliverFollowUp
	}
	if !mode.Valid() {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidDeliveryMode, p.DeliveryMode)
	}
	if !threads.Valid(p.ThreadKey) {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidThreadKey, p.ThreadKey)
	}
	if p.Text == "" {
		return nil, false, ErrEmptyText
	}

	run, deduplicated, err := s.store.IngestMessage(ctx,
		store.IngestParams{Source: p.Source, IdempotencyKey: p.IdempotencyKey},
		func() *store.Run {
			now := time.Now().UTC()
			return &store.Run{
				RunID:        uuid.Must(uuid.NewV7()).String(),
				Source:       p.Source,
				ThreadKey:    p.ThreadKey,
				UserKey:      p.UserKey,
				DeliveryMode: mode,
				Status:       store.RunRunning,
				InputText:    p.Text,
				Images:       p.Images,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
		})
	if err != nil {
		return nil, false, fmt.Errorf("ingest message: %w", err)
	}

	if !deduplicated {
		if err := s.attachBufferedImages(ctx, run); err != nil {
			s.logger.Warn("runs: attaching buffered images failed",
				"run_id", run.RunID, "error", err)
		}
		s.emit(run.RunID, ProgressEvent{Kind: ProgressQueued, RunID: run.RunID})
	}

	if _, err := s.sched.EnsureEnqueued(run.ThreadKey, run.RunID); err != nil {
		return nil, false, fmt.Errorf("enqueue run %s: %w", run.RunID, err)
	}

	s.logger.Info("runs: message ingested",
		"run_id", run.RunID, "source", p.Source, "thread_key", p.ThreadKey,
		"delivery_mode", string(mode), "deduplicated", deduplicated)
	return run, deduplicated, nil
}

func (s *Service) attachBufferedImages(ctx context.Context, run *store.Run) error {
	drained, err := s.store.DrainPendingImages(ctx, store.ImageScope{
		ThreadKey: run.ThreadKey,
		UserKey:   run.UserKey,
	})
	if err != nil {
		return err
	}
	if len(drained) == 0 {
		return nil
	}
	run.Images = append(run.Images, drained...)
	return s.store.AttachRunImages(ctx, run.RunID, run.Images)
}

// ExecuteRunByID loads and executes one run, recording the terminal state
// exactly once. A run that is already terminal is a no-op, which makes
// duplicate dispatch harmless. Executor failures become a failed run and
// never propagate.
func (s *Service) ExecuteRunByID(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		s.logger.Debug("runs: skipping terminal run", "run_id", runID, "status", string(run.Status))
		return nil
	}

	s.emit(runID, ProgressEvent{Kind: ProgressStarted, RunID: runID})

	output, execErr := s.exec.Execute(ctx, run)
	if execErr != nil {
		s.finalize(ctx, runID, store.RunFailed, nil, execErr.Error())
		return nil
	}
	s.finalize(ctx, runID, store.RunSucceeded, output, "")
	return nil
}

func (s *Service) finalize(ctx context.Context, runID string, status store.RunStatus, output *store.RunOutput, errMsg string) {
	if err := s.store.FinalizeRun(ctx, runID, status, output, errMsg); err != nil {
		if errors.Is(err, store.ErrRunFinalized) {
			s.logger.Debug("runs: run already finalized", "run_id", runID)
			return
		}
		s.logger.Error("runs: finalize failed", "run_id", runID, "error", err)
		return
	}

	ev := ProgressEvent{RunID: runID, Output: output, ErrorMessage: errMsg}
	if status == store.RunSucceeded {
		ev.Kind = ProgressSucceeded
	} else {
		ev.Kind = ProgressFailed
	}
	s.emit(runID, ev)
	s.logger.Info("runs: run finished", "run_id", runID, "status", string(status))
}

// GetRun loads a run by id.
func (s *Service) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// SubscribeRunProgress registers a process-local listener for the run's
// progress events. The returned function removes it.
func (s *Service) SubscribeRunProgress(runID string, fn func(ProgressEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[runID] == nil {
		s.subs[runID] = make(map[int]func(ProgressEvent))
	}
	id := s.nextSub
	s.nextSub++
	s.subs[runID][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[runID], id)
		if len(s.subs[runID]) == 0 {
			delete(s.subs, runID)
		}
	}
}

func (s *Service) emit(runID string, ev ProgressEvent) {
	s.mu.Lock()
	fns := make([]func(ProgressEvent), 0, len(s.subs[runID]))
	for _, fn := range s.subs[runID] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Service) dispatch(ctx context.Context, runID string) error {
	return s.ExecuteRunByID(ctx, runID)
}
