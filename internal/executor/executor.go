package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/jagc/internal/agent"
	"github.com/nextlevelbuilder/jagc/internal/store"
	"github.com/nextlevelbuilder/jagc/internal/workspace"
)

// ErrRunCancelled rejects pending submits when their thread's active work
// is cancelled.
var ErrRunCancelled = errors.New("run cancelled")

// ErrNoSession is returned when a thread-level operation needs a session
// and none exists.
var ErrNoSession = errors.New("no session for thread")

// Executor owns agent sessions keyed by thread key. Session creation is
// single-flighted per key; the generation counter guards thread-session
// writes against resets that happen while a run executes.
type Executor struct {
	store        *store.Store
	runner       agent.Runner
	workspaceDir string
	logger       *slog.Logger

	creating singleflight.Group

	mu          sync.Mutex
	controllers map[string]*controller
	generations map[string]uint64
}

func New(st *store.Store, runner agent.Runner, workspaceDir string, logger *slog.Logger) *Executor {
	return &Executor{
		store:        st,
		runner:       runner,
		workspaceDir: workspaceDir,
		logger:       logger,
		controllers:  make(map[string]*controller),
		generations:  make(map[string]uint64),
	}
}

// Execute resolves the thread's controller, submits the run and persists
// the session mapping afterwards. The mapping write is skipped when the
// thread's generation changed while the run was in flight.
func (e *Executor) Execute(ctx context.Context, run *store.Run) (*store.RunOutput, error) {
	ctl, err := e.controllerFor(ctx, run.ThreadKey)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	generation := e.generations[run.ThreadKey]
	e.mu.Unlock()

	output, err := ctl.Submit(ctx, run)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	stale := e.generations[run.ThreadKey] != generation
	e.mu.Unlock()
	if stale {
		e.logger.Debug("executor: skipping stale session upsert",
			"thread_key", run.ThreadKey, "generation", generation)
		return output, nil
	}

	updated, err := e.store.UpsertThreadSession(ctx, run.ThreadKey, ctl.sessionID, ctl.sessionFile, generation)
	if err != nil {
		return nil, fmt.Errorf("persist session for thread %s: %w", run.ThreadKey, err)
	}
	if !updated {
		e.logger.Debug("executor: session upsert dropped by store",
			"thread_key", run.ThreadKey, "generation", generation)
	}
	return output, nil
}

// CancelThreadRun aborts the thread's active work. Returns true only when
// something was actually interrupted.
func (e *Executor) CancelThreadRun(ctx context.Context, threadKey string) (bool, error) {
	e.mu.Lock()
	ctl := e.controllers[threadKey]
	e.mu.Unlock()
	if ctl == nil || !ctl.hasWork() {
		return false, nil
	}

	if err := ctl.session.Abort(); err != nil {
		return false, fmt.Errorf("failed to cancel active run for thread %s: %w", threadKey, err)
	}
	ctl.rejectAll(ErrRunCancelled)
	e.logger.Info("executor: thread run cancelled", "thread_key", threadKey)
	return true, nil
}

// ResetThreadSession bumps the thread's generation, drops the in-memory
// session and deletes the persisted mapping so the next run starts fresh.
func (e *Executor) ResetThreadSession(ctx context.Context, threadKey string) error {
	e.mu.Lock()
	e.generations[threadKey]++
	ctl := e.controllers[threadKey]
	delete(e.controllers, threadKey)
	e.mu.Unlock()

	if ctl != nil {
		if err := ctl.close(); err != nil {
			e.logger.Warn("executor: closing session on reset",
				"thread_key", threadKey, "error", err)
		}
	}
	if err := e.store.DeleteThreadSession(ctx, threadKey); err != nil {
		return fmt.Errorf("reset thread %s: %w", threadKey, err)
	}
	e.logger.Info("executor: thread session reset", "thread_key", threadKey)
	return nil
}

// ShareThreadSession publishes the thread's session transcript.
func (e *Executor) ShareThreadSession(ctx context.Context, threadKey string) (agent.ShareResult, error) {
	e.mu.Lock()
	ctl := e.controllers[threadKey]
	e.mu.Unlock()

	if ctl == nil {
		persisted, err := e.store.GetThreadSession(ctx, threadKey)
		if err != nil {
			return agent.ShareResult{}, err
		}
		if persisted == nil {
			return agent.ShareResult{}, fmt.Errorf("share thread %s: %w", threadKey, ErrNoSession)
		}
		ctl, err = e.controllerFor(ctx, threadKey)
		if err != nil {
			return agent.ShareResult{}, err
		}
	}
	res, err := ctl.session.Share(ctx)
	if err != nil {
		return agent.ShareResult{}, fmt.Errorf("share thread %s: %w", threadKey, err)
	}
	return res, nil
}

// GetThreadRuntimeState reports the thread's session state. A thread with
// a persisted mapping but no live session reports just the session id; an
// unknown thread reports zero values.
func (e *Executor) GetThreadRuntimeState(ctx context.Context, threadKey string) (agent.RuntimeState, error) {
	e.mu.Lock()
	ctl := e.controllers[threadKey]
	e.mu.Unlock()
	if ctl != nil {
		return ctl.session.State(), nil
	}

	persisted, err := e.store.GetThreadSession(ctx, threadKey)
	if err != nil {
		return agent.RuntimeState{}, err
	}
	if persisted == nil {
		return agent.RuntimeState{}, nil
	}
	return agent.RuntimeState{SessionID: persisted.SessionID}, nil
}

// SetThreadModel switches the thread's session model, creating the
// session if needed.
func (e *Executor) SetThreadModel(ctx context.Context, threadKey, provider, modelID string) (agent.RuntimeState, error) {
	ctl, err := e.controllerFor(ctx, threadKey)
	if err != nil {
		return agent.RuntimeState{}, err
	}
	if err := ctl.session.SetModel(ctx, provider, modelID); err != nil {
		return agent.RuntimeState{}, fmt.Errorf("set model for thread %s: %w", threadKey, err)
	}
	return ctl.session.State(), nil
}

// SetThreadThinkingLevel switches the thread's session thinking level.
func (e *Executor) SetThreadThinkingLevel(ctx context.Context, threadKey, level string) (agent.RuntimeState, error) {
	ctl, err := e.controllerFor(ctx, threadKey)
	if err != nil {
		return agent.RuntimeState{}, err
	}
	if err := ctl.session.SetThinkingLevel(ctx, level); err != nil {
		return agent.RuntimeState{}, fmt.Errorf("set thinking level for thread %s: %w", threadKey, err)
	}
	return ctl.session.State(), nil
}

// Shutdown closes every live session.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	controllers := make([]*controller, 0, len(e.controllers))
	for key, ctl := range e.controllers {
		controllers = append(controllers, ctl)
		delete(e.controllers, key)
	}
	e.mu.Unlock()

	for _, ctl := range controllers {
		if err := ctl.close(); err != nil {
			e.logger.Warn("executor: closing session on shutdown",
				"thread_key", ctl.threadKey, "error", err)
		}
	}
}

// controllerFor returns the thread's controller, creating the session
// single-flight when two runs race on a fresh thread.
func (e *Executor) controllerFor(ctx context.Context, threadKey string) (*controller, error) {
	e.mu.Lock()
	if ctl, ok := e.controllers[threadKey]; ok {
		e.mu.Unlock()
		return ctl, nil
	}
	e.mu.Unlock()

	v, err, _ := e.creating.Do(threadKey, func() (any, error) {
		e.mu.Lock()
		if ctl, ok := e.controllers[threadKey]; ok {
			e.mu.Unlock()
			return ctl, nil
		}
		e.mu.Unlock()
		return e.createController(ctx, threadKey)
	})
	if err != nil {
		return nil, err
	}
	return v.(*controller), nil
}

func (e *Executor) createController(ctx context.Context, threadKey string) (*controller, error) {
	persisted, err := e.store.GetThreadSession(ctx, threadKey)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.Must(uuid.NewV7()).String()
	sessionFile := workspace.SessionFilePath(e.workspaceDir, sessionID)
	if persisted != nil {
		sessionID = persisted.SessionID
		sessionFile = persisted.SessionFilePath
	}

	sess, err := e.runner.NewSession(ctx, agent.SessionOptions{
		SessionID:   sessionID,
		SessionFile: sessionFile,
	})
	if err != nil {
		return nil, fmt.Errorf("create session for thread %s: %w", threadKey, err)
	}

	ctl := newController(threadKey, sessionID, sessionFile, sess, e.logger)
	e.mu.Lock()
	e.controllers[threadKey] = ctl
	if _, ok := e.generations[threadKey]; !ok {
		if persisted != nil {
			e.generations[threadKey] = persisted.Generation
		} else {
			e.generations[threadKey] = 0
		}
	}
	e.mu.Unlock()

	e.logger.Info("executor: session ready",
		"thread_key", threadKey, "session_id", sessionID, "resumed", persisted != nil)
	return ctl, nil
}
