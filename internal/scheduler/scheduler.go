package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrStopped is returned by enqueue operations once the scheduler stopped
// or before it started.
var ErrStopped = errors.New("run scheduler stopped")

// DispatchFunc executes one run. Errors are logged; a failing dispatch
// never stops the scheduler.
type DispatchFunc func(ctx context.Context, runID string) error

// Scheduler dispatches runs with strict per-thread FIFO ordering and full
// parallelism across threads. One worker goroutine per thread key drains
// that thread's queue and retires when it is empty.
type Scheduler struct {
	dispatch DispatchFunc
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	pending map[string]struct{} // run ids enqueued or dispatching
	queues  map[string][]string // thread key -> waiting run ids
	workers map[string]bool     // thread key -> worker alive

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. Call Start before enqueueing.
func New(dispatch DispatchFunc, logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		dispatch: dispatch,
		logger:   logger,
		pending:  make(map[string]struct{}),
		queues:   make(map[string][]string),
		workers:  make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start enables enqueueing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
}

// Enqueue schedules a run for dispatch. Enqueueing a run id that is
// already scheduled is a no-op.
func (s *Scheduler) Enqueue(threadKey, runID string) error {
	_, err := s.EnsureEnqueued(threadKey, runID)
	return err
}

// EnsureEnqueued schedules the run unless it is already pending.
// Returns false when the run id was known (nothing was added).
func (s *Scheduler) EnsureEnqueued(threadKey, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.stopped {
		return false, fmt.Errorf("enqueue run %s: %w", runID, ErrStopped)
	}
	if _, ok := s.pending[runID]; ok {
		return false, nil
	}

	s.pending[runID] = struct{}{}
	s.queues[threadKey] = append(s.queues[threadKey], runID)
	if !s.workers[threadKey] {
		s.workers[threadKey] = true
		s.wg.Add(1)
		go s.runWorker(threadKey)
	}
	return true, nil
}

// Stop rejects further enqueues and waits for in-flight dispatches.
// When ctx expires first, dispatch contexts are cancelled and ctx.Err()
// is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *Scheduler) runWorker(threadKey string) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		queue := s.queues[threadKey]
		if s.stopped {
			for _, id := range queue {
				delete(s.pending, id)
			}
			delete(s.queues, threadKey)
			delete(s.workers, threadKey)
			s.mu.Unlock()
			if len(queue) > 0 {
				s.logger.Warn("scheduler: dropping queued runs on stop",
					"thread_key", threadKey, "count", len(queue))
			}
			return
		}
		if len(queue) == 0 {
			delete(s.queues, threadKey)
			delete(s.workers, threadKey)
			s.mu.Unlock()
			return
		}
		runID := queue[0]
		s.queues[threadKey] = queue[1:]
		s.mu.Unlock()

		s.dispatchOne(threadKey, runID)

		s.mu.Lock()
		delete(s.pending, runID)
		s.mu.Unlock()
	}
}

// dispatchOne isolates the handler: a panic or error is logged and the
// worker moves on to the next run.
func (s *Scheduler) dispatchOne(threadKey, runID string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler: dispatch panicked",
				"thread_key", threadKey, "run_id", runID, "panic", r)
		}
	}()
	if err := s.dispatch(s.ctx, runID); err != nil {
		s.logger.Error("scheduler: dispatch failed",
			"thread_key", threadKey, "run_id", runID, "error", err)
	}
}
