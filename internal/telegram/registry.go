package telegram

import (
	"context"
	"log/slog"
	"sync"
)

// Registry tracks background delivery tasks by run id and thread key so
// they can be cancelled individually, per thread, or all at once.
type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	byRun    map[string]*deliveryHandle
	byThread map[string]map[*deliveryHandle]struct{}
	wg       sync.WaitGroup
}

type deliveryHandle struct {
	runID     string
	threadKey string
	cancel    context.CancelFunc
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		byRun:    make(map[string]*deliveryHandle),
		byThread: make(map[string]map[*deliveryHandle]struct{}),
	}
}

// Register starts the delivery task under a cancellable signal and tracks
// it until start returns. Registering a run id twice is a no-op.
func (r *Registry) Register(runID, threadKey string, start func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	handle := &deliveryHandle{runID: runID, threadKey: threadKey, cancel: cancel}

	r.mu.Lock()
	if _, exists := r.byRun[runID]; exists {
		r.mu.Unlock()
		cancel()
		return
	}
	r.byRun[runID] = handle
	if r.byThread[threadKey] == nil {
		r.byThread[threadKey] = make(map[*deliveryHandle]struct{})
	}
	r.byThread[threadKey][handle] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer func() {
			r.deregister(handle)
			cancel()
			r.wg.Done()
		}()
		start(ctx)
	}()
}

func (r *Registry) deregister(handle *deliveryHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byRun, handle.runID)
	if set := r.byThread[handle.threadKey]; set != nil {
		delete(set, handle)
		if len(set) == 0 {
			delete(r.byThread, handle.threadKey)
		}
	}
}

// AbortThread cancels every delivery task for the thread.
func (r *Registry) AbortThread(threadKey string) {
	r.mu.Lock()
	handles := make([]*deliveryHandle, 0, len(r.byThread[threadKey]))
	for h := range r.byThread[threadKey] {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	if len(handles) > 0 {
		r.logger.Debug("telegram: aborted thread deliveries",
			"thread_key", threadKey, "count", len(handles))
	}
}

// AbortAllAndWait cancels everything and waits for settlement.
func (r *Registry) AbortAllAndWait() {
	r.mu.Lock()
	handles := make([]*deliveryHandle, 0, len(r.byRun))
	for _, h := range r.byRun {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	r.wg.Wait()
}

// Active reports how many delivery tasks are in flight.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byRun)
}
