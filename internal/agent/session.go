package agent

import (
	"context"
	"errors"
	"sync"
)

// ErrSessionClosed is returned by session operations after Close.
var ErrSessionClosed = errors.New("agent session closed")

// Image is one input image delivered alongside a prompt.
type Image struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
	Filename string `json:"filename,omitempty"`
}

// ShareResult holds the public links produced by sharing a session.
type ShareResult struct {
	GistURL  string
	ShareURL string
}

// SessionOptions configures a new session.
type SessionOptions struct {
	SessionID   string
	SessionFile string // transcript path under the workspace .sessions dir
}

// RuntimeState is the mutable per-session configuration surfaced to callers.
type RuntimeState struct {
	SessionID     string
	Provider      string
	Model         string
	ThinkingLevel string
	Streaming     bool
}

// Session is one long-lived agent conversation. Prompt starts the first
// turn; FollowUp queues text behind the current turn; Steer interrupts it.
// All three echo the text back as a user message_start event, and each
// produced assistant turn ends with a message_end event carrying the text.
type Session interface {
	Prompt(ctx context.Context, text string, images []Image) error
	FollowUp(ctx context.Context, text string, images []Image) error
	Steer(ctx context.Context, text string, images []Image) error

	SetModel(ctx context.Context, provider, modelID string) error
	SetThinkingLevel(ctx context.Context, level string) error

	// Abort interrupts the in-flight turn and drops queued prompts.
	Abort() error
	// Share publishes the session transcript and returns the links.
	Share(ctx context.Context) (ShareResult, error)

	// Subscribe registers a listener for every subsequent event; the
	// returned function removes it.
	Subscribe(fn func(Event)) (unsubscribe func())

	State() RuntimeState
	Close() error
}

// Runner creates agent sessions.
type Runner interface {
	Name() string
	NewSession(ctx context.Context, opts SessionOptions) (Session, error)
}

// broadcaster fans events out to subscribers. Listeners are invoked
// synchronously in subscription order, outside the lock.
type broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
}

func (b *broadcaster) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]func(Event))
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.subs))
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	// map order is random; deliver in subscription order
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[j] < ids[i] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	for _, id := range ids {
		fns = append(fns, b.subs[id])
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
