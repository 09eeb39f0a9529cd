package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/jagc/internal/agent"
	"github.com/nextlevelbuilder/jagc/internal/store"
)

// ErrAgentEnded rejects runs whose assistant turn never arrived because
// the agent shut down first.
var ErrAgentEnded = errors.New("agent ended before message delivery")

// submitResult resolves one submitted run.
type submitResult struct {
	output *store.RunOutput
	err    error
}

// pendingRun is a submitted run waiting for its assistant turn.
type pendingRun struct {
	run    *store.Run
	result chan submitResult // buffered, written once
}

func (p *pendingRun) resolve(res submitResult) {
	select {
	case p.result <- res:
	default:
	}
}

// controller owns one agent session and serializes runs onto it, mapping
// streamed assistant turns back to the run that triggered them.
//
// Correlation is by arrival order per queue: a user message_start whose
// text equals a queue head pops that run into the expectation slot; the
// next assistant message_end resolves the slot.
type controller struct {
	threadKey   string
	sessionID   string
	sessionFile string
	session     agent.Session
	logger      *slog.Logger
	unsubscribe func()

	mu              sync.Mutex
	promptDelivered bool
	followUpQueue   []*pendingRun
	steerQueue      []*pendingRun
	expectation     *pendingRun
}

func newController(threadKey, sessionID, sessionFile string, session agent.Session, logger *slog.Logger) *controller {
	c := &controller{
		threadKey:   threadKey,
		sessionID:   sessionID,
		sessionFile: sessionFile,
		session:     session,
		logger:      logger,
	}
	c.unsubscribe = session.Subscribe(c.onEvent)
	return c
}

// Submit queues the run, delivers its text to the session and blocks until
// the matching assistant turn ends. The very first delivery on a session
// uses Prompt; later deliveries use FollowUp or Steer per the run's mode.
func (c *controller) Submit(ctx context.Context, run *store.Run) (*store.RunOutput, error) {
	pending := &pendingRun{run: run, result: make(chan submitResult, 1)}

	c.mu.Lock()
	switch run.DeliveryMode {
	case store.DeliverSteer:
		c.steerQueue = append(c.steerQueue, pending)
	default:
		c.followUpQueue = append(c.followUpQueue, pending)
	}
	first := !c.promptDelivered
	c.promptDelivered = true
	c.mu.Unlock()

	images := toAgentImages(run.Images)
	var err error
	switch {
	case first:
		err = c.session.Prompt(ctx, run.InputText, images)
	case run.DeliveryMode == store.DeliverSteer:
		err = c.session.Steer(ctx, run.InputText, images)
	default:
		err = c.session.FollowUp(ctx, run.InputText, images)
	}
	if err != nil {
		c.remove(pending)
		return nil, fmt.Errorf("deliver run %s: %w", run.RunID, err)
	}

	select {
	case res := <-pending.result:
		return res.output, res.err
	case <-ctx.Done():
		c.remove(pending)
		return nil, ctx.Err()
	}
}

func (c *controller) onEvent(ev agent.Event) {
	switch ev.Kind {
	case agent.EventMessageStart:
		if ev.Role != "user" {
			return
		}
		c.mu.Lock()
		if len(c.followUpQueue) > 0 && c.followUpQueue[0].run.InputText == ev.Text {
			c.expectation = c.followUpQueue[0]
			c.followUpQueue = c.followUpQueue[1:]
		} else if len(c.steerQueue) > 0 && c.steerQueue[0].run.InputText == ev.Text {
			c.expectation = c.steerQueue[0]
			c.steerQueue = c.steerQueue[1:]
		}
		c.mu.Unlock()

	case agent.EventMessageEnd:
		if ev.Role != "assistant" {
			return
		}
		c.mu.Lock()
		pending := c.expectation
		c.expectation = nil
		c.mu.Unlock()
		if pending == nil {
			return
		}
		pending.resolve(submitResult{output: &store.RunOutput{
			Type:         "message",
			Text:         ev.Text,
			Provider:     ev.Provider,
			Model:        ev.Model,
			DeliveryMode: string(pending.run.DeliveryMode),
		}})

	case agent.EventAgentEnd:
		c.rejectAll(ErrAgentEnded)
	}
}

// rejectAll fails the expectation slot and every queued run.
func (c *controller) rejectAll(err error) {
	c.mu.Lock()
	pendings := make([]*pendingRun, 0, len(c.followUpQueue)+len(c.steerQueue)+1)
	if c.expectation != nil {
		pendings = append(pendings, c.expectation)
		c.expectation = nil
	}
	pendings = append(pendings, c.followUpQueue...)
	pendings = append(pendings, c.steerQueue...)
	c.followUpQueue = nil
	c.steerQueue = nil
	c.mu.Unlock()

	for _, p := range pendings {
		p.resolve(submitResult{err: err})
	}
}

// hasWork reports whether an assistant turn is streaming or runs are
// still queued.
func (c *controller) hasWork() bool {
	c.mu.Lock()
	queued := c.expectation != nil || len(c.followUpQueue) > 0 || len(c.steerQueue) > 0
	c.mu.Unlock()
	return queued || c.session.State().Streaming
}

// remove drops a pending run that will never resolve (delivery failure or
// caller cancellation).
func (c *controller) remove(target *pendingRun) {
	drop := func(queue []*pendingRun) []*pendingRun {
		for i, p := range queue {
			if p == target {
				return append(queue[:i:i], queue[i+1:]...)
			}
		}
		return queue
	}
	c.mu.Lock()
	c.followUpQueue = drop(c.followUpQueue)
	c.steerQueue = drop(c.steerQueue)
	if c.expectation == target {
		c.expectation = nil
	}
	c.mu.Unlock()
}

func (c *controller) close() error {
	c.unsubscribe()
	c.rejectAll(ErrAgentEnded)
	return c.session.Close()
}

func toAgentImages(images []store.RunImage) []agent.Image {
	if len(images) == 0 {
		return nil
	}
	out := make([]agent.Image, len(images))
	for i, img := range images {
		out[i] = agent.Image{MimeType: img.MimeType, Data: img.Data, Filename: img.Filename}
	}
	return out
}
