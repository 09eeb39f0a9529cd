package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/jagc/internal/agent"
	"github.com/nextlevelbuilder/jagc/internal/store"
)

// scriptedSession lets the test drive the event stream by hand, so turns
// whose assistant text differs from the input can be exercised.
type scriptedSession struct {
	mu        sync.Mutex
	handler   func(agent.Event)
	delivered chan string // "<method>:<text>"
}

func newScriptedSession() *scriptedSession {
	return &scriptedSession{delivered: make(chan string, 8)}
}

func (s *scriptedSession) emit(ev agent.Event) {
	s.mu.Lock()
	fn := s.handler
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (s *scriptedSession) record(method, text string) error {
	s.delivered <- method + ":" + text
	return nil
}

func (s *scriptedSession) Prompt(_ context.Context, text string, _ []agent.Image) error {
	return s.record("prompt", text)
}

func (s *scriptedSession) FollowUp(_ context.Context, text string, _ []agent.Image) error {
	return s.record("followUp", text)
}

func (s *scriptedSession) Steer(_ context.Context, text string, _ []agent.Image) error {
	return s.record("steer", text)
}

func (s *scriptedSession) SetModel(context.Context, string, string) error { return nil }
func (s *scriptedSession) SetThinkingLevel(context.Context, string) error { return nil }
func (s *scriptedSession) Abort() error                                   { return nil }

func (s *scriptedSession) Share(context.Context) (agent.ShareResult, error) {
	return agent.ShareResult{}, nil
}

func (s *scriptedSession) Subscribe(fn func(agent.Event)) func() {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.handler = nil
		s.mu.Unlock()
	}
}

func (s *scriptedSession) State() agent.RuntimeState {
	return agent.RuntimeState{SessionID: "scripted"}
}

func (s *scriptedSession) Close() error { return nil }

type scriptedResult struct {
	out *store.RunOutput
	err error
}

func submitAsync(c *controller, run *store.Run) chan scriptedResult {
	ch := make(chan scriptedResult, 1)
	go func() {
		out, err := c.Submit(context.Background(), run)
		ch <- scriptedResult{out, err}
	}()
	return ch
}

func waitDelivered(t *testing.T, sess *scriptedSession, want string) {
	t.Helper()
	select {
	case got := <-sess.delivered:
		if got != want {
			t.Fatalf("session received %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session never received %q", want)
	}
}

// TestControllerCorrelatesTurnsWithRuns drives two concurrent runs through
// one session where the assistant text differs from the input, proving each
// run resolves with its own turn and its own delivery mode.
func TestControllerCorrelatesTurnsWithRuns(t *testing.T) {
	sess := newScriptedSession()
	c := newController("cli:default", "scripted", "", sess, testLogger())
	t.Cleanup(func() { _ = c.close() })

	first := submitAsync(c, testRun("r1", "cli:default", "first", store.DeliverFollowUp))
	waitDelivered(t, sess, "prompt:first")

	// a steer lands while the first turn is still open
	second := submitAsync(c, testRun("r2", "cli:default", "interrupt", store.DeliverSteer))
	waitDelivered(t, sess, "steer:interrupt")

	sess.emit(agent.Event{Kind: agent.EventMessageStart, Role: "user", Text: "first"})
	sess.emit(agent.Event{Kind: agent.EventMessageEnd, Role: "assistant", Text: "RUN1", Provider: "pi", Model: "m-1"})

	res := <-first
	if res.err != nil {
		t.Fatalf("first run: %v", res.err)
	}
	if res.out.Text != "RUN1" || res.out.DeliveryMode != "followUp" {
		t.Errorf("first output = %+v, want text RUN1 via followUp", res.out)
	}
	if res.out.Provider != "pi" || res.out.Model != "m-1" {
		t.Errorf("first output metadata = %+v", res.out)
	}

	sess.emit(agent.Event{Kind: agent.EventMessageStart, Role: "user", Text: "interrupt"})
	sess.emit(agent.Event{Kind: agent.EventMessageEnd, Role: "assistant", Text: "RUN2", Provider: "pi", Model: "m-1"})

	res = <-second
	if res.err != nil {
		t.Fatalf("second run: %v", res.err)
	}
	if res.out.Text != "RUN2" || res.out.DeliveryMode != "steer" {
		t.Errorf("second output = %+v, want text RUN2 via steer", res.out)
	}
}

// TestControllerIgnoresUnmatchedTurns verifies turns the session produces
// on its own (user text matching no queued run) never resolve a run.
func TestControllerIgnoresUnmatchedTurns(t *testing.T) {
	sess := newScriptedSession()
	c := newController("cli:default", "scripted", "", sess, testLogger())
	t.Cleanup(func() { _ = c.close() })

	first := submitAsync(c, testRun("r1", "cli:default", "first", store.DeliverFollowUp))
	waitDelivered(t, sess, "prompt:first")

	// a stray turn with unrelated user text
	sess.emit(agent.Event{Kind: agent.EventMessageStart, Role: "user", Text: "not queued anywhere"})
	sess.emit(agent.Event{Kind: agent.EventMessageEnd, Role: "assistant", Text: "noise"})

	select {
	case res := <-first:
		t.Fatalf("run resolved by an unmatched turn: %+v, %v", res.out, res.err)
	case <-time.After(100 * time.Millisecond):
	}

	sess.emit(agent.Event{Kind: agent.EventMessageStart, Role: "user", Text: "first"})
	sess.emit(agent.Event{Kind: agent.EventMessageEnd, Role: "assistant", Text: "the real answer"})

	res := <-first
	if res.err != nil {
		t.Fatalf("first run: %v", res.err)
	}
	if res.out.Text != "the real answer" {
		t.Errorf("output text = %q, want the matched turn's text", res.out.Text)
	}
}

// TestControllerRejectsUndeliveredRunsOnAgentEnd covers the agent shutting
// down with runs still pending: every one fails with ErrAgentEnded.
func TestControllerRejectsUndeliveredRunsOnAgentEnd(t *testing.T) {
	sess := newScriptedSession()
	c := newController("cli:default", "scripted", "", sess, testLogger())
	t.Cleanup(func() { _ = c.close() })

	first := submitAsync(c, testRun("r1", "cli:default", "first", store.DeliverFollowUp))
	waitDelivered(t, sess, "prompt:first")
	second := submitAsync(c, testRun("r2", "cli:default", "queued", store.DeliverFollowUp))
	waitDelivered(t, sess, "followUp:queued")

	// the first run is mid-turn, the second still queued
	sess.emit(agent.Event{Kind: agent.EventMessageStart, Role: "user", Text: "first"})
	sess.emit(agent.Event{Kind: agent.EventAgentEnd})

	for _, ch := range []chan scriptedResult{first, second} {
		res := <-ch
		if !errors.Is(res.err, ErrAgentEnded) {
			t.Errorf("pending run error = %v, want ErrAgentEnded", res.err)
		}
	}
}
