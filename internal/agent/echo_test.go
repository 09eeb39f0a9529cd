package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newEchoSession(t *testing.T, file string) Session {
	t.Helper()
	sess, err := EchoRunner{}.NewSession(context.Background(), SessionOptions{
		SessionID:   "sess-test",
		SessionFile: file,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return sess
}

// collectTurn subscribes, delivers text via deliver and returns the events
// of the resulting turn, ending at turn_end.
func collectTurn(t *testing.T, sess Session, deliver func() error) []Event {
	t.Helper()
	events := make(chan Event, 32)
	unsub := sess.Subscribe(func(ev Event) { events <- ev })
	defer unsub()

	if err := deliver(); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	var turn []Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			turn = append(turn, ev)
			if ev.Kind == EventTurnEnd {
				return turn
			}
		case <-deadline:
			t.Fatalf("turn never completed, events so far: %v", turn)
		}
	}
}

func TestEchoSessionTurnSequence(t *testing.T) {
	sess := newEchoSession(t, "")
	defer sess.Close()

	turn := collectTurn(t, sess, func() error {
		return sess.Prompt(context.Background(), "hello there", nil)
	})

	wantKinds := []EventKind{EventTurnStart, EventMessageStart, EventAssistantTextDelta, EventMessageEnd, EventTurnEnd}
	if len(turn) != len(wantKinds) {
		t.Fatalf("turn has %d events (%v), want %d", len(turn), turn, len(wantKinds))
	}
	for i, want := range wantKinds {
		if turn[i].Kind != want {
			t.Errorf("event %d kind = %s, want %s", i, turn[i].Kind, want)
		}
	}

	userStart := turn[1]
	if userStart.Role != "user" || userStart.Text != "hello there" {
		t.Errorf("message_start = %+v, want user echo of the input", userStart)
	}
	end := turn[3]
	if end.Role != "assistant" || end.Text != "hello there" {
		t.Errorf("message_end = %+v, want assistant echo of the input", end)
	}
	if end.Provider != "echo" || end.Model != "echo-1" || end.StopReason != "end_turn" {
		t.Errorf("message_end metadata = %+v, want echo/echo-1/end_turn", end)
	}
}

func TestEchoSessionWritesTranscript(t *testing.T) {
	file := filepath.Join(t.TempDir(), "sess.jsonl")
	sess := newEchoSession(t, file)

	collectTurn(t, sess, func() error {
		return sess.Prompt(context.Background(), "persist me", nil)
	})
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("reading transcript: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("transcript has %d lines, want 2 (user + assistant)", len(lines))
	}
	if !strings.Contains(lines[0], `"user"`) || !strings.Contains(lines[1], `"assistant"`) {
		t.Errorf("transcript lines = %v, want user then assistant", lines)
	}
}

func TestEchoSessionModelAndThinking(t *testing.T) {
	sess := newEchoSession(t, "")
	defer sess.Close()
	ctx := context.Background()

	if err := sess.SetModel(ctx, "anthropic", "claude-opus-4-1"); err != nil {
		t.Fatalf("SetModel: %v", err)
	}
	if err := sess.SetThinkingLevel(ctx, "high"); err != nil {
		t.Fatalf("SetThinkingLevel: %v", err)
	}

	state := sess.State()
	if state.Provider != "anthropic" || state.Model != "claude-opus-4-1" || state.ThinkingLevel != "high" {
		t.Errorf("state = %+v, want updated model and thinking level", state)
	}

	// subsequent turns carry the new model
	turn := collectTurn(t, sess, func() error {
		return sess.Prompt(ctx, "which model", nil)
	})
	end := turn[len(turn)-2]
	if end.Kind != EventMessageEnd || end.Provider != "anthropic" || end.Model != "claude-opus-4-1" {
		t.Errorf("message_end after SetModel = %+v", end)
	}
}

func TestEchoSessionCloseEmitsAgentEnd(t *testing.T) {
	sess := newEchoSession(t, "")

	got := make(chan Event, 8)
	unsub := sess.Subscribe(func(ev Event) { got <- ev })
	defer unsub()

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case ev := <-got:
		if ev.Kind != EventAgentEnd {
			t.Errorf("event after Close = %s, want agent_end", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no agent_end after Close")
	}

	if err := sess.Prompt(context.Background(), "too late", nil); err != ErrSessionClosed {
		t.Errorf("Prompt after Close error = %v, want ErrSessionClosed", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestEchoSessionShare(t *testing.T) {
	sess := newEchoSession(t, "")
	defer sess.Close()

	res, err := sess.Share(context.Background())
	if err != nil {
		t.Fatalf("Share: %v", err)
	}
	if res.GistURL != "echo://gist/sess-test" || res.ShareURL != "echo://share/sess-test" {
		t.Errorf("share result = %+v", res)
	}
}

func TestBroadcasterOrderAndUnsubscribe(t *testing.T) {
	var bc broadcaster
	var got []string
	unsubA := bc.subscribe(func(ev Event) { got = append(got, "a:"+ev.Text) })
	bc.subscribe(func(ev Event) { got = append(got, "b:"+ev.Text) })

	bc.publish(Event{Text: "1"})
	unsubA()
	bc.publish(Event{Text: "2"})

	want := []string{"a:1", "b:1", "b:2"}
	if len(got) != len(want) {
		t.Fatalf("deliveries = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivery %d = %s, want %s", i, got[i], want[i])
		}
	}
}

// TestCloseConcurrentWithDelivery hammers FollowUp against Close on fresh
// sessions. Delivery must either land or report ErrSessionClosed; it must
// never send on the closed work channel.
func TestCloseConcurrentWithDelivery(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		sess := newEchoSession(t, "")

		errs := make(chan error, 4)
		for j := 0; j < 4; j++ {
			go func() {
				errs <- sess.FollowUp(ctx, "racing", nil)
			}()
		}
		if err := sess.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		for j := 0; j < 4; j++ {
			if err := <-errs; err != nil && !errors.Is(err, ErrSessionClosed) {
				t.Fatalf("FollowUp during Close: %v", err)
			}
		}
	}
}
