package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// EchoRunner is the in-process test backend: each prompt is answered by an
// assistant turn echoing the text, with the full event sequence a real
// runner produces. Turns on one session run strictly in delivery order.
type EchoRunner struct{}

func (EchoRunner) Name() string { return "echo" }

func (EchoRunner) NewSession(ctx context.Context, opts SessionOptions) (Session, error) {
	s := &echoSession{
		id:       opts.SessionID,
		file:     opts.SessionFile,
		provider: "echo",
		model:    "echo-1",
		thinking: "off",
		work:     make(chan string, 64),
		done:     make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

type echoSession struct {
	id   string
	file string

	mu        sync.Mutex
	provider  string
	model     string
	thinking  string
	streaming bool
	closed    bool

	bc   broadcaster
	work chan string
	done chan struct{}
}

func (s *echoSession) loop() {
	defer close(s.done)
	for text := range s.work {
		s.mu.Lock()
		s.streaming = true
		provider, model := s.provider, s.model
		s.mu.Unlock()

		s.bc.publish(Event{Kind: EventTurnStart})
		s.bc.publish(Event{Kind: EventMessageStart, Role: "user", Text: text})
		s.bc.publish(Event{Kind: EventAssistantTextDelta, Role: "assistant", Text: text})
		s.bc.publish(Event{
			Kind:       EventMessageEnd,
			Role:       "assistant",
			Text:       text,
			Provider:   provider,
			Model:      model,
			StopReason: "end_turn",
		})
		s.bc.publish(Event{Kind: EventTurnEnd})
		s.appendTranscript(text)

		s.mu.Lock()
		s.streaming = false
		s.mu.Unlock()
	}
	s.bc.publish(Event{Kind: EventAgentEnd})
}

// appendTranscript writes the turn to the session file, best effort.
func (s *echoSession) appendTranscript(text string) {
	if s.file == "" {
		return
	}
	f, err := os.OpenFile(s.file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	_ = enc.Encode(map[string]string{"role": "user", "text": text, "at": time.Now().UTC().Format(time.RFC3339)})
	_ = enc.Encode(map[string]string{"role": "assistant", "text": text, "at": time.Now().UTC().Format(time.RFC3339)})
}

// deliver sends under the mutex so Close cannot close the channel between
// the closed check and the send. The loop receives before it takes the
// mutex, so a send blocked on a full buffer still drains.
func (s *echoSession) deliver(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.work <- text
	return nil
}

func (s *echoSession) Prompt(_ context.Context, text string, _ []Image) error {
	return s.deliver(text)
}

func (s *echoSession) FollowUp(_ context.Context, text string, _ []Image) error {
	return s.deliver(text)
}

func (s *echoSession) Steer(_ context.Context, text string, _ []Image) error {
	return s.deliver(text)
}

func (s *echoSession) SetModel(_ context.Context, provider, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.provider, s.model = provider, modelID
	return nil
}

func (s *echoSession) SetThinkingLevel(_ context.Context, level string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.thinking = level
	return nil
}

func (s *echoSession) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	// drop queued prompts; the in-flight turn finishes on its own
	for {
		select {
		case <-s.work:
			continue
		default:
		}
		break
	}
	return nil
}

func (s *echoSession) Share(_ context.Context) (ShareResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ShareResult{}, ErrSessionClosed
	}
	return ShareResult{
		GistURL:  fmt.Sprintf("echo://gist/%s", s.id),
		ShareURL: fmt.Sprintf("echo://share/%s", s.id),
	}, nil
}

func (s *echoSession) Subscribe(fn func(Event)) func() {
	return s.bc.subscribe(fn)
}

func (s *echoSession) State() RuntimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RuntimeState{
		SessionID:     s.id,
		Provider:      s.provider,
		Model:         s.model,
		ThinkingLevel: s.thinking,
		Streaming:     s.streaming,
	}
}

func (s *echoSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	// closed under the mutex, pairing with the send in deliver
	close(s.work)
	s.mu.Unlock()
	<-s.done
	return nil
}
