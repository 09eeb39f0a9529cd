package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

const (
	// piShutdownTimeout bounds how long Close waits for the subprocess
	// to exit before it is killed.
	piShutdownTimeout = 5 * time.Second
	// piKilledExitCode mirrors the timeout(1) convention for a killed child.
	piKilledExitCode = 124

	// maxEventLineBytes caps a single stdout event line.
	maxEventLineBytes = 4 << 20
)

// PiRunner drives the external `pi` coding agent, one long-lived
// subprocess per session. Commands go to the child's stdin and events
// come back on stdout, one JSON object per line.
type PiRunner struct {
	Binary     string // defaults to "pi"
	WorkingDir string
	Logger     *slog.Logger
}

func (r *PiRunner) Name() string { return "pi" }

func (r *PiRunner) NewSession(ctx context.Context, opts SessionOptions) (Session, error) {
	binary := r.Binary
	if binary == "" {
		binary = "pi"
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(binary, "--mode", "jsonl", "--session-file", opts.SessionFile)
	cmd.Dir = r.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("pi session %s: stdin: %w", opts.SessionID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pi session %s: stdout: %w", opts.SessionID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("pi session %s: stderr: %w", opts.SessionID, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pi session %s: start %s: %w", opts.SessionID, binary, err)
	}

	s := &piSession{
		id:       opts.SessionID,
		file:     opts.SessionFile,
		cmd:      cmd,
		stdin:    stdin,
		enc:      json.NewEncoder(stdin),
		logger:   logger,
		thinking: "off",
		shareCh:  make(chan ShareResult, 1),
		procDone: make(chan struct{}),
	}
	go s.readEvents(stdout)
	go s.readStderr(stderr)
	go func() {
		s.waitErr = cmd.Wait()
		close(s.procDone)
	}()

	logger.Info("agent: pi session started", "session_id", opts.SessionID, "pid", cmd.Process.Pid)
	return s, nil
}

// piCommand is one line written to the child's stdin.
type piCommand struct {
	Type     string  `json:"type"`
	Text     string  `json:"text,omitempty"`
	Images   []Image `json:"images,omitempty"`
	Provider string  `json:"provider,omitempty"`
	Model    string  `json:"model,omitempty"`
	Level    string  `json:"level,omitempty"`
}

// piEvent is one line read from the child's stdout.
type piEvent struct {
	Type       string `json:"type"`
	Role       string `json:"role,omitempty"`
	Text       string `json:"text,omitempty"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	Error      string `json:"error,omitempty"`
	GistURL    string `json:"gist_url,omitempty"`
	ShareURL   string `json:"share_url,omitempty"`
}

type piSession struct {
	id   string
	file string

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex
	enc     *json.Encoder

	mu        sync.Mutex
	provider  string
	model     string
	thinking  string
	streaming bool
	closed    bool

	bc       broadcaster
	logger   *slog.Logger
	shareCh  chan ShareResult
	procDone chan struct{}
	waitErr  error

	closeOnce sync.Once
	closeErr  error
}

func (s *piSession) readEvents(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxEventLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev piEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			s.logger.Warn("agent: unparseable pi event", "session_id", s.id, "error", err)
			continue
		}
		s.handleEvent(ev)
	}
	if err := sc.Err(); err != nil {
		s.logger.Warn("agent: pi stdout read failed", "session_id", s.id, "error", err)
	}
	// Child went away: anything still waiting must observe the end.
	s.mu.Lock()
	s.streaming = false
	s.mu.Unlock()
	s.bc.publish(Event{Kind: EventAgentEnd})
}

func (s *piSession) handleEvent(ev piEvent) {
	switch ev.Type {
	case "share_result":
		select {
		case s.shareCh <- ShareResult{GistURL: ev.GistURL, ShareURL: ev.ShareURL}:
		default:
		}
		return
	case "model_changed":
		s.mu.Lock()
		s.provider, s.model = ev.Provider, ev.Model
		s.mu.Unlock()
		return
	case string(EventTurnStart):
		s.mu.Lock()
		s.streaming = true
		s.mu.Unlock()
	case string(EventTurnEnd), string(EventAgentEnd):
		s.mu.Lock()
		s.streaming = false
		s.mu.Unlock()
	case string(EventMessageEnd):
		if ev.Role == "assistant" && ev.Provider != "" {
			s.mu.Lock()
			s.provider, s.model = ev.Provider, ev.Model
			s.mu.Unlock()
		}
	}

	s.bc.publish(Event{
		Kind:         EventKind(ev.Type),
		Role:         ev.Role,
		Text:         ev.Text,
		Provider:     ev.Provider,
		Model:        ev.Model,
		StopReason:   ev.StopReason,
		ToolCallID:   ev.ToolCallID,
		ToolName:     ev.ToolName,
		ErrorMessage: ev.Error,
	})
}

func (s *piSession) readStderr(stderr io.Reader) {
	sc := bufio.NewScanner(stderr)
	for sc.Scan() {
		s.logger.Debug("agent: pi stderr", "session_id", s.id, "line", sc.Text())
	}
}

func (s *piSession) send(cmd piCommand) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.enc.Encode(cmd); err != nil {
		return fmt.Errorf("pi session %s: send %s: %w", s.id, cmd.Type, err)
	}
	return nil
}

func (s *piSession) Prompt(_ context.Context, text string, images []Image) error {
	return s.send(piCommand{Type: "prompt", Text: text, Images: images})
}

func (s *piSession) FollowUp(_ context.Context, text string, images []Image) error {
	return s.send(piCommand{Type: "follow_up", Text: text, Images: images})
}

func (s *piSession) Steer(_ context.Context, text string, images []Image) error {
	return s.send(piCommand{Type: "steer", Text: text, Images: images})
}

func (s *piSession) SetModel(_ context.Context, provider, modelID string) error {
	if err := s.send(piCommand{Type: "set_model", Provider: provider, Model: modelID}); err != nil {
		return err
	}
	s.mu.Lock()
	s.provider, s.model = provider, modelID
	s.mu.Unlock()
	return nil
}

func (s *piSession) SetThinkingLevel(_ context.Context, level string) error {
	if err := s.send(piCommand{Type: "set_thinking_level", Level: level}); err != nil {
		return err
	}
	s.mu.Lock()
	s.thinking = level
	s.mu.Unlock()
	return nil
}

func (s *piSession) Abort() error {
	return s.send(piCommand{Type: "abort"})
}

func (s *piSession) Share(ctx context.Context) (ShareResult, error) {
	if err := s.send(piCommand{Type: "share"}); err != nil {
		return ShareResult{}, err
	}
	select {
	case res := <-s.shareCh:
		return res, nil
	case <-s.procDone:
		return ShareResult{}, fmt.Errorf("pi session %s: agent exited before share result", s.id)
	case <-ctx.Done():
		return ShareResult{}, ctx.Err()
	}
}

func (s *piSession) Subscribe(fn func(Event)) func() {
	return s.bc.subscribe(fn)
}

func (s *piSession) State() RuntimeState {
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

// Close asks the child to shut down, then kills it after the grace period.
func (s *piSession) Close() error {
	s.closeOnce.Do(func() {
		_ = s.send(piCommand{Type: "shutdown"})
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		_ = s.stdin.Close()

		select {
		case <-s.procDone:
		case <-time.After(piShutdownTimeout):
			_ = s.cmd.Process.Kill()
			<-s.procDone
			s.logger.Warn("agent: pi session killed",
				"session_id", s.id, "timeout", piShutdownTimeout, "exit_code", piKilledExitCode)
			s.closeErr = fmt.Errorf("pi session %s: killed after %s: exit code %d",
				s.id, piShutdownTimeout, piKilledExitCode)
			return
		}
		if s.waitErr != nil {
			s.closeErr = fmt.Errorf("pi session %s: %w", s.id, s.waitErr)
		}
	})
	return s.closeErr
}
