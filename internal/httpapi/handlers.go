package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/jagc/internal/runs"
	"github.com/nextlevelbuilder/jagc/internal/store"
	"github.com/nextlevelbuilder/jagc/internal/threads"
)

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// messageRequest is the POST /v1/messages payload.
type messageRequest struct {
	Source         string `json:"source"`
	ThreadKey      string `json:"thread_key"`
	UserKey        string `json:"user_key,omitempty"`
	Text           string `json:"text"`
	DeliveryMode   string `json:"delivery_mode,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// runResponse is the uniform run representation.
type runResponse struct {
	RunID  string           `json:"run_id"`
	Status string           `json:"status"`
	Output *store.RunOutput `json:"output"`
	Error  *string          `json:"error"`
}

func toRunResponse(run *store.Run) runResponse {
	resp := runResponse{
		RunID:  run.RunID,
		Status: string(run.Status),
		Output: run.Output,
	}
	if run.ErrorMessage != "" {
		msg := run.ErrorMessage
		resp.Error = &msg
	}
	return resp
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_message_payload", "malformed JSON body: "+err.Error())
		return
	}
	if req.Source == "" || req.ThreadKey == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "invalid_message_payload", "source, thread_key and text are required")
		return
	}

	headerKey := r.Header.Get("Idempotency-Key")
	if headerKey != "" && strings.TrimSpace(headerKey) != headerKey {
		writeError(w, http.StatusBadRequest, "invalid_idempotency_key_header", "idempotency key header has surrounding whitespace")
		return
	}
	idempotencyKey := req.IdempotencyKey
	switch {
	case headerKey != "" && idempotencyKey != "" && headerKey != idempotencyKey:
		writeError(w, http.StatusBadRequest, "idempotency_key_mismatch", "Idempotency-Key header and body disagree")
		return
	case idempotencyKey == "":
		idempotencyKey = headerKey
	}

	run, _, err := s.runs.IngestMessage(r.Context(), runs.IngestParams{
		Source:         req.Source,
		ThreadKey:      req.ThreadKey,
		UserKey:        req.UserKey,
		Text:           req.Text,
		DeliveryMode:   store.DeliveryMode(req.DeliveryMode),
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		switch {
		case errors.Is(err, runs.ErrInvalidDeliveryMode),
			errors.Is(err, runs.ErrInvalidThreadKey),
			errors.Is(err, runs.ErrEmptyText):
			writeError(w, http.StatusBadRequest, "invalid_message_payload", err.Error())
		default:
			s.logger.Error("http: ingest failed", "thread_key", req.ThreadKey, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "message ingestion failed")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, toRunResponse(run))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" || strings.ContainsAny(runID, " \t") {
		writeError(w, http.StatusBadRequest, "invalid_run_id", "run id is empty or malformed")
		return
	}
	run, err := s.runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run_not_found", "no run with id "+runID)
			return
		}
		s.logger.Error("http: loading run failed", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "run lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (s *Server) handleAuthProviders(w http.ResponseWriter, _ *http.Request) {
	// Provider auth lives in the agent's own auth.json; the coordinator
	// has no view into it.
	writeError(w, http.StatusNotImplemented, "auth_unavailable", "provider auth is managed by the agent runner")
}

// threadKey extracts and validates the thread key path segment. Writes
// the error response itself on failure.
func (s *Server) threadKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.PathValue("thread_key")
	if !threads.Valid(key) {
		writeError(w, http.StatusBadRequest, "invalid_thread_key", "thread key is empty or malformed")
		return "", false
	}
	return key, true
}

type runtimeResponse struct {
	ThreadKey     string `json:"thread_key"`
	SessionID     string `json:"session_id,omitempty"`
	Provider      string `json:"provider,omitempty"`
	Model         string `json:"model,omitempty"`
	ThinkingLevel string `json:"thinking_level,omitempty"`
	Streaming     bool   `json:"streaming"`
}

func (s *Server) writeRuntime(w http.ResponseWriter, r *http.Request, threadKey string) {
	state, err := s.exec.GetThreadRuntimeState(r.Context(), threadKey)
	if err != nil {
		s.logger.Error("http: runtime state failed", "thread_key", threadKey, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "runtime state lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, runtimeResponse{
		ThreadKey:     threadKey,
		SessionID:     state.SessionID,
		Provider:      state.Provider,
		Model:         state.Model,
		ThinkingLevel: state.ThinkingLevel,
		Streaming:     state.Streaming,
	})
}

func (s *Server) handleThreadRuntime(w http.ResponseWriter, r *http.Request) {
	if s.exec == nil {
		writeError(w, http.StatusNotImplemented, "thread_control_unavailable", "no executor configured")
		return
	}
	key, ok := s.threadKey(w, r)
	if !ok {
		return
	}
	s.writeRuntime(w, r, key)
}

func (s *Server) handleThreadModel(w http.ResponseWriter, r *http.Request) {
	key, ok := s.threadKey(w, r)
	if !ok {
		return
	}
	var req struct {
		Provider string `json:"provider"`
		ModelID  string `json:"model_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Provider == "" || req.ModelID == "" {
		writeError(w, http.StatusBadRequest, "invalid_model_payload", "provider and model_id are required")
		return
	}
	if _, err := s.exec.SetThreadModel(r.Context(), key, req.Provider, req.ModelID); err != nil {
		writeError(w, http.StatusBadRequest, "thread_model_error", err.Error())
		return
	}
	s.writeRuntime(w, r, key)
}

func (s *Server) handleThreadThinking(w http.ResponseWriter, r *http.Request) {
	key, ok := s.threadKey(w, r)
	if !ok {
		return
	}
	var req struct {
		ThinkingLevel string `json:"thinking_level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ThinkingLevel == "" {
		writeError(w, http.StatusBadRequest, "invalid_thinking_payload", "thinking_level is required")
		return
	}
	if _, err := s.exec.SetThreadThinkingLevel(r.Context(), key, req.ThinkingLevel); err != nil {
		writeError(w, http.StatusBadRequest, "thread_thinking_error", err.Error())
		return
	}
	s.writeRuntime(w, r, key)
}

func (s *Server) handleThreadCancel(w http.ResponseWriter, r *http.Request) {
	key, ok := s.threadKey(w, r)
	if !ok {
		return
	}
	cancelled, err := s.exec.CancelThreadRun(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusBadRequest, "thread_run_cancel_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread_key": key, "cancelled": cancelled})
}

func (s *Server) handleThreadReset(w http.ResponseWriter, r *http.Request) {
	key, ok := s.threadKey(w, r)
	if !ok {
		return
	}
	if err := s.exec.ResetThreadSession(r.Context(), key); err != nil {
		writeError(w, http.StatusBadRequest, "thread_session_reset_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread_key": key, "reset": true})
}

func (s *Server) handleThreadShare(w http.ResponseWriter, r *http.Request) {
	key, ok := s.threadKey(w, r)
	if !ok {
		return
	}
	res, err := s.exec.ShareThreadSession(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusBadRequest, "thread_session_share_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_key": key,
		"gist_url":   res.GistURL,
		"share_url":  res.ShareURL,
	})
}
