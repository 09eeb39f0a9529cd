package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/jagc/internal/executor"
	"github.com/nextlevelbuilder/jagc/internal/runs"
)

// Server exposes the coordinator's HTTP API.
type Server struct {
	runs   *runs.Service
	exec   *executor.Executor
	logger *slog.Logger
	http   *http.Server
}

func New(addr string, runSvc *runs.Service, exec *executor.Executor, logger *slog.Logger) *Server {
	s := &Server{
		runs:   runSvc,
		exec:   exec,
		logger: logger,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /v1/messages", s.handlePostMessage)
	mux.HandleFunc("GET /v1/runs/{run_id}", s.handleGetRun)
	mux.HandleFunc("GET /v1/auth/providers", s.handleAuthProviders)
	mux.HandleFunc("GET /v1/threads/{thread_key}/runtime", s.handleThreadRuntime)
	mux.HandleFunc("PUT /v1/threads/{thread_key}/model", s.handleThreadModel)
	mux.HandleFunc("PUT /v1/threads/{thread_key}/thinking", s.handleThreadThinking)
	mux.HandleFunc("POST /v1/threads/{thread_key}/cancel", s.handleThreadCancel)
	mux.HandleFunc("DELETE /v1/threads/{thread_key}/session", s.handleThreadReset)
	mux.HandleFunc("POST /v1/threads/{thread_key}/share", s.handleThreadShare)
	return mux
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("http: listening", "addr", s.http.Addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}
