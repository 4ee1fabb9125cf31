// Package server exposes the HTTP and WebSocket API: sessions and
// streaming chat turns, knowledge bases and document ingestion, group
// chat, model capability records, and queue introspection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/parleyhq/parley/internal/capability"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/groupchat"
	"github.com/parleyhq/parley/internal/hub"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/rag/ingest"
	"github.com/parleyhq/parley/internal/rag/retriever"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/taskqueue"
	"github.com/parleyhq/parley/internal/tools"
)

// Server wires the HTTP API to the subsystems.
type Server struct {
	cfg       *config.Config
	store     store.Store
	queue     *taskqueue.Queue
	retriever *retriever.Retriever
	stores    *ingest.Stores
	orch      *orchestrator.Orchestrator
	engine    *groupchat.Engine
	hub       *hub.Hub
	caps      *capability.Cache
	runtime   tools.Client
	logger    *slog.Logger

	httpServer *http.Server
}

// Deps carries the subsystems the server fronts.
type Deps struct {
	Config    *config.Config
	Store     store.Store
	Queue     *taskqueue.Queue
	Retriever *retriever.Retriever
	Stores    *ingest.Stores
	Orch      *orchestrator.Orchestrator
	Engine    *groupchat.Engine
	Hub       *hub.Hub
	Caps      *capability.Cache
	Runtime   tools.Client
	Logger    *slog.Logger
}

func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       d.Config,
		store:     d.Store,
		queue:     d.Queue,
		retriever: d.Retriever,
		stores:    d.Stores,
		orch:      d.Orch,
		engine:    d.Engine,
		hub:       d.Hub,
		caps:      d.Caps,
		runtime:   d.Runtime,
		logger:    logger.With("component", "http"),
	}
}

// Routes builds the API mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("PUT /api/sessions/{id}", s.handleUpdateSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /api/sessions/{id}/chat", s.handleChat)
	mux.HandleFunc("POST /api/sessions/{id}/cancel", s.handleCancelChat)
	mux.HandleFunc("GET /ws/sessions/{id}", s.handleSessionWS)

	mux.HandleFunc("POST /api/knowledge", s.handleCreateKB)
	mux.HandleFunc("GET /api/knowledge", s.handleListKBs)
	mux.HandleFunc("GET /api/knowledge/{id}", s.handleGetKB)
	mux.HandleFunc("DELETE /api/knowledge/{id}", s.handleDeleteKB)
	mux.HandleFunc("POST /api/knowledge/{id}/documents", s.handleUploadDocument)
	mux.HandleFunc("GET /api/knowledge/{id}/documents", s.handleListDocuments)
	mux.HandleFunc("DELETE /api/documents/{id}", s.handleDeleteDocument)
	mux.HandleFunc("POST /api/search", s.handleSearch)

	mux.HandleFunc("GET /api/tasks/{id}", s.handleTaskStatus)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleTaskCancel)
	mux.HandleFunc("GET /api/queue/stats", s.handleQueueStats)

	mux.HandleFunc("POST /api/groups", s.handleCreateGroup)
	mux.HandleFunc("GET /api/groups", s.handleListGroupInfo)
	mux.HandleFunc("GET /api/groups/{id}", s.handleGetGroup)
	mux.HandleFunc("DELETE /api/groups/{id}", s.handleDeleteGroup)
	mux.HandleFunc("PUT /api/groups/{id}/members/{memberID}", s.handleUpsertMember)
	mux.HandleFunc("DELETE /api/groups/{id}/members/{memberID}", s.handleRemoveMember)
	mux.HandleFunc("GET /api/groups/{id}/messages", s.handleGroupMessages)
	mux.HandleFunc("POST /api/groups/{id}/messages", s.handlePostGroupMessage)
	mux.HandleFunc("POST /api/groups/{id}/stop", s.handleGroupStop)
	mux.HandleFunc("POST /api/groups/{id}/resume", s.handleGroupResume)
	mux.HandleFunc("GET /ws/groups/{id}", s.handleGroupWS)

	mux.HandleFunc("GET /api/models/capabilities", s.handleListCapabilities)
	mux.HandleFunc("POST /api/models/{name}/supported", s.handleMarkSupported)

	return mux
}

// Run serves the API until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.HTTPPort)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.logger.Info("starting http server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain sentinels onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, taskqueue.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, taskqueue.ErrQueueFull), errors.Is(err, orchestrator.ErrTooManySessions):
		status = http.StatusTooManyRequests
	case errors.Is(err, tools.ErrInvalidArguments), errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		status = 499 // client closed request
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, errBadRequest)...)
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("decode body: %v", err)
	}
	return nil
}
