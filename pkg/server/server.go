// Package server exposes the coordinator over HTTP and streams progress
// over WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/zen-systems/switchboard/pkg/coordinator"
	"github.com/zen-systems/switchboard/pkg/evidence"
	"github.com/zen-systems/switchboard/pkg/task"
	"golang.org/x/sync/errgroup"
)

// maxBodyBytes caps a generate request body.
const maxBodyBytes = 1 << 20

// DefaultShutdownTimeout bounds graceful shutdown.
const DefaultShutdownTimeout = 10 * time.Second

// Server serves the generation API.
type Server struct {
	coord           *coordinator.Coordinator
	hub             *Hub
	logger          zerolog.Logger
	shutdownTimeout time.Duration
	mux             *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// New creates a server. The hub should also be installed as the
// coordinator's progress sink so clients see live milestones.
func New(coord *coordinator.Coordinator, hub *Hub, opts ...Option) *Server {
	s := &Server{
		coord:           coord,
		hub:             hub,
		logger:          zerolog.Nop(),
		shutdownTimeout: DefaultShutdownTimeout,
		mux:             http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/generate", s.handleGenerate)
	s.mux.HandleFunc("GET /v1/models", s.handleModels)
	s.mux.HandleFunc("GET /v1/routes", s.handleRoutes)
	s.mux.HandleFunc("GET /v1/task-types", s.handleTaskTypes)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.hub != nil {
		s.mux.HandleFunc("GET /v1/ws", s.hub.ServeWS)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if s.hub != nil {
			s.hub.Close()
		}
		s.logger.Info().Msg("server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req coordinator.Request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	res, err := s.coord.Handle(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, coordinator.ErrEmptyPrompt), errors.Is(err, task.ErrUnknownType), errors.Is(err, evidence.ErrInvalidID):
			status = http.StatusBadRequest
		case errors.Is(err, evidence.ErrDuplicateID):
			status = http.StatusConflict
		}
		s.writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"models": s.coord.Registry().Status()})
}

func (s *Server) handleRoutes(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"routes": s.coord.Policy().Routes()})
}

func (s *Server) handleTaskTypes(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"task_types": task.All()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	available := 0
	for _, st := range s.coord.Registry().Status() {
		if st.Available {
			available++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"backends":  s.coord.Registry().Len(),
		"available": available,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("failed to write response")
	}
}
