// Package dashboard is the read-only HTTP projection of a running world:
// state snapshot, event tail, health. It never mutates anything.
package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BrianMills2718/agent-ecology3/pkg/sim"
	"github.com/BrianMills2718/agent-ecology3/pkg/world"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 2000
	stateEventLimit   = 150
)

// Server serves the dashboard API over a world and (optionally) a runner.
type Server struct {
	world  *world.World
	runner *sim.Runner
	logger *slog.Logger
}

// NewServer creates a dashboard server. runner may be nil (log-replay or
// kernel-only deployments); /api/state then reports no runner block.
func NewServer(w *world.World, r *sim.Runner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{world: w, runner: r, logger: logger}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{"ok": true, "run_id": s.world.RunID()})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	state := s.world.StateSummary(stateEventLimit)
	if s.runner != nil {
		state["runner"] = s.runner.Status()
	} else {
		state["runner"] = nil
	}
	s.writeJSON(w, state)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			w.WriteHeader(http.StatusBadRequest)
			s.writeJSON(w, map[string]any{"success": false, "error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	events := s.world.Events().Recent(limit)
	s.writeJSON(w, map[string]any{
		"success": true,
		"events":  events,
		"count":   len(events),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("dashboard response write failed", "error", err)
	}
}

// ListenAndServe runs the API until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("dashboard listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
