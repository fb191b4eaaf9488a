package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wellspend/afeguard/internal/metrics"
	"github.com/wellspend/afeguard/pkg/engine"
)

// Runner is one engine invocation. Satisfied by *engine.Engine.
type Runner interface {
	Run(ctx context.Context) engine.Metrics
}

// Server exposes the serve-mode HTTP surface: health, on-demand runs, and
// prometheus metrics.
type Server struct {
	runner     Runner
	mux        *http.ServeMux
	logger     *slog.Logger
	runTimeout time.Duration
	running    atomic.Bool
}

// NewServer creates the HTTP surface around a runner.
func NewServer(runner Runner, runTimeout time.Duration, logger *slog.Logger) *Server {
	s := &Server{
		runner:     runner,
		mux:        http.NewServeMux(),
		logger:     logger,
		runTimeout: runTimeout,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /api/v1/run", s.handleRun)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler returns the HTTP handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleRun triggers one engine run. Concurrent runs are refused: the dedup
// window makes overlap harmless but it is never useful.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !s.running.CompareAndSwap(false, true) {
		http.Error(w, "run already in progress", http.StatusConflict)
		return
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(r.Context(), s.runTimeout)
	defer cancel()

	m := s.runner.Run(ctx)
	metrics.Observe(m)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m)
}

// RunScheduled performs one scheduler-driven run with the configured timeout.
func (s *Server) RunScheduled(parent context.Context) engine.Metrics {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("scheduled run skipped, run already in progress")
		return engine.Metrics{}
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(parent, s.runTimeout)
	defer cancel()

	m := s.runner.Run(ctx)
	metrics.Observe(m)
	return m
}
