// Package api is the HTTP boundary: it decodes execution requests,
// invokes the scheduler, and serves health and metrics snapshots.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/p-arndt/scriptexecd/internal/metrics"
	"github.com/p-arndt/scriptexecd/internal/scheduler"
)

type Server struct {
	logger  *slog.Logger
	metrics *metrics.Aggregator
	mux     *http.ServeMux

	ready        atomic.Bool
	shuttingDown atomic.Bool

	scheduler *scheduler.Scheduler
}

func NewServer(sched *scheduler.Scheduler, m *metrics.Aggregator, logger *slog.Logger) *Server {
	s := &Server{
		logger:    logger,
		metrics:   m,
		mux:       http.NewServeMux(),
		scheduler: sched,
	}
	s.ready.Store(true)
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.requestIDMiddleware(s.mux)
}

// BeginShutdown marks the server as draining; new /execute requests
// receive 503 immediately instead of being dispatched.
func (s *Server) BeginShutdown() {
	s.shuttingDown.Store(true)
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /execute", s.handleExecute)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
