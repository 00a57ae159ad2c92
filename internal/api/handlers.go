package api

import (
	"net/http"

	"github.com/p-arndt/scriptexecd/internal/engine"
	"github.com/p-arndt/scriptexecd/internal/scheduler"
)

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		writeAPIError(w, engine.ErrServiceShuttingDown)
		return
	}

	body, err := decodeExecuteRequest(r)
	if err != nil {
		writeValidationError(w, err.Error())
		return
	}

	s.logger.Info("dispatching execution", "request_id", requestID(r.Context()), "image", body.Image)

	result := s.scheduler.Dispatch(r.Context(), scheduler.Request{
		Script: body.Script,
		Stdin:  body.Stdin,
		Image:  body.Image,
	})

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}
