// Package server exposes the import engine over HTTP. The surface is the
// polling protocol a migration frontend drives: start a run, poll it for
// progress and fresh log entries, abort it, plus status and metrics.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/openlistings/dirmigrate/internal/metrics"
	"github.com/openlistings/dirmigrate/internal/pipeline"
	"github.com/openlistings/dirmigrate/pkg/types"
)

// Server routes HTTP requests to the pipeline service.
type Server struct {
	svc       *pipeline.Service
	collector *metrics.Collector
	logger    *slog.Logger
}

// New creates the HTTP layer over svc. collector may be nil, in which case no
// metrics endpoint is mounted.
func New(svc *pipeline.Service, collector *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, collector: collector, logger: logger}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /importers", s.handleImporters)
	mux.HandleFunc("POST /imports/{id}/start", s.handleStart)
	mux.HandleFunc("GET /imports/{id}/poll", s.handlePoll)
	mux.HandleFunc("POST /imports/{id}/abort", s.handleAbort)
	mux.HandleFunc("GET /imports/{id}/status", s.handleStatus)
	if s.collector != nil {
		mux.Handle("GET /metrics", s.collector.Handler())
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleImporters(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"importers": s.svc.Importers()})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	settings := types.Settings{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid settings body")
			return
		}
	}

	resp, err := s.svc.Start(r.Context(), id, settings)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	logsShown := 0
	if raw := r.URL.Query().Get("logs_shown"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "logs_shown must be an integer")
			return
		}
		logsShown = n
	}

	resp, err := s.svc.Poll(r.Context(), id, logsShown)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.Abort(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "abort requested"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	inProgress, err := s.svc.InProgress(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	stats, err := s.svc.Stats(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"in_progress": inProgress,
		"stats":       stats,
	})
}

// writeServiceError maps pipeline errors onto HTTP statuses. Anything not
// recognized is treated as a client-side settings problem, since validation
// is the only error class Start surfaces synchronously in normal operation.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrUnknownImporter):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}
