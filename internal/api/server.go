// Package api exposes the HTTP interface for the analysis service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pagelens/pagelens/internal/config"
	"github.com/pagelens/pagelens/internal/metrics"
	"github.com/pagelens/pagelens/internal/orchestrator"
	"github.com/pagelens/pagelens/internal/pipeline"
)

// workspaceHeader carries the caller's workspace identity. Authentication of
// that identity happens upstream; the service only enforces isolation.
const workspaceHeader = "X-Workspace-ID"

// Server wires HTTP handlers to the orchestrator and stores.
type Server struct {
	router  chi.Router
	orch    *orchestrator.Orchestrator
	bundles pipeline.BundleStore
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(orch *orchestrator.Orchestrator, bundles pipeline.BundleStore, cfg config.Config, logger *zap.Logger) *Server {
	s := &Server{
		orch:    orch,
		bundles: bundles,
		cfg:     cfg,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJobStatus)
				r.Get("/report", s.getJobReport)
			})
		})
		r.Get("/analyzers", s.listAnalyzers)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitJobRequest struct {
	URL       string   `json:"url"`
	Analyzers []string `json:"analyzers"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := s.workspace(w, r)
	if !ok {
		return
	}
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	jobID, err := s.orch.CreateJob(r.Context(), workspaceID, req.URL, req.Analyzers)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidRequest) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("job submission failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "job submission failed")
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := s.workspace(w, r)
	if !ok {
		return
	}
	jobID := chi.URLParam(r, "job_id")
	status, err := s.orch.GetJobStatus(r.Context(), workspaceID, jobID)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("job status lookup failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "job status lookup failed")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, status)
}

func (s *Server) getJobReport(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := s.workspace(w, r)
	if !ok {
		return
	}
	jobID := chi.URLParam(r, "job_id")
	// Verify the job exists in this workspace before touching the bundle
	// namespace, so foreign job IDs read as missing.
	if _, err := s.orch.GetJobStatus(r.Context(), workspaceID, jobID); err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("job lookup failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	ref := pipeline.BundleRef{WorkspaceID: workspaceID, JobID: jobID}
	report, err := s.bundles.GetReport(r.Context(), ref)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "report not available yet")
		case errors.Is(err, pipeline.ErrWorkspaceMismatch):
			s.writeError(w, http.StatusNotFound, "job not found")
		default:
			s.logger.Error("report fetch failed", zap.String("job_id", jobID), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "report fetch failed")
		}
		return
	}
	writeJSON(s.logger, w, http.StatusOK, report)
}

func (s *Server) listAnalyzers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string][]string{"analyzers": s.orch.AnalyzerTypes()})
}

func (s *Server) workspace(w http.ResponseWriter, r *http.Request) (string, bool) {
	workspaceID := strings.TrimSpace(r.Header.Get(workspaceHeader))
	if workspaceID == "" {
		s.writeError(w, http.StatusBadRequest, "missing "+workspaceHeader+" header")
		return "", false
	}
	return workspaceID, true
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(s.logger, w, status, map[string]string{"error": msg})
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeJSON(logger, w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
