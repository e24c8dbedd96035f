// Package api exposes the HTTP interface for the crawl service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
	"github.com/JakeFAU/crawl-ingest/internal/metrics"
)

const maxRequestBody = 1 << 20

// Options tunes the HTTP server.
type Options struct {
	// RequestTimeout bounds every handler. Zero selects 60s.
	RequestTimeout time.Duration
	// Version is reported by the service index.
	Version string
}

// Server wires HTTP handlers to the Service.
type Server struct {
	router chi.Router
	svc    *Service
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc *Service, opts Options, logger *zap.Logger) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	s := &Server{svc: svc, opts: opts, logger: logger}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/", s.index)
	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/scrape", s.submitJob)
		r.Get("/task/{job_id}", s.getJobStatus)
		r.Get("/quotes", s.listRecords)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) index(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Crawl Ingest API",
		"version": s.opts.Version,
		"endpoints": map[string]string{
			"trigger_crawl": "/api/scrape",
			"get_quotes":    "/api/quotes",
			"task_status":   "/api/task/{job_id}",
			"health":        "/health",
			"metrics":       "/metrics",
		},
	})
}

type scrapeRequest struct {
	TargetName *string `json:"target_name"`
}

type scrapeResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	target := s.svc.DefaultTarget()
	if req.TargetName != nil {
		target = *req.TargetName
	}

	job, err := s.svc.SubmitJob(r.Context(), target)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, scrapeResponse{
		JobID:   job.ID,
		Status:  "queued",
		Message: "target " + job.TargetName + " queued for execution",
	})
}

type runningMeta struct {
	Status    string     `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

type taskResponse struct {
	crawler.Job
	Meta *runningMeta `json:"meta,omitempty"`
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.svc.GetJobStatus(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, statusFor(err), err.Error())
		return
	}
	resp := taskResponse{Job: job}
	if job.State == crawler.JobStateRunning {
		resp.Meta = &runningMeta{Status: "running", StartedAt: job.StartedAt}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", s.svc.DefaultLimit())
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}
	page, err := s.svc.ListRecords(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list records failed", zap.Error(err))
		writeError(w, statusFor(err), "failed to fetch records")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h := s.svc.HealthCheck(r.Context())
	if !h.Healthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  h.Detail,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "healthy",
		"database": "connected",
	})
}

// queryInt parses key from the query string, returning def when the key is
// absent or empty.
func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, crawler.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, crawler.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
