// Package api exposes the HTTP interface for the crawl scheduler service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ategon/placecrawler/internal/jobs"
	"github.com/ategon/placecrawler/internal/scraper"
)

// Server wires HTTP handlers to the job manager.
type Server struct {
	router   chi.Router
	manager  *jobs.Manager
	logger   *zap.Logger
	defaults Defaults
}

// Defaults fills submission fields the request omits. Bounds cover the
// configured default search area.
type Defaults struct {
	Bounds scraper.Bounds
}

// NewServer constructs a Server with middleware and routes. registry may be
// nil to disable the metrics endpoint.
func NewServer(manager *jobs.Manager, logger *zap.Logger, registry *prometheus.Registry, defaults Defaults) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		manager:  manager,
		logger:   logger,
		defaults: defaults,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(60 * time.Second))

		r.Get("/healthz", s.healthz)
		r.Get("/readyz", s.readyz)
		if registry != nil {
			r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		}

		r.Route("/v1/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.getJobStatus)
				r.Get("/result", s.getJobResult)
				r.Post("/cancel", s.cancelJob)
			})
		})
	})

	// SSE responses stream incrementally; the timeout handler buffers and
	// would hold the stream until it expires.
	r.Get("/v1/jobs/{job_id}/stream", s.streamJob)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// submitRequest is the job submission payload. The four coordinates are the
// corners of the search area.
type submitRequest struct {
	SearchTerm string  `json:"search_term"`
	MinLat     float64 `json:"min_lat"`
	MinLng     float64 `json:"min_lng"`
	MaxLat     float64 `json:"max_lat"`
	MaxLng     float64 `json:"max_lng"`
	GridSize   int     `json:"grid_size"`
	Target     int     `json:"target"`
	Policy     string  `json:"policy"`
	PerCellCap int     `json:"per_cell_cap"`
	Zoom       int     `json:"zoom"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.GridSize == 0 {
		req.GridSize = 4
	}
	if req.Policy == "" {
		req.Policy = string(scraper.PolicyGreedy)
	}
	if req.Zoom == 0 {
		req.Zoom = 15
	}
	bounds := scraper.Bounds{
		MinLat: req.MinLat,
		MinLng: req.MinLng,
		MaxLat: req.MaxLat,
		MaxLng: req.MaxLng,
	}
	if bounds == (scraper.Bounds{}) {
		bounds = s.defaults.Bounds
	}
	cfg := scraper.CampaignConfig{
		SearchTerm: req.SearchTerm,
		Bounds:     bounds,
		GridSize:     req.GridSize,
		GlobalTarget: req.Target,
		Policy:       scraper.Policy(req.Policy),
		PerCellCap:   req.PerCellCap,
		Zoom:         req.Zoom,
	}
	jobID, err := s.manager.Submit(cfg)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrQueueFull):
			s.writeError(w, http.StatusServiceUnavailable, "job queue full")
		case errors.Is(err, jobs.ErrCampaignActive):
			s.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, scraper.ErrInvalidConfig), errors.Is(err, scraper.ErrInvalidBounds):
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": s.manager.List()})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.manager.Status(jobID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.manager.Status(jobID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	records, err := s.manager.Results(r.Context(), jobID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to fetch job results")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job, "records": records})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	switch err := s.manager.Cancel(jobID); {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "cancelling"})
	case errors.Is(err, jobs.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, jobs.ErrNotCancelable):
		s.writeError(w, http.StatusConflict, "job already finished")
	default:
		s.writeError(w, http.StatusInternalServerError, "cancel failed")
	}
}

// streamJob pushes job updates as server-sent events until the job reaches
// a terminal state or the client disconnects.
func (s *Server) streamJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	updates, err := s.manager.Stream(jobID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case upd, open := <-updates:
			if !open {
				return
			}
			payload, err := json.Marshal(upd)
			if err != nil {
				s.logger.Error("marshal stream update", zap.Error(err))
				return
			}
			if _, err := w.Write([]byte("event: progress\ndata: " + string(payload) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

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
					logger.Error("panic recovered", zap.Any("error", rec))
					http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
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

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
