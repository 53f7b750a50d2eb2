package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rankwell/siteaudit/internal/audit"
	"github.com/rankwell/siteaudit/internal/jobs"
	"github.com/rankwell/siteaudit/internal/middleware"
)

const defaultRequestTimeout = 60 * time.Second

// JobQueue is the queue surface the API needs.
type JobQueue interface {
	Add(jobType string, payload any) (jobs.Job, error)
	Get(id string) (jobs.Job, bool)
}

// Canceler requests cooperative cancellation of a running audit.
type Canceler interface {
	Cancel(ctx context.Context, auditID string) error
}

// Pinger reports whether a dependency is reachable; readyz uses it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config carries the HTTP-surface settings.
type Config struct {
	// RequestTimeout bounds each request end to end.
	RequestTimeout time.Duration
	// APIKey enables static key auth when non-empty.
	APIKey string
	// RunHour anchors newly created schedules (UTC hour of day).
	RunHour int
	// CrawlDefaults fill unset audit options.
	CrawlDefaults audit.CrawlOptions
}

// Server wires HTTP handlers to the stores, queue, and engine.
type Server struct {
	router    chi.Router
	store     audit.Store
	schedules audit.ScheduleStore
	queue     JobQueue
	canceler  Canceler
	readiness Pinger
	clock     audit.Clock
	ids       audit.IDGenerator
	cfg       Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The
// registry backs /metrics and the HTTP metrics middleware; it may be
// nil when metrics are not wanted (tests).
func NewServer(
	store audit.Store,
	schedules audit.ScheduleStore,
	queue JobQueue,
	canceler Canceler,
	readiness Pinger,
	registry *prometheus.Registry,
	clock audit.Clock,
	ids audit.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		store:     store,
		schedules: schedules,
		queue:     queue,
		canceler:  canceler,
		readiness: readiness,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
		logger:    logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	if registry != nil {
		r.Use(middleware.Metrics(registry))
	}
	r.Use(timeoutMiddleware(cfg.RequestTimeout))
	if cfg.APIKey != "" {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/audits", func(r chi.Router) {
			r.Post("/", s.createAudit)
			r.Get("/", s.listAudits)
			r.Route("/{audit_id}", func(r chi.Router) {
				r.Get("/", s.getAudit)
				r.Get("/pages", s.listAuditPages)
				r.Post("/cancel", s.cancelAudit)
			})
		})
		r.Route("/schedules", func(r chi.Router) {
			r.Post("/", s.createSchedule)
			r.Get("/", s.listSchedules)
			r.Route("/{schedule_id}", func(r chi.Router) {
				r.Get("/", s.getSchedule)
				r.Put("/", s.updateSchedule)
				r.Delete("/", s.deleteSchedule)
			})
		})
		r.Get("/jobs/{job_id}", s.getJob)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.readiness != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.readiness.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "store unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
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
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
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
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
