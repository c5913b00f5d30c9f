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
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
	"github.com/JakeFAU/novel-batch-crawler/internal/intake"
	"github.com/JakeFAU/novel-batch-crawler/internal/logging"
	"github.com/JakeFAU/novel-batch-crawler/internal/metrics"
)

// Config controls the HTTP surface.
type Config struct {
	// APIKey, when set, is required on every /jobs request.
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the job store and the intake path.
type Server struct {
	router   chi.Router
	jobStore crawler.JobStore
	enqueuer intake.Enqueuer
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. Submissions go
// through enqueuer so the dispatcher wakes immediately.
func NewServer(jobStore crawler.JobStore, enqueuer intake.Enqueuer, cfg Config, logger *zap.Logger) *Server {
	s := &Server{
		jobStore: jobStore,
		enqueuer: enqueuer,
		logger:   logging.OrNop(logger).Named("api"),
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/", s.listJobs)
		r.Post("/", s.submitJobs)
		r.Get("/completed", s.isCompleted)
	})

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

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.jobStore.PendingSnapshot(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type jobsResponse struct {
	Pending  []crawler.Job `json:"pending"`
	Failures []crawler.Job `json:"failures"`
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	pending, err := s.jobStore.PendingSnapshot(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list pending jobs")
		return
	}
	failures, err := s.jobStore.Failures(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list failures")
		return
	}
	s.writeJSON(w, http.StatusOK, jobsResponse{Pending: pending, Failures: failures})
}

func (s *Server) submitJobs(w http.ResponseWriter, r *http.Request) {
	var req intake.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := intake.Submit(r.Context(), s.enqueuer, req)
	if err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status := http.StatusInternalServerError
		if errors.Is(err, crawler.ErrStoreLocked) {
			status = http.StatusConflict
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) isCompleted(w http.ResponseWriter, r *http.Request) {
	id, err := crawler.NormalizeURL(r.URL.Query().Get("url"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	done, err := s.jobStore.IsCompleted(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to check completed index")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "completed": done})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
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

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"}, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, payload, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.OrNop(logger).Error("write JSON failed", zap.Error(err))
	}
}
