// Package api serves the notification ingress and the operational
// endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/metrics"
)

// Check reports whether one dependency is reachable.
type Check func(ctx context.Context) error

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Checks    map[string]string      `json:"checks"`
	Breakers  []circuitbreaker.Stats `json:"breakers,omitempty"`
	Directory string                 `json:"directory_breaker,omitempty"`
}

// Handler holds dependencies for the HTTP endpoints
type Handler struct {
	logger        *zap.Logger
	notifications Notifications
	checks        map[string]Check
	breakers      []*circuitbreaker.CircuitBreaker
	directory     func() string
	timeout       time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithCheck adds a dependency check reported under name.
func WithCheck(name string, c Check) Option {
	return func(h *Handler) { h.checks[name] = c }
}

// WithBreaker reports b's statistics on /health.
func WithBreaker(b *circuitbreaker.CircuitBreaker) Option {
	return func(h *Handler) { h.breakers = append(h.breakers, b) }
}

// WithDirectoryBreaker reports the directory breaker state on /health.
func WithDirectoryBreaker(state func() string) Option {
	return func(h *Handler) { h.directory = state }
}

// NewHandler creates a new ops handler
func NewHandler(logger *zap.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		logger:  logger,
		checks:  map[string]Check{},
		timeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router returns the HTTP router. The /v1/notifications routes are only
// mounted when WithNotifications was given.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(h.logRequests)

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())
	if h.notifications != nil {
		r.Route("/v1/notifications", h.notificationRoutes)
	}
	return r
}

// Health handles GET /health. It answers 503 when any dependency check
// fails. An open breaker is reported but does not fail the check.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	code := http.StatusOK

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	for _, b := range h.breakers {
		resp.Breakers = append(resp.Breakers, b.Stats())
	}
	if h.directory != nil {
		resp.Directory = h.directory()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		h.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
