package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"worldgate/pkg/platform/middleware/auth"
	"worldgate/pkg/platform/middleware/metadata"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Handler is the thin HTTP layer over the identity resolver.
type Handler struct {
	resolver      auth.ProfileResolver
	logger        *slog.Logger
	checks        map[string]HealthCheck
	checkTimeout  time.Duration
	metricsHandle http.Handler
}

// Option configures a Handler.
type Option func(*Handler)

// WithHealthCheck adds a named dependency probe to /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(h *Handler) { h.checks[name] = check }
}

// WithMetricsHandler mounts the Prometheus handler at /metrics.
func WithMetricsHandler(handler http.Handler) Option {
	return func(h *Handler) { h.metricsHandle = handler }
}

func NewHandler(resolver auth.ProfileResolver, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		resolver:     resolver,
		logger:       logger,
		checks:       make(map[string]HealthCheck),
		checkTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewRouter wires the public endpoints.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(metadata.ClientMetadata)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	if h.metricsHandle != nil {
		r.Handle("/metrics", h.metricsHandle)
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(h.resolver, h.logger))
		r.Get("/users/@me", h.handleMe)
	})
	return r
}

// handleMe returns the caller's profile in the same shape the federated identity
// provider serves.
func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	profile, ok := auth.GetProfile(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), h.checkTimeout)
		err := h.checks[name](ctx)
		cancel()
		if err != nil {
			status = http.StatusServiceUnavailable
			results[name] = "unavailable"
			h.logger.WarnContext(r.Context(), "health check failed",
				"dependency", name,
				"error", err,
				"request_id", middleware.GetReqID(r.Context()),
			)
			continue
		}
		results[name] = "ok"
	}

	body := map[string]any{"status": "ok", "dependencies": results}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
