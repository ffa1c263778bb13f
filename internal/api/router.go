package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"datapilot/internal/middleware"
)

// RouterConfig holds what the router needs besides the handler.
type RouterConfig struct {
	// Authenticate resolves the caller identity. Required.
	Authenticate func(http.Handler) http.Handler
	// RateLimit is applied to every route when set.
	RateLimit func(http.Handler) http.Handler
	// Metrics is mounted at /metrics when set.
	Metrics        http.Handler
	AllowedOrigins []string
	// Ready reports whether the database of record is reachable.
	Ready func(ctx context.Context) error
}

// NewRouter mounts the public and authenticated routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if cfg.RateLimit != nil {
		r.Use(cfg.RateLimit)
	}

	r.Get("/healthz", health(cfg.Ready))
	r.Get("/openapi.json", serveOpenAPI)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(cfg.Authenticate)

		r.Route("/connections", func(r chi.Router) {
			r.Post("/test", h.testConnection)
			r.Post("/", h.createConnection)
			r.Get("/", h.listConnections)
			r.Get("/{id}", h.getConnection)
			r.Patch("/{id}", h.updateConnection)
			r.Delete("/{id}", h.deleteConnection)
			r.Post("/{id}/test", h.retestConnection)
		})

		r.Route("/queries", func(r chi.Router) {
			r.Post("/execute", h.executeQuery)
			r.Get("/", h.listQueries)
			r.Get("/{id}", h.getQuery)
			r.Delete("/{id}", h.deleteQuery)
			r.Post("/{id}/save", h.saveQuery)
			r.Post("/{id}/rerun", h.rerunQuery)
		})

		r.Post("/sql/validate", h.validateSQL)
	})
	return r
}

func health(ready func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
