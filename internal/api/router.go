// Package api wires the HTTP router for the control plane: global
// middleware, CORS, health/version endpoints, and the /api/v1 route tree.
package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/runforge/controlplane/internal/api/handlers"
	"github.com/runforge/controlplane/internal/api/middleware"
	"github.com/runforge/controlplane/internal/config"
	"github.com/runforge/controlplane/pkg/contracts"
)

// NewRouter creates the HTTP router with all API routes. authChain is
// optional; when nil, requests carry no Identity and gate resolution
// records the anonymous actor.
func NewRouter(cfg *config.Config, h *handlers.Handlers, authChain contracts.AuthProviderChain, healthy func() bool) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)

	if authChain != nil {
		authMW := middleware.NewAuthMiddleware(authChain, cfg.Auth.Require)
		r.Use(authMW.Handler)
	}

	corsOrigins := parseCORSOrigins()
	isWildcard := len(corsOrigins) == 1 && corsOrigins[0] == "*"
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Project-Id", "X-Request-Id", "X-API-Key"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: !isWildcard,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler(healthy))
	r.Get("/version", versionHandler(cfg))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.ListRuns)
			r.Post("/", h.CreateRun)
			r.Route("/{runId}", func(r chi.Router) {
				r.Get("/", h.GetRun)
				r.Post("/cancel", h.CancelRun)
				r.Post("/rollback", h.Rollback)
				r.Get("/steps", h.ListSteps)
				r.Get("/gates", h.ListGates)
				r.Get("/events", h.ListEvents)
				r.Get("/events/stream", h.StreamEvents)
				r.Get("/snapshot", h.Snapshot)
			})
		})

		r.Route("/gates/{gateId}", func(r chi.Router) {
			r.Post("/approve", h.ApproveGate)
			r.Post("/waive", h.WaiveGate)
			r.Post("/fail", h.FailGate)
		})

		r.Route("/queue/{topic}", func(r chi.Router) {
			r.Get("/stats", h.QueueStats)
			r.Get("/dlq", h.ListDlq)
			r.Post("/dlq/rehydrate", h.RehydrateDlq)
		})
	})

	return r
}

func parseCORSOrigins() []string {
	originsEnv := os.Getenv("CORS_ORIGINS")
	if originsEnv == "" {
		// Default: wildcard (safe with AllowCredentials=false)
		return []string{"*"}
	}

	var origins []string
	for _, o := range strings.Split(originsEnv, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func healthHandler(healthy func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		code := http.StatusOK
		if healthy != nil && !healthy() {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": "controlplane",
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "controlplane",
		})
	}
}
