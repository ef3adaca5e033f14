package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"log/slog"
)

// NewRouter returns a configured chi.Router for the control-plane API.
//
// Route layout:
//
//	POST /auth/verify           – token introspection (no authentication)
//	GET  /health/live           – liveness probe (no authentication)
//	GET  /health/ready          – service-by-service readiness (no authentication)
//	GET  /metrics               – Prometheus text exposition (no authentication)
//	POST /agents/{id}/execute   – submit a command to an agent (JWT required)
//	GET  /agents/{id}/status    – live + persisted agent view (JWT required)
//	GET  /commands              – paginated command history (JWT required)
//	GET  /presets               – saved command presets (JWT required)
func NewRouter(srv *Server, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Unauthenticated surface.
	r.Post("/auth/verify", srv.handleAuthVerify)
	r.Get("/health/live", srv.handleHealthLive)
	r.Get("/health/ready", srv.handleHealthReady)
	r.Method(http.MethodGet, "/metrics", srv.metrics.Handler())

	// Authenticated API routes.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(srv.verifier, logger))

		r.Post("/agents/{id}/execute", srv.handleExecute)
		r.Get("/agents/{id}/status", srv.handleAgentStatus)
		r.Get("/commands", srv.handleListCommands)
		r.Get("/presets", srv.handleListPresets)
	})

	return r
}
