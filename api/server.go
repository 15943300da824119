/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:          Request logging
  2. Recoverer:       Panic recovery (500 instead of crash)
  3. RequestID:       Unique ID per request for tracing
  4. CORS:            Cross-origin requests for the treasury frontend
  5. RequireIdentity: Caller identity for tenant isolation (banking group)

ROUTE GROUPS:
  /api/banking/*   Bank connection linking, sync, reconciliation

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Identity middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", identityHeader},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api/banking", func(r chi.Router) {
		r.Use(RequireIdentity)

		r.Post("/link-token", h.CreateLinkToken)
		r.Post("/exchange", h.ExchangeToken)
		r.Post("/sync-all", h.SyncAll)
		r.Post("/reconcile", h.Reconcile)

		r.Route("/connections", func(r chi.Router) {
			r.Get("/", h.ListConnections)
			r.Post("/{id}/sync", h.SyncConnection)
			r.Get("/{id}/history", h.ListHistory)
			r.Delete("/{id}", h.DeactivateConnection)
		})
	})

	return r
}
