package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SetupRoutes wires the full backend surface. wsHandler serves the signaling
// socket; it is passed in so the router does not depend on the ws package.
func (a *API) SetupRoutes(wsHandler http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Public routes. Both socket endpoints use the same handler; clients on
	// /matchmaking authenticate with a first frame instead of a query param.
	r.Post("/auth/register", a.Register)
	r.Post("/auth/login", a.Login)
	r.Get("/healthz", Healthz)
	r.Get("/ws", wsHandler)
	r.Get("/matchmaking", wsHandler)
	r.Get("/matchmaking/status", a.QueueInfo)

	// Authenticated routes
	r.Post("/sync", a.requireAuth(a.Sync))
	r.Post("/matchmaking/join", a.requireAuth(a.JoinQueue))
	r.Post("/matchmaking/leave", a.requireAuth(a.LeaveQueue))

	// Game server webhooks
	r.Post("/webhooks/server-ready", a.ServerReady)
	r.Post("/webhooks/match-complete", a.MatchComplete)

	return r
}
