package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/cardex/internal/cardservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *cardservice.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Cards.
	r.Get("/cards", h.ListCards)
	r.Post("/cards/lookup", h.LookupCard)
	r.Post("/cards/reconcile", h.ReconcileCard)
	r.Get("/cards/{cid}", h.GetCard)

	// Locations and documents.
	r.Delete("/locations", h.RemoveLocation)
	r.Delete("/documents/*", h.RemoveDocument)
	r.Post("/observe/*", h.ObserveDocument)

	// Index maintenance.
	r.Post("/rebuild", h.Rebuild)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
