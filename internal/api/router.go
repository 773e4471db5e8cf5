package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/starford/snaparchive/internal/archive"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *archive.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Exports and ingestion.
	r.Get("/exports", h.ListExports)
	r.Post("/detect", h.DetectExports)
	r.Route("/exports/{id}", func(r chi.Router) {
		r.Post("/ingest", h.StartIngestion)
		r.Post("/reimport", h.Reimport)
		r.Get("/report", h.ValidationReport)
		r.Get("/result", h.IngestionResult)
	})
	r.Post("/reset", h.Reset)

	// Jobs.
	r.Get("/jobs", h.ListJobs)
	r.Get("/jobs/{id}", h.GetJob)
	r.Post("/jobs/{id}/cancel", h.CancelJob)

	// Conversations.
	r.Get("/conversations", h.ListConversations)
	r.Route("/conversations/{id}", func(r chi.Router) {
		r.Get("/", h.GetConversation)
		r.Get("/events", h.EventsPage)
		r.Get("/dates", h.ActivityDates)
		r.Get("/index", h.EventIndexAt)
		r.Get("/export", h.ExportConversation)
	})
	r.Get("/events/{id}", h.GetEvent)

	// Queries.
	r.Get("/search", h.Search)
	r.Get("/media", h.ListMedia)
	r.Get("/people", h.ListPeople)
	r.Get("/stats", h.Stats)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
