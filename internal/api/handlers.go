package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/starford/snaparchive/internal/archive"
	"github.com/starford/snaparchive/internal/models"
)

// Handler holds API route handlers.
type Handler struct {
	svc *archive.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *archive.Service) *Handler {
	return &Handler{svc: svc}
}

func queryInt(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(name))
	return n
}

// ListExports handles GET /api/exports.
//
//	@Summary		List registered exports
//	@Tags			exports
//	@Produce		json
//	@Success		200	{object}	ExportListResponse
//	@Security		BearerAuth
//	@Router			/exports [get]
func (h *Handler) ListExports(w http.ResponseWriter, r *http.Request) {
	sets, err := h.svc.ListExportSets(r.Context())
	if err != nil {
		writeError(w, "list exports", err)
		return
	}
	writeJSON(w, http.StatusOK, ExportListResponse{Exports: sets})
}

// DetectExports handles POST /api/detect.
//
//	@Summary		Detect exports under a file or directory and register them
//	@Tags			exports
//	@Accept			json
//	@Produce		json
//	@Param			body	body		DetectRequest	true	"Path to scan"
//	@Success		200		{object}	ExportListResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/detect [post]
func (h *Handler) DetectExports(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req DetectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	sets, err := h.svc.DetectExports(r.Context(), req.Path)
	if err != nil {
		writeError(w, "detect exports", err)
		return
	}
	writeJSON(w, http.StatusOK, ExportListResponse{Exports: sets})
}

// StartIngestion handles POST /api/exports/{id}/ingest.
//
//	@Summary		Start an ingestion job for an export
//	@Tags			jobs
//	@Produce		json
//	@Param			id	path		string	true	"Export id"
//	@Success		202	{object}	JobSnapshot
//	@Failure		404	{object}	errResponse
//	@Failure		409	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/exports/{id}/ingest [post]
func (h *Handler) StartIngestion(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.StartIngestion(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "start ingestion", err)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

// Reimport handles POST /api/exports/{id}/reimport.
//
//	@Summary		Re-run ingestion; current data stays visible until the new run completes
//	@Tags			jobs
//	@Produce		json
//	@Param			id	path		string	true	"Export id"
//	@Success		202	{object}	JobSnapshot
//	@Failure		404	{object}	errResponse
//	@Failure		409	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/exports/{id}/reimport [post]
func (h *Handler) Reimport(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Reimport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "reimport", err)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

// ValidationReport handles GET /api/exports/{id}/report.
//
//	@Summary		Latest validation report of an export
//	@Tags			exports
//	@Produce		json
//	@Param			id	path		string	true	"Export id"
//	@Success		200	{object}	models.ValidationReport
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/exports/{id}/report [get]
func (h *Handler) ValidationReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.ValidationReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "validation report", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// IngestionResult handles GET /api/exports/{id}/result.
//
//	@Summary		Latest ingestion result of an export
//	@Tags			exports
//	@Produce		json
//	@Param			id	path		string	true	"Export id"
//	@Success		200	{object}	models.IngestionResult
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/exports/{id}/result [get]
func (h *Handler) IngestionResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.IngestionResult(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "ingestion result", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListJobs handles GET /api/jobs.
//
//	@Summary		List ingestion jobs, newest first
//	@Tags			jobs
//	@Produce		json
//	@Success		200	{object}	JobListResponse
//	@Security		BearerAuth
//	@Router			/jobs [get]
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.svc.Jobs(r.Context())
	if jobs == nil {
		jobs = []JobSnapshot{}
	}
	writeJSON(w, http.StatusOK, JobListResponse{Jobs: jobs})
}

// GetJob handles GET /api/jobs/{id}.
//
//	@Summary		Get a job's state and progress
//	@Tags			jobs
//	@Produce		json
//	@Param			id	path		string	true	"Job id"
//	@Success		200	{object}	JobSnapshot
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// CancelJob handles POST /api/jobs/{id}/cancel.
//
//	@Summary		Request cancellation of a running job
//	@Tags			jobs
//	@Produce		json
//	@Param			id	path		string	true	"Job id"
//	@Success		202	{object}	JobSnapshot
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/jobs/{id}/cancel [post]
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.CancelJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "cancel job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

// ListConversations handles GET /api/conversations.
//
//	@Summary		List conversations, most recently active first
//	@Tags			conversations
//	@Produce		json
//	@Success		200	{object}	ConversationListResponse
//	@Security		BearerAuth
//	@Router			/conversations [get]
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.svc.ListConversations(r.Context())
	if err != nil {
		writeError(w, "list conversations", err)
		return
	}
	writeJSON(w, http.StatusOK, ConversationListResponse{Conversations: convs})
}

// GetConversation handles GET /api/conversations/{id}.
//
//	@Summary		Get a conversation
//	@Tags			conversations
//	@Produce		json
//	@Param			id	path		string	true	"Conversation id"
//	@Success		200	{object}	models.Conversation
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/conversations/{id} [get]
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.svc.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// EventsPage handles GET /api/conversations/{id}/events.
//
//	@Summary		One page of a conversation's events in chronological order
//	@Tags			conversations
//	@Produce		json
//	@Param			id		path		string	true	"Conversation id"
//	@Param			cursor	query		string	false	"Opaque cursor from the previous page"
//	@Param			limit	query		int		false	"Page size (1-500)"
//	@Success		200		{object}	models.EventPage
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/conversations/{id}/events [get]
func (h *Handler) EventsPage(w http.ResponseWriter, r *http.Request) {
	page, err := h.svc.GetEventsPage(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("cursor"), queryInt(r, "limit"))
	if err != nil {
		writeError(w, "events page", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// ActivityDates handles GET /api/conversations/{id}/dates.
//
//	@Summary		Days with activity in a conversation
//	@Tags			conversations
//	@Produce		json
//	@Param			id	path		string	true	"Conversation id"
//	@Success		200	{object}	DatesResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/conversations/{id}/dates [get]
func (h *Handler) ActivityDates(w http.ResponseWriter, r *http.Request) {
	dates, err := h.svc.ActivityDates(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "activity dates", err)
		return
	}
	if dates == nil {
		dates = []string{}
	}
	writeJSON(w, http.StatusOK, DatesResponse{Dates: dates})
}

// EventIndexAt handles GET /api/conversations/{id}/index.
//
//	@Summary		Position of the first event on or after a date
//	@Tags			conversations
//	@Produce		json
//	@Param			id		path		string	true	"Conversation id"
//	@Param			date	query		string	true	"Date as YYYY-MM-DD"
//	@Success		200		{object}	EventIndexResponse
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/conversations/{id}/index [get]
func (h *Handler) EventIndexAt(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'date' is required"))
		return
	}
	idx, err := h.svc.EventIndexAt(r.Context(), chi.URLParam(r, "id"), date)
	if err != nil {
		writeError(w, "event index", err)
		return
	}
	writeJSON(w, http.StatusOK, EventIndexResponse{Date: date, Index: idx})
}

// ExportConversation handles GET /api/conversations/{id}/export.
//
//	@Summary		Download a conversation as txt, json or csv
//	@Tags			conversations
//	@Produce		plain
//	@Param			id		path	string	true	"Conversation id"
//	@Param			format	query	string	false	"Export format"	Enums(txt, json, csv)
//	@Success		200		"Conversation transcript"
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/conversations/{id}/export [get]
func (h *Handler) ExportConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	format, err := archive.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, "export conversation", err)
		return
	}
	// Resolve the conversation before committing to a streamed response.
	if _, err := h.svc.GetConversation(r.Context(), id); err != nil {
		writeError(w, "export conversation", err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="conversation-%s.%s"`, id, format))
	if err := h.svc.ExportConversation(r.Context(), id, format, w); err != nil {
		slog.Error("export conversation failed", slog.String("conversation_id", id), slog.String("error", err.Error()))
	}
}

// GetEvent handles GET /api/events/{id}.
//
//	@Summary		Get a single event
//	@Tags			conversations
//	@Produce		json
//	@Param			id	path		string	true	"Event id"
//	@Success		200	{object}	models.Event
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/events/{id} [get]
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.svc.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get event", err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// Search handles GET /api/search.
//
//	@Summary		Full-text search across all events
//	@Tags			search
//	@Produce		json
//	@Param			q		query		string	true	"Search query (literal text, at most 500 characters)"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	SearchResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if strings.TrimSpace(q) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	results, err := h.svc.Search(r.Context(), q, queryInt(r, "limit"))
	if err != nil {
		writeError(w, "search", err)
		return
	}
	if results == nil {
		results = []models.SearchHit{}
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

// ListMedia handles GET /api/media.
//
//	@Summary		One page of the archive-wide media gallery
//	@Tags			media
//	@Produce		json
//	@Param			cursor	query		string	false	"Opaque cursor from the previous page"
//	@Param			limit	query		int		false	"Page size (1-500)"
//	@Success		200		{object}	models.MediaPage
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/media [get]
func (h *Handler) ListMedia(w http.ResponseWriter, r *http.Request) {
	page, err := h.svc.ListMediaPage(r.Context(), r.URL.Query().Get("cursor"), queryInt(r, "limit"))
	if err != nil {
		writeError(w, "list media", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// ListPeople handles GET /api/people.
//
//	@Summary		Participant directory
//	@Tags			people
//	@Produce		json
//	@Success		200	{object}	PeopleResponse
//	@Security		BearerAuth
//	@Router			/people [get]
func (h *Handler) ListPeople(w http.ResponseWriter, r *http.Request) {
	people, err := h.svc.ListPeople(r.Context())
	if err != nil {
		writeError(w, "list people", err)
		return
	}
	writeJSON(w, http.StatusOK, PeopleResponse{People: people})
}

// Stats handles GET /api/stats.
//
//	@Summary		Archive totals and top contacts
//	@Tags			stats
//	@Produce		json
//	@Success		200	{object}	models.Stats
//	@Security		BearerAuth
//	@Router			/stats [get]
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		writeError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Reset handles POST /api/reset.
//
//	@Summary		Delete all indexed data and extraction directories
//	@Tags			exports
//	@Success		204	"Archive reset"
//	@Failure		409	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/reset [post]
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ResetAllData(r.Context()); err != nil {
		writeError(w, "reset", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
