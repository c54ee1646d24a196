package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/cardex/internal/cardservice"
)

// Handler holds API route handlers.
type Handler struct {
	svc *cardservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *cardservice.Service) *Handler {
	return &Handler{svc: svc}
}

// documentPath extracts the document path from the URL wildcard.
// Supports encoded slashes from OpenAPI clients (e.g. topics%2Fbooks.md).
func documentPath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// decode reads a JSON body into v and runs its Validate method. It writes
// the 400 response itself and reports whether the handler may continue.
func decode[T interface{ Validate() error }](w http.ResponseWriter, r *http.Request, v *T) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return false
	}
	if err := (*v).Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return false
	}
	return true
}

// ListCards handles GET /api/cards.
//
//	@Summary		List cards, newest first
//	@Tags			cards
//	@Produce		json
//	@Param			limit	query		int		false	"Page size"
//	@Param			offset	query		int		false	"Page offset"
//	@Param			type	query		string	false	"Card type without suffix, e.g. book"
//	@Param			path	query		string	false	"Only cards located in this document"
//	@Success		200		{object}	CardListResponse
//	@Security		BearerAuth
//	@Router			/cards [get]
func (h *Handler) ListCards(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if limit < 0 || offset < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("limit and offset must not be negative"))
		return
	}

	items, total := h.svc.List(r.Context(), cardservice.ListQuery{
		Type:   q.Get("type"),
		Path:   q.Get("path"),
		Limit:  limit,
		Offset: offset,
	})
	writeJSON(w, http.StatusOK, CardListResponse{Cards: items, Total: total})
}

// GetCard handles GET /api/cards/{cid}.
//
//	@Summary		Get a single card by identity
//	@Tags			cards
//	@Produce		json
//	@Param			cid	path		string	true	"Card identity"
//	@Success		200	{object}	Card
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/cards/{cid} [get]
func (h *Handler) GetCard(w http.ResponseWriter, r *http.Request) {
	card, err := h.svc.Get(r.Context(), chi.URLParam(r, "cid"))
	if err != nil {
		writeError(w, "get card", err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// LookupCard handles POST /api/cards/lookup.
//
//	@Summary		Find the card whose content matches
//	@Tags			cards
//	@Accept			json
//	@Produce		json
//	@Param			body	body		LookupRequest	true	"Card content"
//	@Success		200		{object}	Card
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/cards/lookup [post]
func (h *Handler) LookupCard(w http.ResponseWriter, r *http.Request) {
	var req LookupRequest
	if !decode(w, r, &req) {
		return
	}
	card, err := h.svc.Lookup(r.Context(), req.Content)
	if err != nil {
		writeError(w, "lookup card", err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// ReconcileCard handles POST /api/cards/reconcile.
//
// A rejected or aborted reconcile is still a 200: the outcome field says
// what happened.
//
//	@Summary		Reconcile an observed card block against the index
//	@Tags			cards
//	@Accept			json
//	@Produce		json
//	@Param			body	body		ReconcileRequest	true	"Observation"
//	@Success		200		{object}	ReconcileResponse
//	@Failure		400		{object}	errResponse
//	@Failure		422		{object}	errResponse
//	@Failure		503		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/cards/reconcile [post]
func (h *Handler) ReconcileCard(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.Reconcile(r.Context(), req.CID, req.Content, req.Location.location())
	if err != nil {
		writeError(w, "reconcile card", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RemoveLocation handles DELETE /api/locations.
//
//	@Summary		Forget one card location
//	@Tags			locations
//	@Accept			json
//	@Produce		json
//	@Param			body	body		LocationRequest	true	"Location"
//	@Success		200		{object}	RemovalResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/locations [delete]
func (h *Handler) RemoveLocation(w http.ResponseWriter, r *http.Request) {
	var req LocationRequest
	if !decode(w, r, &req) {
		return
	}
	rm, err := h.svc.RemoveLocation(r.Context(), req.location())
	if err != nil {
		writeError(w, "remove location", err)
		return
	}
	writeJSON(w, http.StatusOK, rm)
}

// RemoveDocument handles DELETE /api/documents/*.
func (h *Handler) RemoveDocument(w http.ResponseWriter, r *http.Request) {
	path := documentPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	rm, err := h.svc.RemoveDocument(r.Context(), path)
	if err != nil {
		writeError(w, "remove document", err)
		return
	}
	writeJSON(w, http.StatusOK, rm)
}

// ObserveDocument handles POST /api/observe/*.
func (h *Handler) ObserveDocument(w http.ResponseWriter, r *http.Request) {
	path := documentPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	ch, err := h.svc.ObserveDocument(r.Context(), path)
	if err != nil {
		slog.Warn("observe document incomplete", slog.String("path", path), slog.String("error", err.Error()))
		writeError(w, "observe document", err)
		return
	}
	results := ch.Results
	if results == nil {
		results = []ReconcileResponse{}
	}
	writeJSON(w, http.StatusOK, ObserveResponse{
		Path:    ch.Path,
		Results: results,
		Removed: ch.Removed,
		Deleted: ch.Deleted,
	})
}

// Rebuild handles POST /api/rebuild.
//
//	@Summary		Rescan every document and rebuild the index
//	@Tags			index
//	@Produce		json
//	@Success		200	{object}	RebuildResponse
//	@Failure		409	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/rebuild [post]
func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Rebuild(r.Context())
	if err != nil {
		writeError(w, "rebuild", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
