/*
handlers.go - HTTP API handlers for the bank-sync engine

PURPOSE:
  Exposes the sync engine via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to domain logic in banksync.

ENDPOINTS:
  POST   /api/banking/link-token              Start a client link session
  POST   /api/banking/exchange                Exchange public token, create connection
  GET    /api/banking/connections             List active connections
  POST   /api/banking/connections/{id}/sync   Sync one connection
  GET    /api/banking/connections/{id}/history Sync audit trail
  DELETE /api/banking/connections/{id}        Deactivate a connection
  POST   /api/banking/sync-all                Sync every active connection
  POST   /api/banking/reconcile               Drain staging into the ledger

TENANT ISOLATION:
  Every request must name a chapter_id matching the caller's identity
  (resolved by the identity middleware in auth.go). A mismatch is 401
  before any store or aggregator work happens.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed request body, missing required fields
  - 401: Caller identity does not match the target chapter
  - 404: Connection not found for this chapter
  - 409: Duplicate link / deactivated connection
  - 502: Aggregator failure (body carries the classified message)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Identity resolution
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/chapterline/treasury-engine/banksync"
)

// defaultHistoryLimit caps history listings when the request names no limit.
const defaultHistoryLimit = 50

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      banksync.Store
	Links      *banksync.LinkService
	Syncer     *banksync.Syncer
	Reconciler *banksync.Reconciler
	Log        zerolog.Logger
}

// NewHandler wires the engine services over the given store and aggregator.
func NewHandler(store banksync.Store, client banksync.AggregatorClient, log zerolog.Logger) *Handler {
	return &Handler{
		Store:      store,
		Links:      banksync.NewLinkService(store, client, log),
		Syncer:     banksync.NewSyncer(store, client, log),
		Reconciler: banksync.NewReconciler(store, store, log),
		Log:        log,
	}
}

// =============================================================================
// LINK & EXCHANGE
// =============================================================================

// CreateLinkToken starts a client link session.
// POST /api/banking/link-token
func (h *Handler) CreateLinkToken(w http.ResponseWriter, r *http.Request) {
	var req LinkTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ChapterID == "" {
		writeError(w, http.StatusBadRequest, "chapter_id is required", nil)
		return
	}
	if !h.authorize(w, r, banksync.ChapterID(req.ChapterID)) {
		return
	}

	token, err := h.Links.CreateLinkToken(r.Context(), banksync.ChapterID(req.ChapterID))
	if err != nil {
		h.writeDomainError(w, "Failed to create link token", err)
		return
	}
	writeJSON(w, http.StatusOK, LinkTokenResponse{LinkToken: token})
}

// ExchangeToken completes a link flow and creates the connection.
// POST /api/banking/exchange
func (h *Handler) ExchangeToken(w http.ResponseWriter, r *http.Request) {
	var req ExchangeTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ChapterID == "" || req.PublicToken == "" {
		writeError(w, http.StatusBadRequest, "chapter_id and public_token are required", nil)
		return
	}
	if !h.authorize(w, r, banksync.ChapterID(req.ChapterID)) {
		return
	}

	conn, err := h.Links.ExchangeToken(r.Context(), banksync.ChapterID(req.ChapterID), req.PublicToken)
	if err != nil {
		h.writeDomainError(w, "Failed to link bank connection", err)
		return
	}
	writeJSON(w, http.StatusCreated, toConnectionDTO(*conn))
}

// =============================================================================
// CONNECTIONS
// =============================================================================

// ListConnections returns the chapter's active connections.
// GET /api/banking/connections?chapter_id=...
func (h *Handler) ListConnections(w http.ResponseWriter, r *http.Request) {
	chapterID := banksync.ChapterID(r.URL.Query().Get("chapter_id"))
	if chapterID == "" {
		writeError(w, http.StatusBadRequest, "chapter_id is required", nil)
		return
	}
	if !h.authorize(w, r, chapterID) {
		return
	}

	conns, err := h.Store.ActiveConnections(r.Context(), chapterID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list connections", err)
		return
	}

	dtos := make([]ConnectionDTO, len(conns))
	for i, conn := range conns {
		dtos[i] = toConnectionDTO(conn)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// DeactivateConnection soft-disables a connection.
// DELETE /api/banking/connections/{id}?chapter_id=...
func (h *Handler) DeactivateConnection(w http.ResponseWriter, r *http.Request) {
	chapterID := banksync.ChapterID(r.URL.Query().Get("chapter_id"))
	connID := banksync.ConnectionID(chi.URLParam(r, "id"))
	if chapterID == "" {
		writeError(w, http.StatusBadRequest, "chapter_id is required", nil)
		return
	}
	if !h.authorize(w, r, chapterID) {
		return
	}

	if err := h.Store.DeactivateConnection(r.Context(), chapterID, connID); err != nil {
		h.writeDomainError(w, "Failed to deactivate connection", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListHistory returns the sync audit trail for a connection.
// GET /api/banking/connections/{id}/history?chapter_id=...&limit=...
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	chapterID := banksync.ChapterID(r.URL.Query().Get("chapter_id"))
	connID := banksync.ConnectionID(chi.URLParam(r, "id"))
	if chapterID == "" {
		writeError(w, http.StatusBadRequest, "chapter_id is required", nil)
		return
	}
	if !h.authorize(w, r, chapterID) {
		return
	}

	// Ownership check before exposing history rows.
	if _, err := h.Store.GetConnection(r.Context(), chapterID, connID); err != nil {
		h.writeDomainError(w, "Connection not found", err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	recs, err := h.Store.ListHistory(r.Context(), connID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sync history", err)
		return
	}

	dtos := make([]HistoryDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = toHistoryDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// SYNC
// =============================================================================

// SyncConnection runs one sync cycle for a connection.
// POST /api/banking/connections/{id}/sync
func (h *Handler) SyncConnection(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ChapterID == "" {
		writeError(w, http.StatusBadRequest, "chapter_id is required", nil)
		return
	}
	if !h.authorize(w, r, banksync.ChapterID(req.ChapterID)) {
		return
	}

	connID := banksync.ConnectionID(chi.URLParam(r, "id"))
	res, err := h.Syncer.SyncConnection(r.Context(), banksync.ChapterID(req.ChapterID), connID)
	if err != nil {
		h.writeDomainError(w, "Sync failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SyncResponse{
		ConnectionID: string(res.ConnectionID),
		Added:        res.Counts.Added,
		Modified:     res.Counts.Modified,
		Removed:      res.Counts.Removed,
		Cursor:       res.Cursor,
	})
}

// SyncAll syncs every active connection of a chapter.
// POST /api/banking/sync-all
func (h *Handler) SyncAll(w http.ResponseWriter, r *http.Request) {
	var req SyncAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ChapterID == "" {
		writeError(w, http.StatusBadRequest, "chapter_id is required", nil)
		return
	}
	if !h.authorize(w, r, banksync.ChapterID(req.ChapterID)) {
		return
	}

	results, err := h.Syncer.SyncAll(r.Context(), banksync.ChapterID(req.ChapterID))
	if err != nil {
		h.writeDomainError(w, "Fan-out sync failed", err)
		return
	}

	resp := SyncAllResponse{Results: make([]ConnectionOutcomeDTO, len(results))}
	for i, res := range results {
		dto := ConnectionOutcomeDTO{ConnectionID: string(res.ConnectionID)}
		if res.Err != nil {
			dto.Status = "failed"
			dto.Error = res.Err.Error()
		} else {
			dto.Status = "completed"
			dto.Added = res.Result.Counts.Added
			dto.Modified = res.Result.Counts.Modified
			dto.Removed = res.Result.Counts.Removed
		}
		resp.Results[i] = dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// RECONCILE
// =============================================================================

// Reconcile drains staged transactions into the chapter ledger.
// POST /api/banking/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ChapterID == "" {
		writeError(w, http.StatusBadRequest, "chapter_id is required", nil)
		return
	}
	if !h.authorize(w, r, banksync.ChapterID(req.ChapterID)) {
		return
	}

	source := banksync.Source(req.Source)
	if source == "" {
		source = banksync.SourcePlaid
	}

	res, err := h.Reconciler.Reconcile(r.Context(), banksync.ChapterID(req.ChapterID), source)
	if err != nil {
		h.writeDomainError(w, "Reconciliation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{
		RecordsInserted: res.Inserted,
		RecordsSkipped:  res.Skipped,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// authorize verifies the caller identity owns chapterID; writes 401 and
// returns false otherwise. Runs before any store or aggregator work.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, chapterID banksync.ChapterID) bool {
	caller, ok := identityFrom(r.Context())
	if !ok || caller.ChapterID != chapterID {
		writeError(w, http.StatusUnauthorized, "Caller does not own this chapter", nil)
		return false
	}
	return true
}

// writeDomainError maps engine errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusForError(err), message, err)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, banksync.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, banksync.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, banksync.ErrConflict), errors.Is(err, banksync.ErrConnectionDisabled):
		return http.StatusConflict
	case errors.Is(err, banksync.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
