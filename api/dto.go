/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

SECURITY:
  ConnectionDTO deliberately has no access-token field. The credential is
  sensitive and never leaves the store boundary toward clients; there is no
  place in these types where it could even be assigned.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/chapterline/treasury-engine/banksync"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// ConnectionDTO represents a bank connection in API responses.
type ConnectionDTO struct {
	ID              string `json:"id"`
	ChapterID       string `json:"chapter_id"`
	InstitutionID   string `json:"institution_id"`
	InstitutionName string `json:"institution_name"`
	ItemID          string `json:"item_id"`
	LastSyncedAt    string `json:"last_synced_at,omitempty"`
	IsActive        bool   `json:"is_active"`
	ErrorCode       string `json:"error_code,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
	CreatedAt       string `json:"created_at,omitempty"`
}

// LinkTokenRequest asks for a new client link session.
type LinkTokenRequest struct {
	ChapterID string `json:"chapter_id"`
}

// LinkTokenResponse carries the short-lived link token.
type LinkTokenResponse struct {
	LinkToken string `json:"link_token"`
}

// ExchangeTokenRequest completes a link flow.
type ExchangeTokenRequest struct {
	ChapterID   string `json:"chapter_id"`
	PublicToken string `json:"public_token"`
}

// SyncRequest names the chapter for a single-connection sync.
type SyncRequest struct {
	ChapterID string `json:"chapter_id"`
}

// SyncResponse reports one completed sync cycle.
type SyncResponse struct {
	ConnectionID string `json:"connection_id"`
	Added        int    `json:"added"`
	Modified     int    `json:"modified"`
	Removed      int    `json:"removed"`
	Cursor       string `json:"cursor"`
}

// SyncAllRequest triggers a fan-out sync over a chapter.
type SyncAllRequest struct {
	ChapterID string `json:"chapter_id"`
}

// ConnectionOutcomeDTO is one connection's fan-out result. Error and the
// count fields are mutually exclusive.
type ConnectionOutcomeDTO struct {
	ConnectionID string `json:"connection_id"`
	Status       string `json:"status"` // "completed" or "failed"
	Added        int    `json:"added,omitempty"`
	Modified     int    `json:"modified,omitempty"`
	Removed      int    `json:"removed,omitempty"`
	Error        string `json:"error,omitempty"`
}

// SyncAllResponse collects every connection's outcome.
type SyncAllResponse struct {
	Results []ConnectionOutcomeDTO `json:"results"`
}

// ReconcileRequest drains staged transactions into the ledger.
type ReconcileRequest struct {
	ChapterID string `json:"chapter_id"`
	Source    string `json:"source,omitempty"` // defaults to "plaid"
}

// ReconcileResponse reports what reconciliation did.
type ReconcileResponse struct {
	RecordsInserted int `json:"records_inserted"`
	RecordsSkipped  int `json:"records_skipped"`
}

// HistoryDTO is one sync attempt in the audit trail.
type HistoryDTO struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connection_id"`
	CursorBefore string `json:"cursor_before,omitempty"`
	CursorAfter  string `json:"cursor_after,omitempty"`
	Added        int    `json:"added"`
	Modified     int    `json:"modified"`
	Removed      int    `json:"removed"`
	SyncStatus   string `json:"sync_status"`
	ErrorMessage string `json:"error_message,omitempty"`
	StartedAt    string `json:"started_at"`
	CompletedAt  string `json:"completed_at,omitempty"`
}

// ErrorResponse is the uniform error shape.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toConnectionDTO(conn banksync.BankConnection) ConnectionDTO {
	dto := ConnectionDTO{
		ID:              string(conn.ID),
		ChapterID:       string(conn.ChapterID),
		InstitutionID:   conn.InstitutionID,
		InstitutionName: conn.InstitutionName,
		ItemID:          conn.ItemID,
		IsActive:        conn.IsActive,
		ErrorCode:       conn.ErrorCode,
		ErrorMessage:    conn.ErrorMessage,
		CreatedAt:       conn.CreatedAt.Format(time.RFC3339),
	}
	if conn.LastSyncedAt != nil {
		dto.LastSyncedAt = conn.LastSyncedAt.Format(time.RFC3339)
	}
	return dto
}

func toHistoryDTO(rec banksync.SyncHistoryRecord) HistoryDTO {
	dto := HistoryDTO{
		ID:           rec.ID,
		ConnectionID: string(rec.ConnectionID),
		CursorBefore: rec.CursorBefore,
		CursorAfter:  rec.CursorAfter,
		Added:        rec.Counts.Added,
		Modified:     rec.Counts.Modified,
		Removed:      rec.Counts.Removed,
		SyncStatus:   string(rec.Status),
		ErrorMessage: rec.ErrorMessage,
		StartedAt:    rec.StartedAt.Format(time.RFC3339),
	}
	if rec.CompletedAt != nil {
		dto.CompletedAt = rec.CompletedAt.Format(time.RFC3339)
	}
	return dto
}
