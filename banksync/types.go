/*
Package banksync implements the bank-transaction synchronization and
reconciliation engine for the chapter treasury.

PURPOSE:
  Pulls transaction data from an external bank-data aggregator, stages it
  durably, deduplicates it deterministically, and reconciles it into the
  chapter's financial ledger.

KEY CONCEPTS IN THIS FILE (types.go):
  - BankConnection: a linked institution relationship holding the access
    credential and the incremental-sync cursor
  - StagedTransaction: the durable queue row between sync and reconciliation,
    unique per (chapter, source, external id)
  - SyncHistoryRecord: append-only audit of one sync attempt
  - LedgerEntry: the insert contract into the (external) chapter ledger

DESIGN PRINCIPLES:
  1. Idempotency: staging writes are upserts; ledger inserts carry a dedup key
  2. Precision: decimal.Decimal for amounts, never float64
  3. Type Safety: distinct ID types so chapter and connection ids cannot mix
  4. Auditability: every sync attempt leaves exactly one history record

SEE ALSO:
  - orchestrator.go: the per-connection sync cycle
  - reconciler.go: staged rows -> ledger entries
  - store.go: persistence interfaces
*/
package banksync

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ChapterID string
type ConnectionID string

// Source identifies which aggregator a transaction came from. Part of the
// staging key so two aggregators can report the same external id safely.
type Source string

const SourcePlaid Source = "plaid"

// =============================================================================
// BANK CONNECTION
// =============================================================================

// BankConnection is one linked bank relationship for a chapter.
//
// AccessToken is the durable aggregator credential. It must never leave this
// package's consumers except toward the aggregator itself; API responses
// never serialize it.
type BankConnection struct {
	ID              ConnectionID
	ChapterID       ChapterID
	InstitutionID   string
	InstitutionName string
	AccessToken     string
	ItemID          string

	// Cursor is the opaque incremental-sync position. Empty means the next
	// sync is a full resync from the beginning of the change stream.
	Cursor       string
	LastSyncedAt *time.Time

	IsActive     bool
	ErrorCode    string
	ErrorMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// STAGED TRANSACTION
// =============================================================================

// StagedStatus tracks a staged row through reconciliation.
type StagedStatus string

const (
	StagedNew       StagedStatus = "new"
	StagedProcessed StagedStatus = "processed"
	StagedSkipped   StagedStatus = "skipped"
)

// StagedTransaction is one observed upstream transaction awaiting
// reconciliation. At most one row exists per (ChapterID, Source, ExternalID);
// all writes are upserts on that tuple.
//
// Amount uses the treasury sign convention: positive increases chapter funds.
type StagedTransaction struct {
	ChapterID  ChapterID
	Source     Source
	ExternalID string

	// Hash is the deterministic fingerprint of the identity fields, used as
	// the ledger dedup key. See Fingerprint in hash.go.
	Hash string

	Date        time.Time
	Amount      decimal.Decimal
	Description string
	Raw         json.RawMessage

	Status    StagedStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// SYNC HISTORY
// =============================================================================

// SyncStatus is the state of one sync attempt. Running is the only
// non-terminal state; a record is finalized exactly once and never re-opened.
type SyncStatus string

const (
	SyncRunning   SyncStatus = "running"
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
)

// SyncCounts aggregates what one sync attempt observed.
type SyncCounts struct {
	Added    int `json:"added"`
	Modified int `json:"modified"`
	Removed  int `json:"removed"`
}

// SyncHistoryRecord is one row of the append-only sync audit trail.
type SyncHistoryRecord struct {
	ID           string
	ConnectionID ConnectionID
	CursorBefore string
	CursorAfter  string
	Counts       SyncCounts
	Status       SyncStatus
	ErrorMessage string
	StartedAt    time.Time
	CompletedAt  *time.Time
}

// =============================================================================
// LEDGER CONTRACT
// =============================================================================

// LedgerEntry is the insert contract into the chapter ledger. The ledger
// itself (categories, budgets, reporting) is owned by another subsystem;
// this engine only inserts, keyed by DedupKey.
type LedgerEntry struct {
	ID          string
	ChapterID   ChapterID
	Amount      decimal.Decimal
	Description string
	Date        time.Time
	Source      Source
	DedupKey    string
	CreatedAt   time.Time
}

// =============================================================================
// RESULTS
// =============================================================================

// SyncResult is the outcome of one successful sync cycle.
type SyncResult struct {
	ConnectionID ConnectionID `json:"connection_id"`
	Counts       SyncCounts   `json:"counts"`
	Cursor       string       `json:"cursor"`
}

// ConnectionResult tags one connection's fan-out outcome. Exactly one of
// Result and Err is set.
type ConnectionResult struct {
	ConnectionID ConnectionID
	Result       *SyncResult
	Err          error
}

// ReconcileResult reports what one reconciliation pass did.
type ReconcileResult struct {
	Inserted int `json:"records_inserted"`
	Skipped  int `json:"records_skipped"`
}
