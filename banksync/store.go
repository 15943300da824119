/*
store.go - Persistence interfaces for connections, staging, history, ledger

PURPOSE:
  Defines the interface between the sync engine and the database. Correctness
  comes from the datastore's uniqueness constraints, not from in-process
  locks: staging is unique on (chapter, source, external id), the ledger is
  unique on the dedup key, and active connections are unique per bank item.

KEY INTERFACES:
  ConnectionStore: linked bank connections and their sync state
  StagingStore:    the durable queue between sync and reconciliation
  HistoryStore:    append-only audit of sync attempts
  LedgerWriter:    insert-with-dedup-key contract into the chapter ledger

TENANT ISOLATION:
  Every read and every mutation that names a connection also names the
  chapter. A connection that exists but belongs to another chapter behaves
  exactly like one that does not exist (ErrNotFound).

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: production SQLite
  - banksync/store/memory.go: in-memory for testing

SEE ALSO:
  - orchestrator.go, reconciler.go, exchange.go: the consumers
*/
package banksync

import (
	"context"
	"time"
)

// =============================================================================
// CONNECTION STORE
// =============================================================================

// ConnectionStore persists linked bank connections.
// Connections are soft-deactivated, never hard-deleted (audit retention).
type ConnectionStore interface {
	// CreateConnection persists a new connection. Returns ErrConflict if an
	// active connection for the same (chapter, item) already exists.
	CreateConnection(ctx context.Context, conn BankConnection) error

	// GetConnection loads one connection scoped to a chapter.
	// Returns ErrNotFound if it does not exist or belongs to another chapter.
	GetConnection(ctx context.Context, chapterID ChapterID, id ConnectionID) (*BankConnection, error)

	// ActiveConnections returns every active connection of a chapter.
	ActiveConnections(ctx context.Context, chapterID ChapterID) ([]BankConnection, error)

	// ActiveChapters returns every chapter with at least one active
	// connection. Used by the auto-sync scheduler.
	ActiveChapters(ctx context.Context) ([]ChapterID, error)

	// UpdateCursor commits a new sync position. Single atomic write; this is
	// the only mutation of sync state on the success path.
	UpdateCursor(ctx context.Context, id ConnectionID, cursor string, lastSyncedAt time.Time) error

	// MarkConnectionError annotates the connection with an upstream error
	// (e.g. re-authentication required). The connection stays queryable.
	MarkConnectionError(ctx context.Context, id ConnectionID, code, message string) error

	// ClearConnectionError removes the error annotation after a healthy sync.
	ClearConnectionError(ctx context.Context, id ConnectionID) error

	// DeactivateConnection soft-disables a connection. Returns ErrNotFound
	// if the connection does not belong to the chapter.
	DeactivateConnection(ctx context.Context, chapterID ChapterID, id ConnectionID) error
}

// =============================================================================
// STAGING STORE
// =============================================================================

// StagingStore is the durable queue between sync and reconciliation. Rows
// survive process restarts; reconciliation may run in a separate invocation.
type StagingStore interface {
	// UpsertStaged writes a staged transaction keyed by
	// (ChapterID, Source, ExternalID). An existing row is overwritten in
	// place, including its status. Returns whether a new row was created,
	// so callers can count genuine inserts separately from refreshes.
	UpsertStaged(ctx context.Context, tx StagedTransaction) (inserted bool, err error)

	// ListStagedByStatus returns all rows for a chapter and source in the
	// given status, oldest first.
	ListStagedByStatus(ctx context.Context, chapterID ChapterID, source Source, status StagedStatus) ([]StagedTransaction, error)

	// SetStagedStatus transitions one row's status. Only the Reconciler
	// moves rows out of StagedNew.
	SetStagedStatus(ctx context.Context, chapterID ChapterID, source Source, externalID string, status StagedStatus) error
}

// =============================================================================
// HISTORY STORE
// =============================================================================

// HistoryFinal carries everything FinalizeHistory needs to close a record.
type HistoryFinal struct {
	Status       SyncStatus
	Counts       SyncCounts
	CursorAfter  string
	ErrorMessage string
	CompletedAt  time.Time
}

// HistoryStore persists the append-only sync audit trail.
type HistoryStore interface {
	// CreateHistory opens a new attempt record (status must be SyncRunning).
	CreateHistory(ctx context.Context, rec SyncHistoryRecord) error

	// FinalizeHistory closes a record exactly once. Records are never
	// re-opened; a retry is a new record.
	FinalizeHistory(ctx context.Context, id string, fin HistoryFinal) error

	// ListHistory returns the most recent records for a connection,
	// newest first, at most limit rows. limit <= 0 means no limit;
	// callers apply their own default.
	ListHistory(ctx context.Context, connectionID ConnectionID, limit int) ([]SyncHistoryRecord, error)
}

// =============================================================================
// LEDGER WRITER
// =============================================================================

// LedgerWriter is the one operation this engine performs against the chapter
// ledger. The ledger subsystem owns everything else about entries.
type LedgerWriter interface {
	// InsertLedgerEntry inserts one entry. Returns ErrDuplicateEntry if an
	// entry with the same dedup key already exists for the chapter.
	InsertLedgerEntry(ctx context.Context, entry LedgerEntry) error
}

// Store is the full persistence surface the engine is wired with.
type Store interface {
	ConnectionStore
	StagingStore
	HistoryStore
	LedgerWriter
}
