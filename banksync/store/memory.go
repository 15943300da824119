// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chapterline/treasury-engine/banksync"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	connections map[banksync.ConnectionID]banksync.BankConnection
	staged      map[stagedKey]banksync.StagedTransaction
	history     map[string]banksync.SyncHistoryRecord
	ledger      map[ledgerKey]banksync.LedgerEntry
}

type stagedKey struct {
	ChapterID  banksync.ChapterID
	Source     banksync.Source
	ExternalID string
}

type ledgerKey struct {
	ChapterID banksync.ChapterID
	DedupKey  string
}

func NewMemory() *Memory {
	return &Memory{
		connections: make(map[banksync.ConnectionID]banksync.BankConnection),
		staged:      make(map[stagedKey]banksync.StagedTransaction),
		history:     make(map[string]banksync.SyncHistoryRecord),
		ledger:      make(map[ledgerKey]banksync.LedgerEntry),
	}
}

// -----------------------------------------------------------------------------
// ConnectionStore
// -----------------------------------------------------------------------------

func (m *Memory) CreateConnection(_ context.Context, conn banksync.BankConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.connections {
		if existing.IsActive && existing.ChapterID == conn.ChapterID && existing.ItemID == conn.ItemID {
			return banksync.ErrConflict
		}
	}
	m.connections[conn.ID] = conn
	return nil
}

func (m *Memory) GetConnection(_ context.Context, chapterID banksync.ChapterID, id banksync.ConnectionID) (*banksync.BankConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.connections[id]
	if !ok || conn.ChapterID != chapterID {
		return nil, banksync.ErrNotFound
	}
	out := conn
	return &out, nil
}

func (m *Memory) ActiveConnections(_ context.Context, chapterID banksync.ChapterID) ([]banksync.BankConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []banksync.BankConnection
	for _, conn := range m.connections {
		if conn.IsActive && conn.ChapterID == chapterID {
			result = append(result, conn)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) ActiveChapters(_ context.Context) ([]banksync.ChapterID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[banksync.ChapterID]bool)
	var result []banksync.ChapterID
	for _, conn := range m.connections {
		if conn.IsActive && !seen[conn.ChapterID] {
			seen[conn.ChapterID] = true
			result = append(result, conn.ChapterID)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

func (m *Memory) UpdateCursor(_ context.Context, id banksync.ConnectionID, cursor string, lastSyncedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.connections[id]
	if !ok {
		return banksync.ErrNotFound
	}
	conn.Cursor = cursor
	conn.LastSyncedAt = &lastSyncedAt
	conn.UpdatedAt = lastSyncedAt
	m.connections[id] = conn
	return nil
}

func (m *Memory) MarkConnectionError(_ context.Context, id banksync.ConnectionID, code, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.connections[id]
	if !ok {
		return banksync.ErrNotFound
	}
	conn.ErrorCode = code
	conn.ErrorMessage = message
	m.connections[id] = conn
	return nil
}

func (m *Memory) ClearConnectionError(_ context.Context, id banksync.ConnectionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.connections[id]
	if !ok {
		return banksync.ErrNotFound
	}
	conn.ErrorCode = ""
	conn.ErrorMessage = ""
	m.connections[id] = conn
	return nil
}

func (m *Memory) DeactivateConnection(_ context.Context, chapterID banksync.ChapterID, id banksync.ConnectionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.connections[id]
	if !ok || conn.ChapterID != chapterID {
		return banksync.ErrNotFound
	}
	conn.IsActive = false
	m.connections[id] = conn
	return nil
}

// -----------------------------------------------------------------------------
// StagingStore
// -----------------------------------------------------------------------------

func (m *Memory) UpsertStaged(_ context.Context, tx banksync.StagedTransaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := stagedKey{ChapterID: tx.ChapterID, Source: tx.Source, ExternalID: tx.ExternalID}
	prev, existed := m.staged[k]
	if existed {
		tx.CreatedAt = prev.CreatedAt
	}
	m.staged[k] = tx
	return !existed, nil
}

func (m *Memory) ListStagedByStatus(_ context.Context, chapterID banksync.ChapterID, source banksync.Source, status banksync.StagedStatus) ([]banksync.StagedTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []banksync.StagedTransaction
	for _, tx := range m.staged {
		if tx.ChapterID == chapterID && tx.Source == source && tx.Status == status {
			result = append(result, tx)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Date.Equal(result[j].Date) {
			return result[i].Date.Before(result[j].Date)
		}
		return result[i].ExternalID < result[j].ExternalID
	})
	return result, nil
}

func (m *Memory) SetStagedStatus(_ context.Context, chapterID banksync.ChapterID, source banksync.Source, externalID string, status banksync.StagedStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := stagedKey{ChapterID: chapterID, Source: source, ExternalID: externalID}
	tx, ok := m.staged[k]
	if !ok {
		return banksync.ErrNotFound
	}
	tx.Status = status
	m.staged[k] = tx
	return nil
}

// -----------------------------------------------------------------------------
// HistoryStore
// -----------------------------------------------------------------------------

func (m *Memory) CreateHistory(_ context.Context, rec banksync.SyncHistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[rec.ID] = rec
	return nil
}

func (m *Memory) FinalizeHistory(_ context.Context, id string, fin banksync.HistoryFinal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.history[id]
	if !ok {
		return banksync.ErrNotFound
	}
	rec.Status = fin.Status
	rec.Counts = fin.Counts
	rec.CursorAfter = fin.CursorAfter
	rec.ErrorMessage = fin.ErrorMessage
	completed := fin.CompletedAt
	rec.CompletedAt = &completed
	m.history[id] = rec
	return nil
}

func (m *Memory) ListHistory(_ context.Context, connectionID banksync.ConnectionID, limit int) ([]banksync.SyncHistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []banksync.SyncHistoryRecord
	for _, rec := range m.history {
		if rec.ConnectionID == connectionID {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.After(result[j].StartedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// -----------------------------------------------------------------------------
// LedgerWriter
// -----------------------------------------------------------------------------

func (m *Memory) InsertLedgerEntry(_ context.Context, entry banksync.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := ledgerKey{ChapterID: entry.ChapterID, DedupKey: entry.DedupKey}
	if _, exists := m.ledger[k]; exists {
		return banksync.ErrDuplicateEntry
	}
	m.ledger[k] = entry
	return nil
}

// LedgerEntries returns every ledger entry for a chapter, for test assertions.
func (m *Memory) LedgerEntries(chapterID banksync.ChapterID) []banksync.LedgerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []banksync.LedgerEntry
	for k, entry := range m.ledger {
		if k.ChapterID == chapterID {
			result = append(result, entry)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DedupKey < result[j].DedupKey })
	return result
}
