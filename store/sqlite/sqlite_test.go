package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chapterline/treasury-engine/banksync"
	"github.com/chapterline/treasury-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testConnection(id, chapterID, itemID string) banksync.BankConnection {
	now := time.Now()
	return banksync.BankConnection{
		ID:              banksync.ConnectionID(id),
		ChapterID:       banksync.ChapterID(chapterID),
		InstitutionID:   "ins-1",
		InstitutionName: "First Chapter Bank",
		AccessToken:     "access-" + id,
		ItemID:          itemID,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func testStaged(chapterID, externalID string, amount string) banksync.StagedTransaction {
	date := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	amt := decimal.RequireFromString(amount)
	now := time.Now()
	return banksync.StagedTransaction{
		ChapterID:   banksync.ChapterID(chapterID),
		Source:      banksync.SourcePlaid,
		ExternalID:  externalID,
		Hash:        banksync.Fingerprint(externalID, banksync.SourcePlaid, date, amt, "TEST"),
		Date:        date,
		Amount:      amt,
		Description: "TEST",
		Raw:         []byte(`{"transaction_id":"` + externalID + `"}`),
		Status:      banksync.StagedNew,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// =============================================================================
// CONNECTIONS
// =============================================================================

func TestConnections_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateConnection(ctx, testConnection("conn-1", "chapter-1", "item-1")))

	conn, err := store.GetConnection(ctx, "chapter-1", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "First Chapter Bank", conn.InstitutionName)
	assert.Equal(t, "access-conn-1", conn.AccessToken)
	assert.Empty(t, conn.Cursor)
	assert.Nil(t, conn.LastSyncedAt)
	assert.True(t, conn.IsActive)
}

func TestConnections_DuplicateActiveItemConflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateConnection(ctx, testConnection("conn-1", "chapter-1", "item-1")))

	err := store.CreateConnection(ctx, testConnection("conn-2", "chapter-1", "item-1"))
	assert.True(t, errors.Is(err, banksync.ErrConflict))

	// A different chapter may link the same item.
	require.NoError(t, store.CreateConnection(ctx, testConnection("conn-3", "chapter-2", "item-1")))

	// And the first chapter may relink once deactivated.
	require.NoError(t, store.DeactivateConnection(ctx, "chapter-1", "conn-1"))
	require.NoError(t, store.CreateConnection(ctx, testConnection("conn-4", "chapter-1", "item-1")))
}

func TestConnections_TenantIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateConnection(ctx, testConnection("conn-1", "chapter-1", "item-1")))

	_, err := store.GetConnection(ctx, "chapter-2", "conn-1")
	assert.True(t, errors.Is(err, banksync.ErrNotFound))

	err = store.DeactivateConnection(ctx, "chapter-2", "conn-1")
	assert.True(t, errors.Is(err, banksync.ErrNotFound))

	// Still active for the owner.
	conn, err := store.GetConnection(ctx, "chapter-1", "conn-1")
	require.NoError(t, err)
	assert.True(t, conn.IsActive)
}

func TestConnections_CursorAndErrorAnnotations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateConnection(ctx, testConnection("conn-1", "chapter-1", "item-1")))

	syncedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpdateCursor(ctx, "conn-1", "cursor-2", syncedAt))

	conn, err := store.GetConnection(ctx, "chapter-1", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "cursor-2", conn.Cursor)
	require.NotNil(t, conn.LastSyncedAt)
	assert.True(t, conn.LastSyncedAt.Equal(syncedAt))

	require.NoError(t, store.MarkConnectionError(ctx, "conn-1", "ITEM_LOGIN_REQUIRED", "relink required"))
	conn, err = store.GetConnection(ctx, "chapter-1", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "ITEM_LOGIN_REQUIRED", conn.ErrorCode)

	require.NoError(t, store.ClearConnectionError(ctx, "conn-1"))
	conn, err = store.GetConnection(ctx, "chapter-1", "conn-1")
	require.NoError(t, err)
	assert.Empty(t, conn.ErrorCode)
	assert.Empty(t, conn.ErrorMessage)
}

func TestConnections_ActiveListings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateConnection(ctx, testConnection("conn-1", "chapter-1", "item-1")))
	require.NoError(t, store.CreateConnection(ctx, testConnection("conn-2", "chapter-1", "item-2")))
	require.NoError(t, store.CreateConnection(ctx, testConnection("conn-3", "chapter-2", "item-3")))
	require.NoError(t, store.DeactivateConnection(ctx, "chapter-1", "conn-2"))

	conns, err := store.ActiveConnections(ctx, "chapter-1")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, banksync.ConnectionID("conn-1"), conns[0].ID)

	chapters, err := store.ActiveChapters(ctx)
	require.NoError(t, err)
	assert.Equal(t, []banksync.ChapterID{"chapter-1", "chapter-2"}, chapters)
}

// =============================================================================
// STAGING
// =============================================================================

func TestStaging_UpsertIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	row := testStaged("chapter-1", "tx-1", "250.00")

	inserted, err := store.UpsertStaged(ctx, row)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.UpsertStaged(ctx, row)
	require.NoError(t, err)
	assert.False(t, inserted, "second write updates, it does not duplicate")

	rows, err := store.ListStagedByStatus(ctx, "chapter-1", banksync.SourcePlaid, banksync.StagedNew)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "250", rows[0].Amount.String())
	assert.Equal(t, row.Hash, rows[0].Hash)
}

func TestStaging_UpsertRewritesPayloadAndStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	row := testStaged("chapter-1", "tx-1", "250.00")
	_, err := store.UpsertStaged(ctx, row)
	require.NoError(t, err)
	require.NoError(t, store.SetStagedStatus(ctx, "chapter-1", banksync.SourcePlaid, "tx-1", banksync.StagedProcessed))

	// The transaction settles upstream with a different amount.
	changed := testStaged("chapter-1", "tx-1", "251.10")
	inserted, err := store.UpsertStaged(ctx, changed)
	require.NoError(t, err)
	assert.False(t, inserted)

	rows, err := store.ListStagedByStatus(ctx, "chapter-1", banksync.SourcePlaid, banksync.StagedNew)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "251.1", rows[0].Amount.String())
	assert.Equal(t, changed.Hash, rows[0].Hash)
}

func TestStaging_SetStatusUnknownRow(t *testing.T) {
	store := newTestStore(t)

	err := store.SetStagedStatus(context.Background(), "chapter-1", banksync.SourcePlaid, "missing", banksync.StagedProcessed)
	assert.True(t, errors.Is(err, banksync.ErrNotFound))
}

// =============================================================================
// HISTORY
// =============================================================================

func TestHistory_LifecycleAndOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := banksync.SyncHistoryRecord{
		ID:           "hist-1",
		ConnectionID: "conn-1",
		CursorBefore: "c1",
		Status:       banksync.SyncRunning,
		StartedAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.CreateHistory(ctx, first))
	require.NoError(t, store.FinalizeHistory(ctx, "hist-1", banksync.HistoryFinal{
		Status:      banksync.SyncCompleted,
		Counts:      banksync.SyncCounts{Added: 3},
		CursorAfter: "c2",
		CompletedAt: time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC),
	}))

	second := banksync.SyncHistoryRecord{
		ID:           "hist-2",
		ConnectionID: "conn-1",
		CursorBefore: "c2",
		Status:       banksync.SyncRunning,
		StartedAt:    time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.CreateHistory(ctx, second))
	require.NoError(t, store.FinalizeHistory(ctx, "hist-2", banksync.HistoryFinal{
		Status:       banksync.SyncFailed,
		ErrorMessage: "aggregator timeout",
		CompletedAt:  time.Date(2026, 3, 2, 10, 0, 9, 0, time.UTC),
	}))

	recs, err := store.ListHistory(ctx, "conn-1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "hist-2", recs[0].ID, "newest first")
	assert.Equal(t, banksync.SyncFailed, recs[0].Status)
	assert.Equal(t, "aggregator timeout", recs[0].ErrorMessage)
	assert.Equal(t, "hist-1", recs[1].ID)
	assert.Equal(t, banksync.SyncCounts{Added: 3}, recs[1].Counts)
	assert.Equal(t, "c2", recs[1].CursorAfter)

	// A positive limit truncates; limit 0 returned everything above.
	recs, err = store.ListHistory(ctx, "conn-1", 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "hist-2", recs[0].ID)
}

func TestHistory_FinalizedRecordsNeverReopen(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateHistory(ctx, banksync.SyncHistoryRecord{
		ID:           "hist-1",
		ConnectionID: "conn-1",
		Status:       banksync.SyncRunning,
		StartedAt:    time.Now(),
	}))
	require.NoError(t, store.FinalizeHistory(ctx, "hist-1", banksync.HistoryFinal{
		Status:      banksync.SyncCompleted,
		CompletedAt: time.Now(),
	}))

	err := store.FinalizeHistory(ctx, "hist-1", banksync.HistoryFinal{
		Status:      banksync.SyncFailed,
		CompletedAt: time.Now(),
	})
	assert.True(t, errors.Is(err, banksync.ErrNotFound))

	recs, err := store.ListHistory(ctx, "conn-1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, banksync.SyncCompleted, recs[0].Status)
}

// =============================================================================
// LEDGER
// =============================================================================

func TestLedger_DedupKeyEnforced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := banksync.LedgerEntry{
		ID:          "ledger-1",
		ChapterID:   "chapter-1",
		Amount:      decimal.RequireFromString("250.00"),
		Description: "DUES PAYMENT",
		Date:        time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC),
		Source:      banksync.SourcePlaid,
		DedupKey:    "hash-1",
		CreatedAt:   time.Now(),
	}
	require.NoError(t, store.InsertLedgerEntry(ctx, entry))

	dup := entry
	dup.ID = "ledger-2"
	err := store.InsertLedgerEntry(ctx, dup)
	assert.True(t, errors.Is(err, banksync.ErrDuplicateEntry))

	// Same dedup key in another chapter is a distinct entry.
	other := entry
	other.ID = "ledger-3"
	other.ChapterID = "chapter-2"
	require.NoError(t, store.InsertLedgerEntry(ctx, other))

	n, err := store.CountLedgerEntries(ctx, "chapter-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
