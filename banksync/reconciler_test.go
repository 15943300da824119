package banksync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chapterline/treasury-engine/banksync"
	"github.com/chapterline/treasury-engine/banksync/store"
)

func stageRow(t *testing.T, mem *store.Memory, chapterID, externalID string, amount float64, desc string) banksync.StagedTransaction {
	t.Helper()
	date := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	amt := decimal.NewFromFloat(amount)
	row := banksync.StagedTransaction{
		ChapterID:   banksync.ChapterID(chapterID),
		Source:      banksync.SourcePlaid,
		ExternalID:  externalID,
		Hash:        banksync.Fingerprint(externalID, banksync.SourcePlaid, date, amt, desc),
		Date:        date,
		Amount:      amt,
		Description: desc,
		Status:      banksync.StagedNew,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	_, err := mem.UpsertStaged(context.Background(), row)
	require.NoError(t, err)
	return row
}

func TestReconcile_InsertsAndMarksProcessed(t *testing.T) {
	mem := store.NewMemory()
	rec := banksync.NewReconciler(mem, mem, zerolog.Nop())
	ctx := context.Background()

	stageRow(t, mem, "chapter-1", "tx-1", 250.00, "DUES PAYMENT")
	stageRow(t, mem, "chapter-1", "tx-2", -42.50, "GREEK HOUSE SUPPLY")

	res, err := rec.Reconcile(ctx, "chapter-1", banksync.SourcePlaid)
	require.NoError(t, err)
	assert.Equal(t, &banksync.ReconcileResult{Inserted: 2, Skipped: 0}, res)

	assert.Len(t, mem.LedgerEntries("chapter-1"), 2)

	remaining, err := mem.ListStagedByStatus(ctx, "chapter-1", banksync.SourcePlaid, banksync.StagedNew)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	processed, err := mem.ListStagedByStatus(ctx, "chapter-1", banksync.SourcePlaid, banksync.StagedProcessed)
	require.NoError(t, err)
	assert.Len(t, processed, 2)
}

func TestReconcile_Idempotent(t *testing.T) {
	mem := store.NewMemory()
	rec := banksync.NewReconciler(mem, mem, zerolog.Nop())
	ctx := context.Background()

	stageRow(t, mem, "chapter-1", "tx-1", 250.00, "DUES PAYMENT")
	stageRow(t, mem, "chapter-1", "tx-2", -42.50, "GREEK HOUSE SUPPLY")

	first, err := rec.Reconcile(ctx, "chapter-1", banksync.SourcePlaid)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Inserted)

	second, err := rec.Reconcile(ctx, "chapter-1", banksync.SourcePlaid)
	require.NoError(t, err)
	assert.Equal(t, &banksync.ReconcileResult{Inserted: 0, Skipped: 0}, second,
		"nothing is new on the second pass")

	assert.Len(t, mem.LedgerEntries("chapter-1"), 2)
}

func TestReconcile_SkipsDuplicateAgainstLedger(t *testing.T) {
	mem := store.NewMemory()
	rec := banksync.NewReconciler(mem, mem, zerolog.Nop())
	ctx := context.Background()

	dup := stageRow(t, mem, "chapter-1", "tx-dup", 99.00, "ALREADY IN LEDGER")
	stageRow(t, mem, "chapter-1", "tx-new", 10.00, "FRESH")

	// The duplicate's fingerprint is already in the ledger.
	require.NoError(t, mem.InsertLedgerEntry(ctx, banksync.LedgerEntry{
		ID:        "ledger-1",
		ChapterID: "chapter-1",
		Amount:    dup.Amount,
		Date:      dup.Date,
		Source:    dup.Source,
		DedupKey:  dup.Hash,
		CreatedAt: time.Now(),
	}))

	res, err := rec.Reconcile(ctx, "chapter-1", banksync.SourcePlaid)
	require.NoError(t, err)
	assert.Equal(t, &banksync.ReconcileResult{Inserted: 1, Skipped: 1}, res)

	skipped, err := mem.ListStagedByStatus(ctx, "chapter-1", banksync.SourcePlaid, banksync.StagedSkipped)
	require.NoError(t, err)
	require.Len(t, skipped, 1)
	assert.Equal(t, "tx-dup", skipped[0].ExternalID)

	processed, err := mem.ListStagedByStatus(ctx, "chapter-1", banksync.SourcePlaid, banksync.StagedProcessed)
	require.NoError(t, err)
	require.Len(t, processed, 1)
	assert.Equal(t, "tx-new", processed[0].ExternalID)
}

// flakyLedger fails inserts for one dedup key.
type flakyLedger struct {
	*store.Memory
	failKey string
}

func (f *flakyLedger) InsertLedgerEntry(ctx context.Context, entry banksync.LedgerEntry) error {
	if entry.DedupKey == f.failKey {
		return errors.New("ledger write timed out")
	}
	return f.Memory.InsertLedgerEntry(ctx, entry)
}

// flakyStaging fails status writes for one external id.
type flakyStaging struct {
	*store.Memory
	failExternalID string
}

func (f *flakyStaging) SetStagedStatus(ctx context.Context, chapterID banksync.ChapterID, source banksync.Source, externalID string, status banksync.StagedStatus) error {
	if externalID == f.failExternalID {
		return errors.New("staging write timed out")
	}
	return f.Memory.SetStagedStatus(ctx, chapterID, source, externalID, status)
}

func TestReconcile_CountsLedgerInsertWhenStatusWriteFails(t *testing.T) {
	mem := store.NewMemory()
	stageRow(t, mem, "chapter-1", "tx-1", 250.00, "DUES PAYMENT")

	rec := banksync.NewReconciler(&flakyStaging{Memory: mem, failExternalID: "tx-1"}, mem, zerolog.Nop())
	ctx := context.Background()

	res, err := rec.Reconcile(ctx, "chapter-1", banksync.SourcePlaid)
	require.NoError(t, err)
	assert.Equal(t, &banksync.ReconcileResult{Inserted: 1, Skipped: 0}, res,
		"the ledger entry landed, so it is counted even though the status write was lost")
	assert.Len(t, mem.LedgerEntries("chapter-1"), 1)

	// The row stays new; the next pass over the real staging store hits the
	// dedup key and reports it skipped rather than inserting twice.
	remaining, err := mem.ListStagedByStatus(ctx, "chapter-1", banksync.SourcePlaid, banksync.StagedNew)
	require.NoError(t, err)
	require.Len(t, remaining, 1)

	healed := banksync.NewReconciler(mem, mem, zerolog.Nop())
	res, err = healed.Reconcile(ctx, "chapter-1", banksync.SourcePlaid)
	require.NoError(t, err)
	assert.Equal(t, &banksync.ReconcileResult{Inserted: 0, Skipped: 1}, res)
	assert.Len(t, mem.LedgerEntries("chapter-1"), 1)
}

func TestReconcile_RowErrorDoesNotAbortBatch(t *testing.T) {
	mem := store.NewMemory()
	bad := stageRow(t, mem, "chapter-1", "tx-bad", 1.00, "WILL FAIL")
	stageRow(t, mem, "chapter-1", "tx-good", 2.00, "WILL LAND")

	rec := banksync.NewReconciler(mem, &flakyLedger{Memory: mem, failKey: bad.Hash}, zerolog.Nop())

	res, err := rec.Reconcile(context.Background(), "chapter-1", banksync.SourcePlaid)
	require.NoError(t, err, "per-row failures never fail the batch")
	assert.Equal(t, &banksync.ReconcileResult{Inserted: 1, Skipped: 0}, res)

	// The failed row stays new for a future attempt.
	remaining, err := mem.ListStagedByStatus(context.Background(), "chapter-1", banksync.SourcePlaid, banksync.StagedNew)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "tx-bad", remaining[0].ExternalID)
}
