/*
reconciler.go - Drains staged transactions into the chapter ledger

PURPOSE:
  Converts status=new staged rows into ledger entries exactly once each.
  The staged row's fingerprint is the ledger dedup key: however many times
  reconciliation runs, and however many overlapping sync windows refreshed
  the staging row, at most one ledger entry exists per distinct transaction.

SAFETY:
  - Safe to call repeatedly: already-reconciled rows are no longer new.
  - Safe to call concurrently with itself for the same chapter: the ledger's
    unique dedup key decides the race; the loser marks its row skipped.
  - A row that errors is left in status=new for a future pass and logged;
    it never aborts the batch.

SEE ALSO:
  - orchestrator.go: produces the staged rows this drains
  - store.go: LedgerWriter contract
*/
package banksync

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Reconciler moves staged transactions into the ledger.
type Reconciler struct {
	staging StagingStore
	ledger  LedgerWriter
	log     zerolog.Logger

	now   func() time.Time
	newID func() string
}

// NewReconciler creates a Reconciler over the given staging area and ledger.
func NewReconciler(staging StagingStore, ledger LedgerWriter, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		staging: staging,
		ledger:  ledger,
		log:     log,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
}

// Reconcile drains every status=new staged row for the chapter and source.
// Returns aggregate counts reflecting ledger outcomes: a row is counted
// inserted or skipped once its ledger write resolved, even if the follow-up
// status write is lost. Per-row failures are logged and left for a future
// pass rather than failing the batch.
func (r *Reconciler) Reconcile(ctx context.Context, chapterID ChapterID, source Source) (*ReconcileResult, error) {
	rows, err := r.staging.ListStagedByStatus(ctx, chapterID, source, StagedNew)
	if err != nil {
		return nil, &PersistenceError{Op: "list staged transactions", Err: err}
	}

	result := &ReconcileResult{}
	for _, row := range rows {
		if err := r.reconcileRow(ctx, row, result); err != nil {
			r.log.Error().Err(err).
				Str("chapter", string(chapterID)).
				Str("external_id", row.ExternalID).
				Msg("reconciliation row failed; leaving for retry")
		}
	}

	r.log.Info().
		Str("chapter", string(chapterID)).
		Int("inserted", result.Inserted).
		Int("skipped", result.Skipped).
		Msg("reconciliation completed")

	return result, nil
}

func (r *Reconciler) reconcileRow(ctx context.Context, row StagedTransaction, result *ReconcileResult) error {
	err := r.ledger.InsertLedgerEntry(ctx, LedgerEntry{
		ID:          r.newID(),
		ChapterID:   row.ChapterID,
		Amount:      row.Amount,
		Description: row.Description,
		Date:        row.Date,
		Source:      row.Source,
		DedupKey:    row.Hash,
		CreatedAt:   r.now(),
	})

	// Counts reflect the ledger outcome. The status write comes after: if it
	// is lost, the row stays new and the next pass re-hits the dedup key,
	// where it is reported skipped rather than silently dropped.
	switch {
	case err == nil:
		result.Inserted++
		return r.staging.SetStagedStatus(ctx, row.ChapterID, row.Source, row.ExternalID, StagedProcessed)

	case errors.Is(err, ErrDuplicateEntry):
		result.Skipped++
		return r.staging.SetStagedStatus(ctx, row.ChapterID, row.Source, row.ExternalID, StagedSkipped)

	default:
		return err
	}
}
