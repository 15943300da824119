/*
orchestrator.go - One incremental sync cycle per connection

PURPOSE:
  Drives a single connection through one sync attempt against the external
  aggregator: open a history record, drain the change stream page by page,
  stage every added/modified transaction idempotently, commit the new cursor,
  finalize the history record.

STATE MACHINE (per attempt):
  Running -> Completed | Failed. Terminal. A failed attempt is never resumed
  in place; a retry is a brand-new attempt starting from the stored cursor.

FAILURE SEMANTICS:
  On any failure between fetch and cursor commit, the history record is
  finalized as failed and the connection cursor is left untouched, so the
  next attempt re-reads the same change window (at-least-once). Partial
  staged writes are harmless: staging is an upsert keyed by
  (chapter, source, external id).

SEE ALSO:
  - fanout.go: runs this across every active connection of a chapter
  - reconciler.go: drains what this stages
*/
package banksync

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxSyncPages bounds has_more continuation within one attempt so a
// misbehaving upstream cannot spin forever. At the default page size this
// covers tens of thousands of transactions per attempt.
const maxSyncPages = 50

// Syncer orchestrates sync cycles. Stateless between calls; all durable
// state lives behind Store.
type Syncer struct {
	store  Store
	client AggregatorClient
	log    zerolog.Logger

	// Overridable for tests.
	now   func() time.Time
	newID func() string
}

// NewSyncer creates a Syncer wired to the given store and aggregator client.
func NewSyncer(store Store, client AggregatorClient, log zerolog.Logger) *Syncer {
	return &Syncer{
		store:  store,
		client: client,
		log:    log,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

// SyncConnection runs one sync cycle for a connection owned by chapterID.
//
// Returns ErrNotFound if the connection does not exist for the chapter and
// ErrConnectionDisabled if it has been deactivated. Any other error has
// already been recorded in the sync history before it is returned.
func (s *Syncer) SyncConnection(ctx context.Context, chapterID ChapterID, id ConnectionID) (*SyncResult, error) {
	conn, err := s.store.GetConnection(ctx, chapterID, id)
	if err != nil {
		return nil, err
	}
	if !conn.IsActive {
		return nil, ErrConnectionDisabled
	}

	rec := SyncHistoryRecord{
		ID:           s.newID(),
		ConnectionID: conn.ID,
		CursorBefore: conn.Cursor,
		Status:       SyncRunning,
		StartedAt:    s.now(),
	}
	if err := s.store.CreateHistory(ctx, rec); err != nil {
		return nil, &PersistenceError{Op: "open sync history", Err: err}
	}

	counts, cursor, err := s.drainChanges(ctx, conn)
	if err != nil {
		s.failSync(ctx, conn, rec.ID, counts, err)
		return nil, err
	}

	if err := s.store.UpdateCursor(ctx, conn.ID, cursor, s.now()); err != nil {
		perr := &PersistenceError{Op: "update cursor", Err: err}
		s.failSync(ctx, conn, rec.ID, counts, perr)
		return nil, perr
	}

	// A healthy sync clears any stale error annotation from earlier attempts.
	if conn.ErrorCode != "" {
		if err := s.store.ClearConnectionError(ctx, conn.ID); err != nil {
			s.log.Warn().Err(err).Str("connection", string(conn.ID)).
				Msg("could not clear connection error annotation")
		}
	}

	if err := s.store.FinalizeHistory(ctx, rec.ID, HistoryFinal{
		Status:      SyncCompleted,
		Counts:      counts,
		CursorAfter: cursor,
		CompletedAt: s.now(),
	}); err != nil {
		// The sync itself succeeded and the cursor is committed; a lost
		// finalize only degrades the audit trail.
		s.log.Error().Err(err).Str("history", rec.ID).
			Msg("could not finalize sync history")
	}

	s.log.Info().
		Str("chapter", string(chapterID)).
		Str("connection", string(conn.ID)).
		Int("added", counts.Added).
		Int("modified", counts.Modified).
		Int("removed", counts.Removed).
		Msg("sync completed")

	return &SyncResult{ConnectionID: conn.ID, Counts: counts, Cursor: cursor}, nil
}

// drainChanges pages through the aggregator's change stream starting at the
// connection's stored cursor and stages everything it sees. Returns the
// accumulated counts and the cursor after the final page.
func (s *Syncer) drainChanges(ctx context.Context, conn *BankConnection) (SyncCounts, string, error) {
	var counts SyncCounts
	cursor := conn.Cursor

	for page := 0; ; page++ {
		if page >= maxSyncPages {
			return counts, "", &UpstreamError{
				Code:      "PAGE_LIMIT",
				Message:   "change stream did not drain within page limit",
				Retryable: true,
			}
		}

		cs, err := s.client.FetchChanges(ctx, conn.AccessToken, cursor)
		if err != nil {
			return counts, "", err
		}

		for _, up := range cs.Added {
			inserted, err := s.stage(ctx, conn, up)
			if err != nil {
				return counts, "", err
			}
			// Re-fetching an already-staged window must not inflate the
			// added counter; only genuine inserts count.
			if inserted {
				counts.Added++
			}
		}

		for _, up := range cs.Modified {
			// A modified transaction always gets another reconciliation
			// pass: the upsert rewrites the row with a fresh hash and
			// resets its status to new.
			if _, err := s.stage(ctx, conn, up); err != nil {
				return counts, "", err
			}
			counts.Modified++
		}

		// Removed transactions are counted but not staged; voiding any
		// previously reconciled entries is the ledger subsystem's concern.
		counts.Removed += len(cs.RemovedIDs)

		cursor = cs.NextCursor
		if !cs.HasMore {
			return counts, cursor, nil
		}
	}
}

// stage upserts one upstream transaction into staging with status new.
func (s *Syncer) stage(ctx context.Context, conn *BankConnection, up UpstreamTransaction) (bool, error) {
	now := s.now()
	inserted, err := s.store.UpsertStaged(ctx, StagedTransaction{
		ChapterID:   conn.ChapterID,
		Source:      SourcePlaid,
		ExternalID:  up.ExternalID,
		Hash:        Fingerprint(up.ExternalID, SourcePlaid, up.Date, up.Amount, up.Description),
		Date:        up.Date,
		Amount:      up.Amount,
		Description: up.Description,
		Raw:         up.Raw,
		Status:      StagedNew,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return false, &PersistenceError{Op: "stage transaction", Err: err}
	}
	return inserted, nil
}

// failSync finalizes the history record as failed and, for terminal upstream
// errors, annotates the connection for user re-authentication. The cursor is
// deliberately not touched so the next attempt retries the same window.
func (s *Syncer) failSync(ctx context.Context, conn *BankConnection, historyID string, counts SyncCounts, cause error) {
	s.log.Error().Err(cause).
		Str("chapter", string(conn.ChapterID)).
		Str("connection", string(conn.ID)).
		Msg("sync failed")

	if IsTerminalUpstream(cause) {
		var code string
		var ue *UpstreamError
		if errors.As(cause, &ue) {
			code = ue.Code
		}
		if err := s.store.MarkConnectionError(ctx, conn.ID, code, cause.Error()); err != nil {
			s.log.Error().Err(err).Str("connection", string(conn.ID)).
				Msg("could not mark connection error")
		}
	}

	if err := s.store.FinalizeHistory(ctx, historyID, HistoryFinal{
		Status:       SyncFailed,
		Counts:       counts,
		ErrorMessage: cause.Error(),
		CompletedAt:  s.now(),
	}); err != nil {
		s.log.Error().Err(err).Str("history", historyID).
			Msg("could not finalize failed sync history")
	}
}
