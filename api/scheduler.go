/*
scheduler.go - Automated background sync scheduler

PURPOSE:
  Periodically syncs every chapter that has active bank connections, so
  ledgers stay close to the bank without anyone pressing "sync now".
  Manual syncs through the API remain safe to run concurrently: staging
  writes are idempotent upserts and the cursor commit is a single atomic
  write, so an overlap wastes an aggregator call at worst.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Each tick fans out per chapter; per-connection failures are already
    isolated inside SyncAll and only logged here
  - Disabled by default; enabled with the -auto-sync flag

USAGE:
  scheduler := NewSyncScheduler(store, handler.Syncer, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - banksync/fanout.go: the per-chapter fan-out this drives
  - cmd/server/main.go: flag wiring
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chapterline/treasury-engine/banksync"
)

// SyncScheduler periodically syncs all chapters with active connections.
type SyncScheduler struct {
	Store         banksync.ConnectionStore
	Syncer        *banksync.Syncer
	CheckInterval time.Duration
	Enabled       bool
	Log           zerolog.Logger

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSyncScheduler creates a scheduler with a one-hour default interval.
func NewSyncScheduler(store banksync.ConnectionStore, syncer *banksync.Syncer, log zerolog.Logger) *SyncScheduler {
	return &SyncScheduler{
		Store:         store,
		Syncer:        syncer,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Log:           log,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (ss *SyncScheduler) Start() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.Enabled {
		ss.Log.Info().Msg("auto-sync scheduler disabled, not starting")
		return
	}

	ss.ticker = time.NewTicker(ss.CheckInterval)
	ss.wg.Add(1)

	go ss.run()

	ss.Log.Info().Dur("interval", ss.CheckInterval).Msg("auto-sync scheduler started")
}

// Stop stops the scheduler.
func (ss *SyncScheduler) Stop() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.ticker != nil {
		ss.ticker.Stop()
		close(ss.stop)
		ss.wg.Wait()
		ss.Log.Info().Msg("auto-sync scheduler stopped")
	}
}

func (ss *SyncScheduler) run() {
	defer ss.wg.Done()

	// Run immediately on start
	ss.syncAllChapters()

	for {
		select {
		case <-ss.ticker.C:
			ss.syncAllChapters()
		case <-ss.stop:
			return
		}
	}
}

func (ss *SyncScheduler) syncAllChapters() {
	ctx := context.Background()

	chapters, err := ss.Store.ActiveChapters(ctx)
	if err != nil {
		ss.Log.Error().Err(err).Msg("auto-sync: could not list chapters")
		return
	}

	for _, chapterID := range chapters {
		results, err := ss.Syncer.SyncAll(ctx, chapterID)
		if err != nil {
			ss.Log.Error().Err(err).Str("chapter", string(chapterID)).
				Msg("auto-sync: fan-out failed")
			continue
		}
		for _, res := range results {
			if res.Err != nil {
				ss.Log.Warn().Err(res.Err).
					Str("chapter", string(chapterID)).
					Str("connection", string(res.ConnectionID)).
					Msg("auto-sync: connection sync failed")
			}
		}
	}
}
