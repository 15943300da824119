// fanout.go - Runs the sync cycle across every active connection of a chapter.
package banksync

import "context"

// SyncAll syncs every active connection of a chapter and collects each
// outcome independently. One connection's failure never aborts or rolls back
// another's sync; each connection's state is disjoint.
//
// Connections are processed sequentially. No ordering between them is
// guaranteed to callers, but within one connection the cycle is strictly
// sequential. The returned slice has one entry per active connection,
// tagged by connection id.
func (s *Syncer) SyncAll(ctx context.Context, chapterID ChapterID) ([]ConnectionResult, error) {
	conns, err := s.store.ActiveConnections(ctx, chapterID)
	if err != nil {
		return nil, &PersistenceError{Op: "list active connections", Err: err}
	}

	results := make([]ConnectionResult, 0, len(conns))
	for _, conn := range conns {
		res, err := s.SyncConnection(ctx, chapterID, conn.ID)
		if err != nil {
			results = append(results, ConnectionResult{ConnectionID: conn.ID, Err: err})
			continue
		}
		results = append(results, ConnectionResult{ConnectionID: conn.ID, Result: res})
	}
	return results, nil
}
