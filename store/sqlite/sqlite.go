/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements all persistence interfaces of the sync engine using SQLite.
  In production, the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

INTERFACES IMPLEMENTED:
  banksync.ConnectionStore: linked bank connections and sync state
  banksync.StagingStore:    the durable queue between sync and reconciliation
  banksync.HistoryStore:    append-only sync audit trail
  banksync.LedgerWriter:    insert-with-dedup-key into the chapter ledger

CORRECTNESS FROM CONSTRAINTS:
  The engine holds no application-level locks across invocations; the
  uniqueness constraints below carry the invariants instead:
  - staged_transactions PK (chapter_id, source, external_id): at most one
    staged row per observed transaction, writes are upserts
  - ledger_entries UNIQUE (chapter_id, dedup_key): at most one ledger entry
    per distinct transaction, however often reconciliation runs
  - bank_connections partial unique (chapter_id, item_id) WHERE is_active:
    duplicate links are rejected, not merged

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  multiple readers don't block, single writer at a time, better crash
  recovery.

USAGE:
  store, err := sqlite.New("./data/treasury.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper migration
  tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - banksync/store.go: interface definitions
  - banksync/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/chapterline/treasury-engine/banksync"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Linked bank connections (soft-deactivated, never deleted)
	CREATE TABLE IF NOT EXISTS bank_connections (
		id TEXT PRIMARY KEY,
		chapter_id TEXT NOT NULL,
		institution_id TEXT NOT NULL,
		institution_name TEXT NOT NULL,
		access_token TEXT NOT NULL,
		item_id TEXT NOT NULL,
		cursor TEXT,
		last_synced_at TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		error_code TEXT,
		error_message TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- One active link per bank item per chapter; relinking after
	-- deactivation is allowed
	CREATE UNIQUE INDEX IF NOT EXISTS idx_connections_active_item
		ON bank_connections(chapter_id, item_id)
		WHERE is_active = 1;

	CREATE INDEX IF NOT EXISTS idx_connections_chapter
		ON bank_connections(chapter_id, is_active);

	-- Staged transactions (durable queue between sync and reconciliation)
	CREATE TABLE IF NOT EXISTS staged_transactions (
		chapter_id TEXT NOT NULL,
		source TEXT NOT NULL,
		external_id TEXT NOT NULL,
		hash TEXT NOT NULL,
		date TEXT NOT NULL,
		amount TEXT NOT NULL,
		description TEXT NOT NULL,
		raw_json TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (chapter_id, source, external_id)
	);

	-- Reconciler hot path: drain status=new rows per chapter+source
	CREATE INDEX IF NOT EXISTS idx_staged_status
		ON staged_transactions(chapter_id, source, status);

	-- Sync history (append-only audit trail)
	CREATE TABLE IF NOT EXISTS sync_history (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		cursor_before TEXT,
		cursor_after TEXT,
		added INTEGER NOT NULL DEFAULT 0,
		modified INTEGER NOT NULL DEFAULT 0,
		removed INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error_message TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_history_connection
		ON sync_history(connection_id, started_at DESC);

	-- Ledger entries (insert contract only; the ledger subsystem owns the rest)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		chapter_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		description TEXT NOT NULL,
		date TEXT NOT NULL,
		source TEXT NOT NULL,
		dedup_key TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (chapter_id, dedup_key)
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_chapter_date
		ON ledger_entries(chapter_id, date DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// CONNECTION STORE
// =============================================================================

// CreateConnection persists a new connection.
// Returns banksync.ErrConflict if an active link to the same item exists.
func (s *Store) CreateConnection(ctx context.Context, conn banksync.BankConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bank_connections
			(id, chapter_id, institution_id, institution_name, access_token,
			 item_id, cursor, last_synced_at, is_active, error_code,
			 error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(conn.ID), string(conn.ChapterID), conn.InstitutionID,
		conn.InstitutionName, conn.AccessToken, conn.ItemID,
		nullString(conn.Cursor), nullTime(conn.LastSyncedAt),
		boolToInt(conn.IsActive), nullString(conn.ErrorCode),
		nullString(conn.ErrorMessage), formatTime(conn.CreatedAt),
		formatTime(conn.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return banksync.ErrConflict
		}
		return fmt.Errorf("failed to create connection: %w", err)
	}
	return nil
}

// GetConnection loads one connection scoped to a chapter.
func (s *Store) GetConnection(ctx context.Context, chapterID banksync.ChapterID, id banksync.ConnectionID) (*banksync.BankConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, chapter_id, institution_id, institution_name, access_token,
		       item_id, cursor, last_synced_at, is_active, error_code,
		       error_message, created_at, updated_at
		FROM bank_connections
		WHERE id = ? AND chapter_id = ?`,
		string(id), string(chapterID),
	)

	conn, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, banksync.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	return conn, nil
}

// ActiveConnections returns every active connection of a chapter.
func (s *Store) ActiveConnections(ctx context.Context, chapterID banksync.ChapterID) ([]banksync.BankConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chapter_id, institution_id, institution_name, access_token,
		       item_id, cursor, last_synced_at, is_active, error_code,
		       error_message, created_at, updated_at
		FROM bank_connections
		WHERE chapter_id = ? AND is_active = 1
		ORDER BY created_at`,
		string(chapterID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []banksync.BankConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, *conn)
	}
	return conns, rows.Err()
}

// ActiveChapters returns every chapter with at least one active connection.
func (s *Store) ActiveChapters(ctx context.Context) ([]banksync.ChapterID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT chapter_id FROM bank_connections
		WHERE is_active = 1 ORDER BY chapter_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list chapters: %w", err)
	}
	defer rows.Close()

	var chapters []banksync.ChapterID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		chapters = append(chapters, banksync.ChapterID(id))
	}
	return chapters, rows.Err()
}

// UpdateCursor commits a new sync position in a single atomic write.
func (s *Store) UpdateCursor(ctx context.Context, id banksync.ConnectionID, cursor string, lastSyncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE bank_connections
		SET cursor = ?, last_synced_at = ?, updated_at = ?
		WHERE id = ?`,
		nullString(cursor), formatTime(lastSyncedAt), formatTime(lastSyncedAt),
		string(id),
	)
	if err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}
	return requireRow(res)
}

// MarkConnectionError annotates the connection with an upstream error.
func (s *Store) MarkConnectionError(ctx context.Context, id banksync.ConnectionID, code, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE bank_connections
		SET error_code = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		nullString(code), nullString(message), formatTime(time.Now()), string(id),
	)
	if err != nil {
		return fmt.Errorf("failed to mark connection error: %w", err)
	}
	return requireRow(res)
}

// ClearConnectionError removes the error annotation.
func (s *Store) ClearConnectionError(ctx context.Context, id banksync.ConnectionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE bank_connections
		SET error_code = NULL, error_message = NULL, updated_at = ?
		WHERE id = ?`,
		formatTime(time.Now()), string(id),
	)
	if err != nil {
		return fmt.Errorf("failed to clear connection error: %w", err)
	}
	return requireRow(res)
}

// DeactivateConnection soft-disables a connection, scoped to its chapter.
func (s *Store) DeactivateConnection(ctx context.Context, chapterID banksync.ChapterID, id banksync.ConnectionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE bank_connections
		SET is_active = 0, updated_at = ?
		WHERE id = ? AND chapter_id = ?`,
		formatTime(time.Now()), string(id), string(chapterID),
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate connection: %w", err)
	}
	return requireRow(res)
}

// =============================================================================
// STAGING STORE
// =============================================================================

// UpsertStaged writes a staged transaction keyed by
// (chapter_id, source, external_id). Returns whether a new row was created.
func (s *Store) UpsertStaged(ctx context.Context, tx banksync.StagedTransaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Existence check and upsert run under the store mutex; SQLite has a
	// single writer anyway, this only keeps the inserted flag honest.
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM staged_transactions
		WHERE chapter_id = ? AND source = ? AND external_id = ?`,
		string(tx.ChapterID), string(tx.Source), tx.ExternalID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check staged transaction: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO staged_transactions
			(chapter_id, source, external_id, hash, date, amount, description,
			 raw_json, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chapter_id, source, external_id) DO UPDATE SET
			hash = excluded.hash,
			date = excluded.date,
			amount = excluded.amount,
			description = excluded.description,
			raw_json = excluded.raw_json,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		string(tx.ChapterID), string(tx.Source), tx.ExternalID, tx.Hash,
		tx.Date.Format(time.DateOnly), tx.Amount.String(), tx.Description,
		nullString(string(tx.Raw)), string(tx.Status),
		formatTime(tx.CreatedAt), formatTime(tx.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert staged transaction: %w", err)
	}
	return exists == 0, nil
}

// ListStagedByStatus returns staged rows in a status, oldest first.
func (s *Store) ListStagedByStatus(ctx context.Context, chapterID banksync.ChapterID, source banksync.Source, status banksync.StagedStatus) ([]banksync.StagedTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT chapter_id, source, external_id, hash, date, amount,
		       description, raw_json, status, created_at, updated_at
		FROM staged_transactions
		WHERE chapter_id = ? AND source = ? AND status = ?
		ORDER BY date, external_id`,
		string(chapterID), string(source), string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list staged transactions: %w", err)
	}
	defer rows.Close()

	var txs []banksync.StagedTransaction
	for rows.Next() {
		tx, err := scanStaged(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan staged transaction: %w", err)
		}
		txs = append(txs, *tx)
	}
	return txs, rows.Err()
}

// SetStagedStatus transitions one staged row's status.
func (s *Store) SetStagedStatus(ctx context.Context, chapterID banksync.ChapterID, source banksync.Source, externalID string, status banksync.StagedStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE staged_transactions
		SET status = ?, updated_at = ?
		WHERE chapter_id = ? AND source = ? AND external_id = ?`,
		string(status), formatTime(time.Now()),
		string(chapterID), string(source), externalID,
	)
	if err != nil {
		return fmt.Errorf("failed to set staged status: %w", err)
	}
	return requireRow(res)
}

// =============================================================================
// HISTORY STORE
// =============================================================================

// CreateHistory opens a new sync attempt record.
func (s *Store) CreateHistory(ctx context.Context, rec banksync.SyncHistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_history
			(id, connection_id, cursor_before, cursor_after, added, modified,
			 removed, status, error_message, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.ConnectionID), nullString(rec.CursorBefore),
		nullString(rec.CursorAfter), rec.Counts.Added, rec.Counts.Modified,
		rec.Counts.Removed, string(rec.Status), nullString(rec.ErrorMessage),
		formatTime(rec.StartedAt), nullTime(rec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create sync history: %w", err)
	}
	return nil
}

// FinalizeHistory closes a running record exactly once. The status guard in
// the WHERE clause makes finalizing an already-terminal record report
// ErrNotFound instead of silently re-opening it.
func (s *Store) FinalizeHistory(ctx context.Context, id string, fin banksync.HistoryFinal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_history
		SET status = ?, added = ?, modified = ?, removed = ?,
		    cursor_after = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(fin.Status), fin.Counts.Added, fin.Counts.Modified,
		fin.Counts.Removed, nullString(fin.CursorAfter),
		nullString(fin.ErrorMessage), formatTime(fin.CompletedAt),
		id, string(banksync.SyncRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to finalize sync history: %w", err)
	}
	return requireRow(res)
}

// ListHistory returns the newest records for a connection. limit <= 0
// returns all of them.
func (s *Store) ListHistory(ctx context.Context, connectionID banksync.ConnectionID, limit int) ([]banksync.SyncHistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connection_id, cursor_before, cursor_after, added,
		       modified, removed, status, error_message, started_at,
		       completed_at
		FROM sync_history
		WHERE connection_id = ?
		ORDER BY started_at DESC
		LIMIT ?`,
		string(connectionID), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync history: %w", err)
	}
	defer rows.Close()

	var recs []banksync.SyncHistoryRecord
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync history: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// =============================================================================
// LEDGER WRITER
// =============================================================================

// InsertLedgerEntry inserts one ledger entry.
// Returns banksync.ErrDuplicateEntry on a dedup-key collision.
func (s *Store) InsertLedgerEntry(ctx context.Context, entry banksync.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries
			(id, chapter_id, amount, description, date, source, dedup_key,
			 created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.ChapterID), entry.Amount.String(),
		entry.Description, entry.Date.Format(time.DateOnly),
		string(entry.Source), entry.DedupKey, formatTime(entry.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return banksync.ErrDuplicateEntry
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

// CountLedgerEntries returns the number of ledger entries for a chapter.
func (s *Store) CountLedgerEntries(ctx context.Context, chapterID banksync.ChapterID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM ledger_entries WHERE chapter_id = ?`,
		string(chapterID),
	).Scan(&n)
	return n, err
}

// =============================================================================
// SCANNING & HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*banksync.BankConnection, error) {
	var (
		conn                              banksync.BankConnection
		id, chapterID                     string
		cursor, errCode, errMsg, syncedAt sql.NullString
		isActive                          int
		createdAt, updatedAt              string
	)
	err := row.Scan(&id, &chapterID, &conn.InstitutionID, &conn.InstitutionName,
		&conn.AccessToken, &conn.ItemID, &cursor, &syncedAt, &isActive,
		&errCode, &errMsg, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	conn.ID = banksync.ConnectionID(id)
	conn.ChapterID = banksync.ChapterID(chapterID)
	conn.Cursor = cursor.String
	conn.IsActive = isActive == 1
	conn.ErrorCode = errCode.String
	conn.ErrorMessage = errMsg.String
	if syncedAt.Valid {
		t, err := parseTime(syncedAt.String)
		if err != nil {
			return nil, err
		}
		conn.LastSyncedAt = &t
	}
	if conn.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if conn.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &conn, nil
}

func scanStaged(row rowScanner) (*banksync.StagedTransaction, error) {
	var (
		tx                   banksync.StagedTransaction
		chapterID, source    string
		date, amount, status string
		raw                  sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&chapterID, &source, &tx.ExternalID, &tx.Hash, &date,
		&amount, &tx.Description, &raw, &status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	tx.ChapterID = banksync.ChapterID(chapterID)
	tx.Source = banksync.Source(source)
	tx.Status = banksync.StagedStatus(status)
	if raw.Valid {
		tx.Raw = []byte(raw.String)
	}
	if tx.Date, err = time.Parse(time.DateOnly, date); err != nil {
		return nil, err
	}
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("bad staged amount %q: %w", amount, err)
	}
	if tx.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if tx.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &tx, nil
}

func scanHistory(row rowScanner) (*banksync.SyncHistoryRecord, error) {
	var (
		rec                                      banksync.SyncHistoryRecord
		connID, status, startedAt                string
		cursorBefore, cursorAfter, errMsg, compl sql.NullString
	)
	err := row.Scan(&rec.ID, &connID, &cursorBefore, &cursorAfter,
		&rec.Counts.Added, &rec.Counts.Modified, &rec.Counts.Removed,
		&status, &errMsg, &startedAt, &compl)
	if err != nil {
		return nil, err
	}

	rec.ConnectionID = banksync.ConnectionID(connID)
	rec.CursorBefore = cursorBefore.String
	rec.CursorAfter = cursorAfter.String
	rec.Status = banksync.SyncStatus(status)
	rec.ErrorMessage = errMsg.String
	if rec.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if compl.Valid {
		t, err := parseTime(compl.String)
		if err != nil {
			return nil, err
		}
		rec.CompletedAt = &t
	}
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// requireRow maps "no rows affected" onto ErrNotFound for updates that name
// a specific record.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return banksync.ErrNotFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
