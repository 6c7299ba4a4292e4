// Package persist durably mirrors a replicated document to local storage so a
// workspace stays usable with no network. Every committed transaction is
// appended to a per-workspace sqlite update log; the log is periodically
// folded into a snapshot so reopening a large workspace stays cheap. If local
// storage is unavailable the store degrades to in-memory operation instead of
// failing: edits survive the session but not a restart.
package persist

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/driftworks/boardsync/internal/crdt"
)

// OriginLoad tags the transaction that seeds a document from local storage.
// The store ignores its own load when mirroring, so reopening never rewrites
// the log with what it just read.
const OriginLoad = "persist:load"

const (
	defaultCompactThreshold = 500
	operationTimeout        = 5 * time.Second
)

type Options struct {
	// DataDir holds the per-workspace database files. Defaults to ".boardsync".
	DataDir string
	// CompactThreshold is the number of appended updates after which the log
	// is folded into a snapshot. Zero means the default.
	CompactThreshold int
	Logger           zerolog.Logger
}

// Store mirrors one workspace's document to a sqlite database.
type Store struct {
	mu          sync.Mutex
	db          *sql.DB
	doc         *crdt.Doc
	workspaceID string
	threshold   int
	appended    int
	degraded    bool
	logger      zerolog.Logger
}

// Open loads prior local state for the workspace into doc and begins
// mirroring every subsequent transaction. It returns once the load is
// complete; callers must not touch the document before that. A store is
// always returned: storage failures degrade it instead of aborting.
func Open(ctx context.Context, workspaceID string, doc *crdt.Doc, opts Options) (*Store, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("workspace id is required")
	}
	if doc == nil {
		return nil, fmt.Errorf("doc is required")
	}
	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = ".boardsync"
	}
	threshold := opts.CompactThreshold
	if threshold <= 0 {
		threshold = defaultCompactThreshold
	}
	s := &Store{
		doc:         doc,
		workspaceID: workspaceID,
		threshold:   threshold,
		logger:      opts.Logger.With().Str("component", "persist").Str("workspace", workspaceID).Logger(),
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		s.degrade("create data dir", err)
		return s, nil
	}
	path := filepath.Join(dataDir, fmt.Sprintf("boardsync-%s.db", workspaceID))
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		s.degrade("open database", err)
		return s, nil
	}
	s.db = db
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		s.db = nil
		s.degrade("migrate", err)
		return s, nil
	}
	if err := s.load(ctx); err != nil {
		_ = db.Close()
		s.db = nil
		s.degrade("load", err)
		return s, nil
	}
	doc.ObserveUpdates(s.onUpdate)
	return s, nil
}

// Degraded reports whether the store has fallen back to in-memory operation.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Store) migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS snapshots (
			workspace_id TEXT PRIMARY KEY,
			snapshot     BLOB NOT NULL,
			updated_at   TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS updates (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			workspace_id TEXT NOT NULL,
			update_data  BLOB NOT NULL,
			origin       TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_updates_workspace ON updates(workspace_id, seq);`)
	return err
}

func (s *Store) load(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	var snapshot []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM snapshots WHERE workspace_id = ?`, s.workspaceID).Scan(&snapshot)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if len(snapshot) > 0 {
		if applyErr := s.doc.ApplyUpdate(snapshot, OriginLoad); applyErr != nil {
			s.logger.Warn().Err(applyErr).Msg("discarding corrupt snapshot")
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT update_data FROM updates WHERE workspace_id = ? ORDER BY seq`, s.workspaceID)
	if err != nil {
		return err
	}
	defer rows.Close()
	pending := 0
	for rows.Next() {
		var update []byte
		if err := rows.Scan(&update); err != nil {
			return err
		}
		if applyErr := s.doc.ApplyUpdate(update, OriginLoad); applyErr != nil {
			s.logger.Warn().Err(applyErr).Msg("skipping corrupt update record")
			continue
		}
		pending++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	s.appended = pending
	return nil
}

func (s *Store) onUpdate(update []byte, info crdt.TxnInfo) {
	if info.Origin == OriginLoad {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO updates (workspace_id, update_data, origin, created_at) VALUES (?, ?, ?, ?)`,
		s.workspaceID, update, info.Origin, time.Now().UTC())
	if err != nil {
		s.degradeLocked("append update", err)
		return
	}
	s.appended++
	if s.appended >= s.threshold {
		if err := s.compactLocked(ctx); err != nil {
			s.degradeLocked("compact", err)
		}
	}
}

// Flush folds the update log into a snapshot immediately. Used by explicit
// save-now requests to guarantee durability before resolving.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded || s.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	return s.compactLocked(ctx)
}

func (s *Store) compactLocked(ctx context.Context) error {
	snapshot := s.doc.EncodeSnapshot()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (workspace_id, snapshot, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (workspace_id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		s.workspaceID, snapshot, time.Now().UTC())
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM updates WHERE workspace_id = ?`, s.workspaceID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.appended = 0
	return nil
}

// Close flushes and releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	if !s.degraded {
		ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		if err := s.compactLocked(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("final compaction failed")
		}
		cancel()
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) degrade(action string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degradeLocked(action, err)
}

func (s *Store) degradeLocked(action string, err error) {
	if s.degraded {
		return
	}
	s.degraded = true
	s.logger.Error().Err(err).Str("action", action).
		Msg("local storage unavailable; continuing in memory only")
}
