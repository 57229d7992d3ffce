// Package store persists shadow documents and per-shadow sync bookkeeping in
// an embedded SQLite database. Documents are stored as opaque bytes with a
// version column for optimistic-concurrency guards; deletes are soft
// (tombstone rows keep the version so resurrection stays monotonic).
//
// The store is per-row atomic and is the sole owner of persisted state.
// Cross-operation ordering comes from the per-shadow write locks held by the
// callers, not from the store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/tonimelisma/shadowgate/internal/names"
)

// sqlitePageSize is the database page size assumed when translating the disk
// quota into a page count. Matches the modernc.org/sqlite default.
const sqlitePageSize = 4096

// Store is the SQLite-backed shadow store. Open with Open; Close when done.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	docStmts  documentStatements
	syncStmts syncStatements
}

// Statement groups, prepared once at open.
type documentStatements struct {
	get, upsert, softDelete, deletedVersion, listNamed *sql.Stmt
}

type syncStatements struct {
	get, upsert, deleteByKey, list *sql.Stmt
}

// Options tunes the open behavior.
type Options struct {
	// MaxDiskUtilizationMB caps the database size via SQLite's max page
	// count. Zero means unlimited.
	MaxDiskUtilizationMB int
}

// Open opens (creating if needed) the database at dbPath, applies pending
// migrations, and prepares all statements. The connection pool is pinned to
// one connection: SQLite allows one writer, and a single connection keeps
// the WAL busy-timeout path out of the picture entirely.
func Open(dbPath string, opts Options, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening shadow database", "path", dbPath)

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"+
			"&_pragma=journal_size_limit(67108864)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)

	ctx := context.Background()

	if opts.MaxDiskUtilizationMB > 0 {
		pages := int64(opts.MaxDiskUtilizationMB) * 1024 * 1024 / sqlitePageSize

		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA max_page_count = %d", pages)); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: set disk quota: %w", err)
		}

		logger.Info("disk quota applied", "megabytes", opts.MaxDiskUtilizationMB, "max_pages", pages)
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: prepare statements: %w", err)
	}

	logger.Info("shadow database ready", "path", dbPath)

	return s, nil
}

// Close releases prepared statements and the underlying database.
func (s *Store) Close() error {
	for _, stmt := range []*sql.Stmt{
		s.docStmts.get, s.docStmts.upsert, s.docStmts.softDelete,
		s.docStmts.deletedVersion, s.docStmts.listNamed,
		s.syncStmts.get, s.syncStmts.upsert, s.syncStmts.deleteByKey, s.syncStmts.list,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close database: %w", err)
	}

	return nil
}

// stmtDef maps a SQL string to the prepared statement pointer it populates.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

// prepareAll prepares a batch of statements, returning on first error.
func prepareAll(ctx context.Context, db *sql.DB, defs []stmtDef) error {
	for i := range defs {
		stmt, err := db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

func (s *Store) prepareStatements(ctx context.Context) error {
	if err := prepareAll(ctx, s.db, []stmtDef{
		{&s.docStmts.get, sqlGetDocument, "getDocument"},
		{&s.docStmts.upsert, sqlUpsertDocument, "upsertDocument"},
		{&s.docStmts.softDelete, sqlSoftDelete, "softDelete"},
		{&s.docStmts.deletedVersion, sqlDeletedVersion, "deletedVersion"},
		{&s.docStmts.listNamed, sqlListNamed, "listNamed"},
	}); err != nil {
		return err
	}

	return prepareAll(ctx, s.db, []stmtDef{
		{&s.syncStmts.get, sqlGetSyncInfo, "getSyncInfo"},
		{&s.syncStmts.upsert, sqlUpsertSyncInfo, "upsertSyncInfo"},
		{&s.syncStmts.deleteByKey, sqlDeleteSyncInfo, "deleteSyncInfo"},
		{&s.syncStmts.list, sqlListSynced, "listSynced"},
	})
}

// Doc is one stored shadow document row.
type Doc struct {
	Key      names.Key
	Document []byte
	Version  int64

	// UpdateTime is epoch seconds of the last write, matching the
	// document's wire timestamp resolution.
	UpdateTime int64
}

// SyncInfo is the per-shadow cloud bookkeeping row. Absence of the row is
// the canonical "never synced" state; version fields are never surfaced as
// zero outside the store.
type SyncInfo struct {
	Key names.Key

	// CloudDocument holds the bytes of the document as of the last
	// successful sync; nil after a cloud delete.
	CloudDocument []byte

	CloudVersion    int64
	CloudDeleted    bool
	CloudUpdateTime int64
	LastSyncTime    int64
	LocalVersion    int64
}
