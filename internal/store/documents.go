package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tonimelisma/shadowgate/internal/names"
)

// Document queries.
const (
	sqlGetDocument = `SELECT document, version, update_time FROM documents
		WHERE thing = ? AND shadow = ? AND deleted = 0`

	// The version guard makes concurrent writers race safely: the insert
	// wins only for a brand-new row, and the update wins only when it
	// carries a strictly newer version. Losers observe zero affected rows.
	sqlUpsertDocument = `INSERT INTO documents
		(thing, shadow, document, version, deleted, update_time)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT(thing, shadow) DO UPDATE SET
			document    = excluded.document,
			version     = excluded.version,
			deleted     = 0,
			update_time = excluded.update_time
		WHERE excluded.version > documents.version`

	sqlSoftDelete = `UPDATE documents
		SET document = NULL, deleted = 1, update_time = ?
		WHERE thing = ? AND shadow = ? AND deleted = 0`

	sqlDeletedVersion = `SELECT version FROM documents
		WHERE thing = ? AND shadow = ? AND deleted = 1`

	sqlListNamed = `SELECT shadow FROM documents
		WHERE thing = ? AND shadow != '' AND deleted = 0
		ORDER BY shadow LIMIT ? OFFSET ?`
)

// GetDocument returns the live document for a key, or (nil, nil) when the
// shadow does not exist or is soft-deleted.
func (s *Store) GetDocument(ctx context.Context, key names.Key) (*Doc, error) {
	doc := &Doc{Key: key}

	err := s.docStmts.get.QueryRowContext(ctx, key.Thing, key.Shadow).
		Scan(&doc.Document, &doc.Version, &doc.UpdateTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: get document %s: %w", key, err)
	}

	return doc, nil
}

// UpdateDocument writes a document at the given version. Returns false when
// a concurrent writer got there first (the stored version is already >= the
// given one); the caller treats that as a version conflict.
func (s *Store) UpdateDocument(ctx context.Context, key names.Key, document []byte, version, updateTime int64) (bool, error) {
	res, err := s.docStmts.upsert.ExecContext(ctx, key.Thing, key.Shadow, document, version, updateTime)
	if err != nil {
		return false, fmt.Errorf("store: update document %s: %w", key, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: update document %s: rows affected: %w", key, err)
	}

	if affected == 0 {
		s.logger.Debug("document write lost version race", "key", key.String(), "version", version)
		return false, nil
	}

	s.logger.Debug("document written", "key", key.String(), "version", version)

	return true, nil
}

// DeleteDocument soft-deletes a document, keeping the version in the
// tombstone row. Returns the prior document, or (nil, nil) when the shadow
// did not exist.
func (s *Store) DeleteDocument(ctx context.Context, key names.Key, deleteTime int64) (*Doc, error) {
	prior, err := s.GetDocument(ctx, key)
	if err != nil {
		return nil, err
	}

	if prior == nil {
		return nil, nil
	}

	if _, err := s.docStmts.softDelete.ExecContext(ctx, deleteTime, key.Thing, key.Shadow); err != nil {
		return nil, fmt.Errorf("store: delete document %s: %w", key, err)
	}

	s.logger.Debug("document soft-deleted", "key", key.String(), "version", prior.Version)

	return prior, nil
}

// GetDeletedVersion returns the version held by a tombstone row, or 0 when
// no tombstone exists. Live versions start at 1, so 0 is unambiguous here.
func (s *Store) GetDeletedVersion(ctx context.Context, key names.Key) (int64, error) {
	var version int64

	err := s.docStmts.deletedVersion.QueryRowContext(ctx, key.Thing, key.Shadow).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("store: get deleted version %s: %w", key, err)
	}

	return version, nil
}

// NextVersion computes the version the next accepted update must carry:
// current + 1 for a live document, tombstone + 1 across resurrection, 1 for
// a brand-new shadow.
func (s *Store) NextVersion(ctx context.Context, key names.Key) (int64, error) {
	doc, err := s.GetDocument(ctx, key)
	if err != nil {
		return 0, err
	}

	if doc != nil {
		return doc.Version + 1, nil
	}

	deleted, err := s.GetDeletedVersion(ctx, key)
	if err != nil {
		return 0, err
	}

	return deleted + 1, nil
}

// ListNamedShadows pages the named shadows of a thing in stable name order.
// Classic shadows and tombstones are excluded.
func (s *Store) ListNamedShadows(ctx context.Context, thing string, offset, limit int) ([]string, error) {
	rows, err := s.docStmts.listNamed.QueryContext(ctx, thing, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list named shadows %s: %w", thing, err)
	}
	defer rows.Close()

	var shadows []string

	for rows.Next() {
		var shadow string
		if err := rows.Scan(&shadow); err != nil {
			return nil, fmt.Errorf("store: scan shadow name: %w", err)
		}

		shadows = append(shadows, shadow)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate shadow names: %w", err)
	}

	return shadows, nil
}
