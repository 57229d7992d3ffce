package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tonimelisma/shadowgate/internal/names"
)

// Sync bookkeeping queries.
const (
	sqlGetSyncInfo = `SELECT cloud_document, cloud_version, cloud_deleted,
		cloud_update_time, last_sync_time, local_version
		FROM sync WHERE thing = ? AND shadow = ?`

	sqlUpsertSyncInfo = `INSERT INTO sync
		(thing, shadow, cloud_document, cloud_version, cloud_deleted,
		 cloud_update_time, last_sync_time, local_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thing, shadow) DO UPDATE SET
			cloud_document    = excluded.cloud_document,
			cloud_version     = excluded.cloud_version,
			cloud_deleted     = excluded.cloud_deleted,
			cloud_update_time = excluded.cloud_update_time,
			last_sync_time    = excluded.last_sync_time,
			local_version     = excluded.local_version`

	sqlDeleteSyncInfo = `DELETE FROM sync WHERE thing = ? AND shadow = ?`

	sqlListSynced = `SELECT thing, shadow FROM sync ORDER BY thing, shadow`
)

// GetSyncInfo returns the sync bookkeeping row for a key, or (nil, nil) when
// the shadow has never synced.
func (s *Store) GetSyncInfo(ctx context.Context, key names.Key) (*SyncInfo, error) {
	info := &SyncInfo{Key: key}

	err := s.syncStmts.get.QueryRowContext(ctx, key.Thing, key.Shadow).Scan(
		&info.CloudDocument, &info.CloudVersion, &info.CloudDeleted,
		&info.CloudUpdateTime, &info.LastSyncTime, &info.LocalVersion,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: get sync info %s: %w", key, err)
	}

	return info, nil
}

// UpdateSyncInfo upserts the full bookkeeping row.
func (s *Store) UpdateSyncInfo(ctx context.Context, info *SyncInfo) error {
	_, err := s.syncStmts.upsert.ExecContext(ctx,
		info.Key.Thing, info.Key.Shadow,
		info.CloudDocument, info.CloudVersion, info.CloudDeleted,
		info.CloudUpdateTime, info.LastSyncTime, info.LocalVersion,
	)
	if err != nil {
		return fmt.Errorf("store: update sync info %s: %w", info.Key, err)
	}

	s.logger.Debug("sync info written",
		"key", info.Key.String(),
		"cloud_version", info.CloudVersion,
		"local_version", info.LocalVersion,
		"cloud_deleted", info.CloudDeleted,
	)

	return nil
}

// DeleteSyncInfo removes the bookkeeping row. Called when a shadow leaves
// the configured sync set.
func (s *Store) DeleteSyncInfo(ctx context.Context, key names.Key) error {
	if _, err := s.syncStmts.deleteByKey.ExecContext(ctx, key.Thing, key.Shadow); err != nil {
		return fmt.Errorf("store: delete sync info %s: %w", key, err)
	}

	return nil
}

// ListSyncedShadows returns every key with a bookkeeping row, in stable
// (thing, shadow) order.
func (s *Store) ListSyncedShadows(ctx context.Context) ([]names.Key, error) {
	rows, err := s.syncStmts.list.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list synced shadows: %w", err)
	}
	defer rows.Close()

	var keys []names.Key

	for rows.Next() {
		var key names.Key
		if err := rows.Scan(&key.Thing, &key.Shadow); err != nil {
			return nil, fmt.Errorf("store: scan synced key: %w", err)
		}

		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate synced keys: %w", err)
	}

	return keys, nil
}
