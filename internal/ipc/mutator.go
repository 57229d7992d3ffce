package ipc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tonimelisma/shadowgate/internal/names"
	"github.com/tonimelisma/shadowgate/internal/shadow"
)

// The methods in this file are the cloud-applied mutation facet used by the
// sync engine. They share the merge path, per-key locking and local
// notification fan-out with the IPC handlers, but skip rate limiting,
// authorization and cloud enqueueing: a cloud-sourced write must notify
// local subscribers yet can never loop back to the cloud.

// ApplyCloudUpdate merges a cloud-sourced patch into the local shadow and
// returns the new local version. The local version is assigned
// independently of the cloud's.
func (h *Handlers) ApplyCloudUpdate(ctx context.Context, key names.Key, patch []byte) (int64, error) {
	now := h.now()

	u, err := shadow.ParseUpdate(patch)
	if err != nil {
		return 0, fmt.Errorf("ipc: cloud patch: %w", err)
	}

	u.Version = nil

	_, maxDepth := h.limits()
	if err := u.ValidateDepth(maxDepth); err != nil {
		return 0, fmt.Errorf("ipc: cloud patch: %w", err)
	}

	unlock := h.locks.Lock(key)
	defer unlock()

	curDoc, nextVersion, err := h.loadForWrite(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("ipc: cloud update: %w", err)
	}

	merged, touched := shadow.Merge(curDoc, u, nextVersion, now)

	data, err := merged.Marshal()
	if err != nil {
		return 0, fmt.Errorf("ipc: cloud update: %w", err)
	}

	written, err := h.store.UpdateDocument(ctx, key, data, nextVersion, now)
	if err != nil {
		return 0, fmt.Errorf("ipc: cloud update: %w", err)
	}

	if !written {
		return 0, versionConflict()
	}

	h.logger.Debug("Cloud update applied locally", "key", key, "version", nextVersion)

	h.publishDelta(key, merged, now, "")
	h.publishDocuments(key, curDoc, merged, now, "")
	h.publishUpdateAccepted(key, u.State, touched, nextVersion, now, "")

	return nextVersion, nil
}

// ReplaceDocument overwrites the local shadow with a cloud document
// wholesale, bypassing patch merging. Local leaves absent from the cloud
// document are gone afterwards. Cloud metadata is adopted when present;
// otherwise every leaf is stamped with the current time. Returns the new
// local version.
func (h *Handlers) ReplaceDocument(ctx context.Context, key names.Key, doc *shadow.Document) (int64, error) {
	now := h.now()

	unlock := h.locks.Lock(key)
	defer unlock()

	curDoc, nextVersion, err := h.loadForWrite(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("ipc: replace document: %w", err)
	}

	replacement := doc.Clone()
	replacement.Version = nextVersion
	replacement.Timestamp = now

	if replacement.Metadata.Desired == nil && replacement.Metadata.Reported == nil {
		replacement.Metadata = shadow.Metadata{
			Desired:  shadow.StampMetadata(replacement.Desired, now),
			Reported: shadow.StampMetadata(replacement.Reported, now),
		}
	}

	data, err := replacement.Marshal()
	if err != nil {
		return 0, fmt.Errorf("ipc: replace document: %w", err)
	}

	written, err := h.store.UpdateDocument(ctx, key, data, nextVersion, now)
	if err != nil {
		return 0, fmt.Errorf("ipc: replace document: %w", err)
	}

	if !written {
		return 0, versionConflict()
	}

	h.logger.Debug("Local shadow replaced", "key", key, "version", nextVersion)

	echo := struct {
		Desired  map[string]any `json:"desired,omitempty"`
		Reported map[string]any `json:"reported,omitempty"`
	}{replacement.Desired, replacement.Reported}

	stateEcho, err := json.Marshal(echo)
	if err != nil {
		return 0, fmt.Errorf("ipc: replace document: %w", err)
	}

	h.publishDelta(key, replacement, now, "")
	h.publishDocuments(key, curDoc, replacement, now, "")
	h.publishUpdateAccepted(key, stateEcho, replacement.Metadata, nextVersion, now, "")

	return nextVersion, nil
}

// ApplyCloudDelete soft-deletes the local shadow after a cloud-side delete.
// Returns the deleted local version, or zero when no live document existed
// (already gone is not an error).
func (h *Handlers) ApplyCloudDelete(ctx context.Context, key names.Key) (int64, error) {
	now := h.now()

	unlock := h.locks.Lock(key)
	defer unlock()

	prior, err := h.store.DeleteDocument(ctx, key, now)
	if err != nil {
		return 0, fmt.Errorf("ipc: cloud delete: %w", err)
	}

	if prior == nil {
		return 0, nil
	}

	h.logger.Debug("Cloud delete applied locally", "key", key, "version", prior.Version)

	h.publish(key.AcceptedTopic(names.OpDelete), deleteAcceptedMessage{
		Version:   prior.Version,
		Timestamp: now,
	})

	return prior.Version, nil
}
