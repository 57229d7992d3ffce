package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/tonimelisma/shadowgate/internal/cloud"
	"github.com/tonimelisma/shadowgate/internal/shadow"
	"github.com/tonimelisma/shadowgate/internal/store"
)

// Retry discipline for transient cloud failures. Retries are unbounded; a
// request stops retrying only on success, on reclassification (conflict),
// or when the engine shuts down.
const (
	retryInitialBackoff = time.Second
	retryBackoffFactor  = 2
	retryMaxBackoff     = 60 * time.Second
)

// errConflict marks outcomes that cannot be resolved incrementally; the
// retry loop answers it by scheduling a full reconciliation for the key.
var errConflict = errors.New("sync: conflict requires full reconciliation")

// executor runs individual sync requests against the store, the local
// mutation path and the cloud data plane.
type executor struct {
	store  Store
	cloud  CloudClient
	local  LocalMutator
	logger *slog.Logger

	// outbound paces cloud writes; nil means unlimited.
	outbound *rate.Limiter

	// enqueue feeds conflict-triggered full syncs back through the queue so
	// direction gating and merging still apply.
	enqueue func(*Request)

	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error
}

func (x *executor) now() int64 {
	return x.nowFunc().Unix()
}

// execute runs one request to completion: success, conflict-requeue, drop,
// or cancellation. Transient cloud failures retry in place with exponential
// backoff so queue ordering for the key is preserved.
func (x *executor) execute(ctx context.Context, req *Request) error {
	backoff := retryInitialBackoff

	for {
		err := x.executeOnce(ctx, req)

		switch {
		case err == nil:
			return nil

		case errors.Is(err, errConflict):
			x.logger.Info("Sync conflict, scheduling full reconciliation",
				"key", req.Key, "kind", req.Kind.String())
			x.enqueue(&Request{Key: req.Key, Kind: KindFullSync})

			return nil

		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return err

		case cloud.IsRetryable(err):
			x.logger.Warn("Transient sync failure, backing off",
				"key", req.Key, "kind", req.Kind.String(), "backoff", backoff, "error", err)

			if serr := x.sleepFunc(ctx, backoff); serr != nil {
				return serr
			}

			backoff = min(backoff*retryBackoffFactor, retryMaxBackoff)

		default:
			x.logger.Error("Dropping sync request after terminal failure",
				"key", req.Key, "kind", req.Kind.String(), "error", err)

			return err
		}
	}
}

func (x *executor) executeOnce(ctx context.Context, req *Request) error {
	switch req.Kind {
	case KindCloudUpdate:
		return x.cloudUpdate(ctx, req)
	case KindCloudDelete:
		return x.cloudDelete(ctx, req)
	case KindLocalUpdate:
		return x.localUpdate(ctx, req)
	case KindLocalDelete:
		return x.localDelete(ctx, req)
	case KindFullSync:
		return x.fullSync(ctx, req.Key)
	case KindOverwriteCloud:
		return x.overwriteCloud(ctx, req.Key)
	case KindOverwriteLocal:
		return x.overwriteLocal(ctx, req.Key)
	default:
		return fmt.Errorf("sync: unknown request kind %d", int(req.Kind))
	}
}

// cloudUpdate pushes a local change to the cloud data plane.
func (x *executor) cloudUpdate(ctx context.Context, req *Request) error {
	key := req.Key

	local, err := x.store.GetDocument(ctx, key)
	if err != nil {
		return fmt.Errorf("sync: cloud update: %w", err)
	}

	if local == nil {
		// Deleted since the request was enqueued; the delete's own request
		// takes care of the cloud side.
		x.logger.Debug("Skipping cloud update for absent local shadow", "key", key)
		return nil
	}

	info, err := x.store.GetSyncInfo(ctx, key)
	if err != nil {
		return fmt.Errorf("sync: cloud update: %w", err)
	}

	localDoc, err := shadow.ParseDocument(local.Document)
	if err != nil {
		return fmt.Errorf("sync: cloud update: %w", err)
	}

	// Idempotence guard: when the local content already equals the last
	// synced document, this change originated from the cloud. Pushing it
	// back would loop; only the bookkeeping needs a refresh.
	if info != nil && len(info.CloudDocument) > 0 {
		lastSynced, perr := shadow.ParseDocument(info.CloudDocument)
		if perr == nil && localDoc.Equal(lastSynced) {
			info.LocalVersion = local.Version
			info.LastSyncTime = x.now()

			if err := x.store.UpdateSyncInfo(ctx, info); err != nil {
				return fmt.Errorf("sync: cloud update: %w", err)
			}

			x.logger.Debug("Local change already synced, refreshed bookkeeping", "key", key)

			return nil
		}
	}

	payload, err := stampCloudVersion(req.Patch, info)
	if err != nil {
		return err
	}

	if err := x.waitOutbound(ctx); err != nil {
		return err
	}

	resp, err := x.cloud.UpdateThingShadow(ctx, key, payload)
	if err != nil {
		if cloud.IsConflict(err) {
			return fmt.Errorf("%w: %w", errConflict, err)
		}

		return fmt.Errorf("sync: cloud update %s: %w", key, err)
	}

	now := x.now()
	next := &store.SyncInfo{
		Key:             key,
		CloudDocument:   local.Document,
		CloudVersion:    versionFromResponse(resp),
		CloudUpdateTime: now,
		LastSyncTime:    now,
		LocalVersion:    local.Version,
	}

	if err := x.store.UpdateSyncInfo(ctx, next); err != nil {
		return fmt.Errorf("sync: cloud update: %w", err)
	}

	x.logger.Info("Pushed local change to cloud",
		"key", key, "cloud_version", next.CloudVersion, "local_version", local.Version)

	return nil
}

// cloudDelete removes the cloud copy after a local delete. NotFound counts
// as success so repeated deletes stay idempotent.
func (x *executor) cloudDelete(ctx context.Context, req *Request) error {
	key := req.Key

	if err := x.waitOutbound(ctx); err != nil {
		return err
	}

	if err := x.cloud.DeleteThingShadow(ctx, key); err != nil && !cloud.IsNotFound(err) {
		if cloud.IsConflict(err) {
			return fmt.Errorf("%w: %w", errConflict, err)
		}

		return fmt.Errorf("sync: cloud delete %s: %w", key, err)
	}

	info, err := x.store.GetSyncInfo(ctx, key)
	if err != nil {
		return fmt.Errorf("sync: cloud delete: %w", err)
	}

	if info == nil {
		// Created and deleted before the first sync ever ran.
		info = &store.SyncInfo{Key: key}
	}

	deletedVersion, err := x.store.GetDeletedVersion(ctx, key)
	if err != nil {
		return fmt.Errorf("sync: cloud delete: %w", err)
	}

	now := x.now()
	info.CloudDocument = nil
	info.CloudDeleted = true
	info.CloudVersion++
	info.CloudUpdateTime = now
	info.LastSyncTime = now
	info.LocalVersion = deletedVersion

	if err := x.store.UpdateSyncInfo(ctx, info); err != nil {
		return fmt.Errorf("sync: cloud delete: %w", err)
	}

	x.logger.Info("Deleted cloud shadow", "key", key, "cloud_version", info.CloudVersion)

	return nil
}

// localUpdate applies an inbound cloud update to the local store.
func (x *executor) localUpdate(ctx context.Context, req *Request) error {
	key := req.Key

	info, err := x.store.GetSyncInfo(ctx, key)
	if err != nil {
		return fmt.Errorf("sync: local update: %w", err)
	}

	var known int64
	if info != nil {
		known = info.CloudVersion
	}

	if req.Version <= known {
		x.logger.Debug("Dropping already-seen cloud update",
			"key", key, "version", req.Version, "known", known)
		return nil
	}

	if req.Version > known+1 {
		return fmt.Errorf("%w: cloud version jumped from %d to %d", errConflict, known, req.Version)
	}

	localVersion, err := x.local.ApplyCloudUpdate(ctx, key, req.Patch)
	if err != nil {
		if errors.Is(err, shadow.ErrVersionConflict) {
			return fmt.Errorf("%w: %w", errConflict, err)
		}

		return fmt.Errorf("sync: local update: %w", err)
	}

	local, err := x.store.GetDocument(ctx, key)
	if err != nil {
		return fmt.Errorf("sync: local update: %w", err)
	}

	now := x.now()
	next := &store.SyncInfo{
		Key:             key,
		CloudVersion:    req.Version,
		CloudUpdateTime: now,
		LastSyncTime:    now,
		LocalVersion:    localVersion,
	}

	if local != nil {
		next.CloudDocument = local.Document
	}

	if err := x.store.UpdateSyncInfo(ctx, next); err != nil {
		return fmt.Errorf("sync: local update: %w", err)
	}

	x.logger.Info("Applied cloud update locally",
		"key", key, "cloud_version", req.Version, "local_version", localVersion)

	return nil
}

// localDelete applies an inbound cloud delete to the local store.
func (x *executor) localDelete(ctx context.Context, req *Request) error {
	key := req.Key

	info, err := x.store.GetSyncInfo(ctx, key)
	if err != nil {
		return fmt.Errorf("sync: local delete: %w", err)
	}

	if info != nil && req.Version < info.CloudVersion {
		return fmt.Errorf("%w: delete version %d behind synced version %d",
			errConflict, req.Version, info.CloudVersion)
	}

	localVersion, err := x.local.ApplyCloudDelete(ctx, key)
	if err != nil {
		return fmt.Errorf("sync: local delete: %w", err)
	}

	if info == nil {
		info = &store.SyncInfo{Key: key}
	}

	now := x.now()
	info.CloudDocument = nil
	info.CloudDeleted = true
	info.CloudVersion = req.Version
	info.CloudUpdateTime = now
	info.LastSyncTime = now

	if localVersion > 0 {
		info.LocalVersion = localVersion
	}

	if err := x.store.UpdateSyncInfo(ctx, info); err != nil {
		return fmt.Errorf("sync: local delete: %w", err)
	}

	x.logger.Info("Applied cloud delete locally", "key", key, "cloud_version", req.Version)

	return nil
}

func (x *executor) waitOutbound(ctx context.Context) error {
	if x.outbound == nil {
		return nil
	}

	return x.outbound.Wait(ctx)
}

// stampCloudVersion attaches the optimistic-concurrency version the cloud
// will assign next. The first-ever push omits the version and applies
// unconditionally.
func stampCloudVersion(patch []byte, info *store.SyncInfo) ([]byte, error) {
	if info == nil {
		return patch, nil
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(patch, &body); err != nil {
		return nil, fmt.Errorf("sync: invalid patch: %w", err)
	}

	version, err := json.Marshal(info.CloudVersion + 1)
	if err != nil {
		return nil, fmt.Errorf("sync: stamp version: %w", err)
	}

	body["version"] = version

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("sync: stamp version: %w", err)
	}

	return data, nil
}

// versionFromResponse extracts the assigned version from a cloud accepted
// response. Zero when the response carries none.
func versionFromResponse(resp []byte) int64 {
	var body struct {
		Version int64 `json:"version"`
	}

	if err := json.Unmarshal(resp, &body); err != nil {
		return 0
	}

	return body.Version
}
