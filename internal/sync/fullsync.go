package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tonimelisma/shadowgate/internal/cloud"
	"github.com/tonimelisma/shadowgate/internal/names"
	"github.com/tonimelisma/shadowgate/internal/shadow"
	"github.com/tonimelisma/shadowgate/internal/store"
)

// fullSync reconciles the local and cloud copies of one shadow. The last
// synced document acts as the merge ancestor; without one (first sync, or
// the previous sync was a delete) the two sides merge directly under the
// conflict rule.
func (x *executor) fullSync(ctx context.Context, key names.Key) error {
	cloudDoc, cloudAbsent, err := x.fetchCloud(ctx, key)
	if err != nil {
		return err
	}

	local, err := x.store.GetDocument(ctx, key)
	if err != nil {
		return fmt.Errorf("sync: full sync: %w", err)
	}

	info, err := x.store.GetSyncInfo(ctx, key)
	if err != nil {
		return fmt.Errorf("sync: full sync: %w", err)
	}

	switch {
	case local == nil && cloudAbsent:
		x.logger.Debug("Full sync found shadow absent on both sides", "key", key)
		return nil

	case local == nil:
		if _, err := x.local.ReplaceDocument(ctx, key, cloudDoc); err != nil {
			return fmt.Errorf("sync: full sync: %w", err)
		}

		x.logger.Info("Full sync adopted cloud shadow", "key", key, "cloud_version", cloudDoc.Version)

		return x.recordSynced(ctx, key, cloudDoc.Version)

	case cloudAbsent:
		localDoc, err := shadow.ParseDocument(local.Document)
		if err != nil {
			return fmt.Errorf("sync: full sync: %w", err)
		}

		cloudVersion, err := x.pushToCloud(ctx, key, localDoc, nil, 0)
		if err != nil {
			return err
		}

		x.logger.Info("Full sync pushed local shadow to cloud", "key", key, "cloud_version", cloudVersion)

		return x.recordSynced(ctx, key, cloudVersion)
	}

	localDoc, err := shadow.ParseDocument(local.Document)
	if err != nil {
		return fmt.Errorf("sync: full sync: %w", err)
	}

	ancestor := x.lastSynced(info, key)
	if ancestor == nil {
		merged := mergeDocuments(nil, localDoc, cloudDoc)
		return x.writeBoth(ctx, key, merged, localDoc, cloudDoc)
	}

	localChanged := !localDoc.Equal(ancestor)
	cloudChanged := !cloudDoc.Equal(ancestor)

	switch {
	case !localChanged && !cloudChanged:
		x.logger.Debug("Full sync found no divergence", "key", key)
		return x.recordSynced(ctx, key, cloudDoc.Version)

	case cloudChanged && !localChanged:
		if _, err := x.local.ReplaceDocument(ctx, key, cloudDoc); err != nil {
			return fmt.Errorf("sync: full sync: %w", err)
		}

		x.logger.Info("Full sync adopted cloud changes", "key", key, "cloud_version", cloudDoc.Version)

		return x.recordSynced(ctx, key, cloudDoc.Version)

	case localChanged && !cloudChanged:
		cloudVersion, err := x.pushToCloud(ctx, key, localDoc, cloudDoc, cloudDoc.Version+1)
		if err != nil {
			return err
		}

		x.logger.Info("Full sync pushed local changes", "key", key, "cloud_version", cloudVersion)

		return x.recordSynced(ctx, key, cloudVersion)

	default:
		merged := mergeDocuments(ancestor, localDoc, cloudDoc)
		return x.writeBoth(ctx, key, merged, localDoc, cloudDoc)
	}
}

// overwriteCloud replaces the cloud copy with the local document,
// unconditionally. A missing local document propagates as a cloud delete.
func (x *executor) overwriteCloud(ctx context.Context, key names.Key) error {
	local, err := x.store.GetDocument(ctx, key)
	if err != nil {
		return fmt.Errorf("sync: overwrite cloud: %w", err)
	}

	if local == nil {
		return x.cloudDelete(ctx, &Request{Key: key, Kind: KindCloudDelete})
	}

	localDoc, err := shadow.ParseDocument(local.Document)
	if err != nil {
		return fmt.Errorf("sync: overwrite cloud: %w", err)
	}

	cloudDoc, _, err := x.fetchCloud(ctx, key)
	if err != nil {
		return err
	}

	cloudVersion, err := x.pushToCloud(ctx, key, localDoc, cloudDoc, 0)
	if err != nil {
		return err
	}

	x.logger.Info("Overwrote cloud shadow with local document", "key", key, "cloud_version", cloudVersion)

	return x.recordSynced(ctx, key, cloudVersion)
}

// overwriteLocal replaces the local copy with the cloud document,
// unconditionally. A missing cloud document propagates as a local delete.
func (x *executor) overwriteLocal(ctx context.Context, key names.Key) error {
	cloudDoc, cloudAbsent, err := x.fetchCloud(ctx, key)
	if err != nil {
		return err
	}

	if cloudAbsent {
		localVersion, err := x.local.ApplyCloudDelete(ctx, key)
		if err != nil {
			return fmt.Errorf("sync: overwrite local: %w", err)
		}

		info, err := x.store.GetSyncInfo(ctx, key)
		if err != nil {
			return fmt.Errorf("sync: overwrite local: %w", err)
		}

		if info == nil {
			info = &store.SyncInfo{Key: key}
		}

		now := x.now()
		info.CloudDocument = nil
		info.CloudDeleted = true
		info.CloudUpdateTime = now
		info.LastSyncTime = now

		if localVersion > 0 {
			info.LocalVersion = localVersion
		}

		if err := x.store.UpdateSyncInfo(ctx, info); err != nil {
			return fmt.Errorf("sync: overwrite local: %w", err)
		}

		x.logger.Info("Overwrote local shadow with cloud delete", "key", key)

		return nil
	}

	if _, err := x.local.ReplaceDocument(ctx, key, cloudDoc); err != nil {
		return fmt.Errorf("sync: overwrite local: %w", err)
	}

	x.logger.Info("Overwrote local shadow with cloud document", "key", key, "cloud_version", cloudDoc.Version)

	return x.recordSynced(ctx, key, cloudDoc.Version)
}

// fetchCloud GETs the cloud document. A missing shadow reports absent
// rather than an error.
func (x *executor) fetchCloud(ctx context.Context, key names.Key) (*shadow.Document, bool, error) {
	data, err := x.cloud.GetThingShadow(ctx, key)
	if err != nil {
		if cloud.IsNotFound(err) {
			return nil, true, nil
		}

		return nil, false, fmt.Errorf("sync: fetch cloud shadow %s: %w", key, err)
	}

	doc, err := shadow.ParseDocument(data)
	if err != nil {
		return nil, false, fmt.Errorf("sync: fetch cloud shadow %s: %w", key, err)
	}

	return doc, false, nil
}

// lastSynced parses the stored ancestor document. Corrupt bytes degrade to
// the first-sync merge rather than wedging the key.
func (x *executor) lastSynced(info *store.SyncInfo, key names.Key) *shadow.Document {
	if info == nil || len(info.CloudDocument) == 0 {
		return nil
	}

	doc, err := shadow.ParseDocument(info.CloudDocument)
	if err != nil {
		x.logger.Warn("Discarding unreadable last-synced document", "key", key, "error", err)
		return nil
	}

	return doc
}

// writeBoth lands a merged document on whichever sides differ from it, then
// records the new baseline.
func (x *executor) writeBoth(ctx context.Context, key names.Key, merged, localDoc, cloudDoc *shadow.Document) error {
	if !merged.Equal(localDoc) {
		if _, err := x.local.ReplaceDocument(ctx, key, merged); err != nil {
			return fmt.Errorf("sync: full sync: %w", err)
		}
	}

	cloudVersion := cloudDoc.Version

	if !merged.Equal(cloudDoc) {
		v, err := x.pushToCloud(ctx, key, merged, cloudDoc, cloudDoc.Version+1)
		if err != nil {
			return err
		}

		cloudVersion = v
	}

	x.logger.Info("Full sync merged local and cloud shadows", "key", key, "cloud_version", cloudVersion)

	return x.recordSynced(ctx, key, cloudVersion)
}

// pushToCloud posts the patch that transforms the cloud document into want.
// expectVersion > 0 makes the write conditional on the cloud assigning that
// version; zero pushes unconditionally. Returns the cloud version assigned
// by the accepted response.
func (x *executor) pushToCloud(ctx context.Context, key names.Key, want, have *shadow.Document, expectVersion int64) (int64, error) {
	var haveDesired, haveReported map[string]any
	if have != nil {
		haveDesired = have.Desired
		haveReported = have.Reported
	}

	state := make(map[string]any)

	if p := statePatch(want.Desired, haveDesired); p != nil {
		state["desired"] = p
	}

	if p := statePatch(want.Reported, haveReported); p != nil {
		state["reported"] = p
	}

	if len(state) == 0 && have != nil {
		return have.Version, nil
	}

	body := map[string]any{"state": state}
	if expectVersion > 0 {
		body["version"] = expectVersion
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("sync: render cloud patch: %w", err)
	}

	if err := x.waitOutbound(ctx); err != nil {
		return 0, err
	}

	resp, err := x.cloud.UpdateThingShadow(ctx, key, payload)
	if err != nil {
		if cloud.IsConflict(err) {
			return 0, fmt.Errorf("%w: %w", errConflict, err)
		}

		return 0, fmt.Errorf("sync: push to cloud %s: %w", key, err)
	}

	return versionFromResponse(resp), nil
}

// recordSynced re-reads the local row and writes the sync baseline: the
// persisted local bytes become the next merge ancestor.
func (x *executor) recordSynced(ctx context.Context, key names.Key, cloudVersion int64) error {
	local, err := x.store.GetDocument(ctx, key)
	if err != nil {
		return fmt.Errorf("sync: record baseline: %w", err)
	}

	now := x.now()
	info := &store.SyncInfo{
		Key:             key,
		CloudVersion:    cloudVersion,
		CloudUpdateTime: now,
		LastSyncTime:    now,
	}

	if local != nil {
		info.CloudDocument = local.Document
		info.LocalVersion = local.Version
	}

	if err := x.store.UpdateSyncInfo(ctx, info); err != nil {
		return fmt.Errorf("sync: record baseline: %w", err)
	}

	return nil
}

// mergeDocuments three-way merges the state sections. A nil ancestor makes
// every differing leaf a conflict, resolved by the section rule: cloud wins
// desired, the device wins reported.
func mergeDocuments(ancestor, local, cloud *shadow.Document) *shadow.Document {
	var ancDesired, ancReported map[string]any
	if ancestor != nil {
		ancDesired = ancestor.Desired
		ancReported = ancestor.Reported
	}

	merged := &shadow.Document{
		Desired:  mergeTrees(ancDesired, local.Desired, cloud.Desired, true),
		Reported: mergeTrees(ancReported, local.Reported, cloud.Reported, false),
	}

	return merged
}

// mergeTrees merges one state subtree per leaf. A side that matches the
// ancestor yields to the other; when both sides changed and disagree,
// cloudWins picks the winner. Deletions count as changes.
func mergeTrees(anc, local, cloud map[string]any, cloudWins bool) map[string]any {
	out := make(map[string]any)

	for k, lv := range local {
		cv, inCloud := cloud[k]
		av, inAnc := anc[k]

		if !inCloud {
			if !inAnc {
				out[k] = lv
				continue
			}

			// Cloud deleted the leaf. An unchanged local copy follows;
			// a changed one conflicts.
			if shadow.ValueEqual(lv, av) {
				continue
			}

			if !cloudWins {
				out[k] = lv
			}

			continue
		}

		localSame := shadow.ValueEqual(lv, av)
		cloudSame := shadow.ValueEqual(cv, av)

		switch {
		case localSame && cloudSame:
			out[k] = lv
		case localSame:
			out[k] = cv
		case cloudSame:
			out[k] = lv
		case shadow.ValueEqual(lv, cv):
			out[k] = lv
		default:
			lm, lIsMap := lv.(map[string]any)
			cm, cIsMap := cv.(map[string]any)

			if lIsMap && cIsMap {
				if sub := mergeTrees(subtree(anc, k), lm, cm, cloudWins); len(sub) > 0 {
					out[k] = sub
				}

				continue
			}

			if cloudWins {
				out[k] = cv
			} else {
				out[k] = lv
			}
		}
	}

	for k, cv := range cloud {
		if _, inLocal := local[k]; inLocal {
			continue
		}

		av, inAnc := anc[k]
		if !inAnc {
			out[k] = cv
			continue
		}

		// Local deleted the leaf.
		if shadow.ValueEqual(cv, av) {
			continue
		}

		if cloudWins {
			out[k] = cv
		}
	}

	if len(out) == 0 {
		return nil
	}

	return out
}

// statePatch computes the update patch that transforms have into want:
// removed leaves become nulls so the receiving merge deletes them. Nil when
// the sections already match.
func statePatch(want, have map[string]any) map[string]any {
	out := make(map[string]any)

	for k, hv := range have {
		wv, ok := want[k]
		if !ok {
			out[k] = nil
			continue
		}

		wm, wIsMap := wv.(map[string]any)
		hm, hIsMap := hv.(map[string]any)

		if wIsMap && hIsMap {
			if sub := statePatch(wm, hm); sub != nil {
				out[k] = sub
			}

			continue
		}

		if !shadow.ValueEqual(wv, hv) {
			out[k] = wv
		}
	}

	for k, wv := range want {
		if _, ok := have[k]; !ok {
			out[k] = wv
		}
	}

	if len(out) == 0 {
		return nil
	}

	return out
}

// subtree returns the child object under key, nil when absent or a leaf.
func subtree(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}

	return nil
}
