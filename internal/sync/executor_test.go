package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/shadowgate/internal/cloud"
	"github.com/tonimelisma/shadowgate/internal/ipc"
	"github.com/tonimelisma/shadowgate/internal/names"
	"github.com/tonimelisma/shadowgate/internal/shadow"
	"github.com/tonimelisma/shadowgate/internal/store"
)

// The engine's seams are satisfied by the real implementations.
var (
	_ Store        = (*store.Store)(nil)
	_ CloudClient  = (*cloud.Client)(nil)
	_ LocalMutator = (*ipc.Handlers)(nil)
)

type cloudUpdateCall struct {
	key     names.Key
	payload []byte
}

// fakeCloud records data-plane calls. Unset functions default to: GET and
// DELETE answer NotFound-flavored success, UPDATE accepts with version 1.
type fakeCloud struct {
	mu       stdsync.Mutex
	getFn    func(key names.Key) ([]byte, error)
	updateFn func(key names.Key, payload []byte) ([]byte, error)
	deleteFn func(key names.Key) error

	gets    []names.Key
	updates []cloudUpdateCall
	deletes []names.Key
}

func notFoundErr() error {
	return &cloud.APIError{StatusCode: http.StatusNotFound, Err: cloud.ErrNotFound}
}

func (c *fakeCloud) GetThingShadow(_ context.Context, key names.Key) ([]byte, error) {
	c.mu.Lock()
	c.gets = append(c.gets, key)
	fn := c.getFn
	c.mu.Unlock()

	if fn != nil {
		return fn(key)
	}

	return nil, notFoundErr()
}

func (c *fakeCloud) UpdateThingShadow(_ context.Context, key names.Key, payload []byte) ([]byte, error) {
	c.mu.Lock()
	c.updates = append(c.updates, cloudUpdateCall{key: key, payload: payload})
	fn := c.updateFn
	c.mu.Unlock()

	if fn != nil {
		return fn(key, payload)
	}

	return []byte(`{"version":1}`), nil
}

func (c *fakeCloud) DeleteThingShadow(_ context.Context, key names.Key) error {
	c.mu.Lock()
	c.deletes = append(c.deletes, key)
	fn := c.deleteFn
	c.mu.Unlock()

	if fn != nil {
		return fn(key)
	}

	return nil
}

func (c *fakeCloud) updateCalls() []cloudUpdateCall {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]cloudUpdateCall(nil), c.updates...)
}

func (c *fakeCloud) deleteCalls() []names.Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]names.Key(nil), c.deletes...)
}

func (c *fakeCloud) getCalls() []names.Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]names.Key(nil), c.gets...)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, []byte) error { return nil }

type execEnv struct {
	store *store.Store
	cloud *fakeCloud
	local *ipc.Handlers
	exec  *executor

	requeued []*Request
	sleeps   []time.Duration
}

func newExecEnv(t *testing.T) *execEnv {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "shadows.db")

	s, err := store.Open(dbPath, store.Options{}, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	local, err := ipc.New(ipc.Options{
		Store:     s,
		Publisher: nopPublisher{},
		Logger:    testLogger(t),
		NowFunc:   func() time.Time { return time.Unix(testNow, 0) },
	})
	require.NoError(t, err)

	env := &execEnv{
		store: s,
		cloud: &fakeCloud{},
		local: local,
	}

	env.exec = &executor{
		store:   s,
		cloud:   env.cloud,
		local:   local,
		logger:  testLogger(t),
		enqueue: func(r *Request) { env.requeued = append(env.requeued, r) },
		nowFunc: func() time.Time { return time.Unix(testNow, 0) },
		sleepFunc: func(_ context.Context, d time.Duration) error {
			env.sleeps = append(env.sleeps, d)
			return nil
		},
	}

	return env
}

// seed writes a local document through the real update path.
func (env *execEnv) seed(t *testing.T, key names.Key, update string) {
	t.Helper()

	_, err := env.local.UpdateThingShadow(context.Background(), "seed", key.Thing, key.Shadow, []byte(update))
	require.NoError(t, err)
}

func (env *execEnv) localDoc(t *testing.T, key names.Key) *shadow.Document {
	t.Helper()

	row, err := env.store.GetDocument(context.Background(), key)
	require.NoError(t, err)

	if row == nil {
		return nil
	}

	doc, err := shadow.ParseDocument(row.Document)
	require.NoError(t, err)

	return doc
}

func (env *execEnv) syncInfo(t *testing.T, key names.Key) *store.SyncInfo {
	t.Helper()

	info, err := env.store.GetSyncInfo(context.Background(), key)
	require.NoError(t, err)

	return info
}

func TestCloudUpdateFirstPushOmitsVersion(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	env.seed(t, keyA, `{"state":{"reported":{"color":"green"}}}`)

	env.cloud.updateFn = func(names.Key, []byte) ([]byte, error) {
		return []byte(`{"version":5}`), nil
	}

	patch := []byte(`{"state":{"reported":{"color":"green"}}}`)
	err := env.exec.execute(ctx, &Request{Key: keyA, Kind: KindCloudUpdate, Patch: patch})
	require.NoError(t, err)

	calls := env.cloud.updateCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, keyA, calls[0].key)

	var sent map[string]any
	require.NoError(t, json.Unmarshal(calls[0].payload, &sent))
	assert.NotContains(t, sent, "version")

	row, err := env.store.GetDocument(ctx, keyA)
	require.NoError(t, err)

	info := env.syncInfo(t, keyA)
	require.NotNil(t, info)
	assert.Equal(t, int64(5), info.CloudVersion)
	assert.Equal(t, row.Version, info.LocalVersion)
	assert.Equal(t, row.Document, info.CloudDocument)
	assert.Equal(t, testNow, info.LastSyncTime)
	assert.False(t, info.CloudDeleted)
}

func TestCloudUpdateStampsNextCloudVersion(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	env.seed(t, keyA, `{"state":{"reported":{"color":"red"}}}`)

	require.NoError(t, env.store.UpdateSyncInfo(ctx, &store.SyncInfo{
		Key:           keyA,
		CloudVersion:  7,
		CloudDocument: []byte(`{"state":{"reported":{"color":"blue"}},"version":1}`),
	}))

	env.cloud.updateFn = func(names.Key, []byte) ([]byte, error) {
		return []byte(`{"version":8}`), nil
	}

	patch := []byte(`{"state":{"reported":{"color":"red"}}}`)
	err := env.exec.execute(ctx, &Request{Key: keyA, Kind: KindCloudUpdate, Patch: patch})
	require.NoError(t, err)

	calls := env.cloud.updateCalls()
	require.Len(t, calls, 1)

	var sent map[string]any
	require.NoError(t, json.Unmarshal(calls[0].payload, &sent))
	assert.Equal(t, float64(8), sent["version"])

	info := env.syncInfo(t, keyA)
	require.NotNil(t, info)
	assert.Equal(t, int64(8), info.CloudVersion)
}

func TestCloudUpdateAlreadySyncedSkipsPush(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	env.seed(t, keyA, `{"state":{"reported":{"color":"green"}}}`)

	row, err := env.store.GetDocument(ctx, keyA)
	require.NoError(t, err)

	// The last synced bytes already carry this content: the change came
	// from the cloud and must not bounce back.
	require.NoError(t, env.store.UpdateSyncInfo(ctx, &store.SyncInfo{
		Key:           keyA,
		CloudVersion:  3,
		CloudDocument: row.Document,
	}))

	patch := []byte(`{"state":{"reported":{"color":"green"}}}`)
	err = env.exec.execute(ctx, &Request{Key: keyA, Kind: KindCloudUpdate, Patch: patch})
	require.NoError(t, err)

	assert.Empty(t, env.cloud.updateCalls())

	info := env.syncInfo(t, keyA)
	require.NotNil(t, info)
	assert.Equal(t, int64(3), info.CloudVersion)
	assert.Equal(t, row.Version, info.LocalVersion)
	assert.Equal(t, testNow, info.LastSyncTime)
}

func TestCloudUpdateSkipsAbsentLocal(t *testing.T) {
	env := newExecEnv(t)

	err := env.exec.execute(context.Background(), &Request{
		Key:   keyA,
		Kind:  KindCloudUpdate,
		Patch: []byte(`{"state":{"reported":{"a":1}}}`),
	})
	require.NoError(t, err)

	assert.Empty(t, env.cloud.updateCalls())
	assert.Nil(t, env.syncInfo(t, keyA))
}

func TestCloudUpdateConflictRequeuesFullSync(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	env.seed(t, keyA, `{"state":{"reported":{"a":1}}}`)

	env.cloud.updateFn = func(names.Key, []byte) ([]byte, error) {
		return nil, &cloud.APIError{StatusCode: http.StatusConflict, Err: cloud.ErrConflict}
	}

	err := env.exec.execute(ctx, &Request{
		Key:   keyA,
		Kind:  KindCloudUpdate,
		Patch: []byte(`{"state":{"reported":{"a":1}}}`),
	})
	require.NoError(t, err)

	require.Len(t, env.requeued, 1)
	assert.Equal(t, KindFullSync, env.requeued[0].Kind)
	assert.Equal(t, keyA, env.requeued[0].Key)
}

func TestCloudUpdateRetriesTransientFailures(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	env.seed(t, keyA, `{"state":{"reported":{"a":1}}}`)

	attempts := 0
	env.cloud.updateFn = func(names.Key, []byte) ([]byte, error) {
		attempts++
		if attempts < 3 {
			return nil, &cloud.APIError{StatusCode: http.StatusServiceUnavailable, Err: cloud.ErrServiceUnavailable}
		}

		return []byte(`{"version":1}`), nil
	}

	err := env.exec.execute(ctx, &Request{
		Key:   keyA,
		Kind:  KindCloudUpdate,
		Patch: []byte(`{"state":{"reported":{"a":1}}}`),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, env.sleeps)
}

func TestCloudUpdateTerminalErrorDrops(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	env.seed(t, keyA, `{"state":{"reported":{"a":1}}}`)

	env.cloud.updateFn = func(names.Key, []byte) ([]byte, error) {
		return nil, &cloud.APIError{StatusCode: http.StatusBadRequest, Err: cloud.ErrInvalidRequest}
	}

	err := env.exec.execute(ctx, &Request{
		Key:   keyA,
		Kind:  KindCloudUpdate,
		Patch: []byte(`{"state":{"reported":{"a":1}}}`),
	})
	require.Error(t, err)

	assert.Empty(t, env.requeued)
	assert.Empty(t, env.sleeps)
	assert.Nil(t, env.syncInfo(t, keyA))
}

func TestCloudDeleteWritesTombstone(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	env.seed(t, keyA, `{"state":{"reported":{"a":1}}}`)

	_, err := env.local.DeleteThingShadow(ctx, "seed", keyA.Thing, keyA.Shadow)
	require.NoError(t, err)

	require.NoError(t, env.store.UpdateSyncInfo(ctx, &store.SyncInfo{Key: keyA, CloudVersion: 4}))

	err = env.exec.execute(ctx, &Request{Key: keyA, Kind: KindCloudDelete})
	require.NoError(t, err)

	assert.Equal(t, []names.Key{keyA}, env.cloud.deleteCalls())

	info := env.syncInfo(t, keyA)
	require.NotNil(t, info)
	assert.True(t, info.CloudDeleted)
	assert.Nil(t, info.CloudDocument)
	assert.Equal(t, int64(5), info.CloudVersion)
	assert.Equal(t, int64(1), info.LocalVersion)
}

func TestCloudDeleteWithoutPriorSync(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	// Created and deleted before any sync ran: no sync info, no cloud copy.
	env.cloud.deleteFn = func(names.Key) error { return notFoundErr() }

	err := env.exec.execute(ctx, &Request{Key: keyA, Kind: KindCloudDelete})
	require.NoError(t, err)

	info := env.syncInfo(t, keyA)
	require.NotNil(t, info)
	assert.True(t, info.CloudDeleted)
	assert.Equal(t, int64(1), info.CloudVersion)
}

func TestLocalUpdateAppliesCloudChange(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	env.seed(t, keyA, `{"state":{"reported":{"color":"green"}}}`)
	require.NoError(t, env.store.UpdateSyncInfo(ctx, &store.SyncInfo{Key: keyA, CloudVersion: 1}))

	err := env.exec.execute(ctx, &Request{
		Key:     keyA,
		Kind:    KindLocalUpdate,
		Version: 2,
		Patch:   []byte(`{"state":{"desired":{"color":"blue"}}}`),
	})
	require.NoError(t, err)

	doc := env.localDoc(t, keyA)
	require.NotNil(t, doc)
	assert.Equal(t, "blue", doc.Desired["color"])
	assert.Equal(t, "green", doc.Reported["color"])

	info := env.syncInfo(t, keyA)
	require.NotNil(t, info)
	assert.Equal(t, int64(2), info.CloudVersion)
	assert.Equal(t, doc.Version, info.LocalVersion)

	row, err := env.store.GetDocument(ctx, keyA)
	require.NoError(t, err)
	assert.Equal(t, row.Document, info.CloudDocument)
}

func TestLocalUpdateDropsAlreadySeenVersion(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	env.seed(t, keyA, `{"state":{"reported":{"color":"green"}}}`)
	require.NoError(t, env.store.UpdateSyncInfo(ctx, &store.SyncInfo{Key: keyA, CloudVersion: 2}))

	before := env.localDoc(t, keyA)

	err := env.exec.execute(ctx, &Request{
		Key:     keyA,
		Kind:    KindLocalUpdate,
		Version: 2,
		Patch:   []byte(`{"state":{"desired":{"color":"blue"}}}`),
	})
	require.NoError(t, err)

	after := env.localDoc(t, keyA)
	assert.Equal(t, before.Version, after.Version)
	assert.Empty(t, env.requeued)
}

func TestLocalUpdateVersionGapForcesFullSync(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	env.seed(t, keyA, `{"state":{"reported":{"color":"green"}}}`)
	require.NoError(t, env.store.UpdateSyncInfo(ctx, &store.SyncInfo{Key: keyA, CloudVersion: 2}))

	before := env.localDoc(t, keyA)

	err := env.exec.execute(ctx, &Request{
		Key:     keyA,
		Kind:    KindLocalUpdate,
		Version: 5,
		Patch:   []byte(`{"state":{"desired":{"color":"blue"}}}`),
	})
	require.NoError(t, err)

	// The skipped versions mean unseen intermediate changes; only a full
	// reconciliation can recover them.
	require.Len(t, env.requeued, 1)
	assert.Equal(t, KindFullSync, env.requeued[0].Kind)

	after := env.localDoc(t, keyA)
	assert.Equal(t, before.Version, after.Version)
}

func TestLocalDeleteAppliesCloudDelete(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	env.seed(t, keyA, `{"state":{"reported":{"color":"green"}}}`)
	require.NoError(t, env.store.UpdateSyncInfo(ctx, &store.SyncInfo{Key: keyA, CloudVersion: 2}))

	err := env.exec.execute(ctx, &Request{Key: keyA, Kind: KindLocalDelete, Version: 3})
	require.NoError(t, err)

	assert.Nil(t, env.localDoc(t, keyA))

	info := env.syncInfo(t, keyA)
	require.NotNil(t, info)
	assert.True(t, info.CloudDeleted)
	assert.Equal(t, int64(3), info.CloudVersion)
	assert.Nil(t, info.CloudDocument)
}

func TestLocalDeleteBehindKnownVersionForcesFullSync(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	env.seed(t, keyA, `{"state":{"reported":{"color":"green"}}}`)
	require.NoError(t, env.store.UpdateSyncInfo(ctx, &store.SyncInfo{Key: keyA, CloudVersion: 2}))

	err := env.exec.execute(ctx, &Request{Key: keyA, Kind: KindLocalDelete, Version: 1})
	require.NoError(t, err)

	require.Len(t, env.requeued, 1)
	assert.Equal(t, KindFullSync, env.requeued[0].Kind)
	assert.NotNil(t, env.localDoc(t, keyA))
}

func TestExecuteUnknownKind(t *testing.T) {
	env := newExecEnv(t)

	err := env.exec.execute(context.Background(), &Request{Key: keyA, Kind: Kind(99)})
	require.Error(t, err)
}
