package sync

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/shadowgate/internal/names"
)

const testNow = int64(1724500000)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

var (
	keyA = names.Key{Thing: "thingA", Shadow: "main"}
	keyB = names.Key{Thing: "thingB", Shadow: "main"}
)

func newTestQueue(t *testing.T, direction Direction, keys ...names.Key) *queue {
	t.Helper()

	q := newQueue(direction, testLogger(t))
	q.SetKeys(keys)

	return q
}

func drain(q *queue) []*Request {
	var out []*Request

	for {
		req := q.Next()
		if req == nil {
			return out
		}

		out = append(out, req)
		q.Done(req.Key)
	}
}

func TestQueueFIFOPerKey(t *testing.T) {
	q := newTestQueue(t, DirectionBetweenDeviceAndCloud, keyA)

	q.Enqueue(&Request{Key: keyA, Kind: KindLocalUpdate, Version: 2})
	q.Enqueue(&Request{Key: keyA, Kind: KindLocalUpdate, Version: 3})

	first := q.Next()
	require.NotNil(t, first)
	assert.Equal(t, int64(2), first.Version)

	// The key is in flight, so its second request is held back.
	assert.Nil(t, q.Next())

	q.Done(keyA)

	second := q.Next()
	require.NotNil(t, second)
	assert.Equal(t, int64(3), second.Version)
}

func TestQueueIndependentKeys(t *testing.T) {
	q := newTestQueue(t, DirectionBetweenDeviceAndCloud, keyA, keyB)

	q.Enqueue(&Request{Key: keyA, Kind: KindCloudDelete})
	q.Enqueue(&Request{Key: keyB, Kind: KindCloudDelete})

	first := q.Next()
	require.NotNil(t, first)

	// One key in flight does not block the other.
	second := q.Next()
	require.NotNil(t, second)
	assert.NotEqual(t, first.Key, second.Key)
}

func TestQueueMergesCloudUpdates(t *testing.T) {
	q := newTestQueue(t, DirectionBetweenDeviceAndCloud, keyA)

	q.Enqueue(&Request{Key: keyA, Kind: KindCloudUpdate, Patch: []byte(`{"state":{"reported":{"a":1}}}`)})
	q.Enqueue(&Request{Key: keyA, Kind: KindCloudUpdate, Patch: []byte(`{"state":{"reported":{"a":2}}}`)})

	reqs := drain(q)
	require.Len(t, reqs, 1)
	assert.Equal(t, KindCloudUpdate, reqs[0].Kind)
	assert.JSONEq(t, `{"state":{"reported":{"a":2}}}`, string(reqs[0].Patch))
}

func TestQueueDeleteReplacesQueuedUpdate(t *testing.T) {
	q := newTestQueue(t, DirectionBetweenDeviceAndCloud, keyA)

	q.Enqueue(&Request{Key: keyA, Kind: KindCloudUpdate, Patch: []byte(`{"state":{"reported":{"a":1}}}`)})
	q.Enqueue(&Request{Key: keyA, Kind: KindCloudDelete})

	reqs := drain(q)
	require.Len(t, reqs, 1)
	assert.Equal(t, KindCloudDelete, reqs[0].Kind)
	assert.Nil(t, reqs[0].Patch)
}

func TestQueueFullSyncAbsorbs(t *testing.T) {
	q := newTestQueue(t, DirectionBetweenDeviceAndCloud, keyA)

	q.Enqueue(&Request{Key: keyA, Kind: KindCloudUpdate, Patch: []byte(`{"state":{"reported":{"a":1}}}`)})
	q.Enqueue(&Request{Key: keyA, Kind: KindFullSync})

	// Anything behind a queued reconciliation folds into it.
	q.Enqueue(&Request{Key: keyA, Kind: KindCloudUpdate, Patch: []byte(`{"state":{"reported":{"a":2}}}`)})
	q.Enqueue(&Request{Key: keyA, Kind: KindLocalDelete, Version: 9})

	reqs := drain(q)
	require.Len(t, reqs, 1)
	assert.Equal(t, KindFullSync, reqs[0].Kind)
	assert.Nil(t, reqs[0].Patch)
	assert.Zero(t, reqs[0].Version)
}

func TestQueueLocalUpdatesDoNotCoalesce(t *testing.T) {
	q := newTestQueue(t, DirectionBetweenDeviceAndCloud, keyA)

	// Consecutive cloud versions must each apply, otherwise the version
	// continuity check would see a gap and force a needless reconcile.
	q.Enqueue(&Request{Key: keyA, Kind: KindLocalUpdate, Version: 2})
	q.Enqueue(&Request{Key: keyA, Kind: KindLocalUpdate, Version: 3})

	reqs := drain(q)
	require.Len(t, reqs, 2)
}

func TestQueueDedupesPayloadFreeKinds(t *testing.T) {
	q := newTestQueue(t, DirectionBetweenDeviceAndCloud, keyA)

	q.Enqueue(&Request{Key: keyA, Kind: KindCloudDelete})
	q.Enqueue(&Request{Key: keyA, Kind: KindCloudDelete})

	reqs := drain(q)
	require.Len(t, reqs, 1)
}

func TestQueueDirectionDeviceToCloud(t *testing.T) {
	q := newTestQueue(t, DirectionDeviceToCloud, keyA)

	q.Enqueue(&Request{Key: keyA, Kind: KindLocalUpdate, Version: 2})
	q.Enqueue(&Request{Key: keyA, Kind: KindLocalDelete, Version: 3})
	q.Enqueue(&Request{Key: keyA, Kind: KindFullSync})

	reqs := drain(q)
	require.Len(t, reqs, 1)
	assert.Equal(t, KindOverwriteCloud, reqs[0].Kind)
}

func TestQueueDirectionCloudToDevice(t *testing.T) {
	q := newTestQueue(t, DirectionCloudToDevice, keyA)

	q.Enqueue(&Request{Key: keyA, Kind: KindCloudUpdate, Patch: []byte(`{"state":{}}`)})
	q.Enqueue(&Request{Key: keyA, Kind: KindCloudDelete})
	q.Enqueue(&Request{Key: keyA, Kind: KindFullSync})

	reqs := drain(q)
	require.Len(t, reqs, 1)
	assert.Equal(t, KindOverwriteLocal, reqs[0].Kind)
}

func TestQueueDropsUnconfiguredKey(t *testing.T) {
	q := newTestQueue(t, DirectionBetweenDeviceAndCloud, keyA)

	q.Enqueue(&Request{Key: keyB, Kind: KindCloudDelete})

	assert.Nil(t, q.Next())
}

func TestQueueSetKeysDropsRemovedPending(t *testing.T) {
	q := newTestQueue(t, DirectionBetweenDeviceAndCloud, keyA, keyB)

	q.Enqueue(&Request{Key: keyA, Kind: KindCloudDelete})
	q.Enqueue(&Request{Key: keyB, Kind: KindCloudDelete})

	q.SetKeys([]names.Key{keyB})

	reqs := drain(q)
	require.Len(t, reqs, 1)
	assert.Equal(t, keyB, reqs[0].Key)
}

func TestQueueCloseIntake(t *testing.T) {
	q := newTestQueue(t, DirectionBetweenDeviceAndCloud, keyA)

	q.Enqueue(&Request{Key: keyA, Kind: KindCloudDelete})
	q.CloseIntake()
	q.Enqueue(&Request{Key: keyA, Kind: KindFullSync})

	reqs := drain(q)
	require.Len(t, reqs, 1)
	assert.Equal(t, KindCloudDelete, reqs[0].Kind)
}

func TestQueueWaitIdle(t *testing.T) {
	q := newTestQueue(t, DirectionBetweenDeviceAndCloud, keyA)

	// Idle from the start.
	q.WaitIdle()

	q.Enqueue(&Request{Key: keyA, Kind: KindCloudDelete})

	req := q.Next()
	require.NotNil(t, req)

	done := make(chan struct{})
	go func() {
		q.WaitIdle()
		close(done)
	}()

	q.Done(req.Key)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitIdle did not return after queue drained")
	}
}

func TestQueueSnapshot(t *testing.T) {
	q := newTestQueue(t, DirectionBetweenDeviceAndCloud, keyA, keyB)

	q.Enqueue(&Request{Key: keyA, Kind: KindLocalUpdate, Version: 2})
	q.Enqueue(&Request{Key: keyA, Kind: KindLocalUpdate, Version: 3})

	first := q.Next()
	require.NotNil(t, first)

	snap := q.Snapshot()
	require.Len(t, snap, 2)

	assert.Equal(t, 1, snap[keyA].Pending)
	assert.True(t, snap[keyA].InFlight)
	assert.Zero(t, snap[keyB].Pending)
	assert.False(t, snap[keyB].InFlight)
}

func TestQueueSignalsReady(t *testing.T) {
	q := newTestQueue(t, DirectionBetweenDeviceAndCloud, keyA)

	q.Enqueue(&Request{Key: keyA, Kind: KindCloudDelete})

	select {
	case <-q.Ready():
	default:
		t.Fatal("enqueue did not signal the ready channel")
	}
}
