package sync

import (
	"log/slog"
	stdsync "sync"

	"github.com/tonimelisma/shadowgate/internal/names"
)

// queue holds one FIFO of pending requests per configured shadow key, with
// merge-on-enqueue coalescing and at-most-one in-flight request per key.
// All methods are safe for concurrent use.
type queue struct {
	mu       stdsync.Mutex
	pending  map[names.Key][]*Request
	inflight map[names.Key]bool
	keys     map[names.Key]bool

	direction Direction
	accepting bool

	// notify is signaled (non-blocking) whenever a request may have become
	// dispatchable: enqueue, completion, or configuration change.
	notify chan struct{}

	// idle is broadcast when the queue goes empty with nothing in flight.
	idle *stdsync.Cond

	logger *slog.Logger
}

func newQueue(direction Direction, logger *slog.Logger) *queue {
	q := &queue{
		pending:   make(map[names.Key][]*Request),
		inflight:  make(map[names.Key]bool),
		keys:      make(map[names.Key]bool),
		direction: direction,
		accepting: true,
		notify:    make(chan struct{}, 1),
		logger:    logger,
	}
	q.idle = stdsync.NewCond(&q.mu)

	return q
}

// SetKeys replaces the configured sync set. Pending work for removed keys
// is discarded.
func (q *queue) SetKeys(keys []names.Key) {
	q.mu.Lock()
	defer q.mu.Unlock()

	next := make(map[names.Key]bool, len(keys))
	for _, k := range keys {
		next[k] = true
	}

	for k := range q.pending {
		if !next[k] {
			q.logger.Debug("Dropping queued work for unconfigured shadow", "key", k)
			delete(q.pending, k)
		}
	}

	q.keys = next
	q.signalLocked()
}

func (q *queue) SetDirection(d Direction) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.direction = d
}

// Enqueue offers a request. Requests for unconfigured keys or against the
// configured direction are dropped. When the key's queue already has a tail
// entry the two may merge instead of appending.
func (q *queue) Enqueue(req *Request) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.accepting {
		return
	}

	if !q.keys[req.Key] {
		q.logger.Debug("Dropping sync request for unconfigured shadow",
			"key", req.Key, "kind", req.Kind.String())
		return
	}

	req = q.gateLocked(req)
	if req == nil {
		return
	}

	fifo := q.pending[req.Key]

	if len(fifo) > 0 && mergeRequests(fifo[len(fifo)-1], req) {
		q.logger.Debug("Merged sync request into queue tail",
			"key", req.Key, "kind", req.Kind.String())
		q.signalLocked()
		return
	}

	q.pending[req.Key] = append(fifo, req)
	q.signalLocked()
}

// gateLocked applies the direction policy: incompatible requests are dropped
// and FullSync degrades to the one-directional overwrite variant.
func (q *queue) gateLocked(req *Request) *Request {
	switch q.direction {
	case DirectionDeviceToCloud:
		switch req.Kind {
		case KindLocalUpdate, KindLocalDelete, KindOverwriteLocal:
			q.logger.Debug("Direction policy dropped inbound request",
				"key", req.Key, "kind", req.Kind.String())
			return nil
		case KindFullSync:
			return &Request{Key: req.Key, Kind: KindOverwriteCloud}
		}
	case DirectionCloudToDevice:
		switch req.Kind {
		case KindCloudUpdate, KindCloudDelete, KindOverwriteCloud:
			q.logger.Debug("Direction policy dropped outbound request",
				"key", req.Key, "kind", req.Kind.String())
			return nil
		case KindFullSync:
			return &Request{Key: req.Key, Kind: KindOverwriteLocal}
		}
	}

	return req
}

// mergeRequests coalesces req into tail when applying the merged request is
// equivalent to applying both in order. Returns true when req was absorbed.
func mergeRequests(tail, req *Request) bool {
	// A queued reconciliation subsumes anything arriving after it: it reads
	// the latest state of both sides when it runs.
	if tail.Kind == KindFullSync {
		return true
	}

	if req.Kind == KindFullSync {
		tail.Kind = KindFullSync
		tail.Patch = nil
		tail.Version = 0

		return true
	}

	switch {
	case tail.Kind == KindCloudUpdate && req.Kind == KindCloudUpdate:
		// Latest patch wins; the push reads the full local document anyway.
		tail.Patch = req.Patch
		return true

	case tail.Kind == KindCloudUpdate && req.Kind == KindCloudDelete:
		// The delete supersedes the pending push.
		tail.Kind = KindCloudDelete
		tail.Patch = nil

		return true

	case tail.Kind == req.Kind &&
		(req.Kind == KindCloudDelete || req.Kind == KindOverwriteCloud || req.Kind == KindOverwriteLocal):
		// Identical payload-free requests dedupe.
		return true
	}

	return false
}

// Next pops the head request of some key with no request in flight, marking
// the key in flight. Returns nil when nothing is dispatchable. Map iteration
// order randomizes key selection, which is fair enough for the small key
// counts in practice.
func (q *queue) Next() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	for key, fifo := range q.pending {
		if len(fifo) == 0 || q.inflight[key] {
			continue
		}

		head := fifo[0]

		if len(fifo) == 1 {
			delete(q.pending, key)
		} else {
			q.pending[key] = fifo[1:]
		}

		q.inflight[key] = true

		return head
	}

	return nil
}

// Done releases the key's in-flight slot after a worker finishes.
func (q *queue) Done(key names.Key) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, key)
	q.signalLocked()

	if len(q.pending) == 0 && len(q.inflight) == 0 {
		q.idle.Broadcast()
	}
}

// Ready returns the dispatch wake-up channel.
func (q *queue) Ready() <-chan struct{} {
	return q.notify
}

// CloseIntake stops accepting new requests; pending work still drains.
func (q *queue) CloseIntake() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.accepting = false
}

// WaitIdle blocks until no request is pending or in flight.
func (q *queue) WaitIdle() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pending) > 0 || len(q.inflight) > 0 {
		q.idle.Wait()
	}
}

// Snapshot reports pending depth and in-flight state per configured key.
func (q *queue) Snapshot() map[names.Key]Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[names.Key]Status, len(q.keys))
	for k := range q.keys {
		out[k] = Status{
			Thing:    k.Thing,
			Shadow:   k.Shadow,
			Pending:  len(q.pending[k]),
			InFlight: q.inflight[k],
		}
	}

	return out
}

func (q *queue) signalLocked() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
