package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/tonimelisma/shadowgate/internal/names"
)

// subscriptionManager converges the broker's subscription set onto the
// topics the sync set requires. A single reconciliation goroutine computes
// subscribe/unsubscribe diffs and applies them sequentially with backoff;
// a broken session aborts the pass and the reconnect callback restarts it.
type subscriptionManager struct {
	conn   Connection
	logger *slog.Logger

	mu      stdsync.Mutex
	desired map[string]bool
	current map[string]bool

	// kick wakes the reconciler; buffered so a change during a pass
	// schedules another.
	kick    chan struct{}
	stopped chan struct{}

	stopOnce stdsync.Once
	wg       stdsync.WaitGroup
}

func newSubscriptionManager(conn Connection, logger *slog.Logger) *subscriptionManager {
	return &subscriptionManager{
		conn:    conn,
		logger:  logger,
		desired: make(map[string]bool),
		current: make(map[string]bool),
		kick:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

func (m *subscriptionManager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.run(ctx)
}

func (m *subscriptionManager) Stop() {
	m.stopOnce.Do(func() { close(m.stopped) })
	m.wg.Wait()
}

// SetDesired replaces the wanted topic set.
func (m *subscriptionManager) SetDesired(topics []string) {
	m.mu.Lock()

	next := make(map[string]bool, len(topics))
	for _, t := range topics {
		next[t] = true
	}

	m.desired = next
	m.mu.Unlock()

	m.signal()
}

// OnConnect marks every subscription lost: the broker dropped session state,
// so the next pass resubscribes from scratch.
func (m *subscriptionManager) OnConnect() {
	m.mu.Lock()
	m.current = make(map[string]bool)
	m.mu.Unlock()

	m.signal()
}

func (m *subscriptionManager) signal() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *subscriptionManager) run(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopped:
			return
		case <-m.kick:
			m.reconcile(ctx)
		}
	}
}

func (m *subscriptionManager) reconcile(ctx context.Context) {
	if !m.conn.Connected() {
		m.logger.Debug("Deferring subscription reconcile until connected")
		return
	}

	toSubscribe, toUnsubscribe := m.diff()

	for _, topic := range toSubscribe {
		if !m.apply(ctx, topic, true) {
			return
		}
	}

	for _, topic := range toUnsubscribe {
		if !m.apply(ctx, topic, false) {
			return
		}
	}
}

func (m *subscriptionManager) diff() (toSubscribe, toUnsubscribe []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for t := range m.desired {
		if !m.current[t] {
			toSubscribe = append(toSubscribe, t)
		}
	}

	for t := range m.current {
		if !m.desired[t] {
			toUnsubscribe = append(toUnsubscribe, t)
		}
	}

	return toSubscribe, toUnsubscribe
}

// apply performs one subscribe or unsubscribe, retrying with backoff until
// it lands. False aborts the pass: session loss waits for the reconnect
// kick, shutdown stops outright.
func (m *subscriptionManager) apply(ctx context.Context, topic string, subscribe bool) bool {
	backoff := retryInitialBackoff

	for {
		select {
		case <-ctx.Done():
			return false
		case <-m.stopped:
			return false
		default:
		}

		if !m.conn.Connected() {
			m.logger.Debug("Connection lost during subscription reconcile", "topic", topic)
			return false
		}

		var err error
		if subscribe {
			err = m.conn.Subscribe(ctx, topic)
		} else {
			err = m.conn.Unsubscribe(ctx, topic)
		}

		if err == nil {
			m.mu.Lock()
			if subscribe {
				m.current[topic] = true
			} else {
				delete(m.current, topic)
			}
			m.mu.Unlock()

			m.logger.Debug("Subscription updated", "topic", topic, "subscribe", subscribe)

			return true
		}

		m.logger.Warn("Subscription action failed, backing off",
			"topic", topic, "subscribe", subscribe, "backoff", backoff, "error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-m.stopped:
			timer.Stop()
			return false
		case <-timer.C:
		}

		backoff = min(backoff*retryBackoffFactor, retryMaxBackoff)
	}
}

// HandleMessage routes an inbound cloud notification into the sync queue.
// Only update/accepted and delete/accepted matter; anything else, and any
// malformed body, is logged and dropped.
func (e *Engine) HandleMessage(topic string, payload []byte) {
	parsed, err := names.ParseTopic(topic)
	if err != nil {
		e.logger.Warn("Dropping message on unrecognized topic", "topic", topic, "error", err)
		return
	}

	if parsed.Suffix != names.SuffixAccepted {
		e.logger.Debug("Ignoring non-accepted cloud message", "topic", topic)
		return
	}

	switch parsed.Op {
	case names.OpUpdate:
		patch, version, err := extractCloudUpdate(payload)
		if err != nil {
			e.logger.Warn("Dropping malformed cloud update", "topic", topic, "error", err)
			return
		}

		e.queue.Enqueue(&Request{Key: parsed.Key, Kind: KindLocalUpdate, Patch: patch, Version: version})

	case names.OpDelete:
		version, err := extractVersion(payload)
		if err != nil {
			e.logger.Warn("Dropping malformed cloud delete", "topic", topic, "error", err)
			return
		}

		e.queue.Enqueue(&Request{Key: parsed.Key, Kind: KindLocalDelete, Version: version})

	default:
		e.logger.Debug("Ignoring cloud message", "topic", topic)
	}
}

// extractCloudUpdate rebuilds the local patch from an update/accepted body:
// the echoed state plus the version the cloud assigned.
func extractCloudUpdate(payload []byte) ([]byte, int64, error) {
	var body struct {
		State   json.RawMessage `json:"state"`
		Version int64           `json:"version"`
	}

	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, 0, fmt.Errorf("sync: parse update notification: %w", err)
	}

	if len(body.State) == 0 {
		return nil, 0, errors.New("sync: update notification missing state")
	}

	if body.Version <= 0 {
		return nil, 0, errors.New("sync: update notification missing version")
	}

	patch, err := json.Marshal(map[string]json.RawMessage{"state": body.State})
	if err != nil {
		return nil, 0, fmt.Errorf("sync: rebuild patch: %w", err)
	}

	return patch, body.Version, nil
}

func extractVersion(payload []byte) (int64, error) {
	var body struct {
		Version int64 `json:"version"`
	}

	if err := json.Unmarshal(payload, &body); err != nil {
		return 0, fmt.Errorf("sync: parse delete notification: %w", err)
	}

	if body.Version <= 0 {
		return 0, errors.New("sync: delete notification missing version")
	}

	return body.Version, nil
}
