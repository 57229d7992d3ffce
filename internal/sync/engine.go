package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	stdsync "sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tonimelisma/shadowgate/internal/names"
)

// DefaultWorkers bounds concurrent request execution across all shadows.
const DefaultWorkers = 4

// DefaultPeriodicDelay is the tick interval when the periodic strategy is
// configured without one.
const DefaultPeriodicDelay = 60 * time.Second

// Options configures an Engine. Store, Cloud and Local are required.
type Options struct {
	Store Store
	Cloud CloudClient
	Local LocalMutator

	// Connection enables cloud-side topic subscriptions; nil runs the
	// engine without inbound notifications (tests, detached mode).
	Connection Connection

	Logger  *slog.Logger
	Workers int

	Direction Direction
	Strategy  Strategy

	// OutboundRate caps cloud-bound updates per second; zero means
	// unlimited. Reads are never limited.
	OutboundRate float64

	NowFunc   func() time.Time
	SleepFunc func(ctx context.Context, d time.Duration) error
}

// Engine converges the local store and the cloud shadow service. Local
// mutations and inbound cloud notifications enqueue requests; a dispatcher
// feeds them to a bounded worker pool under the configured strategy.
type Engine struct {
	store    Store
	queue    *queue
	exec     *executor
	subs     *subscriptionManager
	logger   *slog.Logger
	workers  int
	outbound *rate.Limiter

	mu       stdsync.Mutex
	keys     map[names.Key]bool
	strategy Strategy

	// strategyCh wakes the dispatcher after a strategy change.
	strategyCh chan struct{}

	work   chan *Request
	wg     stdsync.WaitGroup
	cancel context.CancelFunc

	synced atomic.Int64
	failed atomic.Int64
}

// New builds an engine. Call Start to begin syncing.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("sync: store is required")
	}

	if opts.Cloud == nil {
		return nil, errors.New("sync: cloud client is required")
	}

	if opts.Local == nil {
		return nil, errors.New("sync: local mutator is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	nowFunc := opts.NowFunc
	if nowFunc == nil {
		nowFunc = time.Now
	}

	sleepFunc := opts.SleepFunc
	if sleepFunc == nil {
		sleepFunc = sleepContext
	}

	outbound := rate.NewLimiter(rate.Inf, 1)
	if opts.OutboundRate > 0 {
		outbound.SetLimit(rate.Limit(opts.OutboundRate))
	}

	e := &Engine{
		store:      opts.Store,
		logger:     logger,
		workers:    workers,
		outbound:   outbound,
		keys:       make(map[names.Key]bool),
		strategy:   normalizeStrategy(opts.Strategy),
		strategyCh: make(chan struct{}, 1),
		work:       make(chan *Request),
	}

	e.queue = newQueue(opts.Direction, logger)
	e.exec = &executor{
		store:     opts.Store,
		cloud:     opts.Cloud,
		local:     opts.Local,
		logger:    logger,
		outbound:  outbound,
		enqueue:   e.queue.Enqueue,
		nowFunc:   nowFunc,
		sleepFunc: sleepFunc,
	}

	if opts.Connection != nil {
		e.subs = newSubscriptionManager(opts.Connection, logger)
	}

	return e, nil
}

func normalizeStrategy(s Strategy) Strategy {
	if s.Type == StrategyPeriodic && s.Delay <= 0 {
		s.Delay = DefaultPeriodicDelay
	}

	return s
}

// Start launches the worker pool and dispatcher, configures the sync set,
// and enqueues the initial full reconciliation for every configured shadow.
// Must be called once.
func (e *Engine) Start(ctx context.Context, keys []names.Key) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(runCtx)
	}

	e.wg.Add(1)
	go e.dispatch(runCtx)

	if e.subs != nil {
		e.subs.Start(runCtx)
	}

	e.SetSyncSet(runCtx, keys)

	e.logger.Info("Sync engine started",
		"workers", e.workers,
		"shadows", len(keys),
		"strategy", e.currentStrategy().Type.String())
}

// Stop shuts the engine down. With drain, pending requests finish first;
// that can block indefinitely while the cloud is unreachable, so callers
// on a shutdown deadline pass false.
func (e *Engine) Stop(drain bool) {
	e.queue.CloseIntake()

	if e.subs != nil {
		e.subs.Stop()
	}

	if drain {
		e.queue.WaitIdle()
	}

	if e.cancel != nil {
		e.cancel()
	}

	e.wg.Wait()

	e.logger.Info("Sync engine stopped", "synced", e.synced.Load(), "failed", e.failed.Load())
}

// EnqueueCloudUpdate schedules a push of a local update to the cloud.
func (e *Engine) EnqueueCloudUpdate(key names.Key, patch []byte) {
	e.queue.Enqueue(&Request{Key: key, Kind: KindCloudUpdate, Patch: patch})
}

// EnqueueCloudDelete schedules removal of the cloud copy.
func (e *Engine) EnqueueCloudDelete(key names.Key) {
	e.queue.Enqueue(&Request{Key: key, Kind: KindCloudDelete})
}

// SetSyncSet replaces the set of synced shadows. New shadows get a full
// reconciliation; removed shadows lose queued work, their subscriptions and
// their sync bookkeeping.
func (e *Engine) SetSyncSet(ctx context.Context, keys []names.Key) {
	next := make(map[names.Key]bool, len(keys))
	for _, k := range keys {
		next[k] = true
	}

	e.mu.Lock()
	old := e.keys
	e.keys = next
	e.mu.Unlock()

	e.queue.SetKeys(keys)

	removed := 0

	for k := range old {
		if next[k] {
			continue
		}

		removed++

		if err := e.store.DeleteSyncInfo(ctx, k); err != nil {
			e.logger.Warn("Failed to remove sync bookkeeping", "key", k, "error", err)
		}
	}

	added := 0

	for _, k := range keys {
		if old[k] {
			continue
		}

		added++
		e.queue.Enqueue(&Request{Key: k, Kind: KindFullSync})
	}

	if e.subs != nil {
		e.subs.SetDesired(topicsFor(keys))
	}

	if added > 0 || removed > 0 {
		e.logger.Info("Sync set updated", "shadows", len(keys), "added", added, "removed", removed)
	}
}

// topicsFor expands the sync set into the cloud topics to subscribe.
func topicsFor(keys []names.Key) []string {
	topics := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		topics = append(topics, k.SyncTopics()...)
	}

	return topics
}

// SetDirection changes the direction policy for subsequently enqueued
// requests. Already queued work is unaffected.
func (e *Engine) SetDirection(d Direction) {
	e.queue.SetDirection(d)
	e.logger.Info("Sync direction updated", "direction", d.String())
}

// SetStrategy switches the dispatch strategy live; queued requests carry
// over.
func (e *Engine) SetStrategy(s Strategy) {
	s = normalizeStrategy(s)

	e.mu.Lock()
	e.strategy = s
	e.mu.Unlock()

	select {
	case e.strategyCh <- struct{}{}:
	default:
	}

	e.logger.Info("Sync strategy updated", "strategy", s.Type.String(), "delay", s.Delay)
}

// SetOutboundRate rescales the cloud write limiter live; zero lifts the
// cap. Accumulated tokens carry over.
func (e *Engine) SetOutboundRate(perSecond float64) {
	if perSecond > 0 {
		e.outbound.SetLimit(rate.Limit(perSecond))
	} else {
		e.outbound.SetLimit(rate.Inf)
	}
}

// OnConnect retriggers subscription reconciliation after the MQTT session
// is (re)established.
func (e *Engine) OnConnect() {
	if e.subs != nil {
		e.subs.OnConnect()
	}
}

// Status reports per-shadow queue depth and sync bookkeeping for every
// configured shadow, ordered by thing then shadow name.
func (e *Engine) Status(ctx context.Context) ([]Status, error) {
	snap := e.queue.Snapshot()

	out := make([]Status, 0, len(snap))

	for key, st := range snap {
		info, err := e.store.GetSyncInfo(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("sync: status: %w", err)
		}

		if info != nil {
			st.CloudVersion = info.CloudVersion
			st.LocalVersion = info.LocalVersion
			st.CloudDeleted = info.CloudDeleted
			st.LastSyncTime = info.LastSyncTime
		}

		out = append(out, st)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Thing != out[j].Thing {
			return out[i].Thing < out[j].Thing
		}

		return out[i].Shadow < out[j].Shadow
	})

	return out, nil
}

// Totals reports lifetime request outcomes.
func (e *Engine) Totals() (synced, failed int64) {
	return e.synced.Load(), e.failed.Load()
}

func (e *Engine) currentStrategy() Strategy {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.strategy
}

// dispatch feeds dispatchable requests to the worker pool. Realtime drains
// continuously; periodic drains everything ready once per tick. Strategy
// changes take effect at the next loop turn.
func (e *Engine) dispatch(ctx context.Context) {
	defer e.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		s := e.currentStrategy()

		if s.Type == StrategyPeriodic {
			select {
			case <-ctx.Done():
				return
			case <-e.strategyCh:
			case <-time.After(s.Delay):
				e.drainReady(ctx)
			}

			continue
		}

		if e.dispatchNext(ctx) {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-e.strategyCh:
		case <-e.queue.Ready():
		}
	}
}

func (e *Engine) drainReady(ctx context.Context) {
	for ctx.Err() == nil && e.dispatchNext(ctx) {
	}
}

// dispatchNext hands one queued request to a worker. False when nothing is
// dispatchable.
func (e *Engine) dispatchNext(ctx context.Context) bool {
	req := e.queue.Next()
	if req == nil {
		return false
	}

	select {
	case e.work <- req:
		return true
	case <-ctx.Done():
		e.queue.Done(req.Key)
		return false
	}
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-e.work:
			e.safeExecute(ctx, req)
		}
	}
}

// safeExecute runs one request, isolating worker crashes. The in-flight
// slot releases after the recover so a panic cannot wedge the key.
func (e *Engine) safeExecute(ctx context.Context, req *Request) {
	defer e.queue.Done(req.Key)
	defer func() {
		if r := recover(); r != nil {
			e.failed.Add(1)
			e.logger.Error("Sync worker panic",
				"key", req.Key, "kind", req.Kind.String(), "panic", r)
		}
	}()

	if err := e.exec.execute(ctx, req); err != nil {
		e.failed.Add(1)
		return
	}

	e.synced.Add(1)
}

// sleepContext sleeps for d or until the context ends.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
