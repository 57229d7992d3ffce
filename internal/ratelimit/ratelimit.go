// Package ratelimit throttles inbound local shadow requests with two token
// buckets: one per thing (lazily created) and one aggregate across all
// things. A request must win a token from both.
package ratelimit

import (
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter is the inbound request limiter. Token-bucket consumption is
// lock-free inside x/time/rate; the mutex only guards the per-thing map and
// live reconfiguration.
type Limiter struct {
	mu           sync.Mutex
	perThing     map[string]*rate.Limiter
	total        *rate.Limiter
	perThingRate int
	totalRate    int
	logger       *slog.Logger
}

// New creates a limiter with the given per-thing and aggregate rates in
// requests per second. Burst is one second of tokens. A rate <= 0 means
// unlimited for that bucket.
func New(perThingPerSecond, totalPerSecond int, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Limiter{
		perThing:     make(map[string]*rate.Limiter),
		total:        newBucket(totalPerSecond),
		perThingRate: perThingPerSecond,
		totalRate:    totalPerSecond,
		logger:       logger,
	}
}

// newBucket returns a limiter for the given rate, or nil for unlimited.
func newBucket(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}

	return rate.NewLimiter(rate.Limit(perSecond), perSecond)
}

// Allow consumes one token from the thing's bucket and one from the
// aggregate bucket, reporting whether both succeeded. An empty thing name is
// never throttled (internal callers bypass quota).
func (l *Limiter) Allow(thing string) bool {
	if thing == "" {
		return true
	}

	l.mu.Lock()
	bucket, ok := l.perThing[thing]
	if !ok {
		bucket = newBucket(l.perThingRate)
		l.perThing[thing] = bucket
	}
	total := l.total
	l.mu.Unlock()

	if bucket != nil && !bucket.Allow() {
		l.logger.Debug("request throttled by per-thing limit", "thing", thing)
		return false
	}

	if total != nil && !total.Allow() {
		l.logger.Debug("request throttled by total limit", "thing", thing)
		return false
	}

	return true
}

// SetRates applies new per-thing and aggregate rates to all existing
// buckets. x/time/rate carries accumulated tokens through SetLimit/SetBurst,
// so in-flight budgets rescale instead of resetting.
func (l *Limiter) SetRates(perThingPerSecond, totalPerSecond int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if perThingPerSecond == l.perThingRate && totalPerSecond == l.totalRate {
		return
	}

	l.logger.Info("rate limits updated",
		"per_thing", perThingPerSecond,
		"total", totalPerSecond,
	)

	l.perThingRate = perThingPerSecond
	l.totalRate = totalPerSecond

	for thing, bucket := range l.perThing {
		switch {
		case perThingPerSecond <= 0:
			l.perThing[thing] = nil
		case bucket == nil:
			l.perThing[thing] = newBucket(perThingPerSecond)
		default:
			bucket.SetLimit(rate.Limit(perThingPerSecond))
			bucket.SetBurst(perThingPerSecond)
		}
	}

	switch {
	case totalPerSecond <= 0:
		l.total = nil
	case l.total == nil:
		l.total = newBucket(totalPerSecond)
	default:
		l.total.SetLimit(rate.Limit(totalPerSecond))
		l.total.SetBurst(totalPerSecond)
	}
}
