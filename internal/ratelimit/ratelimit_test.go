package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestAllowWithinBurst(t *testing.T) {
	l := New(5, 100, nil)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("t1"), "request %d within burst", i)
	}

	// Burst exhausted for this thing.
	assert.False(t, l.Allow("t1"))

	// Other things have their own bucket.
	assert.True(t, l.Allow("t2"))
}

func TestAllowTotalLimit(t *testing.T) {
	l := New(100, 3, nil)

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.True(t, l.Allow("c"))

	// Aggregate bucket exhausted even though "d" is fresh.
	assert.False(t, l.Allow("d"))
}

func TestAllowEmptyThing(t *testing.T) {
	l := New(1, 1, nil)

	// Internal callers with no thing identity are never throttled.
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow(""))
	}
}

func TestUnlimitedRates(t *testing.T) {
	l := New(0, 0, nil)

	for i := 0; i < 1000; i++ {
		assert.True(t, l.Allow("t1"))
	}
}

func TestSetRates(t *testing.T) {
	l := New(1, 1, nil)

	assert.True(t, l.Allow("t1"))
	assert.False(t, l.Allow("t1"))

	l.SetRates(50, 200)

	// Existing buckets are rescaled in place rather than replaced, so
	// accumulated spend carries over instead of resetting to a full burst.
	l.mu.Lock()
	defer l.mu.Unlock()

	assert.Equal(t, rate.Limit(50), l.perThing["t1"].Limit())
	assert.Equal(t, 50, l.perThing["t1"].Burst())
	assert.Equal(t, rate.Limit(200), l.total.Limit())
	assert.Equal(t, 200, l.total.Burst())
}

func TestSetRatesNoChangeKeepsBuckets(t *testing.T) {
	l := New(5, 10, nil)

	assert.True(t, l.Allow("t1"))

	l.mu.Lock()
	before := l.perThing["t1"]
	l.mu.Unlock()

	l.SetRates(5, 10)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Same(t, before, l.perThing["t1"])
}

func TestSetRatesToUnlimited(t *testing.T) {
	l := New(1, 1, nil)

	assert.True(t, l.Allow("t1"))
	assert.False(t, l.Allow("t1"))

	l.SetRates(0, 0)

	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("t1"))
	}
}
