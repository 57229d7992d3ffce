// Package keymutex provides per-key mutual exclusion with stable lock
// identity: every caller locking the same key contends on the same
// sync.Mutex instance.
//
// Locks are interned forever. The intended key population (one per shadow
// document on a gateway) is small and bounded, so eviction bookkeeping is
// not worth its complexity.
package keymutex

import "sync"

// Mutex serializes operations per key. The zero value is not usable; call New.
type Mutex[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*sync.Mutex
}

// New creates an empty keyed mutex.
func New[K comparable]() *Mutex[K] {
	return &Mutex[K]{locks: make(map[K]*sync.Mutex)}
}

// Lock blocks until the key's lock is held and returns the unlock function.
// Typical use:
//
//	unlock := m.Lock(key)
//	defer unlock()
func (m *Mutex[K]) Lock(key K) func() {
	m.mu.Lock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	m.mu.Unlock()

	lock.Lock()

	return lock.Unlock
}

// Len reports how many keys have been interned, for introspection in tests
// and status output.
func (m *Mutex[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.locks)
}
