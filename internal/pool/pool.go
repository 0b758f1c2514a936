// Package pool provides the fixed-size, channel-backed object pools the
// spec's data model requires for packets, flows, segments, stream
// messages and alerts (§3, §9: "owned arenas for packets, flows, segments,
// stream-messages").
//
// Grounded on the teacher's mempool.BufferPool: a buffered channel of
// pre-allocated objects, Get draining it and Put replenishing it, non-
// blocking on both ends so a pool exhaustion is a signal (emergency mode,
// §5) rather than a stall.
package pool

import "sync/atomic"

// Pool is a fixed-size ring of reusable T values. Get obtains a pool-backed
// T without a separate allocation once primed; Put returns it. T's own
// Reset method (called by the caller before Put) is responsible for
// scrubbing references so a dropped owner can't leak state into the next
// user.
type Pool[T any] struct {
	slots chan T
	new   func() T

	allocCount  uint64
	returnCount uint64
}

// New creates a pool of the given capacity, eagerly constructing capacity
// values with newFn. A capacity of 0 is a programmer error that spec.md's
// universal invariant (pool_alloc_count == pool_return_count at shutdown)
// exists precisely to catch: it would mean nothing was ever available to
// hand out.
func New[T any](capacity int, newFn func() T) *Pool[T] {
	p := &Pool[T]{
		slots: make(chan T, capacity),
		new:   newFn,
	}
	for i := 0; i < capacity; i++ {
		p.slots <- newFn()
	}
	return p
}

// Get returns a value from the pool, or the zero value and false if the
// pool is empty (memory budget exhausted — the caller enters emergency
// mode rather than blocking).
func (p *Pool[T]) Get() (T, bool) {
	select {
	case v := <-p.slots:
		atomic.AddUint64(&p.allocCount, 1)
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Put returns v to the pool. If the pool is already at capacity (can
// happen only if a caller double-returns a value), the value is dropped
// rather than blocking or growing the pool unboundedly.
func (p *Pool[T]) Put(v T) {
	atomic.AddUint64(&p.returnCount, 1)
	select {
	case p.slots <- v:
	default:
	}
}

// AllocCount and ReturnCount back the packet-conservation invariant in §8:
// pool_alloc_count == pool_return_count at shutdown.
func (p *Pool[T]) AllocCount() uint64  { return atomic.LoadUint64(&p.allocCount) }
func (p *Pool[T]) ReturnCount() uint64 { return atomic.LoadUint64(&p.returnCount) }

// Available reports how many values currently sit in the pool, for
// emergency-mode pressure checks.
func (p *Pool[T]) Available() int { return len(p.slots) }

// Cap reports the pool's total capacity.
func (p *Pool[T]) Cap() int { return cap(p.slots) }
