// Package refcount implements the UsageCounter of spec.md §4.1: an atomic
// refcount bound to exactly one resource (an ExternalStack), shared across
// independent goroutines with no single join point. The last release tears
// the resource down exactly once.
//
// The shape is firestack's own lifecycle idiom — compare tunnel.gtunnel's
// sync.Once-guarded Disconnect() in tunnel/tunnel.go — generalized from a
// single static teardown to an N-acquirer dynamic refcount, since here the
// set of holders (the TCP listener, every accepted connection, the UDP
// relay) grows and shrinks at runtime instead of being torn down from one
// call site.
package refcount

import "sync/atomic"

// Destroyer is called exactly once, when the count transitions 1->0.
type Destroyer func()

// Counter is an atomic non-negative refcount bound to one resource.
// Acquire must happen-before any use of the resource by the acquiring
// goroutine; Release must be the last thing a goroutine does with the
// resource. The zero Counter is not usable — use New.
type Counter struct {
	n       atomic.Int64
	destroy Destroyer
}

// New returns a Counter at zero, not yet holding any reference. Callers
// must Acquire before the resource is considered live; this mirrors
// spec.md §4.2 step 2 ("allocate a new UsageCounter initialised to zero;
// acquire once").
func New(destroy Destroyer) *Counter {
	return &Counter{destroy: destroy}
}

// Acquire atomically increments the count. Safe to call from any
// goroutine; synchronizes-with the Release that will eventually observe
// this increment (spec.md §4.1: "sufficient to publish all initialisation
// writes to the stack before any other task observes the increment").
func (c *Counter) Acquire() {
	c.n.Add(1)
}

// Release atomically decrements the count. If the new value is zero, the
// Destroyer runs exactly once and the counter is considered freed. The
// caller must not touch the owned resource after calling Release
// (spec.md §4.1 contract).
func (c *Counter) Release() {
	if c.n.Add(-1) == 0 {
		c.destroy()
	}
}

// Count reports the current reference count. Intended for tests and
// diagnostics only — never for control flow, since it is stale the instant
// it is read.
func (c *Counter) Count() int64 {
	return c.n.Load()
}
