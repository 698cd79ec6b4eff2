package udp

import (
	"sync"
	"time"
)

// flowTable is a map of live pseudo-flows with lazy, size-triggered reaping
// instead of a dedicated sweep goroutine per port.
//
// Adapted from firestack's intra/core.ExpMap (core/expiringmap.go), which
// tracks string keys with a hit-count/expiry pair and reaps a bounded number
// of expired entries whenever an insert pushes it past a size threshold.
// Generalized here from string keys and hit-counters to flowKey-keyed *flow
// pointers (whose net.UDPConn must be Closed on eviction, unlike ExpMap's
// plain counters) and from a fixed reap threshold to one derived from the
// configured idle timeout.
type flowTable struct {
	mu       sync.Mutex
	m        map[flowKey]*flow
	lastReap time.Time
}

const (
	reapSizeThreshold = 64  // don't bother reaping a small table
	maxReapIter       = 256 // bound the work done per reap pass
)

func newFlowTable() *flowTable {
	return &flowTable{m: make(map[flowKey]*flow), lastReap: time.Now()}
}

// get returns the flow for key, if any, without reaping.
func (t *flowTable) get(key flowKey) (*flow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fl, ok := t.m[key]
	return fl, ok
}

// put inserts fl under key and opportunistically reaps idle entries older
// than timeout, mirroring ExpMap.Set's "reap on insert, not on a timer"
// shape.
func (t *flowTable) put(key flowKey, fl *flow, timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[key] = fl
	t.reapLocked(timeout)
}

// reap forces a reap pass regardless of size or of when the last pass ran,
// used by the port's own idle sweep when no new flow has arrived in a while
// to trigger put's lazy path.
func (t *flowTable) reap(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastReap = time.Time{} // defeat reapLocked's small-and-recent skip
	t.reapLocked(timeout)
}

func (t *flowTable) reapLocked(timeout time.Duration) {
	if len(t.m) < reapSizeThreshold && time.Since(t.lastReap) < timeout {
		return
	}
	t.lastReap = time.Now()
	now := time.Now().UnixNano()
	i := 0
	for k, fl := range t.m {
		i++
		if time.Duration(now-fl.lastUse.Load()) > timeout {
			fl.in.Close()
			delete(t.m, k)
		}
		if i > maxReapIter {
			break
		}
	}
}

// count reports the number of live flows, used by run's Sweep loop to tell
// whether a port has drained after the epoch has passed expiry.
func (t *flowTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

// closeAll tears down every flow in the table, used when a port's listener
// is shutting down at epoch end.
func (t *flowTable) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, fl := range t.m {
		fl.in.Close()
		delete(t.m, k)
	}
}
