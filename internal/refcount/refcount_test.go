package refcount

import (
	"sync"
	"sync/atomic"
	"testing"
)

// TestDestroyedExactlyOnce exercises spec.md testable property 2: the stack
// is destroyed exactly once, and only after every acquire has a matching
// release, even under concurrent acquire/release from many goroutines.
func TestDestroyedExactlyOnce(t *testing.T) {
	var destroyed atomic.Int32
	c := New(func() { destroyed.Add(1) })

	c.Acquire() // the rotator's own reference, held until the end

	const workers = 200
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		c.Acquire()
		go func() {
			defer wg.Done()
			c.Release()
		}()
	}
	wg.Wait()

	if destroyed.Load() != 0 {
		t.Fatalf("destroyed fired before the rotator released its own reference: %d", destroyed.Load())
	}

	c.Release() // rotator releases last

	if got := destroyed.Load(); got != 1 {
		t.Fatalf("destroy ran %d times, want exactly 1", got)
	}
	if n := c.Count(); n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
}

func TestNotDestroyedUntilLastRelease(t *testing.T) {
	var destroyed bool
	c := New(func() { destroyed = true })
	c.Acquire()
	c.Acquire()
	c.Release()
	if destroyed {
		t.Fatal("destroyed after releasing only one of two acquires")
	}
	c.Release()
	if !destroyed {
		t.Fatal("not destroyed after releasing the last acquire")
	}
}
