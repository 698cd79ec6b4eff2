package rotator

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/virtualsquare-go/otip-rproxy/internal/config"
	"github.com/virtualsquare-go/otip-rproxy/internal/stackmgr"
)

type fakeFactory struct {
	mu      sync.Mutex
	created int32
}

func (f *fakeFactory) CreateStack() (*stackmgr.Stack, error) {
	atomic.AddInt32(&f.created, 1)
	return &stackmgr.Stack{Iface: "fake0"}, nil
}

func (f *fakeFactory) AssignAddress(s *stackmgr.Stack, a netip.Addr) error {
	s.Addr = a
	return nil
}

func (f *fakeFactory) DestroyStack(s *stackmgr.Stack) {}

func baseResolved(period, pre, post int) *config.Resolved {
	return &config.Resolved{
		Opts: &config.Options{
			OtipPeriod:     period,
			OtipPreactive:  pre,
			OtipPostactive: post,
			TCPTimeout:     1,
			UDPTimeout:     1,
		},
		BaseAddr: netip.MustParseAddr("::1"),
		TCPItems: nil,
		UDPItems: nil,
	}
}

// A rotator running across an epoch boundary must create a new stack for
// the new epoch without being told to by anything other than wall time.
func TestRotatorCreatesNewStackAcrossEpochBoundary(t *testing.T) {
	factory := &fakeFactory{}
	cfg := baseResolved(1, 0, 0) // 1-second epochs so the boundary is easy to cross in-test

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		Run(cfg, factory, stop)
		close(done)
	}()

	time.Sleep(2500 * time.Millisecond)
	close(stop)
	<-done

	if got := atomic.LoadInt32(&factory.created); got < 2 {
		t.Fatalf("expected at least 2 stacks created across epoch boundary, got %d", got)
	}
}
