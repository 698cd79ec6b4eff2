package otipsys

import (
	"context"
	"net"
	"net/netip"
	"testing"
)

// SO_REUSEADDR must let two listeners bind the same loopback port in
// succession without the usual post-close cooldown.
func TestListenConfigSetsReuseAddr(t *testing.T) {
	lc := ListenConfig()
	ln, err := lc.Listen(context.Background(), "tcp6", "[::1]:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ln2, err := lc.Listen(context.Background(), "tcp6", addr)
	if err != nil {
		t.Fatalf("re-listen on %s: %v", addr, err)
	}
	ln2.Close()
}

func TestListenTCP6BacklogAccepts(t *testing.T) {
	ln, err := ListenTCP6Backlog(netip.MustParseAddrPort("[::1]:0"), 4)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	if ln.Addr().(*net.TCPAddr).Port == 0 {
		t.Fatalf("expected an ephemeral port to be assigned")
	}
}
