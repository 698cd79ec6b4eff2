package udp

import (
	"net"
	"net/netip"
	"testing"
	"time"
)

func dummyFlow(t *testing.T, key flowKey) *flow {
	t.Helper()
	conn, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.ParseIP("::1")})
	if err != nil {
		t.Fatalf("dummy flow conn: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	fl := &flow{key: key, in: conn}
	fl.lastUse.Store(time.Now().UnixNano())
	return fl
}

func TestFlowTableReapsIdleEntries(t *testing.T) {
	ft := newFlowTable()
	key := flowKey{peer: netip.MustParseAddrPort("[::1]:1"), pktinfo: ""}
	fl := dummyFlow(t, key)
	fl.lastUse.Store(time.Now().Add(-time.Hour).UnixNano()) // already idle
	ft.put(key, fl, time.Millisecond)

	time.Sleep(5 * time.Millisecond) // well past the 1ms timeout
	ft.reap(time.Millisecond)

	if _, ok := ft.get(key); ok {
		t.Fatalf("expected idle flow to be reaped")
	}
}

func TestFlowTableKeepsFreshEntries(t *testing.T) {
	ft := newFlowTable()
	key := flowKey{peer: netip.MustParseAddrPort("[::1]:2"), pktinfo: ""}
	fl := dummyFlow(t, key)
	ft.put(key, fl, time.Hour)

	ft.reap(time.Hour)

	if _, ok := ft.get(key); !ok {
		t.Fatalf("expected fresh flow to survive reap")
	}
}
