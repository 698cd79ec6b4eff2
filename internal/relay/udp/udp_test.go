package udp

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/virtualsquare-go/otip-rproxy/internal/config"
	"github.com/virtualsquare-go/otip-rproxy/internal/refcount"
	"github.com/virtualsquare-go/otip-rproxy/internal/stackmgr"
)

func echoUDP(t *testing.T) uint16 {
	t.Helper()
	conn, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.ParseIP("::1")})
	if err != nil {
		t.Fatalf("echo listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			conn.WriteToUDP(buf[:n], addr)
		}
	}()
	return uint16(conn.LocalAddr().(*net.UDPAddr).Port)
}

func freeUDPPort(t *testing.T) uint16 {
	t.Helper()
	conn, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.ParseIP("::1")})
	if err != nil {
		t.Fatalf("freeUDPPort: %v", err)
	}
	defer conn.Close()
	return uint16(conn.LocalAddr().(*net.UDPAddr).Port)
}

// S2: a UDP datagram sent to the external port must be answered via the
// synthesized pseudo-flow.
func TestPseudoFlowRoundTrip(t *testing.T) {
	internalPort := echoUDP(t)
	extPort := freeUDPPort(t)

	stack := &stackmgr.Stack{Addr: netip.MustParseAddr("::1")}
	usage := refcount.New(func() {})
	item := config.ProxyItem{ExtPort: extPort, IntAddr: netip.MustParseAddr("::1"), IntPort: internalPort}

	Start(Params{
		Stack:    stack,
		Usage:    usage,
		Items:    []config.ProxyItem{item},
		Timeout:  2 * time.Second,
		EpochEnd: time.Now().Add(2 * time.Second),
	})

	time.Sleep(50 * time.Millisecond)

	conn, err := net.DialUDP("udp6", nil, net.UDPAddrFromAddrPort(netip.AddrPortFrom(netip.MustParseAddr("::1"), extPort)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msg := []byte("otip-udp")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(msg))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != string(msg) {
		t.Fatalf("got %q want %q", buf[:n], msg)
	}
}

// S5: an already-open pseudo-flow keeps relaying after the epoch's
// expiry passes, since the Sweep algorithm only closes a port once it has
// both expired and drained, never on a flat epoch-end timer.
func TestActiveFlowSurvivesPastEpochEnd(t *testing.T) {
	internalPort := echoUDP(t)
	extPort := freeUDPPort(t)

	stack := &stackmgr.Stack{Addr: netip.MustParseAddr("::1")}
	usage := refcount.New(func() {})
	item := config.ProxyItem{ExtPort: extPort, IntAddr: netip.MustParseAddr("::1"), IntPort: internalPort}

	Start(Params{
		Stack:    stack,
		Usage:    usage,
		Items:    []config.ProxyItem{item},
		Timeout:  4 * time.Second,
		EpochEnd: time.Now().Add(300 * time.Millisecond),
	})
	time.Sleep(50 * time.Millisecond)

	conn, err := net.DialUDP("udp6", nil, net.UDPAddrFromAddrPort(netip.AddrPortFrom(netip.MustParseAddr("::1"), extPort)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msg := []byte("still-here")
	roundtrip := func() {
		t.Helper()
		if _, err := conn.Write(msg); err != nil {
			t.Fatalf("write: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		buf := make([]byte, len(msg))
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read after epoch end: %v", err)
		}
		if string(buf[:n]) != string(msg) {
			t.Fatalf("got %q want %q", buf[:n], msg)
		}
	}

	roundtrip() // before expiry

	// Let the epoch pass expiry and the sweep loop notice (the sweep ticks
	// every second).
	time.Sleep(1300 * time.Millisecond)

	roundtrip() // after expiry: same flow, must still relay
}

// S5: once the epoch has passed expiry, a brand-new (peer, pktinfo) tuple
// must not start a new pseudo-flow — the datagram is dropped.
func TestNewFlowRejectedAfterEpochEnd(t *testing.T) {
	internalPort := echoUDP(t)
	extPort := freeUDPPort(t)

	stack := &stackmgr.Stack{Addr: netip.MustParseAddr("::1")}
	usage := refcount.New(func() {})
	item := config.ProxyItem{ExtPort: extPort, IntAddr: netip.MustParseAddr("::1"), IntPort: internalPort}

	Start(Params{
		Stack:    stack,
		Usage:    usage,
		Items:    []config.ProxyItem{item},
		Timeout:  4 * time.Second,
		EpochEnd: time.Now().Add(300 * time.Millisecond),
	})

	// Wait for the epoch to expire and the sweep loop to mark it so.
	time.Sleep(1300 * time.Millisecond)

	conn, err := net.DialUDP("udp6", nil, net.UDPAddrFromAddrPort(netip.AddrPortFrom(netip.MustParseAddr("::1"), extPort)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("too-late")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 32)
	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("expected no reply for a new flow admitted after epoch expiry")
	}
}

func TestFlowKeyDistinguishesPeers(t *testing.T) {
	a := flowKey{peer: netip.MustParseAddrPort("[::1]:1111"), pktinfo: "x"}
	b := flowKey{peer: netip.MustParseAddrPort("[::1]:2222"), pktinfo: "x"}
	if a == b {
		t.Fatalf("distinct peer ports must not collide")
	}
	c := flowKey{peer: netip.MustParseAddrPort("[::1]:1111"), pktinfo: "y"}
	if a == c {
		t.Fatalf("distinct ancillary data must not collide")
	}
}
