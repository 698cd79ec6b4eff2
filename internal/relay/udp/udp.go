// Package udp implements the pseudo-flow engine of spec.md §4.4. UDP has no
// connection setup, so "flows" are synthesized from the external socket's
// traffic: a pseudo-flow is identified by (peer port, peer address,
// ancillary packet-info bytes), and torn down on idle timeout rather than on
// any protocol signal.
//
// The NAT-map-plus-sweep shape is grounded on firestack's intra/udp.go
// udpHandler (a map from conn identity to a *tracker, fetchUDPInput relaying
// remote->local while ReceiveTo relays local->remote, Close tearing down one
// entry) — generalized here from netstack's single GUDPConn identity to the
// (peerAddrPort, pktinfo) tuple spec.md §4.4 requires. Idle eviction itself
// is delegated to flowTable (flowtable.go), adapted from firestack's
// core.ExpMap.
package udp

import (
	"context"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv6"

	"github.com/virtualsquare-go/otip-rproxy/internal/config"
	"github.com/virtualsquare-go/otip-rproxy/internal/otiplog"
	"github.com/virtualsquare-go/otip-rproxy/internal/otipsys"
	"github.com/virtualsquare-go/otip-rproxy/internal/refcount"
	"github.com/virtualsquare-go/otip-rproxy/internal/stackmgr"
)

const bufSize = 64 * 1024

// Params configures one epoch's UDP relay.
type Params struct {
	Stack    *stackmgr.Stack
	Usage    *refcount.Counter
	Items    []config.ProxyItem
	IntAddr  netip.Addr    // internal stack's source address, if configured (spec.md §6 intstack)
	Timeout  time.Duration // udp_timeout, idle eviction
	EpochEnd time.Time
}

// flowKey identifies a pseudo-flow: same peer, same ancillary data. Two
// packets from the same peer port/address but different IPV6_PKTINFO (e.g.
// arriving via a different local address or interface) are different flows,
// per spec.md §4.4.
type flowKey struct {
	peer    netip.AddrPort
	pktinfo string // raw oob bytes, compared byte-exact
}

type flow struct {
	key     flowKey
	pktinfo []byte
	in      *net.UDPConn // dialed to the internal endpoint
	lastUse atomic.Int64 // unix nanoseconds, written by readLoop/replyLoop without holding flowTable's lock
}

// Start launches one listener goroutine per ProxyItem, each with its own
// flow table, and a sweep goroutine that evicts idle flows and closes the
// sockets once the epoch has passed expiry and every port has drained.
func Start(p Params) {
	p.Usage.Acquire()
	go run(p)
}

type portState struct {
	item    config.ProxyItem
	sock    *net.UDPConn
	pconn   *ipv6.PacketConn
	flows   *flowTable
	intAddr netip.Addr
}

// run owns a port's listening socket for this epoch. Its lifecycle follows
// spec.md §4.4's Sweep algorithm, mirrored from original_source/proxyudp.c's
// main loop: a port's socket is only closed once the epoch has passed
// expiry *and* that port's flow list has drained, never on a flat timer —
// flows already relaying when the epoch ends keep running until they idle
// out on their own.
func run(p Params) {
	defer p.Usage.Release()

	ports := make([]*portState, 0, len(p.Items))
	lc := otipsys.ListenConfig()
	var expired atomic.Bool

	for _, item := range p.Items {
		addr := netip.AddrPortFrom(p.Stack.Addr, item.ExtPort).String()
		pc, err := lc.ListenPacket(context.Background(), "udp6", addr)
		if err != nil {
			otiplog.E("udp: bind error port %d: %v", item.ExtPort, err)
			continue
		}
		sock := pc.(*net.UDPConn)
		pconn := ipv6.NewPacketConn(sock)
		if err := pconn.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, true); err != nil {
			otiplog.W("udp: enable pktinfo port %d: %v", item.ExtPort, err)
		}
		ps := &portState{item: item, sock: sock, pconn: pconn, flows: newFlowTable(), intAddr: p.IntAddr}
		ports = append(ports, ps)
		go readLoop(ps, p.Timeout, &expired)
	}

	if len(ports) == 0 {
		otiplog.W("udp: no listener bound for this epoch")
		return
	}

	// A 1s sweep tick keeps idle flows from outliving their timeout by
	// more than a second even when no new traffic arrives to trigger
	// flowTable's insert-time reap.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		<-ticker.C
		if !expired.Load() && !time.Now().Before(p.EpochEnd) {
			// Admission closes now: readLoop sees expired and stops
			// creating new flows, but existing ones keep relaying.
			expired.Store(true)
		}
		for _, ps := range ports {
			ps.flows.reap(p.Timeout)
		}
		if expired.Load() && allDrained(ports) {
			break
		}
	}

	for _, ps := range ports {
		ps.sock.Close()
		ps.flows.closeAll()
	}
}

func allDrained(ports []*portState) bool {
	for _, ps := range ports {
		if ps.flows.count() > 0 {
			return false
		}
	}
	return true
}

// readLoop is the external-socket reader: it demultiplexes incoming packets
// into pseudo-flows and, for each new flow, spawns the reverse relay
// goroutine that carries the internal endpoint's replies back out. Once
// expired is set, unmatched packets are dropped rather than starting a new
// flow (spec.md §4.4: "if the epoch has passed expiry, drop the datagram —
// admission closed"); packets matching an already-open flow are still
// relayed regardless of expiry.
func readLoop(ps *portState, timeout time.Duration, expired *atomic.Bool) {
	buf := make([]byte, bufSize)
	oob := make([]byte, 512)
	for {
		n, oobn, _, peer, err := ps.sock.ReadMsgUDP(buf, oob)
		if err != nil {
			return // socket closed by run()
		}
		key := flowKey{peer: peer.AddrPort(), pktinfo: string(oob[:oobn])}

		fl, ok := ps.flows.get(key)
		if !ok {
			if expired.Load() {
				continue
			}
			var laddr *net.UDPAddr
			if ps.intAddr.IsValid() {
				laddr = net.UDPAddrFromAddrPort(netip.AddrPortFrom(ps.intAddr, 0))
			}
			in, derr := net.DialUDP("udp6", laddr, net.UDPAddrFromAddrPort(ps.item.IntAddrPort()))
			if derr != nil {
				otiplog.W("udp: connect internal %s: %v", ps.item.IntAddrPort(), derr)
				continue
			}
			pktinfo := append([]byte(nil), oob[:oobn]...)
			fl = &flow{key: key, pktinfo: pktinfo, in: in}
			ps.flows.put(key, fl, timeout)
			go replyLoop(ps, fl, peer, timeout)
		}

		fl.lastUse.Store(time.Now().UnixNano())
		if _, err := fl.in.Write(buf[:n]); err != nil {
			otiplog.W("udp: forward to internal %s: %v", ps.item.IntAddrPort(), err)
		}
	}
}

// replyLoop carries packets from the internal endpoint back to the original
// peer, replaying the pseudo-flow's IPV6_PKTINFO ancillary data byte-exact
// (spec.md §4.4: "the reply's ancillary data must match the original
// request's, so the kernel sources the reply from the same local address").
func replyLoop(ps *portState, fl *flow, peer *net.UDPAddr, timeout time.Duration) {
	buf := make([]byte, bufSize)
	for {
		fl.in.SetReadDeadline(time.Now().Add(timeout))
		n, err := fl.in.Read(buf)
		if err != nil {
			return
		}
		fl.lastUse.Store(time.Now().UnixNano())
		if _, _, err := ps.sock.WriteMsgUDP(buf[:n], fl.pktinfo, peer); err != nil {
			otiplog.W("udp: reply to peer %s: %v", peer, err)
			return
		}
	}
}
