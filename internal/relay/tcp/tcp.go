// Package tcp implements the TCP relay of spec.md §4.3: a listener
// sub-task that accepts on every configured external port for one epoch,
// and a per-connection relay sub-task that splices bytes to the matching
// internal endpoint.
//
// The splice shape (two goroutines, one per direction, a 128KiB buffer,
// short-write looping) is grounded on firestack's intra/common.go forward/
// upload/download trio (io.Copy between local and remote, first side to
// finish tears down the other) — generalized here from io.Copy's default
// buffering to the fixed 128KiB buffer and per-read deadline spec.md §4.3
// requires, and from firestack's single dnsx.Resolver-aware forward() to a
// plain byte splice (this spec's Non-goals exclude any inspection of the
// relayed stream).
package tcp

import (
	"net"
	"net/netip"
	"time"

	"github.com/virtualsquare-go/otip-rproxy/internal/config"
	"github.com/virtualsquare-go/otip-rproxy/internal/otiplog"
	"github.com/virtualsquare-go/otip-rproxy/internal/otipsys"
	"github.com/virtualsquare-go/otip-rproxy/internal/refcount"
	"github.com/virtualsquare-go/otip-rproxy/internal/stackmgr"
)

// bufSize is TCPBUFSIZE from original_source/proxytcp.c.
const bufSize = 128 * 1024

// Params configures one epoch's TCP relay.
type Params struct {
	Stack    *stackmgr.Stack   // external stack; listeners bind to Stack.Addr
	Usage    *refcount.Counter // epoch's usage counter
	Items    []config.ProxyItem
	IntAddr  netip.Addr // internal stack's source address, if configured (spec.md §6 intstack)
	Backlog  int
	Timeout  time.Duration // tcp_timeout, per relayed direction
	EpochEnd time.Time     // end of this epoch's validity window (postactive included)
}

// Start launches the listener sub-task for one epoch. It acquires the
// usage counter once before returning (spec.md §4.2 step 4: "Each launch
// internally acquires once before the new task begins") and releases it
// when the listener sub-task exits.
func Start(p Params) {
	p.Usage.Acquire()
	go listen(p)
}

type accepted struct {
	item config.ProxyItem
	conn net.Conn
}

// listen is the Listener sub-task of spec.md §4.3. A goroutine-per-socket
// acceptor fan-in over a channel is this repo's equivalent of the spec's
// "multiplexed readiness wait across all listener sockets" — idiomatic Go
// trades the single poll() call for N blocking Accept() calls, which is the
// shape every TCP-listening service in the retrieval pack (including
// firestack's own netstack forwarders) already uses.
func listen(p Params) {
	listeners := make([]net.Listener, 0, len(p.Items))
	itemByListener := make(map[net.Listener]config.ProxyItem, len(p.Items))

	for _, item := range p.Items {
		addr := netip.AddrPortFrom(p.Stack.Addr, item.ExtPort)
		if !addr.IsValid() {
			// No epoch address was assigned; an all-zero bind would be [::].
			otiplog.E("tcp: bind error port %d: stack has no address", item.ExtPort)
			continue
		}
		ln, err := otipsys.ListenTCP6Backlog(addr, p.Backlog)
		if err != nil {
			otiplog.E("tcp: bind error port %d: %v", item.ExtPort, err)
			continue
		}
		listeners = append(listeners, ln)
		itemByListener[ln] = item
	}

	if len(listeners) == 0 {
		// Nothing bound: this epoch's TCP relay cannot accept anything.
		// Release now rather than holding the stack open for the full
		// lifetime (spec.md testable scenario S6).
		otiplog.W("tcp: no listener bound for this epoch; releasing stack")
		p.Usage.Release()
		return
	}

	acceptedCh := make(chan accepted)
	stop := make(chan struct{})
	for _, ln := range listeners {
		go acceptLoop(ln, itemByListener[ln], acceptedCh, stop)
	}

	deadline := p.EpochEnd.Add(1 * time.Second)
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

loop:
	for {
		select {
		case a, ok := <-acceptedCh:
			if !ok {
				break loop
			}
			p.Usage.Acquire()
			cp := Params{Stack: p.Stack, Usage: p.Usage, IntAddr: p.IntAddr, Timeout: p.Timeout}
			go relayConn(cp, a.item, a.conn)
		case <-timer.C:
			break loop
		}
	}

	close(stop)
	for _, ln := range listeners {
		ln.Close()
	}
	p.Usage.Release()
}

func acceptLoop(ln net.Listener, item config.ProxyItem, out chan<- accepted, stop <-chan struct{}) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed by the main loop
		}
		select {
		case out <- accepted{item: item, conn: conn}:
		case <-stop:
			conn.Close()
			return
		}
	}
}

// relayConn is the per-connection relay sub-task of spec.md §4.3. State
// machine: Connecting -> Relaying -> Closing -> Done; a Connecting failure
// skips straight to Closing.
func relayConn(p Params, item config.ProxyItem, extConn net.Conn) {
	defer p.Usage.Release()
	defer extConn.Close()

	var laddr *net.TCPAddr
	if p.IntAddr.IsValid() {
		laddr = net.TCPAddrFromAddrPort(netip.AddrPortFrom(p.IntAddr, 0))
	}
	intConn, err := net.DialTCP("tcp6", laddr, net.TCPAddrFromAddrPort(item.IntAddrPort()))
	if err != nil {
		otiplog.W("tcp: connect internal %s: %v", item.IntAddrPort(), err)
		return
	}
	defer intConn.Close()

	done := make(chan error, 2)
	go splice(extConn, intConn, p.Timeout, done)
	go splice(intConn, extConn, p.Timeout, done)

	<-done // first direction to end (EOF, error, or idle timeout) ends the connection
}

// splice copies from src to dst, refreshing src's read deadline to timeout
// before every read (the Go equivalent of poll()'s per-iteration timeout in
// original_source/proxytcp.c's tcpconn loop), looping on short writes so
// bytes are never silently dropped (spec.md §4.3).
func splice(src, dst net.Conn, timeout time.Duration, done chan<- error) {
	buf := make([]byte, bufSize)
	for {
		if err := src.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			done <- err
			return
		}
		n, err := src.Read(buf)
		if n > 0 {
			if werr := writeFull(dst, buf[:n]); werr != nil {
				done <- werr
				return
			}
		}
		if err != nil {
			done <- err
			return
		}
	}
}

func writeFull(dst net.Conn, b []byte) error {
	for len(b) > 0 {
		n, err := dst.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
