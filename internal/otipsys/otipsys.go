// Package otipsys provides the one raw-socket-option knob the relay
// listeners need: SO_REUSEADDR on every listening socket, so a new epoch's
// listener can bind immediately even while the previous epoch's listener on
// the same interface is still draining.
//
// Grounded on firestack's intra/protect/protect.go, which builds
// *net.ListenConfig/*net.Dialer values with a syscall.RawConn.Control
// callback reaching into the raw fd (there, to call into the Android
// Controller's Bind4/Bind6; here, to set a socket option via
// golang.org/x/sys/unix instead of the control-plane callback firestack
// needs, since this proxy has no app-level binder to call into).
package otipsys

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenConfig returns a net.ListenConfig whose sockets have SO_REUSEADDR
// set before bind, so overlapping epochs never fail to listen merely
// because the kernel hasn't finished tearing down the previous socket.
func ListenConfig() *net.ListenConfig {
	return &net.ListenConfig{Control: setReuseAddr}
}

func setReuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// ListenTCP6Backlog opens a TCP6 listening socket at addr with the given
// listen backlog, the one knob net.ListenConfig has no way to express
// (tcp_listen_backlog, spec.md §6). Built directly on golang.org/x/sys/unix
// (socket/bind/listen) and handed to the runtime via net.FileListener — the
// fd-handoff pattern grounded in other_examples' graceful-restart
// socket-handoff helper, which also adopts a raw fd into a *net.TCPListener
// via net.FileListener rather than a higher-level net.Listen call.
func ListenTCP6Backlog(addr netip.AddrPort, backlog int) (*net.TCPListener, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("otipsys: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("otipsys: setsockopt SO_REUSEADDR: %w", err)
	}
	sa := &unix.SockaddrInet6{Port: int(addr.Port()), Addr: addr.Addr().As16()}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("otipsys: bind %s: %w", addr, err)
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("otipsys: listen %s: %w", addr, err)
	}

	f := os.NewFile(uintptr(fd), "otip-tcp-listener")
	defer f.Close() // net.FileListener dups the fd; the original can be closed

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("otipsys: adopt listener fd: %w", err)
	}
	return ln.(*net.TCPListener), nil
}

// IsRoot reports whether the process has root privilege, which
// stackmgr.NetlinkFactory needs (CAP_NET_ADMIN) to add/remove addresses.
// Used only for an early, friendlier startup warning; the netlink calls
// themselves already return their own error if permission is denied.
func IsRoot() bool {
	return unix.Getuid() == 0
}
