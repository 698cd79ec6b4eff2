// Package config owns everything spec.md brackets as "external
// collaborators" around the core: CLI/rcfile parsing, option precedence,
// and the ProxyItem tables built from them. See SPEC_FULL.md §1.2.
package config

import "net/netip"

// ProxyItem is the immutable forwarding record of spec.md §3: an external
// port paired with the internal address/port traffic for that port is
// relayed to. Built once at startup by resolving configured hostnames
// through the internal DNS (internal/resolve) — separate tables exist for
// TCP and UDP, exactly as spec.md requires.
type ProxyItem struct {
	ExtPort    uint16
	IntAddr    netip.Addr
	IntPort    uint16
}

// IntAddrPort is the internal destination as a netip.AddrPort, the shape
// every relay dial/connect call wants.
func (p ProxyItem) IntAddrPort() netip.AddrPort {
	return netip.AddrPortFrom(p.IntAddr, p.IntPort)
}
