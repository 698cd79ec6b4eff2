package stackmgr

import (
	"net"
	"net/netip"
)

// netipPrefixToIPNet adapts a netip.Prefix to the *net.IPNet shape
// github.com/vishvananda/netlink's Addr type expects.
func netipPrefixToIPNet(p netip.Prefix) *net.IPNet {
	addr := p.Addr()
	raw := addr.As16()
	return &net.IPNet{
		IP:   net.IP(raw[:]),
		Mask: net.CIDRMask(p.Bits(), 128),
	}
}
