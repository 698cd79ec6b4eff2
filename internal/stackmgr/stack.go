// Package stackmgr implements the "ExternalStack" data model of spec.md §3
// and the stack-factory interface of spec.md §4.5.
//
// spec.md treats stack creation/destruction as an external collaborator —
// "exact signatures are implementation-defined" — because the original C
// program (original_source/otip_rproxy.c) delegates it to libioth, a
// separate virtual-network library. This package is that collaborator's Go
// home: an ExternalStack here is a single already-up network interface plus
// exactly one configured IPv6 address (the current epoch's OTIP), and the
// default Factory implementation configures that address with
// github.com/vishvananda/netlink (the pack's own interface/address-management
// dependency, carried over from XTLS-Xray-core's go.mod) instead of
// reimplementing a userspace packet-level network stack the spec never asks
// for (see SPEC_FULL.md §2 for why gvisor was not adopted here).
package stackmgr

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"

	"github.com/virtualsquare-go/otip-rproxy/internal/otiplog"
)

// Stack is the opaque handle described by spec.md's ExternalStack: exactly
// one IPv6 address configured, exactly one usable interface. Sockets are
// opened against Addr directly (binding to the specific address rather than
// the wildcard keeps overlapping epochs on the same physical link from
// fighting over the same port — see DESIGN.md, "Open Question decisions").
type Stack struct {
	Iface string
	Addr  netip.Addr
	link  netlink.Link
}

// Config names the interface an ExternalStack is built on top of —
// extstack's `iface` subtag in spec.md §6 (defaulted to "vde0" by
// original_source/otip_rproxy.c when absent).
type Config struct {
	Iface string
}

// Factory is the narrow interface spec.md §4.5 asks the core to depend on:
// create/destroy a stack, assign its epoch address, bring its link up.
// Socket opening itself is not part of this interface — the relay packages
// open their own listening sockets (via internal/otipsys) against
// Stack.Addr, since an
// ExternalStack here is a real OS interface, not a virtual one requiring a
// factory-mediated socket call.
type Factory interface {
	// CreateStack brings a fresh ExternalStack into existence. It does not
	// yet have an address configured.
	CreateStack() (*Stack, error)
	// AssignAddress configures addr on s's interface with a /64 prefix and
	// brings the link up. Per spec.md §4.2: "If address assignment fails,
	// the stack is still launched (it simply will not receive traffic)" —
	// callers must not abort on error, only log it.
	AssignAddress(s *Stack, addr netip.Addr) error
	// DestroyStack releases s: removes its configured address and tears
	// down anything CreateStack allocated. Called by the UsageCounter's
	// Destroyer exactly once, after the last Release (spec.md §4.1).
	DestroyStack(s *Stack)
}

// NetlinkFactory is the default Factory, backed by one pre-existing network
// interface shared by every epoch in turn (addresses are added/removed on
// it as epochs rotate; the interface itself is never created or destroyed).
type NetlinkFactory struct {
	cfg Config
}

// NewNetlinkFactory returns the default stack factory bound to cfg.Iface.
func NewNetlinkFactory(cfg Config) *NetlinkFactory {
	if cfg.Iface == "" {
		cfg.Iface = "vde0" // default iface name, spec.md §6 / otip_rproxy.c
	}
	return &NetlinkFactory{cfg: cfg}
}

func (f *NetlinkFactory) CreateStack() (*Stack, error) {
	link, err := netlink.LinkByName(f.cfg.Iface)
	if err != nil {
		return nil, fmt.Errorf("stackmgr: interface %s: %w", f.cfg.Iface, err)
	}
	return &Stack{Iface: f.cfg.Iface, link: link}, nil
}

func (f *NetlinkFactory) AssignAddress(s *Stack, addr netip.Addr) error {
	prefix := netip.PrefixFrom(addr, 64)
	nladdr := &netlink.Addr{IPNet: netipPrefixToIPNet(prefix)}
	if err := netlink.AddrAdd(s.link, nladdr); err != nil {
		return fmt.Errorf("stackmgr: add addr %s to %s: %w", addr, s.Iface, err)
	}
	if err := netlink.LinkSetUp(s.link); err != nil {
		return fmt.Errorf("stackmgr: link up %s: %w", s.Iface, err)
	}
	s.Addr = addr
	return nil
}

// ResolveIfaceAddr returns a global unicast IPv6 address already configured
// on iface. Unlike the external stack, the internal stack (spec.md §6's
// `intstack`) names a pre-existing interface facing the backend network
// whose address this proxy never adds or removes — a read-only lookup via
// the standard net package is the right tool here, not netlink.AddrAdd.
func ResolveIfaceAddr(iface string) (netip.Addr, error) {
	ifc, err := net.InterfaceByName(iface)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("stackmgr: interface %s: %w", iface, err)
	}
	addrs, err := ifc.Addrs()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("stackmgr: addrs for %s: %w", iface, err)
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.Is6() && ip.IsGlobalUnicast() {
			return ip, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("stackmgr: no usable IPv6 address on %s", iface)
}

func (f *NetlinkFactory) DestroyStack(s *Stack) {
	if s == nil || !s.Addr.IsValid() {
		return
	}
	prefix := netip.PrefixFrom(s.Addr, 64)
	nladdr := &netlink.Addr{IPNet: netipPrefixToIPNet(prefix)}
	if err := netlink.AddrDel(s.link, nladdr); err != nil {
		otiplog.W("stackmgr: remove addr %s from %s: %v", s.Addr, s.Iface, err)
	}
}
