package config

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/virtualsquare-go/otip-rproxy/internal/resolve"
	"github.com/virtualsquare-go/otip-rproxy/internal/stackmgr"
)

// Resolved is the fully validated, DNS-resolved configuration the rest of
// the program runs on: spec.md §6's options, plus the ProxyItem tables
// spec.md §3 describes as "built once at startup by resolving configured
// hostnames through the internal DNS".
type Resolved struct {
	Opts *Options

	ExtStack ExtStackArgs
	BaseAddr netip.Addr

	// IntStack/IntAddr are spec.md §6's "Internal stack configuration
	// string": IntAddr, when valid, is the local address outbound
	// connections to internal endpoints are bound to (IntStack.Iface
	// resolved via stackmgr.ResolveIfaceAddr). Left invalid when -intstack
	// is unset or names no iface, in which case relays dial with the OS
	// default source address, same as before intstack was wired in.
	IntStack ExtStackArgs
	IntAddr  netip.Addr

	TCPItems []ProxyItem
	UDPItems []ProxyItem
}

// Load parses argv, layers rcfile on top per CLI-wins precedence, validates
// the mandatory options, and resolves every hostname to build the
// ProxyItem tables. Any error here is a configuration or startup error
// (spec.md §7): the caller's contract is to print it and exit 1.
func Load(progname string, args []string) (*Resolved, error) {
	explicit := ExplicitlySet(progname, args)

	o, err := ParseArgs(progname, args)
	if err != nil {
		return nil, err
	}

	if o.Rcfile != "" {
		if err := ApplyRCFile(o, o.Rcfile, explicit); err != nil {
			return nil, err
		}
	}

	if o.ExtStack == "" || o.BaseAddr == "" {
		return nil, fmt.Errorf("extstack and baseaddr are both required")
	}

	extArgs, err := ParseExtStackArgs(o.ExtStack)
	if err != nil {
		return nil, fmt.Errorf("error configuring external stack %s: %w", o.ExtStack, err)
	}
	if extArgs.Iface == "" {
		extArgs.Iface = "vde0"
	}

	intArgs, err := ParseExtStackArgs(o.IntStack)
	if err != nil {
		return nil, fmt.Errorf("error configuring internal stack %s: %w", o.IntStack, err)
	}
	var intAddr netip.Addr
	if intArgs.Iface != "" {
		intAddr, err = stackmgr.ResolveIfaceAddr(intArgs.Iface)
		if err != nil {
			return nil, fmt.Errorf("error configuring internal stack %s: %w", o.IntStack, err)
		}
	}

	r := resolve.New(o.DNS)

	base, err := r.LookupAAAA(o.BaseAddr)
	if err != nil {
		return nil, fmt.Errorf("error configuring baseaddr %s: %w", o.BaseAddr, err)
	}

	tcpItems, err := buildProxyItems(r, o.TCP, "tcp")
	if err != nil {
		return nil, err
	}
	udpItems, err := buildProxyItems(r, o.UDP, "udp")
	if err != nil {
		return nil, err
	}

	return &Resolved{
		Opts:     o,
		ExtStack: extArgs,
		BaseAddr: base,
		IntStack: intArgs,
		IntAddr:  intAddr,
		TCPItems: tcpItems,
		UDPItems: udpItems,
	}, nil
}

// buildProxyItems parses "extport,intaddr,intport" triples (the grammar of
// original_source/otip_rproxy.c's addproxy/proxyarg2proxy) and resolves
// each intaddr through r.
func buildProxyItems(r *resolve.Resolver, raw []string, kind string) ([]ProxyItem, error) {
	items := make([]ProxyItem, 0, len(raw))
	for _, entry := range raw {
		parts := strings.SplitN(entry, ",", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed %s proxy rule %q: want extport,intaddr,intport", kind, entry)
		}
		extport, err := parsePort(parts[0])
		if err != nil {
			return nil, fmt.Errorf("%s proxy rule %q: %w", kind, entry, err)
		}
		intport, err := parsePort(parts[2])
		if err != nil {
			return nil, fmt.Errorf("%s proxy rule %q: %w", kind, entry, err)
		}
		intaddr, err := r.LookupAAAA(parts[1])
		if err != nil {
			return nil, fmt.Errorf("error configuring proxy %s: %w", parts[1], err)
		}
		items = append(items, ProxyItem{ExtPort: extport, IntAddr: intaddr, IntPort: intport})
	}
	return items, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("port must be non-zero")
	}
	return uint16(n), nil
}
