// Package resolve performs the AAAA lookups spec.md needs at startup:
// resolving baseaddr (when given as a name rather than a literal), the
// fully-qualified name's own base domain (per original_source/otipaddr.c,
// which derives the base domain from the name when --base isn't given),
// and every ProxyItem's internal hostname.
//
// Grounded on firestack's intra/dnsx and intra/xdns packages, which also
// build AAAA queries directly atop github.com/miekg/dns rather than the
// stdlib resolver — required here for the same reason firestack needed it:
// the internal DNS server address is operator-configured (the `dns`
// option), not whatever the host's /etc/resolv.conf says.
package resolve

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// Resolver looks up AAAA records against one configured internal DNS
// server. The zero value uses the host's default resolution (via
// net.DefaultResolver) when no server is configured, matching
// iothdns_init_strcfg(stack, NULL) falling back to the system resolver.
type Resolver struct {
	Server  string // "host:port"; empty selects the system resolver
	Timeout time.Duration
}

// New builds a Resolver for the given `dns` option value. An empty server
// selects the system resolver.
func New(server string) *Resolver {
	return &Resolver{Server: server, Timeout: 5 * time.Second}
}

// LookupAAAA resolves name to its first IPv6 address. If name already
// parses as a literal IPv6 (or IPv4-mapped) address, it is returned as-is
// without a query — mirroring iothdns_lookup_aaaa_compat's literal
// short-circuit used throughout original_source/otip_rproxy.c.
func (r *Resolver) LookupAAAA(name string) (netip.Addr, error) {
	if a, err := netip.ParseAddr(name); err == nil {
		return a, nil
	}

	if r == nil || r.Server == "" {
		return r.systemLookup(name)
	}

	fqdn := dns.Fqdn(name)
	m := new(dns.Msg)
	m.SetQuestion(fqdn, dns.TypeAAAA)
	m.RecursionDesired = true

	c := &dns.Client{Timeout: r.timeout()}
	resp, _, err := c.Exchange(m, r.Server)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve: query %s via %s: %w", name, r.Server, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return netip.Addr{}, fmt.Errorf("resolve: %s: rcode %d", name, resp.Rcode)
	}
	for _, rr := range resp.Answer {
		if aaaa, ok := rr.(*dns.AAAA); ok {
			addr, ok := netip.AddrFromSlice(aaaa.AAAA)
			if ok {
				return addr.Unmap(), nil
			}
		}
	}
	return netip.Addr{}, fmt.Errorf("resolve: no AAAA record for %s", name)
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) systemLookup(name string) (netip.Addr, error) {
	ips, err := net.DefaultResolver.LookupIP(context.Background(), "ip6", name)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve: system lookup %s: %w", name, err)
	}
	for _, ip := range ips {
		if addr, ok := netip.AddrFromSlice(ip); ok {
			return addr.Unmap(), nil
		}
	}
	return netip.Addr{}, fmt.Errorf("resolve: no AAAA record for %s", name)
}
