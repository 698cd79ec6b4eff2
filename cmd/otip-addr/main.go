// Command otip-addr prints the current one-time IPv6 address for a name,
// without running the proxy itself — useful for verifying a client's and a
// server's clocks/secrets agree before wiring up otip-rproxy.
//
// Restores original_source/otipaddr.c (see SPEC_FULL.md §3: the
// distillation dropped this standalone tool; it supplements, not replaces,
// the proxy's own address derivation in internal/addr).
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/virtualsquare-go/otip-rproxy/internal/addr"
	"github.com/virtualsquare-go/otip-rproxy/internal/config"
	"github.com/virtualsquare-go/otip-rproxy/internal/resolve"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("otip-addr", flag.ContinueOnError)
	base := fs.String("baseaddr", "", "base IPv6 address, numeric or resolvable (defaults to name's domain suffix)")
	dns := fs.String("dns", "", "DNS server for resolution")
	period := fs.Int("period", config.DefaultOtipPeriod, "otip_period, seconds")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	rest := fs.Args()
	if len(rest) < 1 || len(rest) > 2 {
		fmt.Fprintf(os.Stderr, "usage: %s [-baseaddr addr] [-dns server] [-period n] name [password]\n", fs.Name())
		return 1
	}
	name := rest[0]
	var passwd string
	if len(rest) == 2 {
		passwd = rest[1]
	}

	baseName := *base
	if baseName == "" {
		i := strings.Index(name, ".")
		if i < 0 {
			fmt.Fprintf(os.Stderr, "missing domain name: %s\n", name)
			return 1
		}
		baseName = name[i+1:]
	}

	r := resolve.New(*dns)
	baseAddr, err := r.LookupAAAA(baseName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "domain name base address not found: %s\n", baseName)
		return 1
	}

	var epoch uint64
	if passwd != "" {
		epoch = addr.Epoch(time.Now().Unix(), *period, 0)
	}
	fmt.Println(addr.Derive(baseAddr, name, passwd, epoch))
	return 0
}
