package config

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Defaults from spec.md §6.
const (
	DefaultOtipPeriod        = 32
	DefaultOtipPreactive     = 8
	DefaultOtipPostactive    = 8
	DefaultTCPListenBacklog  = 5
	DefaultTCPTimeoutSeconds = 120
	DefaultUDPTimeoutSeconds = 8
)

// Options holds every recognised option from spec.md §6, after CLI+rcfile
// merge and default application, but before ProxyItem/address resolution
// (see Resolved, built by Load).
type Options struct {
	Rcfile  string
	Daemon  bool
	Pidfile string

	ExtStack string
	IntStack string

	Name     string
	BaseAddr string
	Passwd   string
	DNS      string

	TCP []string
	UDP []string

	OtipPeriod       int
	OtipPreactive    int
	OtipPostactive   int
	TCPListenBacklog int
	TCPTimeout       int
	UDPTimeout       int

	Verbose bool
}

// setters maps an option's canonical name (shared by the long CLI flag
// and the rcfile key, e.g. "otip_period") to a fieldSetter that applies a
// string value onto Options. Used by ApplyRCFile to fill only the options
// ExplicitlySet reports the CLI left unset, implementing the "CLI overrides
// file; file only fills options left unset by CLI" precedence of spec.md §6.
type fieldSetter func(o *Options, value string) error

func setters() map[string]fieldSetter {
	return map[string]fieldSetter{
		"pidfile":  func(o *Options, v string) error { o.Pidfile = v; return nil },
		"extstack": func(o *Options, v string) error { o.ExtStack = v; return nil },
		"intstack": func(o *Options, v string) error { o.IntStack = v; return nil },
		"name":     func(o *Options, v string) error { o.Name = v; return nil },
		"baseaddr": func(o *Options, v string) error { o.BaseAddr = v; return nil },
		"passwd":   func(o *Options, v string) error { o.Passwd = v; return nil },
		"dns":      func(o *Options, v string) error { o.DNS = v; return nil },
		"udp":      func(o *Options, v string) error { o.UDP = append(o.UDP, v); return nil },
		"tcp":      func(o *Options, v string) error { o.TCP = append(o.TCP, v); return nil },
		"daemon":   func(o *Options, v string) error { o.Daemon = truthy(v); return nil },
		"verbose":  func(o *Options, v string) error { o.Verbose = truthy(v); return nil },
		"otip_period": func(o *Options, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			o.OtipPeriod = n
			return nil
		},
		"otip_preactive": func(o *Options, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			o.OtipPreactive = n
			return nil
		},
		"otip_postactive": func(o *Options, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			o.OtipPostactive = n
			return nil
		},
		"tcp_listen_backlog": func(o *Options, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			o.TCPListenBacklog = n
			return nil
		},
		"tcp_timeout": func(o *Options, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			o.TCPTimeout = n
			return nil
		},
		"udp_timeout": func(o *Options, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			o.UDPTimeout = n
			return nil
		},
	}
}

func truthy(v string) bool {
	if v == "" {
		return true // bare flag presence, e.g. "-verbose"
	}
	b, _ := strconv.ParseBool(v)
	return b
}

// ParseArgs parses argv (CLI) into Options and applies defaults for any
// numeric option left at zero. rcfile, if set, is not read here — callers
// invoke ApplyRCFile separately so the CLI-wins precedence is explicit at
// the call site (see Load in load.go).
func ParseArgs(progname string, args []string) (*Options, error) {
	fs := flag.NewFlagSet(progname, flag.ContinueOnError)

	o := &Options{}
	var udp, tcp multiValue

	fs.StringVar(&o.Rcfile, "rcfile", "", "path to config file")
	fs.BoolVar(&o.Daemon, "daemon", false, "detach from terminal after initialisation")
	fs.StringVar(&o.Pidfile, "pidfile", "", "write current PID to this path")
	fs.StringVar(&o.ExtStack, "extstack", "", "external stack configuration string")
	fs.StringVar(&o.IntStack, "intstack", "", "internal stack configuration string")
	fs.StringVar(&o.Name, "name", "", "fully qualified name used in address derivation")
	fs.StringVar(&o.BaseAddr, "baseaddr", "", "base IPv6 address, numeric or resolvable")
	fs.StringVar(&o.Passwd, "passwd", "", "shared secret used in address derivation")
	fs.StringVar(&o.DNS, "dns", "", "DNS server for the internal resolver")
	fs.Var(&udp, "udp", "extport,intaddr,intport; repeatable")
	fs.Var(&tcp, "tcp", "extport,intaddr,intport; repeatable")
	fs.IntVar(&o.OtipPeriod, "otip_period", 0, "epoch length in seconds")
	fs.IntVar(&o.OtipPreactive, "otip_preactive", 0, "pre-window in seconds")
	fs.IntVar(&o.OtipPostactive, "otip_postactive", 0, "post-window in seconds")
	fs.IntVar(&o.TCPListenBacklog, "tcp_listen_backlog", 0, "tcp listen backlog")
	fs.IntVar(&o.TCPTimeout, "tcp_timeout", 0, "idle timeout per TCP relay direction")
	fs.IntVar(&o.UDPTimeout, "udp_timeout", 0, "idle timeout per UDP flow")
	fs.BoolVar(&o.Verbose, "verbose", false, "enable info-level logs")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	o.UDP = append(o.UDP, udp...)
	o.TCP = append(o.TCP, tcp...)

	applyDefaults(o)
	return o, nil
}

func applyDefaults(o *Options) {
	if o.OtipPeriod == 0 {
		o.OtipPeriod = DefaultOtipPeriod
	}
	if o.OtipPreactive == 0 {
		o.OtipPreactive = DefaultOtipPreactive
	}
	if o.OtipPostactive == 0 {
		o.OtipPostactive = DefaultOtipPostactive
	}
	if o.TCPListenBacklog == 0 {
		o.TCPListenBacklog = DefaultTCPListenBacklog
	}
	if o.TCPTimeout == 0 {
		o.TCPTimeout = DefaultTCPTimeoutSeconds
	}
	if o.UDPTimeout == 0 {
		o.UDPTimeout = DefaultUDPTimeoutSeconds
	}
}

// ApplyRCFile reads path (key/value, `#` comments — spec.md §6) and fills
// every option not already present in explicitlySet. Unknown keys are a
// fatal configuration error, matching parse_rc_file's "parameter error"
// diagnostic in original_source/otip_rproxy.c.
func ApplyRCFile(o *Options, path string, explicitlySet map[string]bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("configfile %s: %w", path, err)
	}
	defer f.Close()

	set := setters()
	sc := bufio.NewScanner(f)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := sc.Text()
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, value, ok := splitOptionLine(trimmed)
		if !ok {
			return fmt.Errorf("%s (line %d): syntax error", path, lineno)
		}
		apply, known := set[key]
		if !known {
			return fmt.Errorf("%s (line %d): parameter error %s: %s", path, lineno, key, value)
		}
		if explicitlySet[key] {
			continue // CLI already set this option; file never overrides it
		}
		if err := apply(o, value); err != nil {
			return fmt.Errorf("%s (line %d): parameter error %s: %s", path, lineno, key, value)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("configfile %s: %w", path, err)
	}
	applyDefaults(o)
	return nil
}

// splitOptionLine splits "key value..." on the first run of whitespace,
// mirroring parse_rc_file's sscanf("%[a-zA-Z0-9_] %[^\n]") grammar.
func splitOptionLine(line string) (key, value string, ok bool) {
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return line, "", isIdent(line)
	}
	key = line[:i]
	value = strings.TrimLeft(line[i:], " \t")
	return key, value, isIdent(key)
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_') {
			return false
		}
	}
	return true
}

// ExplicitlySet returns the set of option names the CLI actually supplied
// (as opposed to defaults), using flag.Visit — the stdlib's mechanism for
// "which flags were set", used here instead of threading a parallel bitset
// through ParseArgs.
func ExplicitlySet(progname string, args []string) map[string]bool {
	fs := flag.NewFlagSet(progname, flag.ContinueOnError)
	fs.SetOutput(discard{})
	dummy := &Options{}
	var udp, tcp multiValue
	fs.StringVar(&dummy.Rcfile, "rcfile", "", "")
	fs.BoolVar(&dummy.Daemon, "daemon", false, "")
	fs.StringVar(&dummy.Pidfile, "pidfile", "", "")
	fs.StringVar(&dummy.ExtStack, "extstack", "", "")
	fs.StringVar(&dummy.IntStack, "intstack", "", "")
	fs.StringVar(&dummy.Name, "name", "", "")
	fs.StringVar(&dummy.BaseAddr, "baseaddr", "", "")
	fs.StringVar(&dummy.Passwd, "passwd", "", "")
	fs.StringVar(&dummy.DNS, "dns", "", "")
	fs.Var(&udp, "udp", "")
	fs.Var(&tcp, "tcp", "")
	fs.IntVar(&dummy.OtipPeriod, "otip_period", 0, "")
	fs.IntVar(&dummy.OtipPreactive, "otip_preactive", 0, "")
	fs.IntVar(&dummy.OtipPostactive, "otip_postactive", 0, "")
	fs.IntVar(&dummy.TCPListenBacklog, "tcp_listen_backlog", 0, "")
	fs.IntVar(&dummy.TCPTimeout, "tcp_timeout", 0, "")
	fs.IntVar(&dummy.UDPTimeout, "udp_timeout", 0, "")
	fs.BoolVar(&dummy.Verbose, "verbose", false, "")
	_ = fs.Parse(args)

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
