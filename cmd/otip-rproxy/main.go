// Command otip-rproxy is the one-time-IP reverse proxy: it rotates a
// keyed-derived IPv6 address through a sequence of epochs and relays TCP and
// UDP traffic to a fixed internal backend for as long as each epoch's
// address stays valid.
//
// Flag parsing, signal handling and daemonization follow
// original_source/otip_rproxy.c's main() in shape (startlog, setsignals,
// getcwd-before-daemonizing, save_pidfile, then run forever) while using
// Go's own idioms for each step — see SPEC_FULL.md §1 for the ambient-stack
// mapping.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/virtualsquare-go/otip-rproxy/internal/config"
	"github.com/virtualsquare-go/otip-rproxy/internal/otiplog"
	"github.com/virtualsquare-go/otip-rproxy/internal/otipsys"
	"github.com/virtualsquare-go/otip-rproxy/internal/pidfile"
	"github.com/virtualsquare-go/otip-rproxy/internal/rotator"
	"github.com/virtualsquare-go/otip-rproxy/internal/stackmgr"
)

func main() {
	os.Exit(run())
}

func run() int {
	progname := "otip-rproxy"

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: getcwd: %v\n", progname, err)
		return 1
	}

	cfg, err := config.Load(progname, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", progname, err)
		return 1
	}

	otiplog.Start(progname, cfg.Opts.Daemon)
	otiplog.SetVerbose(cfg.Opts.Verbose)

	if cfg.Opts.Daemon {
		if err := daemonize(); err != nil {
			otiplog.E("daemon: %v", err)
			return 1
		}
	}

	// Only the true long-running process reaches this point: save the PID
	// file now, resolving relative paths against the cwd captured before
	// any daemonization (original_source/otip_rproxy.c's getcwd-before-daemon
	// comment explains why: daemon() chdir()s to "/").
	if cfg.Opts.Pidfile != "" {
		if err := pidfile.Save(cfg.Opts.Pidfile, cwd); err != nil {
			otiplog.E("pidfile: %v", err)
			return 1
		}
	}

	if !otipsys.IsRoot() {
		otiplog.W("%s: not running as root; address assignment on %s will likely fail", progname, cfg.ExtStack.Iface)
	}

	factory := stackmgr.NewNetlinkFactory(stackmgr.Config{Iface: cfg.ExtStack.Iface})

	stop := make(chan struct{})
	go rotator.Run(cfg, factory, stop)

	// spec.md: "on SIGINT/SIGTERM the process exits immediately; in-flight
	// connections are abandoned (kernel closes sockets)" — no drain, no
	// wait for the rotator or its relays to unwind.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	otiplog.I("%s: signal received, exiting", progname)
	return 0
}
