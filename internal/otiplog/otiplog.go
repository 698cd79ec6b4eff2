// Package otiplog is the leveled logger shared by every package in this
// module. It mirrors the shape firestack's packages log through
// (log.D/log.V/log.I/log.W/log.E, one printf-style line per event, message
// prefixed by subsystem) since the retrieval pack does not carry firestack's
// own intra/log package body to copy verbatim.
package otiplog

import (
	"fmt"
	"log"
	"log/syslog"
	"os"
	"sync/atomic"
)

var (
	verbose atomic.Bool
	sink    atomic.Pointer[syslog.Writer]
	prog    = "otip-rproxy"
)

// Start configures the process name used in log lines and, when useSyslog
// is true, redirects output to syslog — the path a daemonized process with
// no controlling terminal needs (restored from original_source/utils.c's
// startlog, see SPEC_FULL.md §3).
func Start(progname string, useSyslog bool) {
	prog = progname
	if useSyslog {
		w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, progname)
		if err == nil {
			sink.Store(w)
			I("%s started", progname)
			return
		}
		fmt.Fprintf(os.Stderr, "%s: syslog unavailable (%v), logging to stderr\n", progname, err)
	}
}

// SetVerbose toggles the V level, equivalent to firestack/xray's "verbose"
// config flag gating info-level chatter.
func SetVerbose(v bool) {
	verbose.Store(v)
}

func emit(level byte, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if w := sink.Load(); w != nil {
		switch level {
		case 'E':
			w.Err(msg)
		case 'W':
			w.Warning(msg)
		default:
			w.Info(msg)
		}
		return
	}
	log.Printf("%s: %c %s", prog, level, msg)
}

// V logs a verbose/informational line, only when SetVerbose(true).
func V(format string, args ...any) {
	if verbose.Load() {
		emit('V', format, args...)
	}
}

// D logs a debug line, only when SetVerbose(true) — firestack's log.D
// likewise gates on the verbose flag rather than a separate debug flag.
func D(format string, args ...any) {
	if verbose.Load() {
		emit('D', format, args...)
	}
}

// I logs an informational line. Always emitted, matching firestack's log.I
// (startup/shutdown/epoch-rotation milestones, not per-packet chatter).
func I(format string, args ...any) {
	emit('I', format, args...)
}

// W logs a warning: a per-epoch or per-connection error that was handled.
func W(format string, args ...any) {
	emit('W', format, args...)
}

// E logs an error serious enough that an operator should notice quickly.
func E(format string, args ...any) {
	emit('E', format, args...)
}
