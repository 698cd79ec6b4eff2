// Package pidfile writes the daemon's PID file, restoring the exact
// cwd-relative-path and exclusive-create semantics of
// original_source/utils.c's save_pidfile (SPEC_FULL.md §3): relative paths
// are resolved against the working directory captured at startup, and the
// file is created
// exclusively so two instances can't silently stomp on each other's PID
// file.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// Save writes the current process's PID, newline-terminated, to path. If
// path is relative, it is resolved against cwd. The file must not already
// exist (O_EXCL) — this matches spec.md §6 ("Write current PID to the
// given path (exclusive create)").
func Save(path, cwd string) error {
	full := path
	if !filepath.IsAbs(path) {
		full = filepath.Join(cwd, path)
	}

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("pidfile: create %s: %w", full, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("pidfile: write %s: %w", full, err)
	}
	return nil
}
