//go:build !windows

package main

import "golang.org/x/sys/unix"

// detachSession starts a new session for the calling (re-exec'd) process,
// detaching it from its parent's controlling terminal. Grounded on the
// teacher's service_cmd_linux.go/service_cmd_darwin.go signal-handling
// entrypoints, which run as independent session leaders for the same
// reason: a daemon must not die when its launching terminal closes.
func detachSession() error {
	_, err := unix.Setsid()
	return err
}
