//go:build windows

package main

// detachSession is a no-op on Windows: the re-exec'd child already runs
// without a console when started via CREATE_NO_WINDOW-equivalent stdio
// redirection in daemonize, so there is no POSIX session to join.
func detachSession() error {
	return nil
}
