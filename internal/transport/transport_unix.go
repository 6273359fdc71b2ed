//go:build !windows

// Package transport provides the local-host IPC the state server and
// proxies use: a Unix domain socket for the request/reply channel, and an
// in-process fan-out for the publish channel.
package transport

import (
	"net"
	"os"
	"time"
)

// Listen opens the reply channel's listening socket at path.
func Listen(path string) (net.Listener, error) {
	return net.Listen("unix", path)
}

// Dial connects to the reply channel at path, failing after timeout.
func Dial(path string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", path, timeout)
}

// Exists reports whether a socket file is present at path. It does not
// verify anything is listening; callers should attempt a Dial and treat
// connection refused as "stale, remove and retry".
func Exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
