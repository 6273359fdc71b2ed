package transport

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/gitter-badger/zproc/internal/zerrors"
)

// Environment variables the server writes once at startup and children
// inherit. Both are write-once per process: nothing in this package ever
// calls os.Setenv after the server has published them.
const (
	EnvReplyEndpoint = "ZPROC_REPLY_ENDPOINT"
	EnvPubEndpoint   = "ZPROC_PUB_ENDPOINT"
)

// DefaultSocketPath picks a socket path for a freshly started server:
// $XDG_RUNTIME_DIR/zproc/<pid>.sock, falling back to the OS temp dir.
func DefaultSocketPath(pid int) string {
	base := os.Getenv("XDG_RUNTIME_DIR")
	if base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, "zproc", strconv.Itoa(pid)+".sock")
}

// Discover reads the reply and pub endpoints from the environment. It
// returns NotConfiguredError if the reply endpoint is absent, matching
// the spec's "a child with no inherited variables raises a
// not-configured error".
func Discover() (replyAddr, pubAddr string, err error) {
	replyAddr = os.Getenv(EnvReplyEndpoint)
	if replyAddr == "" {
		return "", "", zerrors.NotConfigured("no %s in environment", EnvReplyEndpoint)
	}
	pubAddr = os.Getenv(EnvPubEndpoint)
	if pubAddr == "" {
		pubAddr = replyAddr
	}
	return replyAddr, pubAddr, nil
}

// Publish writes the discovery environment variables for this process's
// children. Must be called exactly once, before any worker is spawned.
func Publish(replyAddr, pubAddr string) error {
	if err := os.Setenv(EnvReplyEndpoint, replyAddr); err != nil {
		return zerrors.Transport("set %s: %v", EnvReplyEndpoint, err)
	}
	if pubAddr == "" {
		pubAddr = replyAddr
	}
	if err := os.Setenv(EnvPubEndpoint, pubAddr); err != nil {
		return zerrors.Transport("set %s: %v", EnvPubEndpoint, err)
	}
	return nil
}
