package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitter-badger/zproc/internal/zerrors"
)

func TestDiscoverWithNoEnvironmentReturnsNotConfigured(t *testing.T) {
	t.Setenv(EnvReplyEndpoint, "")
	t.Setenv(EnvPubEndpoint, "")

	_, _, err := Discover()
	require.Error(t, err)
	kind, ok := zerrors.Of(err)
	require.True(t, ok)
	assert.Equal(t, zerrors.KindNotConfigured, kind)
}

func TestPublishThenDiscoverRoundTrips(t *testing.T) {
	t.Setenv(EnvReplyEndpoint, "")
	t.Setenv(EnvPubEndpoint, "")

	require.NoError(t, Publish("/tmp/reply.sock", "/tmp/pub.sock"))

	replyAddr, pubAddr, err := Discover()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/reply.sock", replyAddr)
	assert.Equal(t, "/tmp/pub.sock", pubAddr)
}

func TestPublishWithEmptyPubAddrFallsBackToReply(t *testing.T) {
	t.Setenv(EnvReplyEndpoint, "")
	t.Setenv(EnvPubEndpoint, "")

	require.NoError(t, Publish("/tmp/only.sock", ""))

	replyAddr, pubAddr, err := Discover()
	require.NoError(t, err)
	assert.Equal(t, replyAddr, pubAddr)
}
