package webwatch

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitter-badger/zproc/internal/codec"
	"github.com/gitter-badger/zproc/internal/transport"
)

func TestHandlerStreamsLiveChanges(t *testing.T) {
	pub := transport.NewPublisher(10)
	srv := httptest.NewServer(NewHandler(pub))
	defer srv.Close()

	client := NewClient(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch := client.Watch(ctx, "", 0)

	// give the websocket time to establish before publishing
	time.Sleep(100 * time.Millisecond)
	pub.Publish(codec.ChangeRecord{Revision: 1, Changes: map[string]codec.KeyChange{
		"k": {ExistsAfter: true},
	}})

	select {
	case rec := <-ch:
		assert.Equal(t, uint64(1), rec.Revision)
		_, ok := rec.Changes["k"]
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive change record over websocket")
	}
}

func TestHandlerReplaysRecentSince(t *testing.T) {
	pub := transport.NewPublisher(10)
	pub.Publish(codec.ChangeRecord{Revision: 1, Changes: map[string]codec.KeyChange{"k": {ExistsAfter: true}}})
	pub.Publish(codec.ChangeRecord{Revision: 2, Changes: map[string]codec.KeyChange{"k": {ExistsAfter: true}}})

	srv := httptest.NewServer(NewHandler(pub))
	defer srv.Close()

	client := NewClient(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch := client.Watch(ctx, "", 1)

	select {
	case rec := <-ch:
		require.Equal(t, uint64(2), rec.Revision)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive replayed change record")
	}
}
