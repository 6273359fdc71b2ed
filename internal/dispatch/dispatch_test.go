package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitter-badger/zproc/internal/registry"
)

func TestChunkifyContiguousAndExhaustive(t *testing.T) {
	items := make([]json.RawMessage, 10)
	for i := range items {
		items[i] = json.RawMessage("1")
	}

	chunks := chunkify(items, 3)

	var total int
	var prevEnd int
	for _, c := range chunks {
		assert.Equal(t, prevEnd, c.start, "chunks must be contiguous")
		total += len(c.items)
		prevEnd = c.start + len(c.items)
	}
	assert.Equal(t, len(items), total)
	assert.Equal(t, len(items), prevEnd)
}

func TestChunkifyFewerItemsThanWorkers(t *testing.T) {
	items := []json.RawMessage{json.RawMessage("1"), json.RawMessage("2")}
	chunks := chunkify(items, 5)

	var total int
	for _, c := range chunks {
		total += len(c.items)
	}
	assert.Equal(t, 2, total)
	assert.LessOrEqual(t, len(chunks), 2)
}

func TestRunWorkerMainInvokesRegisteredHandler(t *testing.T) {
	reg := registry.New()
	reg.RegisterTask("double", func(ctx context.Context, item json.RawMessage, commonArgs json.RawMessage) (any, error) {
		var n int
		require.NoError(t, json.Unmarshal(item, &n))
		return n * 2, nil
	})

	stdin := bytes.NewBufferString("21\n")
	var stdout bytes.Buffer

	err := RunWorkerMain(context.Background(), reg, "double", stdin, &stdout)
	require.NoError(t, err)

	var got int
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &got))
	assert.Equal(t, 42, got)
}

func TestRunWorkerMainUnknownHandler(t *testing.T) {
	reg := registry.New()
	stdin := bytes.NewBufferString("1\n")
	var stdout bytes.Buffer

	err := RunWorkerMain(context.Background(), reg, "missing", stdin, &stdout)
	require.Error(t, err)
}
