package proxy

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitter-badger/zproc/internal/registry"
	"github.com/gitter-badger/zproc/internal/stateserver"
)

func startTestServer(t *testing.T) *stateserver.Server {
	t.Helper()
	dir := t.TempDir()
	srv := stateserver.New(stateserver.Options{SocketPath: filepath.Join(dir, "proxy.sock")})
	go srv.Start()
	select {
	case <-srv.WaitReady():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not become ready")
	}
	t.Cleanup(srv.Stop)
	return srv
}

func mustConnect(t *testing.T, srv *stateserver.Server) *Proxy {
	t.Helper()
	p, err := ConnectTo(srv.SocketPath(), srv.SocketPath())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

// Scenario A: a proxy sets then reads back a value.
func TestProxySetGet(t *testing.T) {
	srv := startTestServer(t)
	p := mustConnect(t, srv)

	rev, err := p.Set("name", "beads")
	require.NoError(t, err)
	assert.Greater(t, rev, uint64(0))

	var got string
	ok, err := p.Get("name", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "beads", got)
}

func TestProxyGetMissingKey(t *testing.T) {
	srv := startTestServer(t)
	p := mustConnect(t, srv)

	ok, err := p.Get("nope", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	err = p.GetStrict("nope", nil)
	require.Error(t, err)
}

func TestProxySnapshotIsolatedFromLaterWrites(t *testing.T) {
	srv := startTestServer(t)
	p := mustConnect(t, srv)

	_, err := p.Set("a", 1)
	require.NoError(t, err)

	snap, err := p.Snapshot()
	require.NoError(t, err)

	_, err = p.Set("a", 2)
	require.NoError(t, err)

	var got int
	ok, err := snap.Get("a", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, got, "snapshot must not observe the later write")
}

func TestProxyAtomicHandler(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()
	reg.RegisterAtomic("incr_visits", func(state map[string]any, args json.RawMessage) (any, error) {
		n, _ := state["visits"].(float64)
		state["visits"] = n + 1
		return state["visits"], nil
	})
	srv := stateserver.New(stateserver.Options{SocketPath: filepath.Join(dir, "atomic.sock"), Registry: reg})
	go srv.Start()
	<-srv.WaitReady()
	t.Cleanup(srv.Stop)

	p := mustConnect(t, srv)

	var result float64
	rev, err := p.Atomic("incr_visits", nil, &result)
	require.NoError(t, err)
	assert.Greater(t, rev, uint64(0))
	assert.Equal(t, float64(1), result)
}

// Property 4 + Scenario F: WatchEqual observes a later write (this test)
// and times out when the condition never becomes true
// (TestProxyWatchTimesOut).
func TestProxyWatchEqualObservesChange(t *testing.T) {
	srv := startTestServer(t)
	writer := mustConnect(t, srv)
	watcher := mustConnect(t, srv)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- watcher.WatchEqual(ctx, "status", "ready", WatchOptions{})
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := writer.Set("status", "ready")
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not observe the matching change")
	}
}

func TestProxyWatchTimesOut(t *testing.T) {
	srv := startTestServer(t)
	watcher := mustConnect(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := watcher.WatchEqual(ctx, "never", "set", WatchOptions{Timeout: 200 * time.Millisecond})
	require.Error(t, err)
}

func TestProxyWatchSnapshotPredicateObservesChange(t *testing.T) {
	srv := startTestServer(t)
	writer := mustConnect(t, srv)
	watcher := mustConnect(t, srv)

	type result struct {
		snap *Snapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		snap, err := watcher.Watch(ctx, func(s *Snapshot) bool {
			var total int
			if ok, _ := s.Get("a", &total); !ok {
				return false
			}
			var b int
			if ok, _ := s.Get("b", &b); !ok {
				return false
			}
			return total+b == 10
		}, WatchOptions{})
		done <- result{snap: snap, err: err}
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := writer.Set("a", 4)
	require.NoError(t, err)
	_, err = writer.Set("b", 6)
	require.NoError(t, err)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.NotNil(t, res.snap)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not observe the combined condition")
	}
}

func TestProxyWatchSnapshotPredicateAlreadyTrueAtRegistration(t *testing.T) {
	srv := startTestServer(t)
	p := mustConnect(t, srv)

	_, err := p.Set("ready", true)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := p.Watch(ctx, func(s *Snapshot) bool {
		var ready bool
		ok, _ := s.Get("ready", &ready)
		return ok && ready
	}, WatchOptions{})
	require.NoError(t, err)
	require.NotNil(t, snap)
}

// Property 5: WatchChange("a") must not return when only an unrelated
// key changes, even repeatedly, and must return as soon as "a" itself
// changes.
func TestProxyWatchChangeIgnoresUnrelatedKey(t *testing.T) {
	srv := startTestServer(t)
	writer := mustConnect(t, srv)
	watcher := mustConnect(t, srv)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- watcher.WatchChange(ctx, "a", WatchOptions{})
	}()

	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 3; i++ {
		_, err := writer.Set("b", i)
		require.NoError(t, err)
	}

	select {
	case err := <-done:
		t.Fatalf("WatchChange(\"a\") returned before \"a\" changed: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	_, err := writer.Set("a", "changed")
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WatchChange(\"a\") did not observe its own key changing")
	}
}

// Pre-registration satisfaction: WatchEqual/WatchNotEqual/WatchAvailable
// default to OnlyLive semantics per SPEC_FULL.md, so a condition already
// true when the watch is registered must be observed without waiting on
// any further change record.
func TestProxyWatchEqualAlreadyTrueAtRegistration(t *testing.T) {
	srv := startTestServer(t)
	p := mustConnect(t, srv)

	_, err := p.Set("status", "ready")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = p.WatchEqual(ctx, "status", "ready", WatchOptions{})
	require.NoError(t, err)
}

func TestProxyWatchNotEqualAlreadyTrueAtRegistration(t *testing.T) {
	srv := startTestServer(t)
	p := mustConnect(t, srv)

	_, err := p.Set("status", "ready")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = p.WatchNotEqual(ctx, "status", "pending", WatchOptions{})
	require.NoError(t, err)
}

func TestProxyWatchAvailableAlreadyTrueAtRegistration(t *testing.T) {
	srv := startTestServer(t)
	p := mustConnect(t, srv)

	_, err := p.Set("flag", true)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = p.WatchAvailable(ctx, "flag", WatchOptions{})
	require.NoError(t, err)
}

func TestProxyWatchAvailable(t *testing.T) {
	srv := startTestServer(t)
	writer := mustConnect(t, srv)
	watcher := mustConnect(t, srv)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- watcher.WatchAvailable(ctx, "flag", WatchOptions{})
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := writer.Set("flag", true)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not observe availability")
	}
}
