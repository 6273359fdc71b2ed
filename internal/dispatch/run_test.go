package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gitter-badger/zproc/internal/proxy"
	"github.com/gitter-badger/zproc/internal/stateserver"
)

func startDispatchTestServer(t *testing.T) *proxy.Proxy {
	t.Helper()
	dir := t.TempDir()
	srv := stateserver.New(stateserver.Options{SocketPath: filepath.Join(dir, "dispatch.sock")})
	go srv.Start()
	<-srv.WaitReady()
	t.Cleanup(srv.Stop)

	p, err := proxy.ConnectTo(srv.SocketPath(), srv.SocketPath())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

// Property 6 / Scenario D: Run spawns one real process per item across
// multiple workers and reassembles their results in original input
// order regardless of which worker or OS scheduling finishes first. The
// worker here is plain `sh -c 'cat'`, which echoes whatever item JSON it
// is fed back on stdout unchanged — enough to exercise Run's own
// spawn/pipe/order-assembly logic without a registered handler.
func TestRunPreservesInputOrderAcrossWorkers(t *testing.T) {
	p := startDispatchTestServer(t)

	items := make([]json.RawMessage, 8)
	for i := range items {
		items[i] = json.RawMessage(strconv.Itoa(i))
	}

	seq, runID, err := Run(context.Background(), p, items, Options{
		Workers:       3,
		WorkerCommand: "sh",
		WorkerArgs:    []string{"-c", "cat"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	var gotIdx []int
	for idx, res := range seq {
		require.NoError(t, res.Err)
		gotIdx = append(gotIdx, idx)
		require.JSONEq(t, string(items[idx]), string(res.Value))
	}
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, gotIdx)
}

// Property 6 / Scenario E: one item's worker failing does not prevent
// its siblings' results from being delivered. The worker rejects the
// single item "0" (nonzero exit) and echoes everything else.
func TestRunIsolatesPerItemFailure(t *testing.T) {
	p := startDispatchTestServer(t)

	items := []json.RawMessage{json.RawMessage("1"), json.RawMessage("0"), json.RawMessage("2")}

	seq, _, err := Run(context.Background(), p, items, Options{
		Workers:       1,
		WorkerCommand: "sh",
		WorkerArgs:    []string{"-c", `read x; if [ "$x" = "0" ]; then exit 1; fi; echo "$x"`},
	})
	require.NoError(t, err)

	results := map[int]Result{}
	for idx, res := range seq {
		results[idx] = res
	}

	require.NoError(t, results[0].Err)
	require.JSONEq(t, "1", string(results[0].Value))

	require.Error(t, results[1].Err)

	require.NoError(t, results[2].Err)
	require.JSONEq(t, "2", string(results[2].Value))
}

// SPEC_FULL.md §4.4 point 5: the sequence yields the next result as soon
// as it's available, not after the whole run completes. Item 0 returns
// immediately; item 1 sleeps. The first yield must land well before
// item 1's sleep would have elapsed, proving seq isn't waiting on the
// whole run behind a completion barrier.
func TestRunYieldsResultsIncrementally(t *testing.T) {
	p := startDispatchTestServer(t)

	items := []json.RawMessage{json.RawMessage("0"), json.RawMessage("1")}

	seq, _, err := Run(context.Background(), p, items, Options{
		Workers:       2,
		WorkerCommand: "sh",
		WorkerArgs:    []string{"-c", `read x; if [ "$x" = "1" ]; then sleep 0.4; fi; echo "$x"`},
	})
	require.NoError(t, err)

	start := time.Now()
	var firstYieldAt time.Duration
	for idx, res := range seq {
		if idx == 0 {
			firstYieldAt = time.Since(start)
			require.NoError(t, res.Err)
			require.JSONEq(t, "0", string(res.Value))
		}
	}
	require.Less(t, firstYieldAt, 200*time.Millisecond,
		"first result must land long before item 1's 400ms sleep elapses")
}

// SPEC_FULL.md §4.4's cancellation paragraph: stopping iteration early
// must cancel in-flight work, not merely stop reading an already-
// complete result set. Item 0 is instant; item 1 sleeps then touches a
// sentinel file. The consumer breaks right after item 0 arrives; if
// cancellation reached item 1's subprocess, the sentinel is never
// created.
func TestRunCancelsInFlightWorkOnEarlyBreak(t *testing.T) {
	p := startDispatchTestServer(t)

	dir := t.TempDir()
	sentinel := filepath.Join(dir, "ran")

	items := []json.RawMessage{json.RawMessage("0"), json.RawMessage("1")}

	seq, _, err := Run(context.Background(), p, items, Options{
		Workers:       2,
		WorkerCommand: "sh",
		WorkerArgs: []string{"-c", fmt.Sprintf(
			`read x; if [ "$x" = "1" ]; then sleep 0.4; touch %s; fi; echo "$x"`, sentinel)},
	})
	require.NoError(t, err)

	for idx, res := range seq {
		require.Equal(t, 0, idx)
		require.NoError(t, res.Err)
		break
	}

	time.Sleep(600 * time.Millisecond)
	_, statErr := os.Stat(sentinel)
	require.True(t, os.IsNotExist(statErr), "item 1's subprocess must have been killed before reaching touch")
}

// Status must reflect a run's outcome, including partial failures, once
// every item has landed — independent of the iterator that drove it.
func TestStatusReportsFinalProgress(t *testing.T) {
	p := startDispatchTestServer(t)

	items := []json.RawMessage{json.RawMessage("1"), json.RawMessage("0"), json.RawMessage("2")}

	seq, runID, err := Run(context.Background(), p, items, Options{
		Workers:       1,
		WorkerCommand: "sh",
		WorkerArgs:    []string{"-c", `read x; if [ "$x" = "0" ]; then exit 1; fi; echo "$x"`},
	})
	require.NoError(t, err)

	for range seq {
	}

	prog, err := Status(p, runID)
	require.NoError(t, err)
	require.Equal(t, Progress{Total: 3, Completed: 3, Failed: 1, Done: true}, prog)
}

func TestStatusUnknownRunIDReturnsKeyMissing(t *testing.T) {
	p := startDispatchTestServer(t)

	_, err := Status(p, "no-such-run")
	require.Error(t, err)
}
