// Package dispatch fans a slice of work items out across N worker
// processes and gathers their results in order. Each worker is a fresh
// process (os/exec), not a goroutine: workers run arbitrary registered
// task handlers and the dispatcher does not trust them enough to share
// its address space.
package dispatch

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gitter-badger/zproc/internal/idgen"
	"github.com/gitter-badger/zproc/internal/proxy"
	"github.com/gitter-badger/zproc/internal/zerrors"
)

// EnvTaskID, EnvCommonArgs, EnvRunID, and EnvWorkerIdx are the variables
// a spawned worker reads in addition to the state server's discovery
// endpoint variables (already inherited via os/exec's default
// environment passthrough).
const (
	EnvTaskID     = "ZPROC_TASK_ID"
	EnvCommonArgs = "ZPROC_COMMON_ARGS"
	EnvRunID      = "ZPROC_RUN_ID"
	EnvWorkerIdx  = "ZPROC_WORKER_INDEX"

	// CancelKeyPrefix namespaces the state key a run's cancellation flag
	// lives at: CancelKeyPrefix + run id.
	CancelKeyPrefix = "__zproc_dispatch_cancel__/"

	// ProgressKeyPrefix namespaces the state key a run's live progress
	// summary is published to: ProgressKeyPrefix + run id. Unlike
	// CancelKeyPrefix, this key is written by the driving process as
	// results land, not polled by workers.
	ProgressKeyPrefix = "__zproc_dispatch_progress__/"
)

// Result is one item's outcome, indexed by its position in the original
// input slice so callers can correlate it without threading extra state
// through the pipeline.
type Result struct {
	Index int
	Value json.RawMessage
	Err   error
}

// Progress is a run's live completion summary, published to state at
// ProgressKeyPrefix+runID as each item's result lands. It lets a
// separate process (e.g. a `zproc dispatch-status` invocation) observe
// an in-flight run without holding the iterator that's consuming it.
type Progress struct {
	Total     int  `json:"total"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Done      bool `json:"done"`
}

// Status reads the live progress summary for a run started by Run.
func Status(p *proxy.Proxy, runID string) (Progress, error) {
	var prog Progress
	ok, err := p.Get(ProgressKeyPrefix+runID, &prog)
	if err != nil {
		return Progress{}, err
	}
	if !ok {
		return Progress{}, zerrors.KeyMissing(ProgressKeyPrefix + runID)
	}
	return prog, nil
}

// Options configures a Run.
type Options struct {
	// Workers is the number of chunks worked concurrently. Zero or
	// negative means runtime.NumCPU().
	Workers int

	// WorkerCommand is the executable path the dispatcher spawns, e.g.
	// the caller's own binary re-invoked with a "work" subcommand. Args
	// are appended after WorkerArgs.
	WorkerCommand string
	WorkerArgs    []string

	// CommonArgs is opaque JSON passed unchanged to every task invocation.
	CommonArgs json.RawMessage

	// HandlerID names the registry.TaskFunc each worker invokes per item.
	HandlerID string
}

// chunk is a contiguous slice of the input assigned to one worker.
type chunk struct {
	workerIndex int
	start       int
	items       []json.RawMessage
}

// Run splits items into contiguous chunks across opts.Workers worker
// processes, spawns them, and returns an iterator that yields each
// item's Result in original input order as soon as the next expected
// index has landed — not after the whole run completes. A result that
// arrives out of order (a later chunk's worker finishes first) is held
// in a small pending buffer until the indices ahead of it land. If the
// caller stops iterating early (the range-over-func's implicit break),
// the run's context is cancelled: in-flight subprocesses are killed and
// workers stop picking up further items, so nothing keeps running
// unobserved in the background.
func Run(ctx context.Context, p *proxy.Proxy, items []json.RawMessage, opts Options) (iter.Seq2[int, Result], string, error) {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if len(items) == 0 {
		return func(yield func(int, Result) bool) {}, "", nil
	}

	runID := newRunID()
	cancelKey := CancelKeyPrefix + runID
	if _, err := p.Set(cancelKey, false); err != nil {
		return nil, "", fmt.Errorf("dispatch: initialize cancel flag: %w", err)
	}

	progressKey := ProgressKeyPrefix + runID
	if _, err := p.Set(progressKey, Progress{Total: len(items)}); err != nil {
		return nil, "", fmt.Errorf("dispatch: initialize progress: %w", err)
	}

	chunks := chunkify(items, opts.Workers)

	runCtx, cancelRun := context.WithCancel(ctx)
	emitted := make(chan Result, len(items))

	// progMu serializes progress-key updates across the per-chunk
	// goroutines below; they're the only concurrent writers to this run's
	// progress key, so a local mutex is enough without an ATOMIC handler.
	var progMu sync.Mutex
	progress := Progress{Total: len(items)}
	reportProgress := func(res Result) {
		progMu.Lock()
		defer progMu.Unlock()
		progress.Completed++
		if res.Err != nil {
			progress.Failed++
		}
		progress.Done = progress.Completed == len(items)
		p.Set(progressKey, progress)
	}

	go func() {
		defer close(emitted)
		g, gctx := errgroup.WithContext(runCtx)
		for _, c := range chunks {
			c := c
			g.Go(func() error {
				return runWorker(gctx, p, runID, cancelKey, c, opts, func(idx int, res Result) {
					reportProgress(res)
					emitted <- res
				})
			})
		}
		g.Wait()
	}()

	seq := func(yield func(int, Result) bool) {
		defer cancelRun()
		pending := make(map[int]Result, opts.Workers)
		next := 0
		for next < len(items) {
			res, ok := pending[next]
			if !ok {
				var chanOK bool
				res, chanOK = <-emitted
				if !chanOK {
					return
				}
				if res.Index != next {
					pending[res.Index] = res
					continue
				}
			} else {
				delete(pending, next)
			}
			if !yield(next, res) {
				return
			}
			next++
		}
	}

	return seq, runID, nil
}

// Cancel sets the run's cancellation flag. Workers poll it at chunk
// boundaries (between items, not mid-item) and stop picking up new work
// once observed true; items already in flight still complete.
func Cancel(p *proxy.Proxy, runID string) error {
	_, err := p.Set(CancelKeyPrefix+runID, true)
	return err
}

func chunkify(items []json.RawMessage, workers int) []chunk {
	if workers > len(items) {
		workers = len(items)
	}
	size := (len(items) + workers - 1) / workers

	chunks := make([]chunk, 0, workers)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, chunk{workerIndex: len(chunks), start: start, items: items[start:end]})
	}
	return chunks
}

// runWorker works through its chunk one item at a time, spawning one
// worker process per item (invokeWorker) and feeding each item's Result
// back through emit as soon as that process exits; the Result's Value is
// the first line the process wrote to stdout. Before each item it checks
// both the shared state cancel flag and ctx (cancelled when the caller
// of Run stops consuming results early) and, if either fired, emits a
// cancellation error for every remaining item in its chunk without
// spawning further work. Every item in c.items is always emitted exactly
// once, cancelled or not, so the caller never has to guess which indices
// are missing.
func runWorker(ctx context.Context, p *proxy.Proxy, runID, cancelKey string, c chunk, opts Options, emit func(int, Result)) error {
	for i, item := range c.items {
		idx := c.start + i

		if ctx.Err() != nil {
			emit(idx, Result{Index: idx, Err: zerrors.User("dispatch run cancelled", runID)})
			continue
		}

		var cancelled bool
		if _, err := p.Get(cancelKey, &cancelled); err == nil && cancelled {
			emit(idx, Result{Index: idx, Err: zerrors.User("dispatch run cancelled", runID)})
			continue
		}

		taskID := fmt.Sprintf("%s-%d", runID, idx)
		out, err := invokeWorker(ctx, item, c.workerIndex, runID, taskID, opts)
		emit(idx, Result{Index: idx, Value: out, Err: err})
	}
	return nil
}

// invokeWorker runs one subprocess per item. A real deployment may batch
// several items per process invocation for efficiency; one-per-item
// keeps the failure domain of a crashing handler scoped to a single
// item, matching the spec's requirement that one item's failure not
// abort its siblings.
func invokeWorker(ctx context.Context, item json.RawMessage, workerIdx int, runID, taskID string, opts Options) (json.RawMessage, error) {
	args := append(append([]string{}, opts.WorkerArgs...), opts.HandlerID)
	cmd := exec.CommandContext(ctx, opts.WorkerCommand, args...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%s", EnvRunID, runID),
		fmt.Sprintf("%s=%s", EnvTaskID, taskID),
		fmt.Sprintf("%s=%d", EnvWorkerIdx, workerIdx),
		fmt.Sprintf("%s=%s", EnvCommonArgs, string(opts.CommonArgs)),
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, zerrors.Transport("open worker stdin: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, zerrors.Transport("open worker stdout: %v", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, zerrors.Transport("spawn worker: %v", err)
	}

	if _, err := stdin.Write(append(item, '\n')); err != nil {
		cmd.Process.Kill()
		return nil, zerrors.Transport("write item to worker: %v", err)
	}
	stdin.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var out json.RawMessage
	if scanner.Scan() {
		out = json.RawMessage(append([]byte(nil), scanner.Bytes()...))
	}

	if err := cmd.Wait(); err != nil {
		return nil, zerrors.User(fmt.Sprintf("worker exited with error: %v", err), "")
	}
	return out, nil
}

func newRunID() string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return idgen.EncodeBase36(buf, 12)
}
