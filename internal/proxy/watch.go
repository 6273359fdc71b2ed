package proxy

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	"github.com/gitter-badger/zproc/internal/codec"
	"github.com/gitter-badger/zproc/internal/stateserver"
	"github.com/gitter-badger/zproc/internal/zerrors"
)

// WatchOptions configures a watch call. The zero value is the common
// case: evaluate the predicate only against change records observed from
// registration (R₀) forward. Set IncludeHistory to also replay changes
// already buffered by the publisher before R₀. A caller that wants to
// catch a condition already true at registration time should check it
// explicitly (e.g. via Get, or via Watch's own pre-registration snapshot
// check) rather than relying on history replay, since the publisher's
// buffer is bounded.
type WatchOptions struct {
	IncludeHistory bool
	Timeout        time.Duration
}

// SnapshotPredicate inspects a full state snapshot and reports whether
// the watch condition is satisfied. Always evaluated client-side; the
// server never receives or executes it.
type SnapshotPredicate func(*Snapshot) bool

// keyPredicate inspects a single key's change, for the key-scoped
// variants (WatchChange/WatchEqual/WatchNotEqual/WatchAvailable), which
// can be satisfied by server-side filtered delivery alone.
type keyPredicate func(exists bool, value json.RawMessage) bool

// Watch blocks until pred matches the full server state, re-evaluating
// pred against a fresh Snapshot after every change record (any key), or
// until opts.Timeout elapses (zero means no timeout), or ctx is
// cancelled. It checks pred against the state as of registration before
// waiting on any change record, satisfying a condition already true at
// subscribe time without needing history replay. Returns the snapshot
// that satisfied pred.
func (p *Proxy) Watch(ctx context.Context, pred SnapshotPredicate, opts WatchOptions) (*Snapshot, error) {
	stream, ping, err := p.subscribeFromPing("", opts.IncludeHistory)
	if err != nil {
		return nil, err
	}
	defer stream.close()

	if snap, err := p.Snapshot(); err == nil && snap.Revision() >= ping.Revision {
		if pred(snap) {
			return snap, nil
		}
	}

	var timeoutCh <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	type outcome struct {
		snap *Snapshot
		err  error
	}
	results := make(chan outcome, 1)
	go func() {
		for {
			if _, err := stream.recv(); err != nil {
				results <- outcome{err: err}
				return
			}
			snap, err := p.Snapshot()
			if err != nil {
				results <- outcome{err: err}
				return
			}
			if pred(snap) {
				results <- outcome{snap: snap}
				return
			}
		}
	}()

	select {
	case res := <-results:
		return res.snap, res.err
	case <-timeoutCh:
		return nil, zerrors.Timeout("watch did not match within %s", opts.Timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// watchKey is the shared engine behind the key-scoped named variants: it
// blocks until pred matches a change record touching key, using the
// server-side key filter on SUBSCRIBE as a pure optimization (never a
// correctness requirement — the filter only decides what the server
// forwards, not what satisfies pred). When checkInitial is true, pred is
// also tested against the key's current value right after subscribing,
// before waiting on any change record — this is the "OnlyLive defaults
// to true" pre-registration check the equality/non-equality/availability
// watchers need (a condition already true at registration time would
// otherwise never be observed, since no further change record touching
// the key may ever arrive). WatchChange has no such concept — any change
// at all satisfies it, and "already changed" isn't meaningful — so it
// passes checkInitial as false.
func (p *Proxy) watchKey(ctx context.Context, key string, pred keyPredicate, opts WatchOptions, checkInitial bool) error {
	stream, _, err := p.subscribeFromPing(key, opts.IncludeHistory)
	if err != nil {
		return err
	}
	defer stream.close()

	if checkInitial {
		var raw json.RawMessage
		exists, err := p.Get(key, &raw)
		if err == nil && pred(exists, raw) {
			return nil
		}
	}

	var timeoutCh <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	results := make(chan error, 1)
	go func() {
		for {
			rec, err := stream.recv()
			if err != nil {
				results <- err
				return
			}
			change, ok := rec.Changes[key]
			if !ok && key != "" {
				continue
			}
			if pred(change.ExistsAfter, change.After) {
				results <- nil
				return
			}
		}
	}()

	select {
	case err := <-results:
		return err
	case <-timeoutCh:
		return zerrors.Timeout("watch on %q did not match within %s", key, opts.Timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// subscribeFromPing captures R₀ via Ping before opening the SUBSCRIBE
// stream, so no mutation between the two calls is missed: the server
// replays every retained record after R₀ before live delivery begins.
// With includeHistory the replay starts from revision 0 instead, so
// every record still in the publisher's buffer is delivered.
func (p *Proxy) subscribeFromPing(key string, includeHistory bool) (*streamConn, stateserver.PingResult, error) {
	ping, err := p.Ping()
	if err != nil {
		return nil, stateserver.PingResult{}, err
	}
	since := ping.Revision
	if includeHistory {
		since = 0
	}
	stream, err := p.subscribe(key, since)
	if err != nil {
		return nil, stateserver.PingResult{}, err
	}
	return stream, ping, nil
}

// WatchChange blocks until a change record touching key arrives (a set,
// even to the same value, or a delete); key == "" matches a change record
// touching any key. There is no "already changed" to check for at
// registration, so it never returns on its initial state.
func (p *Proxy) WatchChange(ctx context.Context, key string, opts WatchOptions) error {
	return p.watchKey(ctx, key, func(exists bool, value json.RawMessage) bool {
		return true
	}, opts, false)
}

// WatchEqual blocks until key's decoded value equals want, returning
// immediately if it already does at registration time.
func (p *Proxy) WatchEqual(ctx context.Context, key string, want any, opts WatchOptions) error {
	wantRaw, err := codec.Marshal(want)
	if err != nil {
		return zerrors.Protocol("marshal WatchEqual target: %v", err)
	}
	return p.watchKey(ctx, key, func(exists bool, value json.RawMessage) bool {
		return exists && equalJSON(value, wantRaw)
	}, opts, true)
}

// WatchNotEqual blocks until key exists with a decoded value that differs
// from avoid, returning immediately if that already holds at
// registration time. A deleted or absent key does not satisfy it.
func (p *Proxy) WatchNotEqual(ctx context.Context, key string, avoid any, opts WatchOptions) error {
	avoidRaw, err := codec.Marshal(avoid)
	if err != nil {
		return zerrors.Protocol("marshal WatchNotEqual target: %v", err)
	}
	return p.watchKey(ctx, key, func(exists bool, value json.RawMessage) bool {
		return exists && !equalJSON(value, avoidRaw)
	}, opts, true)
}

// WatchAvailable blocks until key exists, returning immediately if it
// already does at registration time.
func (p *Proxy) WatchAvailable(ctx context.Context, key string, opts WatchOptions) error {
	return p.watchKey(ctx, key, func(exists bool, value json.RawMessage) bool {
		return exists
	}, opts, true)
}

func equalJSON(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
