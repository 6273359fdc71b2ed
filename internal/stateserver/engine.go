package stateserver

import (
	"encoding/json"
	"fmt"
	"reflect"
	"runtime/debug"

	"github.com/gitter-badger/zproc/internal/codec"
	"github.com/gitter-badger/zproc/internal/registry"
	"github.com/gitter-badger/zproc/internal/transport"
	"github.com/gitter-badger/zproc/internal/zerrors"
)

// command is one unit of work handed to the engine goroutine. Exactly one
// command runs at a time, which is what makes every mutation atomic
// without any lock around the state map itself.
type command struct {
	op      string
	payload json.RawMessage
	reply   chan commandResult
}

type commandResult struct {
	value json.RawMessage
	err   error
}

// Engine owns the canonical state map and the revision counter. All
// access happens on a single goroutine (run) reading from cmds; callers
// never touch state directly. This is the idiomatic Go realization of
// "the state server is strictly single-threaded and single-tasked": a
// mutex around the map would satisfy the same invariant, but a single
// owning goroutine composes more naturally with the rest of the
// connection-per-goroutine server below.
type Engine struct {
	cmds      chan command
	pub       *transport.Publisher
	registry  *registry.Registry
	done      chan struct{}
	serverID  string
}

// NewEngine creates an engine publishing change records through pub and
// resolving ATOMIC handler ids through reg.
func NewEngine(serverID string, pub *transport.Publisher, reg *registry.Registry) *Engine {
	e := &Engine{
		cmds:     make(chan command, 256),
		pub:      pub,
		registry: reg,
		done:     make(chan struct{}),
		serverID: serverID,
	}
	go e.run()
	return e
}

// Stop halts the engine goroutine. No further commands may be submitted
// afterward.
func (e *Engine) Stop() {
	close(e.cmds)
	<-e.done
}

func (e *Engine) run() {
	defer close(e.done)

	state := make(map[string]any)
	var revision uint64

	for cmd := range e.cmds {
		value, err := e.dispatch(state, &revision, cmd.op, cmd.payload)
		cmd.reply <- commandResult{value: value, err: err}
	}
}

// submit sends a command to the engine goroutine and blocks for its
// result. Safe to call from any number of concurrent connection
// goroutines: the channel serializes them.
func (e *Engine) submit(op string, payload json.RawMessage) (json.RawMessage, error) {
	reply := make(chan commandResult, 1)
	e.cmds <- command{op: op, payload: payload, reply: reply}
	res := <-reply
	return res.value, res.err
}

func (e *Engine) dispatch(state map[string]any, revision *uint64, op string, payload json.RawMessage) (json.RawMessage, error) {
	switch op {
	case OpGet:
		return e.handleGet(state, payload)
	case OpGetAll:
		return e.handleGetAll(state, *revision)
	case OpSet:
		return e.handleSet(state, revision, payload)
	case OpDelete:
		return e.handleDelete(state, revision, payload)
	case OpUpdateMany:
		return e.handleUpdateMany(state, revision, payload)
	case OpAtomic:
		return e.handleAtomic(state, revision, payload)
	case OpPing:
		data, _ := codec.Marshal(PingResult{ServerID: e.serverID, Revision: *revision, Version: ProtocolVersion})
		return data, nil
	default:
		return nil, zerrors.Protocol("unknown operation: %s", op)
	}
}

func (e *Engine) handleGet(state map[string]any, payload json.RawMessage) (json.RawMessage, error) {
	var args GetArgs
	if err := codec.Unmarshal(payload, &args); err != nil {
		return nil, zerrors.Protocol("invalid GET args: %v", err)
	}
	v, ok := state[args.Key]
	var raw json.RawMessage
	if ok {
		var err error
		raw, err = json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode value for %q: %w", args.Key, err)
		}
	}
	data, _ := codec.Marshal(GetResult{Value: raw, Exists: ok})
	return data, nil
}

func (e *Engine) handleGetAll(state map[string]any, revision uint64) (json.RawMessage, error) {
	snap := make(map[string]json.RawMessage, len(state))
	for k, v := range state {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode value for %q: %w", k, err)
		}
		snap[k] = raw
	}
	data, _ := codec.Marshal(GetAllResult{State: snap, Revision: revision})
	return data, nil
}

func (e *Engine) handleSet(state map[string]any, revision *uint64, payload json.RawMessage) (json.RawMessage, error) {
	var args SetArgs
	if err := codec.Unmarshal(payload, &args); err != nil {
		return nil, zerrors.Protocol("invalid SET args: %v", err)
	}
	var decoded any
	if len(args.Value) > 0 {
		if err := json.Unmarshal(args.Value, &decoded); err != nil {
			return nil, zerrors.Protocol("invalid SET value: %v", err)
		}
	}

	before, existedBefore := state[args.Key]
	state[args.Key] = decoded
	*revision++

	e.publishDiff(*revision, map[string]diffEntry{
		args.Key: {before: before, existedBefore: existedBefore, after: decoded, existsAfter: true},
	})

	data, _ := codec.Marshal(MutationResult{Revision: *revision})
	return data, nil
}

func (e *Engine) handleDelete(state map[string]any, revision *uint64, payload json.RawMessage) (json.RawMessage, error) {
	var args DeleteArgs
	if err := codec.Unmarshal(payload, &args); err != nil {
		return nil, zerrors.Protocol("invalid DELETE args: %v", err)
	}

	before, existed := state[args.Key]
	if !existed {
		if args.Strict {
			return nil, zerrors.KeyMissing(args.Key)
		}
		data, _ := codec.Marshal(MutationResult{Revision: *revision})
		return data, nil
	}

	delete(state, args.Key)
	*revision++

	e.publishDiff(*revision, map[string]diffEntry{
		args.Key: {before: before, existedBefore: true, after: nil, existsAfter: false},
	})

	data, _ := codec.Marshal(MutationResult{Revision: *revision})
	return data, nil
}

func (e *Engine) handleUpdateMany(state map[string]any, revision *uint64, payload json.RawMessage) (json.RawMessage, error) {
	var args UpdateManyArgs
	if err := codec.Unmarshal(payload, &args); err != nil {
		return nil, zerrors.Protocol("invalid UPDATE_MANY args: %v", err)
	}
	if len(args.Delta) == 0 {
		data, _ := codec.Marshal(MutationResult{Revision: *revision})
		return data, nil
	}

	entries := make(map[string]diffEntry, len(args.Delta))
	for key, raw := range args.Delta {
		var decoded any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &decoded); err != nil {
				return nil, zerrors.Protocol("invalid value for %q: %v", key, err)
			}
		}
		before, existedBefore := state[key]
		entries[key] = diffEntry{before: before, existedBefore: existedBefore, after: decoded, existsAfter: true}
		state[key] = decoded
	}
	*revision++
	e.publishDiff(*revision, entries)

	data, _ := codec.Marshal(MutationResult{Revision: *revision})
	return data, nil
}

func (e *Engine) handleAtomic(state map[string]any, revision *uint64, payload json.RawMessage) (json.RawMessage, error) {
	var args AtomicArgs
	if err := codec.Unmarshal(payload, &args); err != nil {
		return nil, zerrors.Protocol("invalid ATOMIC args: %v", err)
	}

	fn, ok := e.registry.Atomic(args.HandlerID)
	if !ok {
		return nil, zerrors.Protocol("no such atomic handler: %s", args.HandlerID)
	}

	before := cloneState(state)
	working := cloneState(state)

	result, err := e.callAtomic(fn, working, args.Args)
	if err != nil {
		return nil, err
	}

	entries := diffStates(before, working)
	for k, v := range working {
		state[k] = v
	}
	for k := range before {
		if _, ok := working[k]; !ok {
			delete(state, k)
		}
	}

	var revBump uint64
	if len(entries) > 0 {
		*revision++
		revBump = *revision
		e.publishDiff(revBump, entries)
	} else {
		revBump = *revision
	}

	resultRaw, mErr := json.Marshal(result)
	if mErr != nil {
		return nil, fmt.Errorf("encode atomic result: %w", mErr)
	}
	data, _ := codec.Marshal(AtomicResult{Value: resultRaw, Revision: revBump})
	return data, nil
}

// callAtomic invokes the registered handler, recovering a panic into a
// UserError so a broken handler never takes the engine goroutine down.
func (e *Engine) callAtomic(fn func(map[string]any, json.RawMessage) (any, error), working map[string]any, args json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = zerrors.User(fmt.Sprintf("atomic handler panicked: %v", r), string(debug.Stack()))
		}
	}()
	result, err = fn(working, args)
	if err != nil {
		return nil, zerrors.User(err.Error(), "")
	}
	return result, nil
}

type diffEntry struct {
	before        any
	existedBefore bool
	after         any
	existsAfter   bool
}

func cloneState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}

func diffStates(before, after map[string]any) map[string]diffEntry {
	entries := make(map[string]diffEntry)
	for k, a := range after {
		b, existedBefore := before[k]
		if existedBefore && reflect.DeepEqual(b, a) {
			continue
		}
		entries[k] = diffEntry{before: b, existedBefore: existedBefore, after: a, existsAfter: true}
	}
	for k, b := range before {
		if _, stillThere := after[k]; !stillThere {
			entries[k] = diffEntry{before: b, existedBefore: true, after: nil, existsAfter: false}
		}
	}
	return entries
}

// publishDiff builds a ChangeRecord from raw diffEntry values and
// publishes it. It runs on the engine goroutine, before the command's
// reply is sent — the publish-then-reply ordering the spec requires.
func (e *Engine) publishDiff(revision uint64, entries map[string]diffEntry) {
	changes := make(map[string]codec.KeyChange, len(entries))
	for key, entry := range entries {
		var beforeRaw, afterRaw json.RawMessage
		if entry.existedBefore {
			beforeRaw, _ = json.Marshal(entry.before)
		}
		if entry.existsAfter {
			afterRaw, _ = json.Marshal(entry.after)
		}
		changes[key] = codec.KeyChange{
			Before:        beforeRaw,
			After:         afterRaw,
			ExistedBefore: entry.existedBefore,
			ExistsAfter:   entry.existsAfter,
		}
	}
	e.pub.Publish(codec.ChangeRecord{Revision: revision, Changes: changes})
}
