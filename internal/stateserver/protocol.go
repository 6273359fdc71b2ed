package stateserver

import "encoding/json"

// Op names every request the state server accepts. These are the wire
// values of Request.Op.
const (
	OpGet        = "GET"
	OpGetAll     = "GET_ALL"
	OpSet        = "SET"
	OpDelete     = "DELETE"
	OpUpdateMany = "UPDATE_MANY"
	OpAtomic     = "ATOMIC"
	OpPing       = "PING"
	OpSubscribe  = "SUBSCRIBE"
)

// GetArgs is the payload for OpGet.
type GetArgs struct {
	Key string `json:"key"`
}

// GetResult answers OpGet. Exists distinguishes a present nil value from
// an absent key.
type GetResult struct {
	Value  json.RawMessage `json:"value,omitempty"`
	Exists bool            `json:"exists"`
}

// GetAllResult answers OpGetAll with every key currently in the state.
type GetAllResult struct {
	State    map[string]json.RawMessage `json:"state"`
	Revision uint64                     `json:"revision"`
}

// SetArgs is the payload for OpSet.
type SetArgs struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// MutationResult answers any successful mutating op with the revision it
// committed at.
type MutationResult struct {
	Revision uint64 `json:"revision"`
}

// DeleteArgs is the payload for OpDelete. Strict requests a
// KeyMissingError when the key is absent instead of a silent no-op.
type DeleteArgs struct {
	Key    string `json:"key"`
	Strict bool   `json:"strict,omitempty"`
}

// UpdateManyArgs is the payload for OpUpdateMany: a flat key/value delta
// applied as a single mutation at one revision.
type UpdateManyArgs struct {
	Delta map[string]json.RawMessage `json:"delta"`
}

// AtomicArgs is the payload for OpAtomic: a registered handler id plus
// its JSON-encoded arguments. No closure or code ever crosses the wire.
type AtomicArgs struct {
	HandlerID string          `json:"handler_id"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// AtomicResult answers OpAtomic with the handler's return value and the
// revision its diff committed at.
type AtomicResult struct {
	Value    json.RawMessage `json:"value,omitempty"`
	Revision uint64          `json:"revision"`
}

// PingResult answers OpPing with server identity and current revision —
// used by the proxy to capture R₀ before registering a watcher — plus
// the server's protocol version, for the client's compatibility check.
type PingResult struct {
	ServerID string `json:"server_id"`
	Revision uint64 `json:"revision"`
	Version  string `json:"version"`
}

// SubscribeArgs is the payload for OpSubscribe, which upgrades a
// connection into a stream of change records. Key, if set, scopes the
// subscription to a single key (server-side filtering optimization);
// Since replays every retained change record with a strictly greater
// revision before live delivery begins.
type SubscribeArgs struct {
	Key   string `json:"key,omitempty"`
	Since uint64 `json:"since"`
}
