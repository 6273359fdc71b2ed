// Package proxy is the client-side state proxy: the facade a worker
// process uses to read, write, and watch the shared state. It is not
// safe to share a single Proxy across goroutines issuing mutating calls
// that depend on each other's ordering; each worker creates its own.
package proxy

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gitter-badger/zproc/internal/codec"
	"github.com/gitter-badger/zproc/internal/stateserver"
	"github.com/gitter-badger/zproc/internal/transport"
	"github.com/gitter-badger/zproc/internal/zerrors"
)

const defaultDialTimeout = 5 * time.Second
const defaultRequestTimeout = 30 * time.Second

// Proxy is the client-side handle to a running state server.
type Proxy struct {
	replyAddr string
	pubAddr   string

	mu   sync.Mutex
	conn net.Conn
	enc  *codec.Encoder
	dec  *codec.Decoder

	requestTimeout time.Duration
}

// ConnectOption configures Connect/ConnectTo.
type ConnectOption func(*connectConfig)

type connectConfig struct {
	dialTimeout    time.Duration
	requestTimeout time.Duration
}

func WithDialTimeout(d time.Duration) ConnectOption {
	return func(c *connectConfig) { c.dialTimeout = d }
}

func WithRequestTimeout(d time.Duration) ConnectOption {
	return func(c *connectConfig) { c.requestTimeout = d }
}

// Connect discovers the server's endpoints from the environment (per the
// spec's "construct proxies via an explicit factory that... defaults to
// the environment") and connects. It returns NotConfiguredError if no
// endpoint was inherited.
func Connect(opts ...ConnectOption) (*Proxy, error) {
	replyAddr, pubAddr, err := transport.Discover()
	if err != nil {
		return nil, err
	}
	return ConnectTo(replyAddr, pubAddr, opts...)
}

// ConnectTo bypasses environment discovery, connecting directly to the
// given endpoints. Used by tests; dispatcher workers connect through
// Connect, using the endpoint variables they inherit from the driver.
func ConnectTo(replyAddr, pubAddr string, opts ...ConnectOption) (*Proxy, error) {
	cfg := connectConfig{dialTimeout: defaultDialTimeout, requestTimeout: defaultRequestTimeout}
	for _, o := range opts {
		o(&cfg)
	}

	conn, err := transport.Dial(replyAddr, cfg.dialTimeout)
	if err != nil {
		return nil, zerrors.Transport("dial %s: %v", replyAddr, err)
	}

	p := &Proxy{
		replyAddr:      replyAddr,
		pubAddr:        pubAddr,
		conn:           conn,
		enc:            codec.NewEncoder(conn),
		dec:            codec.NewDecoder(conn),
		requestTimeout: cfg.requestTimeout,
	}

	ping, err := p.Ping()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := stateserver.CheckCompatible(ping.Version, stateserver.ProtocolVersion); err != nil {
		conn.Close()
		return nil, zerrors.Protocol("%v", err)
	}

	return p, nil
}

// Close releases the underlying connection.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.Close()
}

// execute sends one request and waits for its correlated reply. Proxy
// serializes concurrent callers onto the one connection via mu; a second
// caller's request simply waits its turn, matching the synchronous
// request/reply nature of the channel.
func (p *Proxy) execute(op string, payload any) (json.RawMessage, error) {
	raw, err := codec.Marshal(payload)
	if err != nil {
		return nil, zerrors.Protocol("marshal %s args: %v", op, err)
	}

	req := codec.Request{ID: uuid.NewString(), Op: op, Payload: raw}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.conn.SetWriteDeadline(time.Now().Add(p.requestTimeout))
	if err := p.enc.Encode(req); err != nil {
		return nil, zerrors.Transport("write request: %v", err)
	}

	p.conn.SetReadDeadline(time.Now().Add(p.requestTimeout))
	var reply codec.Reply
	if err := p.dec.Decode(&reply); err != nil {
		return nil, zerrors.Transport("read reply: %v", err)
	}
	if reply.ID != req.ID {
		return nil, zerrors.Protocol("reply id %s does not match request id %s", reply.ID, req.ID)
	}
	if !reply.Ok {
		if reply.Error != nil {
			return nil, reply.Error
		}
		return nil, zerrors.Protocol("request failed with no error detail")
	}
	return reply.Value, nil
}

// Ping returns the server's identity and current revision — used to
// capture R₀ before registering a watcher.
func (p *Proxy) Ping() (stateserver.PingResult, error) {
	raw, err := p.execute(stateserver.OpPing, struct{}{})
	if err != nil {
		return stateserver.PingResult{}, err
	}
	var res stateserver.PingResult
	if err := codec.Unmarshal(raw, &res); err != nil {
		return stateserver.PingResult{}, err
	}
	return res, nil
}

// Get fetches a single key. ok reports whether the key was present.
func (p *Proxy) Get(key string, out any) (ok bool, err error) {
	raw, err := p.execute(stateserver.OpGet, stateserver.GetArgs{Key: key})
	if err != nil {
		return false, err
	}
	var res stateserver.GetResult
	if err := codec.Unmarshal(raw, &res); err != nil {
		return false, zerrors.Protocol("decode GET result: %v", err)
	}
	if !res.Exists {
		return false, nil
	}
	if out != nil && len(res.Value) > 0 {
		if err := json.Unmarshal(res.Value, out); err != nil {
			return true, zerrors.Protocol("decode GET value: %v", err)
		}
	}
	return true, nil
}

// GetStrict is Get but returns KeyMissingError when the key is absent.
func (p *Proxy) GetStrict(key string, out any) error {
	ok, err := p.Get(key, out)
	if err != nil {
		return err
	}
	if !ok {
		return zerrors.KeyMissing(key)
	}
	return nil
}

// Snapshot is the full-state read. See Snapshot's own doc comment for why
// it is safe for callers to hold and iterate without affecting server
// state: every accessor deep-copies, and there is no exported settable
// field to write through.
func (p *Proxy) Snapshot() (*Snapshot, error) {
	raw, err := p.execute(stateserver.OpGetAll, struct{}{})
	if err != nil {
		return nil, err
	}
	var res stateserver.GetAllResult
	if err := codec.Unmarshal(raw, &res); err != nil {
		return nil, zerrors.Protocol("decode GET_ALL result: %v", err)
	}
	return newSnapshot(res.Revision, res.State), nil
}

// Set replaces the value at key in a single mutation.
func (p *Proxy) Set(key string, value any) (revision uint64, err error) {
	raw, err := codec.Marshal(value)
	if err != nil {
		return 0, zerrors.Protocol("marshal value for %q: %v", key, err)
	}
	result, err := p.execute(stateserver.OpSet, stateserver.SetArgs{Key: key, Value: raw})
	if err != nil {
		return 0, err
	}
	var res stateserver.MutationResult
	err = codec.Unmarshal(result, &res)
	return res.Revision, err
}

// Delete removes key. strict requests a KeyMissingError when key is
// already absent instead of a silent no-op.
func (p *Proxy) Delete(key string, strict bool) (revision uint64, err error) {
	result, err := p.execute(stateserver.OpDelete, stateserver.DeleteArgs{Key: key, Strict: strict})
	if err != nil {
		return 0, err
	}
	var res stateserver.MutationResult
	err = codec.Unmarshal(result, &res)
	return res.Revision, err
}

// UpdateMany applies a batch of key/value writes as one mutation at one
// revision.
func (p *Proxy) UpdateMany(delta map[string]any) (revision uint64, err error) {
	encoded := make(map[string]json.RawMessage, len(delta))
	for k, v := range delta {
		raw, err := codec.Marshal(v)
		if err != nil {
			return 0, zerrors.Protocol("marshal value for %q: %v", k, err)
		}
		encoded[k] = raw
	}
	result, err := p.execute(stateserver.OpUpdateMany, stateserver.UpdateManyArgs{Delta: encoded})
	if err != nil {
		return 0, err
	}
	var res stateserver.MutationResult
	err = codec.Unmarshal(result, &res)
	return res.Revision, err
}

// Atomic invokes the registered handler id server-side with args,
// decoding its return value into out (may be nil to discard it).
func (p *Proxy) Atomic(handlerID string, args any, out any) (revision uint64, err error) {
	raw, err := codec.Marshal(args)
	if err != nil {
		return 0, zerrors.Protocol("marshal atomic args: %v", err)
	}
	result, err := p.execute(stateserver.OpAtomic, stateserver.AtomicArgs{HandlerID: handlerID, Args: raw})
	if err != nil {
		return 0, err
	}
	var res stateserver.AtomicResult
	if err := codec.Unmarshal(result, &res); err != nil {
		return 0, zerrors.Protocol("decode atomic result: %v", err)
	}
	if out != nil && len(res.Value) > 0 {
		if err := json.Unmarshal(res.Value, out); err != nil {
			return res.Revision, zerrors.Protocol("decode atomic value: %v", err)
		}
	}
	return res.Revision, nil
}

// subscribe opens a dedicated connection upgraded to a change-record
// stream. Separate from the request/reply connection because the reply
// channel is synchronous one-request-at-a-time, while a subscription is
// a standing push stream.
func (p *Proxy) subscribe(key string, since uint64) (*streamConn, error) {
	conn, err := transport.Dial(p.replyAddr, defaultDialTimeout)
	if err != nil {
		return nil, zerrors.Transport("dial %s: %v", p.replyAddr, err)
	}
	enc := codec.NewEncoder(conn)
	dec := codec.NewDecoder(conn)

	req := codec.Request{
		ID: uuid.NewString(),
		Op: stateserver.OpSubscribe,
	}
	req.Payload, _ = codec.Marshal(stateserver.SubscribeArgs{Key: key, Since: since})

	if err := enc.Encode(req); err != nil {
		conn.Close()
		return nil, zerrors.Transport("write subscribe: %v", err)
	}

	var ack codec.Reply
	if err := dec.Decode(&ack); err != nil {
		conn.Close()
		return nil, zerrors.Transport("read subscribe ack: %v", err)
	}
	if !ack.Ok {
		conn.Close()
		if ack.Error != nil {
			return nil, ack.Error
		}
		return nil, zerrors.Protocol("subscribe rejected")
	}

	return &streamConn{conn: conn, dec: dec}, nil
}

type streamConn struct {
	conn   net.Conn
	dec    *codec.Decoder
	closed atomic.Bool
}

func (s *streamConn) recv() (codec.ChangeRecord, error) {
	var rec codec.ChangeRecord
	if err := s.dec.Decode(&rec); err != nil {
		return codec.ChangeRecord{}, zerrors.Transport("read change record: %v", err)
	}
	return rec, nil
}

func (s *streamConn) close() {
	if s.closed.CompareAndSwap(false, true) {
		s.conn.Close()
	}
}
