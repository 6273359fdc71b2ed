// Package stateserver is the single long-lived process that owns the
// canonical state map and is the sole mutator. It serves requests over a
// Unix domain socket and publishes exactly one change record per
// successful mutation.
package stateserver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/gitter-badger/zproc/internal/codec"
	"github.com/gitter-badger/zproc/internal/registry"
	"github.com/gitter-badger/zproc/internal/transport"
	"github.com/gitter-badger/zproc/internal/zerrors"
)

const defaultRequestTimeout = 30 * time.Second

// Server wraps an Engine with the connection handling, signal handling,
// and graceful shutdown a real daemon needs. One accept-loop goroutine
// spawns one goroutine per connection; every connection's requests funnel
// into the same Engine, which is what keeps mutation serialized.
type Server struct {
	socketPath string
	engine     *Engine
	pub        *transport.Publisher
	metrics    *Metrics

	listener net.Listener

	mu           sync.RWMutex
	shutdown     bool
	shutdownChan chan struct{}
	stopOnce     sync.Once
	readyChan    chan struct{}

	maxConns      int
	activeConns   int32
	connSemaphore chan struct{}

	requestTimeout time.Duration
}

// Options configures a Server at construction time.
type Options struct {
	SocketPath     string
	MaxConns       int
	RequestTimeout time.Duration
	MutationBuffer int
	Registry       *registry.Registry
	Mirror         transport.Mirror
}

// New creates a Server bound to opts.SocketPath (or a generated default
// if empty) with its own Engine and Publisher.
func New(opts Options) *Server {
	if opts.SocketPath == "" {
		opts.SocketPath = transport.DefaultSocketPath(os.Getpid())
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = 100
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Registry == nil {
		opts.Registry = registry.Default
	}

	pub := transport.NewPublisher(opts.MutationBuffer)
	if opts.Mirror != nil {
		pub.SetMirror(opts.Mirror)
	}

	metrics := NewMetrics()
	pub.SetDropHandler(metrics.RecordDroppedEvent)

	serverID := uuid.NewString()

	return &Server{
		socketPath:     opts.SocketPath,
		engine:         NewEngine(serverID, pub, opts.Registry),
		pub:            pub,
		metrics:        metrics,
		shutdownChan:   make(chan struct{}),
		readyChan:      make(chan struct{}),
		maxConns:       opts.MaxConns,
		connSemaphore:  make(chan struct{}, opts.MaxConns),
		requestTimeout: opts.RequestTimeout,
	}
}

// SocketPath returns the path this server listens, or will listen, on.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// WaitReady returns a channel closed once the server is accepting
// connections, for callers that must synchronize startup before spawning
// workers.
func (s *Server) WaitReady() <-chan struct{} {
	return s.readyChan
}

// Start binds the socket, publishes discovery endpoints, and runs the
// accept loop until Stop is called or a termination signal arrives. It
// blocks; callers typically run it in its own goroutine.
func (s *Server) Start() error {
	if err := os.MkdirAll(dirOf(s.socketPath), 0o700); err != nil {
		return zerrors.Transport("create socket dir: %v", err)
	}
	s.removeStaleSocket()

	listener, err := transport.Listen(s.socketPath)
	if err != nil {
		return zerrors.Transport("listen on %s: %v", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return zerrors.Transport("chmod socket: %v", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	if err := transport.Publish(s.socketPath, s.socketPath); err != nil {
		listener.Close()
		return err
	}

	close(s.readyChan)
	go s.handleSignals()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.RLock()
			down := s.shutdown
			s.mu.RUnlock()
			if down {
				return nil
			}
			continue
		}

		select {
		case s.connSemaphore <- struct{}{}:
			atomic.AddInt32(&s.activeConns, 1)
			go func(c net.Conn) {
				defer func() {
					<-s.connSemaphore
					atomic.AddInt32(&s.activeConns, -1)
				}()
				s.handleConnection(c)
			}(conn)
		default:
			// Over the connection limit: reject rather than queue
			// unboundedly.
			conn.Close()
		}
	}
}

func (s *Server) removeStaleSocket() {
	if !transport.Exists(s.socketPath) {
		return
	}
	if conn, err := transport.Dial(s.socketPath, 200*time.Millisecond); err == nil {
		conn.Close()
		return
	}
	os.Remove(s.socketPath)
}

func (s *Server) handleSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		s.Stop()
	case <-s.shutdownChan:
	}
}

// Stop closes the listener and the engine. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.shutdown = true
		listener := s.listener
		s.mu.Unlock()

		close(s.shutdownChan)
		if listener != nil {
			listener.Close()
		}
		s.engine.Stop()
		os.Remove(s.socketPath)
	})
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	dec := codec.NewDecoder(conn)
	enc := codec.NewEncoder(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(s.requestTimeout))

		var req codec.Request
		if err := dec.Decode(&req); err != nil {
			if err != io.EOF {
				fmt.Fprintf(os.Stderr, "zprocd: malformed frame from %s: %v\n", conn.RemoteAddr(), err)
			}
			return
		}

		if req.Op == OpSubscribe {
			s.streamChanges(conn, enc, dec, req)
			return
		}

		s.metrics.RecordRequest()
		reply := s.handleRequest(req)

		conn.SetWriteDeadline(time.Now().Add(s.requestTimeout))
		if err := enc.Encode(reply); err != nil {
			return
		}
	}
}

func (s *Server) handleRequest(req codec.Request) codec.Reply {
	value, err := s.engine.submit(req.Op, req.Payload)
	if err != nil {
		s.metrics.RecordError()
		var zerr *zerrors.Error
		if !errors.As(err, &zerr) {
			zerr = zerrors.Protocol("%v", err)
		}
		return codec.Reply{ID: req.ID, Ok: false, Error: zerr}
	}
	return codec.Reply{ID: req.ID, Ok: true, Value: value}
}

// streamChanges upgrades a connection to a push stream of change
// records: it replays everything since args.Since, then forwards live
// events from the publisher until the client disconnects.
func (s *Server) streamChanges(conn net.Conn, enc *codec.Encoder, dec *codec.Decoder, req codec.Request) {
	var args SubscribeArgs
	if err := codec.Unmarshal(req.Payload, &args); err != nil {
		enc.Encode(codec.Reply{ID: req.ID, Ok: false, Error: zerrors.Protocol("invalid SUBSCRIBE args: %v", err)})
		return
	}

	ch, unsubscribe := s.pub.Subscribe(args.Key)
	defer unsubscribe()

	enc.Encode(codec.Reply{ID: req.ID, Ok: true})

	for _, rec := range s.pub.RecentSince(args.Since) {
		if args.Key != "" && !rec.TouchesKey(args.Key) {
			continue
		}
		if err := enc.Encode(rec); err != nil {
			return
		}
	}

	for rec := range ch {
		if err := enc.Encode(rec); err != nil {
			return
		}
	}
}

// Metrics exposes the server's counters (for health reporting).
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Publisher exposes the server's change-record fan-out for additional
// transports to subscribe to, e.g. webwatch's browser-facing endpoint.
func (s *Server) Publisher() *transport.Publisher {
	return s.pub
}

// ActiveConns reports the current connection count.
func (s *Server) ActiveConns() int32 {
	return atomic.LoadInt32(&s.activeConns)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
