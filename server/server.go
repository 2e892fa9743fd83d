// Package server implements the façade described in spec.md §3
// "Server" and §4.7 "Server": binds an acceptor to the main reactor,
// distributes accepted connections across a reactor pool, and
// tracks live connections by name.
//
// Grounded directly on muduo/net/TcpServer.cc (original_source): the
// connection-naming scheme, the round-robin worker selection on
// accept, the four-callback propagation to each new connection, and
// the removeConnection-then-queueInLoop(connectDestroyed) teardown
// sequence all carry over, wrapped in the teacher's
// server/hioload.go facade-with-options idiom (a struct wrapping its
// collaborators, an idempotent Start via atomic flag, and options
// threaded in through a small Options struct).
package server

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rivernet/reactor/acceptor"
	"github.com/rivernet/reactor/bytebuffer"
	"github.com/rivernet/reactor/control"
	"github.com/rivernet/reactor/netaddr"
	"github.com/rivernet/reactor/poller"
	"github.com/rivernet/reactor/reactor"
	"github.com/rivernet/reactor/reactorpool"
	"github.com/rivernet/reactor/tcpconn"
)

// Options configures a Server at construction.
type Options struct {
	Name          string
	NumWorkers    int
	ReusePort     bool
	HighWaterMark int
	Logger        *slog.Logger

	// PollerKind selects the polling backend for every worker reactor
	// the pool spawns (spec.md §9 Open Question).
	PollerKind poller.Kind

	// Registry is passed to every worker reactor the pool spawns;
	// workers use control.DefaultLoopRegistry when it is nil. The base
	// reactor keeps the registry it was constructed with.
	Registry *control.LoopRegistry

	// PinWorkers, if true, pins each worker reactor's goroutine to a
	// CPU via reactorpool.PinCurrentThread (SPEC_FULL.md DOMAIN STACK,
	// affinity package).
	PinWorkers bool
}

// Server holds the acceptor, a reactor pool, a map from connection
// name to connection, and the four user callbacks propagated to each
// new connection (spec.md §3 "Server").
type Server struct {
	name    string
	logger  *slog.Logger
	base    *reactor.Reactor
	pool    *reactorpool.Pool
	accept  *acceptor.Acceptor
	started atomic.Bool

	mu      sync.Mutex
	conns   map[string]*tcpconn.Connection
	nextID  uint64
	highWM  int

	connectionCallback    func(*tcpconn.Connection)
	messageCallback       func(c *tcpconn.Connection, in *bytebuffer.Buffer, t time.Time)
	writeCompleteCallback func(*tcpconn.Connection)
	highWaterCallback     func(c *tcpconn.Connection, pending int)

	config  *control.ConfigStore
	metrics *control.MetricsRegistry
	debug   *control.DebugProbes
}

// New constructs a Server bound to base (the main reactor that will
// drive the acceptor), listening at listenAddr.
func New(base *reactor.Reactor, listenAddr netaddr.Endpoint, opts Options) (*Server, error) {
	if opts.Name == "" {
		opts.Name = "server"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HighWaterMark <= 0 {
		opts.HighWaterMark = tcpconn.DefaultHighWaterMark
	}

	s := &Server{
		name:    opts.Name,
		logger:  opts.Logger,
		base:    base,
		conns:   make(map[string]*tcpconn.Connection),
		highWM:  opts.HighWaterMark,
		config:  control.NewConfigStore(),
		metrics: control.NewMetricsRegistry(),
		debug:   control.NewDebugProbes(),
	}
	control.RegisterPlatformProbes(s.debug)
	s.debug.RegisterProbe(opts.Name+".connections", func() any { return len(s.Connections()) })
	s.config.OnReload(func() {
		s.logger.Info("server: config reloaded", "name", s.name, "snapshot", s.config.GetSnapshot())
	})
	control.RegisterReloadHook(func() {
		s.logger.Info("server: process-wide hot-reload signal received", "name", s.name)
	})
	poolOpts := reactorpool.Options{
		NumWorkers: opts.NumWorkers,
		PollerKind: opts.PollerKind,
		Logger:     opts.Logger,
		Registry:   opts.Registry,
	}
	if opts.PinWorkers {
		poolOpts.ThreadInitCallback = reactorpool.PinCurrentThread(opts.Logger)
	}
	s.pool = reactorpool.New(base, poolOpts)

	a, err := acceptor.New(base, listenAddr, acceptor.Options{
		ReusePort: opts.ReusePort,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	a.SetNewConnectionCallback(s.newConnection)
	s.accept = a

	// Defaults for unset callbacks (SPEC_FULL.md Supplemented
	// Features): log connection state and discard message bytes,
	// rather than requiring every embedder to wire all four.
	s.connectionCallback = func(c *tcpconn.Connection) {
		s.logger.Info("server: connection state change", "name", c.Name(), "state", c.State())
	}
	s.messageCallback = func(c *tcpconn.Connection, in *bytebuffer.Buffer, _ time.Time) {
		in.RetrieveAll()
	}

	return s, nil
}

// SetConnectionCallback/SetMessageCallback/SetWriteCompleteCallback/
// SetHighWaterMarkCallback install the four user callbacks propagated
// to every connection the server creates (spec.md §3 "Server").
func (s *Server) SetConnectionCallback(fn func(*tcpconn.Connection)) { s.connectionCallback = fn }
func (s *Server) SetMessageCallback(fn func(*tcpconn.Connection, *bytebuffer.Buffer, time.Time)) {
	s.messageCallback = fn
}
func (s *Server) SetWriteCompleteCallback(fn func(*tcpconn.Connection)) {
	s.writeCompleteCallback = fn
}
func (s *Server) SetHighWaterMarkCallback(fn func(*tcpconn.Connection, int)) {
	s.highWaterCallback = fn
}

// LocalAddr returns the listening socket's bound local endpoint.
func (s *Server) LocalAddr() (netaddr.Endpoint, error) { return s.accept.LocalAddr() }

// MainLoop returns the reactor driving the acceptor.
func (s *Server) MainLoop() *reactor.Reactor { return s.base }

// Start begins listening and spins up the worker pool. Idempotent
// (spec.md §4.7 "Start is idempotent").
func (s *Server) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	s.pool.Start()
	if err := s.accept.Listen(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	s.logger.Info("server: listening", "name", s.name)
	return nil
}

// newConnection is the acceptor's new-connection callback: assigns a
// name, picks a worker reactor, constructs the connection, installs
// callbacks, inserts into the map, and schedules connectEstablished
// on the worker (spec.md §4.7 "Server").
func (s *Server) newConnection(fd int, peer netaddr.Endpoint) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	local, err := s.accept.LocalAddr()
	if err != nil {
		s.logger.Error("server: failed to resolve local endpoint", "error", err)
	}
	name := fmt.Sprintf("%s-%s#%d", s.name, local, id)

	worker := s.pool.GetNextLoop()
	conn, err := tcpconn.New(name, worker, fd, local, peer, tcpconn.Options{
		HighWaterMark: s.highWM,
		Logger:        s.logger,
	})
	if err != nil {
		s.logger.Error("server: failed to construct connection", "name", name, "error", err)
		return
	}

	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	conn.SetHighWaterMarkCallback(s.highWaterCallback)
	conn.SetCloseCallback(s.removeConnection)

	s.mu.Lock()
	s.conns[name] = conn
	count := len(s.conns)
	s.mu.Unlock()

	s.metrics.Set(s.name+".connections.active", count)
	s.metrics.Set(s.name+".connections.total", id)

	worker.RunInLoop(conn.ConnectEstablished)
}

// removeConnection is the internal close callback installed on every
// connection. It runs on the connection's worker reactor (the thread
// that dispatched the close event), so per spec.md §5's invariant that
// the connection map is mutated only on the main reactor, it marshals
// the actual removal onto s.base before scheduling the connection's
// destroy on its own worker (spec.md §6 "close (internal, set by
// server)"; muduo/net/TcpServer.cc's removeConnection/
// removeConnectionInLoop split, which likewise runInLoop's the erase
// onto the server's own loop before queueInLoop'ing connectDestroyed
// back onto the connection's ioLoop).
func (s *Server) removeConnection(c *tcpconn.Connection) {
	s.base.RunInLoop(func() {
		s.mu.Lock()
		delete(s.conns, c.Name())
		count := len(s.conns)
		s.mu.Unlock()
		s.metrics.Set(s.name+".connections.active", count)
		c.ScheduleDestroy()
	})
}

// Config returns the server's runtime configuration store, mutable via
// SetConfig and observable via OnReload (SPEC_FULL.md AMBIENT STACK,
// grounded on the teacher's control.ConfigStore).
func (s *Server) Config() *control.ConfigStore { return s.config }

// Metrics returns a snapshot of the server's runtime counters, updated
// on every connection accept and removal.
func (s *Server) Metrics() map[string]any { return s.metrics.GetSnapshot() }

// Debug returns the server's probe registry, pre-populated with a
// platform CPU-count probe and a per-server live-connection-count probe.
func (s *Server) Debug() *control.DebugProbes { return s.debug }

// Connections returns a snapshot of the currently live connection names.
func (s *Server) Connections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.conns))
	for name := range s.conns {
		names = append(names, name)
	}
	return names
}

// Shutdown iterates the map, clears each entry, and schedules each
// connection's connectDestroyed on its worker reactor, then stops the
// pool's worker reactors (spec.md §4.7 "Shutdown").
func (s *Server) Shutdown() {
	s.mu.Lock()
	conns := make([]*tcpconn.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[string]*tcpconn.Connection)
	s.mu.Unlock()

	for _, c := range conns {
		c.ScheduleDestroy()
	}

	s.accept.Close()
	s.pool.Shutdown()
}
