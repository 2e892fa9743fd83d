// Package tcpconn implements the per-connection state machine
// described in spec.md §3 "TCP connection" and §4.6.
//
// Grounded directly on muduo/net/TcpConnection.cc (original_source),
// which survived retrieval intact: the send/shutdown/forceClose
// control flow and the handleRead/handleWrite/handleClose/handleError
// callback bodies are carried over closely, reimplemented over
// bytebuffer.Buffer, channel.Channel and golang.org/x/sys/unix instead
// of muduo's own Buffer/Channel/SocketsOps.
package tcpconn

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rivernet/reactor/api"
	"github.com/rivernet/reactor/bytebuffer"
	"github.com/rivernet/reactor/channel"
	"github.com/rivernet/reactor/iosocket"
	"github.com/rivernet/reactor/netaddr"
)

// State is a connection's position in the state machine described in
// spec.md §4.6.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// DefaultHighWaterMark is the default output-buffer threshold (spec.md
// §3, "default 64 MiB").
const DefaultHighWaterMark = 64 << 20

// Loop is the subset of *reactor.Reactor a Connection depends on.
type Loop interface {
	UpdateChannel(*channel.Channel)
	RemoveChannel(*channel.Channel)
	RunInLoop(func())
	QueueInLoop(func())
	InLoopThread() bool
	RunAfter(delay time.Duration, fn func()) api.Cancelable
}

// Options configures a Connection at construction.
type Options struct {
	HighWaterMark int
	Logger        *slog.Logger
}

// Connection is a TCP connection's per-descriptor state machine: not
// safe for concurrent field access, but its exported operations are
// safe from any goroutine (spec.md §6 "Thread-safety of the public
// surface"), forwarding to the owning reactor as needed.
type Connection struct {
	name   string
	loop   Loop
	sock   *iosocket.Socket
	ch     *channel.Channel
	local  netaddr.Endpoint
	peer   netaddr.Endpoint
	logger *slog.Logger

	state         State
	reading       bool
	highWaterMark int

	inputBuffer  *bytebuffer.Buffer
	outputBuffer *bytebuffer.Buffer

	context any

	connectionCallback    func(*Connection)
	messageCallback       func(c *Connection, in *bytebuffer.Buffer, t time.Time)
	writeCompleteCallback func(*Connection)
	highWaterCallback     func(c *Connection, pending int)
	closeCallback         func(*Connection)

	aliveForTie bool
}

// New constructs a Connection in the Connecting state, wrapping an
// already-accepted socket fd. The caller must call ConnectEstablished
// on the owning reactor before events are dispatched.
func New(name string, loop Loop, fd int, local, peer netaddr.Endpoint, opts Options) (*Connection, error) {
	if opts.HighWaterMark <= 0 {
		opts.HighWaterMark = DefaultHighWaterMark
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	sock, err := iosocket.Wrap(fd, local.SockaddrFamily())
	if err != nil {
		return nil, fmt.Errorf("tcpconn: %w", err)
	}
	if err := sock.SetKeepAlive(true); err != nil {
		sock.Close()
		return nil, fmt.Errorf("tcpconn: %w", err)
	}

	c := &Connection{
		name:          name,
		loop:          loop,
		sock:          sock,
		local:         local,
		peer:          peer,
		logger:        opts.Logger,
		state:         StateConnecting,
		reading:       true,
		highWaterMark: opts.HighWaterMark,
		inputBuffer:   bytebuffer.New(),
		outputBuffer:  bytebuffer.New(),
		aliveForTie:   true,
	}
	c.ch = channel.New(loop, sock.Fd())
	c.ch.SetReadCallback(c.handleRead)
	c.ch.SetWriteCallback(c.handleWrite)
	c.ch.SetCloseCallback(c.handleClose)
	c.ch.SetErrorCallback(c.handleError)
	c.ch.Tie(c)
	return c, nil
}

// Alive satisfies channel.Owner for the tie mechanism (spec.md §4.2,
// §4.6 "Lifetime hand-off"): a Connection is considered alive until
// its final destroyed step runs.
func (c *Connection) Alive() bool { return c.aliveForTie }

// Name returns the connection's server-assigned name.
func (c *Connection) Name() string { return c.name }

// State returns the connection's current state.
func (c *Connection) State() State { return c.state }

// LocalAddr/PeerAddr return the connection's endpoints.
func (c *Connection) LocalAddr() netaddr.Endpoint { return c.local }
func (c *Connection) PeerAddr() netaddr.Endpoint  { return c.peer }

// SetContext/Context store an opaque per-connection value for the embedder.
func (c *Connection) SetContext(ctx any) { c.context = ctx }
func (c *Connection) Context() any       { return c.context }

// SetConnectionCallback/SetMessageCallback/SetWriteCompleteCallback/
// SetHighWaterMarkCallback/SetCloseCallback install the five user
// callbacks (spec.md §3 "TCP connection").
func (c *Connection) SetConnectionCallback(fn func(*Connection)) { c.connectionCallback = fn }
func (c *Connection) SetMessageCallback(fn func(*Connection, *bytebuffer.Buffer, time.Time)) {
	c.messageCallback = fn
}
func (c *Connection) SetWriteCompleteCallback(fn func(*Connection)) { c.writeCompleteCallback = fn }
func (c *Connection) SetHighWaterMarkCallback(fn func(*Connection, int)) {
	c.highWaterCallback = fn
}
func (c *Connection) SetCloseCallback(fn func(*Connection)) { c.closeCallback = fn }

// ConnectEstablished transitions Connecting -> Connected, enables read
// interest, and fires the connection-up callback. Must run on the
// owning reactor (spec.md §4.7 "schedule connectEstablished on the worker").
func (c *Connection) ConnectEstablished() {
	c.state = StateConnected
	c.ch.EnableReading()
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
}

// ScheduleDestroy queues ConnectDestroyed on the connection's own
// worker reactor (spec.md §6 "close... schedules the in-loop
// destroy"). Deferred via QueueInLoop rather than called directly so
// it never runs while the connection's own channel is still
// mid-dispatch, mirroring muduo's queueInLoop(bind(&TcpConnection::connectDestroyed, ...)).
func (c *Connection) ScheduleDestroy() {
	c.loop.QueueInLoop(c.ConnectDestroyed)
}

// ConnectDestroyed is the final in-loop step: detaches the channel
// from the reactor before the last reference drops (spec.md §3 "on
// close... its in-reactor destroyed step detaches the channel").
func (c *Connection) ConnectDestroyed() {
	if c.state == StateConnected {
		c.state = StateDisconnected
		c.ch.DisableAll()
		if c.connectionCallback != nil {
			c.connectionCallback(c)
		}
	}
	c.ch.Remove()
	c.aliveForTie = false
	c.sock.Close()
}

// Send queues data for delivery, trying a direct non-blocking write
// first when possible (spec.md §4.6 "send(bytes)"). Safe from any
// goroutine.
func (c *Connection) Send(data []byte) {
	if c.loop.InLoopThread() {
		c.sendInLoop(data)
		return
	}
	buf := append([]byte(nil), data...)
	c.loop.QueueInLoop(func() { c.sendInLoop(buf) })
}

func (c *Connection) sendInLoop(data []byte) {
	// Matches muduo/net/TcpConnection.cc's sendInLoop guard exactly: a
	// send racing a shutdown() on the same connection (send, then
	// immediately shutdown) must still deliver the buffered bytes
	// before the half-close goes out, so only a fully Disconnected
	// connection refuses new writes.
	if c.state == StateDisconnected {
		c.logger.Warn("tcpconn: send on disconnected connection", "name", c.name)
		return
	}

	var n int
	var writeErr error
	faultOccurred := false

	if !c.ch.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		var err error
		n, err = c.sock.Write(data)
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EWOULDBLOCK) {
				writeErr = err
				if errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET) {
					faultOccurred = true
				}
			}
			n = 0
		} else if n == len(data) && c.writeCompleteCallback != nil {
			c.loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
		}
	}

	if writeErr != nil && !faultOccurred {
		c.logger.Error("tcpconn: write failed", "name", c.name, "error", writeErr)
	}

	if !faultOccurred && n < len(data) {
		remaining := data[n:]
		oldLen := c.outputBuffer.ReadableBytes()
		newLen := oldLen + len(remaining)
		if newLen >= c.highWaterMark && oldLen < c.highWaterMark && c.highWaterCallback != nil {
			c.loop.QueueInLoop(func() { c.highWaterCallback(c, newLen) })
		}
		c.outputBuffer.Append(remaining)
		if !c.ch.IsWriting() {
			c.ch.EnableWriting()
		}
	}
}

// Shutdown half-closes the connection for writing once buffered
// output drains (spec.md §4.6 "shutdown()"). Safe from any goroutine.
func (c *Connection) Shutdown() {
	if c.state != StateConnected {
		return
	}
	c.state = StateDisconnecting
	c.loop.RunInLoop(c.shutdownInLoop)
}

func (c *Connection) shutdownInLoop() {
	if !c.ch.IsWriting() {
		if err := c.sock.ShutdownWrite(); err != nil {
			c.logger.Warn("tcpconn: shutdown write failed", "name", c.name, "error", err)
		}
	}
}

// ForceClose synthesizes the same close path as a peer FIN (spec.md
// §4.6 "forceClose()"). Safe from any goroutine.
func (c *Connection) ForceClose() {
	if c.state == StateConnected || c.state == StateDisconnecting {
		c.state = StateDisconnecting
		c.loop.QueueInLoop(func() { c.forceCloseInLoop() })
	}
}

// ForceCloseWithDelay schedules ForceClose after delay via the
// reactor's timer queue (spec.md §4.6 "forceCloseWithDelay(seconds)").
func (c *Connection) ForceCloseWithDelay(delay time.Duration) {
	if c.state == StateConnected || c.state == StateDisconnecting {
		c.state = StateDisconnecting
		c.loop.RunAfter(delay, func() { c.forceCloseInLoop() })
	}
}

func (c *Connection) forceCloseInLoop() {
	if c.state == StateConnected || c.state == StateDisconnecting {
		c.handleClose()
	}
}

// StartRead/StopRead toggle read interest without dropping the
// connection (spec.md §4.6).
func (c *Connection) StartRead() {
	c.loop.RunInLoop(func() {
		if !c.reading || !c.ch.IsReading() {
			c.ch.EnableReading()
			c.reading = true
		}
	})
}

func (c *Connection) StopRead() {
	c.loop.RunInLoop(func() {
		if c.reading || c.ch.IsReading() {
			c.ch.DisableReading()
			c.reading = false
		}
	})
}

// handleRead performs the scatter read and dispatches to the message
// or close/error callback (spec.md §4.6 "Input path").
func (c *Connection) handleRead(t time.Time) {
	n, err := c.inputBuffer.ReadFrom(c.sock)
	switch {
	case n > 0:
		if c.messageCallback != nil {
			c.messageCallback(c, c.inputBuffer, t)
		}
	case n == 0:
		c.handleClose()
	default:
		if err != nil && !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EWOULDBLOCK) {
			c.logger.Error("tcpconn: read failed", "name", c.name, "error", err)
			c.handleError()
		}
	}
}

// handleWrite drains the output buffer front (spec.md §4.6 "Output path").
func (c *Connection) handleWrite() {
	if !c.ch.IsWriting() {
		return
	}
	n, err := c.sock.Write(c.outputBuffer.Peek())
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EWOULDBLOCK) {
			c.logger.Error("tcpconn: write failed", "name", c.name, "error", err)
		}
		return
	}
	c.outputBuffer.Retrieve(n)
	if c.outputBuffer.ReadableBytes() == 0 {
		c.ch.DisableWriting()
		if c.writeCompleteCallback != nil {
			c.loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
		}
		if c.state == StateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

// handleClose synthesizes the close path shared by peer-FIN,
// forceClose and read-returning-zero (spec.md §4.6).
func (c *Connection) handleClose() {
	if c.state == StateDisconnected {
		return
	}
	c.state = StateDisconnected
	c.ch.DisableAll()

	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

// handleError reports a socket-level error via SO_ERROR (spec.md §4.6, §7 category 3).
func (c *Connection) handleError() {
	if err := c.sock.SocketError(); err != nil {
		c.logger.Warn("tcpconn: socket error", "name", c.name, "error", err)
	}
}

// TCPInfo/TCPInfoString are best-effort diagnostics (SPEC_FULL.md
// Supplemented Features, grounded on muduo::TcpConnection::getTcpInfo).
func (c *Connection) TCPInfo() (iosocket.TCPInfo, bool) { return c.sock.GetTCPInfo() }

func (c *Connection) TCPInfoString() string {
	info, ok := c.sock.GetTCPInfo()
	if !ok {
		return "tcp_info unavailable"
	}
	return info.String()
}
