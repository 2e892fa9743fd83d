// Package acceptor implements the listening-socket owner described in
// spec.md §3 "Acceptor" and §4.5.
//
// Grounded directly on muduo/net/Acceptor.{h,cc} (original_source),
// which survived retrieval intact: the idle-descriptor EMFILE
// remediation dance is carried over field-for-field, reimplemented
// over golang.org/x/sys/unix the way the teacher's reactor code wraps
// the analogous syscalls.
package acceptor

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rivernet/reactor/channel"
	"github.com/rivernet/reactor/iosocket"
	"github.com/rivernet/reactor/netaddr"
)

// Loop is the subset of *reactor.Reactor the Acceptor depends on.
type Loop interface {
	UpdateChannel(*channel.Channel)
	RemoveChannel(*channel.Channel)
}

// Options configures an Acceptor at construction.
type Options struct {
	// ReusePort enables SO_REUSEPORT on the listening socket, letting
	// multiple processes/reactors share the listen port with
	// kernel-side load distribution (spec.md §4.5).
	ReusePort bool

	// Backlog is the listen(2) backlog; defaults to 128.
	Backlog int

	Logger *slog.Logger
}

// Acceptor owns a non-blocking listening socket and its channel plus
// a pre-opened idle descriptor for EMFILE remediation. Ownership
// belongs to the server (spec.md §3 "Acceptor").
type Acceptor struct {
	loop      Loop
	listener  *iosocket.Socket
	channel   *channel.Channel
	idleFd    int
	backlog   int
	listening bool
	logger    *slog.Logger

	newConnectionCallback func(fd int, peer netaddr.Endpoint)
}

// New creates an Acceptor bound to listenAddr on loop. The listening
// socket has SO_REUSEADDR always set (spec.md §4.5).
func New(loop Loop, listenAddr netaddr.Endpoint, opts Options) (*Acceptor, error) {
	if opts.Backlog <= 0 {
		opts.Backlog = 128
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	sock, err := iosocket.NewForFamily(listenAddr)
	if err != nil {
		return nil, fmt.Errorf("acceptor: %w", err)
	}
	if err := sock.SetReuseAddr(true); err != nil {
		sock.Close()
		return nil, fmt.Errorf("acceptor: %w", err)
	}
	if opts.ReusePort {
		if err := sock.SetReusePort(true); err != nil {
			sock.Close()
			return nil, fmt.Errorf("acceptor: %w", err)
		}
	}
	if err := sock.Bind(listenAddr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("acceptor: %w", err)
	}

	idleFd, err := openIdleFd()
	if err != nil {
		sock.Close()
		return nil, fmt.Errorf("acceptor: open idle fd: %w", err)
	}

	a := &Acceptor{
		loop:     loop,
		listener: sock,
		idleFd:   idleFd,
		backlog:  opts.Backlog,
		logger:   opts.Logger,
	}
	a.channel = channel.New(loop, sock.Fd())
	a.channel.SetReadCallback(a.handleRead)
	return a, nil
}

func openIdleFd() (int, error) {
	return unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
}

// SetNewConnectionCallback installs the callback invoked with an
// accepted descriptor and its peer endpoint. If unset, accepted
// descriptors are closed immediately (spec.md §4.5).
func (a *Acceptor) SetNewConnectionCallback(fn func(fd int, peer netaddr.Endpoint)) {
	a.newConnectionCallback = fn
}

// Listening reports whether Listen has been called.
func (a *Acceptor) Listening() bool { return a.listening }

// LocalAddr returns the listening socket's bound local endpoint.
func (a *Acceptor) LocalAddr() (netaddr.Endpoint, error) {
	return a.listener.LocalAddr()
}

// Listen enables kernel listen(2) and read interest on the acceptor's
// channel (spec.md §4.5 "listen()").
func (a *Acceptor) Listen() error {
	a.listening = true
	if err := a.listener.Listen(a.backlog); err != nil {
		return fmt.Errorf("acceptor: %w", err)
	}
	a.channel.EnableReading()
	return nil
}

// Close clears the channel's interest, detaches it from the loop, and
// releases the idle descriptor and the listening socket.
func (a *Acceptor) Close() error {
	a.channel.DisableAll()
	a.channel.Remove()
	unix.Close(a.idleFd)
	return a.listener.Close()
}

// handleRead accepts pending connections and fires the new-connection
// callback, or remediates descriptor exhaustion (spec.md §4.5).
func (a *Acceptor) handleRead(time.Time) {
	conn, peer, err := a.listener.Accept()
	if err == nil {
		if a.newConnectionCallback != nil {
			a.newConnectionCallback(conn.Fd(), peer)
		} else {
			conn.Close()
		}
		return
	}

	if errors.Is(err, unix.EMFILE) {
		a.remediateDescriptorExhaustion()
		return
	}
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ECONNABORTED) {
		return
	}
	a.logger.Error("acceptor: accept failed", "error", err)
}

// remediateDescriptorExhaustion implements spec.md §4.5's forward
// progress guarantee: give up the idle placeholder, drain one pending
// connection from the listen queue and discard it, then reopen the
// placeholder so a future EMFILE can be handled the same way.
func (a *Acceptor) remediateDescriptorExhaustion() {
	unix.Close(a.idleFd)
	if conn, _, err := a.listener.Accept(); err == nil {
		conn.Close()
	}
	idleFd, err := openIdleFd()
	if err != nil {
		a.logger.Error("acceptor: failed to reopen idle descriptor", "error", err)
		return
	}
	a.idleFd = idleFd
}
