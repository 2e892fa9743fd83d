// Package iosocket implements the exclusive descriptor owner described
// in spec.md §3 "Socket": created non-blocking and close-on-exec,
// exposing option setters and bind/listen/accept/shutdown, closing its
// descriptor on destruction. Must not be duplicated.
//
// Grounded on muduo/net/Socket.{h,cc} and muduo/net/SocketsOps.{h,cc}
// (original_source), reimplemented over golang.org/x/sys/unix the way
// the teacher's reactor/reactor_linux.go and
// internal/transport/transport_linux.go wrap the same syscalls.
package iosocket

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/rivernet/reactor/netaddr"
)

// Socket owns a single kernel descriptor. The zero value is not valid;
// construct with NewV4/NewV6 or Wrap. Close is idempotent.
type Socket struct {
	fd     int
	family int
}

// NewV4 creates a non-blocking, close-on-exec TCP/IPv4 socket.
func NewV4() (*Socket, error) { return newNonblocking(unix.AF_INET) }

// NewV6 creates a non-blocking, close-on-exec TCP/IPv6 socket.
func NewV6() (*Socket, error) { return newNonblocking(unix.AF_INET6) }

// NewForFamily creates a socket for the given endpoint's family,
// matching muduo's sockets::createNonblockingOrDie(listenAddr.family()).
func NewForFamily(ep netaddr.Endpoint) (*Socket, error) {
	return newNonblocking(ep.SockaddrFamily())
}

func newNonblocking(family int) (*Socket, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("iosocket: socket: %w", err)
	}
	return &Socket{fd: fd, family: family}, nil
}

// Wrap takes ownership of an already-open descriptor (e.g. one
// returned by Accept), setting it non-blocking and close-on-exec.
func Wrap(fd int, family int) (*Socket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("iosocket: set nonblock: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		return nil, fmt.Errorf("iosocket: set cloexec: %w", err)
	}
	return &Socket{fd: fd, family: family}, nil
}

// Fd returns the raw descriptor. Callers must not close it directly;
// use Close so the Socket's own bookkeeping stays consistent.
func (s *Socket) Fd() int { return s.fd }

// Close releases the descriptor. Safe to call multiple times.
func (s *Socket) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

// SetReuseAddr enables/disables SO_REUSEADDR, always set by Acceptor (spec.md §4.5).
func (s *Socket) SetReuseAddr(on bool) error {
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolToInt(on))
}

// SetReusePort enables/disables SO_REUSEPORT, a construction option
// per spec.md §4.5 letting multiple processes/reactors share a listen port.
func (s *Socket) SetReusePort(on bool) error {
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, boolToInt(on))
}

// SetTCPNoDelay enables/disables Nagle's algorithm.
func (s *Socket) SetTCPNoDelay(on bool) error {
	return unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolToInt(on))
}

// SetKeepAlive enables/disables SO_KEEPALIVE, on by default for accepted sockets (spec.md §6).
func (s *Socket) SetKeepAlive(on bool) error {
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolToInt(on))
}

// Bind binds the socket to the given local endpoint.
func (s *Socket) Bind(addr netaddr.Endpoint) error {
	if err := unix.Bind(s.fd, addr.ToSockaddr()); err != nil {
		return fmt.Errorf("iosocket: bind %s: %w", addr, err)
	}
	return nil
}

// Listen marks the socket as a listening socket with the given backlog.
func (s *Socket) Listen(backlog int) error {
	if err := unix.Listen(s.fd, backlog); err != nil {
		return fmt.Errorf("iosocket: listen: %w", err)
	}
	return nil
}

// Accept accepts a pending connection, returning a Socket for it and
// the peer's endpoint. On error, err is the raw syscall error so the
// caller (acceptor) can branch on EMFILE/ECONNABORTED per spec.md §4.5/§7.
func (s *Socket) Accept() (*Socket, netaddr.Endpoint, error) {
	nfd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return nil, netaddr.Endpoint{}, err
	}
	peer, err := netaddr.FromSockaddr(sa)
	if err != nil {
		unix.Close(nfd)
		return nil, netaddr.Endpoint{}, err
	}
	return &Socket{fd: nfd, family: peer.SockaddrFamily()}, peer, nil
}

// ShutdownWrite half-closes the write direction, matching
// muduo::sockets::shutdownWrite.
func (s *Socket) ShutdownWrite() error {
	if err := unix.Shutdown(s.fd, unix.SHUT_WR); err != nil {
		return fmt.Errorf("iosocket: shutdown write: %w", err)
	}
	return nil
}

// LocalAddr returns the socket's bound local endpoint via getsockname(2).
func (s *Socket) LocalAddr() (netaddr.Endpoint, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return netaddr.Endpoint{}, fmt.Errorf("iosocket: getsockname: %w", err)
	}
	return netaddr.FromSockaddr(sa)
}

// PeerAddr returns the socket's connected peer endpoint via getpeername(2).
func (s *Socket) PeerAddr() (netaddr.Endpoint, error) {
	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return netaddr.Endpoint{}, fmt.Errorf("iosocket: getpeername: %w", err)
	}
	return netaddr.FromSockaddr(sa)
}

// SocketError reads and clears SO_ERROR, matching
// muduo::sockets::getSocketError used from TcpConnection::handleError.
func (s *Socket) SocketError() error {
	errno, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}

// Write writes p directly to the descriptor, non-blocking. Returns the
// same (n, err) shape as unix.Write; callers interpret EAGAIN/EWOULDBLOCK.
func (s *Socket) Write(p []byte) (int, error) {
	return unix.Write(s.fd, p)
}

// Readv performs a two-vector scatter read via readv(2), filling v1
// before spilling into v2, satisfying bytebuffer.FdReaderv.
func (s *Socket) Readv(v1, v2 []byte) (int, error) {
	iov := make([][]byte, 0, 2)
	if len(v1) > 0 {
		iov = append(iov, v1)
	}
	if len(v2) > 0 {
		iov = append(iov, v2)
	}
	if len(iov) == 0 {
		return 0, nil
	}
	return unix.Readv(s.fd, iov)
}

// TCPInfo is a small subset of Linux's struct tcp_info surfaced for
// diagnostics (SPEC_FULL.md Supplemented Features, grounded on
// muduo::Socket::getTcpInfo).
type TCPInfo struct {
	RTT           uint32 // microseconds
	RTTVar        uint32
	SendMSS       uint32
	RecvMSS       uint32
	Retransmits   uint32
	TotalRetrans  uint32
	SendCongWin   uint32
	SendSSThresh  uint32
}

// GetTCPInfo reads TCP_INFO via getsockopt(2). ok is false if the
// platform or socket does not support it, matching muduo's bool return.
func (s *Socket) GetTCPInfo() (info TCPInfo, ok bool) {
	raw, err := unix.GetsockoptTCPInfo(s.fd, unix.IPPROTO_TCP, unix.TCP_INFO)
	if err != nil {
		return TCPInfo{}, false
	}
	return TCPInfo{
		RTT:          raw.Rtt,
		RTTVar:       raw.Rttvar,
		SendMSS:      raw.Snd_mss,
		RecvMSS:      raw.Rcv_mss,
		Retransmits:  uint32(raw.Retransmits),
		TotalRetrans: raw.Total_retrans,
		SendCongWin:  raw.Snd_cwnd,
		SendSSThresh: raw.Snd_ssthresh,
	}, true
}

// String renders a diagnostic summary line, matching muduo's
// Socket::getTcpInfoString role (SPEC_FULL.md Supplemented Features).
func (info TCPInfo) String() string {
	return fmt.Sprintf(
		"rtt=%d rttvar=%d snd_mss=%d rcv_mss=%d retransmits=%d total_retrans=%d cwnd=%d ssthresh=%d",
		info.RTT, info.RTTVar, info.SendMSS, info.RecvMSS,
		info.Retransmits, info.TotalRetrans, info.SendCongWin, info.SendSSThresh)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
