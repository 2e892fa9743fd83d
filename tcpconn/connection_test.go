package tcpconn_test

import (
	"net"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rivernet/reactor/bytebuffer"
	"github.com/rivernet/reactor/control"
	"github.com/rivernet/reactor/netaddr"
	"github.com/rivernet/reactor/reactor"
	"github.com/rivernet/reactor/tcpconn"
)

// startLoopingReactor mirrors the reactor package's own test helper:
// a Reactor's owner is the goroutine that constructed it.
func startLoopingReactor(t *testing.T) (*reactor.Reactor, <-chan struct{}) {
	t.Helper()
	built := make(chan *reactor.Reactor, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r, err := reactor.New(reactor.Options{
			Registry:    control.NewLoopRegistry(),
			PollTimeout: 20 * time.Millisecond,
		})
		if err != nil {
			built <- nil
			return
		}
		built <- r
		r.Loop()
	}()
	r := <-built
	if r == nil {
		t.Fatal("reactor.New failed inside loop goroutine")
	}
	return r, done
}

// socketpairConn creates a connected pair of nonblocking unix-domain
// descriptors, wrapping one end as a plain net.Conn test peer and
// handing the other to the caller for use as an "accepted" fd. Using
// AF_UNIX rather than a real TCP accept round trip keeps these tests
// hermetic while exercising the same read/write/close code paths.
func socketpairConn(t *testing.T) (connFd int, peer net.Conn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	f := os.NewFile(uintptr(fds[1]), "peer")
	c, err := net.FileConn(f)
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	f.Close() // FileConn dup'd the descriptor
	return fds[0], c
}

// shrinkSocketBuffers lowers both ends' kernel socket buffers so a
// large non-blocking write reliably falls short instead of the kernel
// silently absorbing it, letting tests exercise the buffering and
// high-water-mark paths deterministically.
func shrinkSocketBuffers(t *testing.T, fd int, peer net.Conn) {
	t.Helper()
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 4096); err != nil {
		t.Fatalf("SetsockoptInt SO_SNDBUF: %v", err)
	}
	uc, ok := peer.(*net.UnixConn)
	if !ok {
		t.Fatalf("peer is %T, want *net.UnixConn", peer)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		t.Fatalf("SyscallConn: %v", err)
	}
	var sockErr error
	if err := raw.Control(func(pfd uintptr) {
		sockErr = unix.SetsockoptInt(int(pfd), unix.SOL_SOCKET, unix.SO_RCVBUF, 4096)
	}); err != nil {
		t.Fatalf("Control: %v", err)
	}
	if sockErr != nil {
		t.Fatalf("SetsockoptInt SO_RCVBUF: %v", sockErr)
	}
}

func newTestConnection(t *testing.T, loop *reactor.Reactor) (*tcpconn.Connection, net.Conn) {
	t.Helper()
	fd, peer := socketpairConn(t)
	c, err := tcpconn.New("test-conn", loop, fd, netaddr.Loopback4(1), netaddr.Loopback4(2), tcpconn.Options{})
	if err != nil {
		t.Fatalf("tcpconn.New: %v", err)
	}
	return c, peer
}

func TestConnectEstablishedFiresConnectionCallback(t *testing.T) {
	loop, done := startLoopingReactor(t)
	defer func() { loop.Quit(); <-done }()

	c, peer := newTestConnection(t, loop)
	defer peer.Close()

	states := make(chan tcpconn.State, 2)
	c.SetConnectionCallback(func(conn *tcpconn.Connection) { states <- conn.State() })

	loop.RunInLoop(c.ConnectEstablished)

	select {
	case s := <-states:
		if s != tcpconn.StateConnected {
			t.Fatalf("state = %v, want Connected", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection callback did not fire on establish")
	}
}

func TestMessageCallbackReceivesPeerData(t *testing.T) {
	loop, done := startLoopingReactor(t)
	defer func() { loop.Quit(); <-done }()

	c, peer := newTestConnection(t, loop)
	defer peer.Close()

	received := make(chan string, 1)
	c.SetMessageCallback(func(conn *tcpconn.Connection, in *bytebuffer.Buffer, _ time.Time) {
		received <- string(in.RetrieveAllAsBytes())
	})
	loop.RunInLoop(c.ConnectEstablished)

	if _, err := peer.Write([]byte("hello reactor")); err != nil {
		t.Fatalf("peer.Write: %v", err)
	}

	select {
	case msg := <-received:
		if msg != "hello reactor" {
			t.Fatalf("message = %q, want %q", msg, "hello reactor")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message callback did not fire")
	}
}

func TestSendDeliversDataToPeer(t *testing.T) {
	loop, done := startLoopingReactor(t)
	defer func() { loop.Quit(); <-done }()

	c, peer := newTestConnection(t, loop)
	defer peer.Close()
	loop.RunInLoop(c.ConnectEstablished)

	c.Send([]byte("payload"))

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 32)
	n, err := peer.Read(buf)
	if err != nil {
		t.Fatalf("peer.Read: %v", err)
	}
	if string(buf[:n]) != "payload" {
		t.Fatalf("peer received %q, want %q", buf[:n], "payload")
	}
}

func TestSendFromOtherGoroutineIsSerializedThroughLoop(t *testing.T) {
	loop, done := startLoopingReactor(t)
	defer func() { loop.Quit(); <-done }()

	c, peer := newTestConnection(t, loop)
	defer peer.Close()
	loop.RunInLoop(c.ConnectEstablished)

	go c.Send([]byte("cross-thread"))

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 32)
	n, err := peer.Read(buf)
	if err != nil {
		t.Fatalf("peer.Read: %v", err)
	}
	if string(buf[:n]) != "cross-thread" {
		t.Fatalf("peer received %q, want %q", buf[:n], "cross-thread")
	}
}

func TestForceCloseFiresCloseCallback(t *testing.T) {
	loop, done := startLoopingReactor(t)
	defer func() { loop.Quit(); <-done }()

	c, peer := newTestConnection(t, loop)
	defer peer.Close()
	loop.RunInLoop(c.ConnectEstablished)

	closed := make(chan struct{})
	c.SetCloseCallback(func(*tcpconn.Connection) { close(closed) })

	c.ForceClose()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close callback did not fire after ForceClose")
	}
	if c.State() != tcpconn.StateDisconnected {
		t.Fatalf("state = %v, want Disconnected", c.State())
	}
}

func TestHighWaterMarkCallbackFiresOnUpwardCrossing(t *testing.T) {
	loop, done := startLoopingReactor(t)
	defer func() { loop.Quit(); <-done }()

	fd, peer := socketpairConn(t)
	defer peer.Close()
	shrinkSocketBuffers(t, fd, peer)

	c, err := tcpconn.New("hwm-conn", loop, fd, netaddr.Loopback4(1), netaddr.Loopback4(2), tcpconn.Options{
		HighWaterMark: 4096,
	})
	if err != nil {
		t.Fatalf("tcpconn.New: %v", err)
	}
	loop.RunInLoop(c.ConnectEstablished)

	fired := make(chan int, 1)
	c.SetHighWaterMarkCallback(func(_ *tcpconn.Connection, pending int) {
		select {
		case fired <- pending:
		default:
		}
	})

	// The peer never reads, so a payload far larger than the shrunk
	// SO_SNDBUF forces sendInLoop's direct write to fall short,
	// crossing the high water mark on the buffered remainder.
	c.Send(make([]byte, 1<<20))

	select {
	case pending := <-fired:
		if pending < 4096 {
			t.Fatalf("high water callback fired with pending=%d, want >= 4096", pending)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("high water mark callback did not fire")
	}
}

func TestShutdownDeferredUntilOutputDrains(t *testing.T) {
	loop, done := startLoopingReactor(t)
	defer func() { loop.Quit(); <-done }()

	fd, peer := socketpairConn(t)
	defer peer.Close()
	shrinkSocketBuffers(t, fd, peer)

	c, err := tcpconn.New("shutdown-conn", loop, fd, netaddr.Loopback4(1), netaddr.Loopback4(2), tcpconn.Options{})
	if err != nil {
		t.Fatalf("tcpconn.New: %v", err)
	}
	loop.RunInLoop(c.ConnectEstablished)

	payload := make([]byte, 1<<20)
	c.Send(payload)
	c.Shutdown()

	// Shutdown must not truncate the buffered send: the peer should
	// see every payload byte before it observes the half-close.
	total := 0
	buf := make([]byte, 32*1024)
	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		n, err := peer.Read(buf)
		total += n
		if err != nil {
			break
		}
	}
	if total != len(payload) {
		t.Fatalf("peer received %d bytes, want %d (shutdown truncated buffered output)", total, len(payload))
	}
}

func TestPeerCloseSynthesizesConnectionClose(t *testing.T) {
	loop, done := startLoopingReactor(t)
	defer func() { loop.Quit(); <-done }()

	c, peer := newTestConnection(t, loop)

	closed := make(chan struct{})
	c.SetCloseCallback(func(*tcpconn.Connection) { close(closed) })
	loop.RunInLoop(c.ConnectEstablished)

	peer.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close callback did not fire after peer closed")
	}
}
