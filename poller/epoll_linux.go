//go:build linux

package poller

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rivernet/reactor/channel"
)

const initialEventCap = 16

// epollPoller is the shared epoll implementation for both the
// level-triggered and edge-triggered backends (spec.md §4.3); et
// controls whether EPOLLET is OR'd into every interest change.
type epollPoller struct {
	epfd     int
	events   []unix.EpollEvent
	channels map[int]*channel.Channel
	et       bool
}

// NewLevelTriggered constructs the default LT epoll backend.
func NewLevelTriggered() (Poller, error) { return newEpollPoller(false) }

// NewEdgeTriggered constructs the ET epoll backend.
func NewEdgeTriggered() (Poller, error) { return newEpollPoller(true) }

// New constructs a poller for the requested Kind.
func New(kind Kind) (Poller, error) {
	switch kind {
	case EdgeTriggered:
		return NewEdgeTriggered()
	default:
		return NewLevelTriggered()
	}
}

func newEpollPoller(et bool) (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poller: epoll_create1: %w", err)
	}
	return &epollPoller{
		epfd:     epfd,
		events:   make([]unix.EpollEvent, initialEventCap),
		channels: make(map[int]*channel.Channel),
		et:       et,
	}, nil
}

func (p *epollPoller) Poll(timeout time.Duration) (time.Time, []*channel.Channel, error) {
	ms := int(timeout / time.Millisecond)
	n, err := unix.EpollWait(p.epfd, p.events, ms)
	pollReturnTime := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return pollReturnTime, nil, nil
		}
		return pollReturnTime, nil, fmt.Errorf("poller: epoll_wait: %w", err)
	}

	ready := make([]*channel.Channel, 0, n)
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		ch, ok := p.channels[fd]
		if !ok {
			// Stale event for a channel removed between kernel
			// delivery and user processing (spec.md §4.3 edge case).
			continue
		}
		ch.SetRevents(channel.Events(p.events[i].Events))
		ready = append(ready, ch)
	}

	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	return pollReturnTime, ready, nil
}

func (p *epollPoller) UpdateChannel(ch *channel.Channel) error {
	fd := ch.Fd()
	events := uint32(ch.Events())
	if p.et {
		events |= unix.EPOLLET
	}
	ev := &unix.EpollEvent{Events: events, Fd: int32(fd)}

	switch ch.Index() {
	case channel.IndexNew:
		p.channels[fd] = ch
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
			return fmt.Errorf("poller: epoll_ctl add fd=%d: %w", fd, err)
		}
		if ch.IsNoneEvent() {
			ch.SetIndex(channel.IndexIdle)
		} else {
			ch.SetIndex(channel.IndexAdded)
		}
	case channel.IndexIdle:
		// Already registered with the kernel, either when first added
		// with an empty mask or from a prior Added state
		// (spec.md §4.3: "kept registered to avoid a syscall on
		// re-enable"), so re-enabling interest is a MOD, never an ADD.
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
			return fmt.Errorf("poller: epoll_ctl mod fd=%d: %w", fd, err)
		}
		if !ch.IsNoneEvent() {
			ch.SetIndex(channel.IndexAdded)
		}
	case channel.IndexAdded:
		if ch.IsNoneEvent() {
			// Drop interest to nothing but leave the fd registered so a
			// future re-enable is a MOD instead of a fresh ADD.
			if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
				return fmt.Errorf("poller: epoll_ctl mod fd=%d: %w", fd, err)
			}
			ch.SetIndex(channel.IndexIdle)
			return nil
		}
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
			return fmt.Errorf("poller: epoll_ctl mod fd=%d: %w", fd, err)
		}
	}
	return nil
}

func (p *epollPoller) RemoveChannel(ch *channel.Channel) error {
	fd := ch.Fd()
	if !ch.IsNoneEvent() {
		return fmt.Errorf("poller: RemoveChannel fd=%d with non-empty interest mask", fd)
	}
	if idx := ch.Index(); idx == channel.IndexAdded || idx == channel.IndexIdle {
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			return fmt.Errorf("poller: epoll_ctl del fd=%d: %w", fd, err)
		}
	}
	delete(p.channels, fd)
	ch.SetIndex(channel.IndexNew)
	return nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}
