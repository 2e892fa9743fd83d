// Package channel implements the per-descriptor event dispatcher
// described in spec.md §3 "Channel" and §4.2: a (descriptor, interest
// mask) pair plus close/error/read/write callbacks, dispatched by its
// owning reactor.
//
// No Channel.h/.cc survived retrieval from the muduo original source,
// so this package is grounded on the contract text of spec.md §4.2
// together with the teacher's event/interest-mask conventions
// elsewhere in its reactor code (event bit layout, tie-during-dispatch
// idiom for reference-counted owners).
package channel

import (
	"time"

	"golang.org/x/sys/unix"
)

// Events is a bitmask of readiness/interest flags, aliasing the epoll
// bit layout directly so poller implementations can pass kernel event
// masks through without translation.
type Events uint32

const (
	EventNone  Events = 0
	EventRead  Events = unix.EPOLLIN | unix.EPOLLPRI
	EventWrite Events = unix.EPOLLOUT
	EventError Events = unix.EPOLLERR
	// EventHangup is delivered by the kernel regardless of interest and
	// signals the peer closed its write side or the descriptor errored.
	EventHangup Events = unix.EPOLLHUP
)

// Owner is the object a channel is tied to (spec.md §4.2 "tie"). The
// channel keeps an ordinary Go reference to it, not a weak one, so the
// owner stays reachable for as long as the channel does; there is no
// upgrade step during dispatch. What the tie adds is the Alive check
// HandleEvent makes before running any callback.
type Owner interface {
	// Alive reports whether the owner is still willing to receive
	// events; a false return is treated the same as no callback set.
	Alive() bool
}

// Reactor is the subset of the owning event loop a Channel needs to
// request registration changes, satisfied by *reactor.Reactor.
type Reactor interface {
	UpdateChannel(*Channel)
	RemoveChannel(*Channel)
}

// Channel is a per-descriptor dispatcher: not safe for concurrent use,
// and per spec.md §4.4 all mutating calls must originate on the owning
// reactor's thread.
type Channel struct {
	loop     Reactor
	fd       int
	events   Events // interest mask
	revents  Events // last poll-reported events
	index    int    // poller-private bookkeeping (never-added/active/idle)
	tied     bool
	owner    Owner

	readCallback  func(t time.Time)
	writeCallback func()
	closeCallback func()
	errorCallback func()
}

// New creates an inert channel for fd. It is not registered with any
// reactor until the first interest-mask mutation.
func New(loop Reactor, fd int) *Channel {
	return &Channel{loop: loop, fd: fd, index: IndexNew}
}

// Poller-private channel status values (spec.md §4.3).
const (
	IndexNew    = -1 // never added to the poller
	IndexAdded  = 1  // added, at least one interest bit set
	IndexIdle   = 2  // added, no interest bits set, kept registered
)

// Fd returns the underlying descriptor.
func (c *Channel) Fd() int { return c.fd }

// Events returns the current interest mask.
func (c *Channel) Events() Events { return c.events }

// SetRevents records the events the poller reported for this channel
// in the most recent poll, called by the poller before dispatch.
func (c *Channel) SetRevents(ev Events) { c.revents = ev }

// Index/SetIndex are poller-private bookkeeping slots.
func (c *Channel) Index() int      { return c.index }
func (c *Channel) SetIndex(i int)  { c.index = i }

// IsNoneEvent reports whether the channel currently has no interest
// registered, matching muduo's isNoneEvent used by the LT poller to
// decide EPOLL_CTL_DEL vs MOD.
func (c *Channel) IsNoneEvent() bool { return c.events == EventNone }

// SetReadCallback/SetWriteCallback/SetCloseCallback/SetErrorCallback
// install the four optional dispatch callbacks (spec.md §3 "Channel").
func (c *Channel) SetReadCallback(fn func(t time.Time)) { c.readCallback = fn }
func (c *Channel) SetWriteCallback(fn func())           { c.writeCallback = fn }
func (c *Channel) SetCloseCallback(fn func())           { c.closeCallback = fn }
func (c *Channel) SetErrorCallback(fn func())           { c.errorCallback = fn }

// Tie stores owner (an ordinary reference) and marks the channel tied,
// so that HandleEvent dispatches only while owner.Alive() reports true.
func (c *Channel) Tie(owner Owner) {
	c.owner = owner
	c.tied = true
}

// EnableReading/EnableWriting/DisableReading/DisableWriting/DisableAll
// mutate the interest mask and push the change to the owning reactor.
func (c *Channel) EnableReading() {
	c.events |= EventRead
	c.update()
}

func (c *Channel) EnableWriting() {
	c.events |= EventWrite
	c.update()
}

func (c *Channel) DisableWriting() {
	c.events &^= EventWrite
	c.update()
}

func (c *Channel) DisableReading() {
	c.events &^= EventRead
	c.update()
}

func (c *Channel) DisableAll() {
	c.events = EventNone
	c.update()
}

// IsWriting reports whether write interest is currently enabled.
func (c *Channel) IsWriting() bool { return c.events&EventWrite != 0 }

// IsReading reports whether read interest is currently enabled.
func (c *Channel) IsReading() bool { return c.events&EventRead != 0 }

func (c *Channel) update() {
	if c.loop != nil {
		c.loop.UpdateChannel(c)
	}
}

// Remove detaches the channel from its reactor. The interest mask must
// be empty first (spec.md §4.2 destruction invariant).
func (c *Channel) Remove() {
	if c.loop != nil {
		c.loop.RemoveChannel(c)
	}
}

// HandleEvent dispatches revents in the order fixed by spec.md §4.2:
// close first on hangup-without-read-readiness, then error, then read
// (with the poll-return timestamp), then write. If the channel is
// tied and the owner reports it is no longer alive, dispatch is
// skipped entirely.
func (c *Channel) HandleEvent(pollReturnTime time.Time) {
	if c.tied && (c.owner == nil || !c.owner.Alive()) {
		return
	}
	c.handleEventInner(pollReturnTime)
}

func (c *Channel) handleEventInner(pollReturnTime time.Time) {
	if c.revents&EventHangup != 0 && c.revents&EventRead == 0 {
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if c.revents&EventError != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if c.revents&EventRead != 0 {
		if c.readCallback != nil {
			c.readCallback(pollReturnTime)
		}
	}
	if c.revents&EventWrite != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}
