// Package poller implements the pluggable polling backend described
// in spec.md §3 "Poller backend" and §4.3: it blocks on a set of
// descriptor/interest pairs and returns a ready set with a
// poll-return timestamp.
//
// No EPollPoller.cc survived retrieval from the muduo original
// source, so the LT/ET split and the three-status channel bookkeeping
// are grounded on the contract text of spec.md §4.3, consolidating
// the teacher's three separate epoll wrappers
// (reactor/epoll_reactor.go, reactor/reactor_linux.go,
// internal/concurrency/poller_linux.go) into a single implementation
// built on golang.org/x/sys/unix.
package poller

import (
	"time"

	"github.com/rivernet/reactor/channel"
)

// Kind selects a polling backend at construction (spec.md §9 Open
// Question, decided in SPEC_FULL.md: level-triggered by default,
// edge-triggered opt-in).
type Kind int

const (
	// LevelTriggered reports a ready descriptor on every poll while
	// interest remains satisfied, matching muduo's default EPollPoller.
	LevelTriggered Kind = iota
	// EdgeTriggered reports a ready descriptor only once per state
	// transition (EPOLLET); callers must drain fully on each event.
	EdgeTriggered
)

// Poller is the pluggable polling backend contract (spec.md §4.3).
type Poller interface {
	// Poll blocks up to timeout, returning the poll-return timestamp
	// and the channels with reported readiness. A signal interruption
	// returns an empty result and a nil error, never propagating EINTR.
	Poll(timeout time.Duration) (pollReturnTime time.Time, ready []*channel.Channel, err error)

	// UpdateChannel installs or modifies kernel interest for ch based
	// on its current interest mask.
	UpdateChannel(ch *channel.Channel) error

	// RemoveChannel drops ch from kernel tracking. ch's interest mask
	// must be empty (spec.md §4.2 destruction invariant).
	RemoveChannel(ch *channel.Channel) error

	// Close releases the poller's own kernel resources (e.g. the
	// epoll descriptor).
	Close() error
}
