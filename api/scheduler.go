// Package api
// Author: momentics <momentics@gmail.com>
//
// Scheduler is the contract for the timer-queue collaborator that
// spec.md §1 deliberately excludes from the reactor core: the reactor
// forwards runAt/runAfter/runEvery/cancel to an implementation of this
// interface (spec.md §4.4) rather than owning timer bookkeeping itself.
package api

import "time"

// Cancelable identifies a scheduled callback so it can later be canceled.
type Cancelable interface {
	Cancel()
}

// Scheduler abstracts timer-queue scheduling for the reactor's
// runAt/runAfter/runEvery/cancel contract. Safe to call from any thread.
type Scheduler interface {
	// ScheduleAt runs fn at the given time.
	ScheduleAt(at time.Time, fn func()) Cancelable

	// ScheduleAfter runs fn once after delay elapses.
	ScheduleAfter(delay time.Duration, fn func()) Cancelable

	// ScheduleEvery runs fn repeatedly every interval, starting after
	// the first interval elapses.
	ScheduleEvery(interval time.Duration, fn func()) Cancelable
}
