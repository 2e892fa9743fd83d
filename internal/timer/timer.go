// Package timer implements the minimal timer-queue collaborator that
// spec.md §1 names as deliberately excluded from the network core: the
// reactor forwards runAt/runAfter/runEvery/cancel here rather than
// implementing its own timer heap. Grounded on the teacher's
// api/scheduler.go contract shape (ScheduleAt/ScheduleAfter/
// ScheduleEvery, each returning an api.Cancelable), backed by
// time.AfterFunc the way muduo's TimerQueue is backed by timerfd.
package timer

import (
	"sync"
	"time"

	"github.com/rivernet/reactor/api"
)

// Queue is a goroutine-safe collection of pending timers.
type Queue struct {
	mu     sync.Mutex
	timers map[*entry]struct{}
}

// New creates an empty timer queue.
func New() *Queue {
	return &Queue{timers: make(map[*entry]struct{})}
}

type entry struct {
	q        *Queue
	timer    *time.Timer
	fn       func()
	interval time.Duration
	mu       sync.Mutex
	canceled bool
}

// Cancel stops the timer; safe to call more than once and safe from any goroutine.
func (e *entry) Cancel() {
	e.mu.Lock()
	if e.canceled {
		e.mu.Unlock()
		return
	}
	e.canceled = true
	e.timer.Stop()
	e.mu.Unlock()

	e.q.mu.Lock()
	delete(e.q.timers, e)
	e.q.mu.Unlock()
}

func (q *Queue) track(e *entry) {
	q.mu.Lock()
	q.timers[e] = struct{}{}
	q.mu.Unlock()
}

// ScheduleAt runs fn at the given time.
func (q *Queue) ScheduleAt(at time.Time, fn func()) api.Cancelable {
	return q.ScheduleAfter(time.Until(at), fn)
}

// ScheduleAfter runs fn once after delay elapses.
func (q *Queue) ScheduleAfter(delay time.Duration, fn func()) api.Cancelable {
	e := &entry{q: q, fn: fn}
	e.timer = time.AfterFunc(delay, func() {
		e.mu.Lock()
		canceled := e.canceled
		e.canceled = true
		e.mu.Unlock()
		if canceled {
			return
		}
		q.mu.Lock()
		delete(q.timers, e)
		q.mu.Unlock()
		fn()
	})
	q.track(e)
	return e
}

// ScheduleEvery runs fn repeatedly every interval, starting after the
// first interval elapses. Each firing reschedules the underlying timer.
func (q *Queue) ScheduleEvery(interval time.Duration, fn func()) api.Cancelable {
	e := &entry{q: q, fn: fn, interval: interval}
	var tick func()
	tick = func() {
		e.mu.Lock()
		canceled := e.canceled
		e.mu.Unlock()
		if canceled {
			return
		}
		fn()
		e.mu.Lock()
		if !e.canceled {
			e.timer.Reset(e.interval)
		}
		e.mu.Unlock()
	}
	e.timer = time.AfterFunc(interval, tick)
	q.track(e)
	return e
}

// Len reports the number of pending (unfired, uncanceled) timers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}
