package timer_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rivernet/reactor/internal/timer"
)

func TestScheduleAfterFires(t *testing.T) {
	q := timer.New()
	fired := make(chan struct{}, 1)
	q.ScheduleAfter(10*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestScheduleAfterCancelPreventsFiring(t *testing.T) {
	q := timer.New()
	var fired atomic.Bool
	c := q.ScheduleAfter(50*time.Millisecond, func() { fired.Store(true) })
	c.Cancel()

	time.Sleep(100 * time.Millisecond)
	if fired.Load() {
		t.Fatal("canceled timer fired anyway")
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d after cancel, want 0", q.Len())
	}
}

func TestScheduleAtUsesAbsoluteTime(t *testing.T) {
	q := timer.New()
	fired := make(chan struct{}, 1)
	q.ScheduleAt(time.Now().Add(10*time.Millisecond), func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestScheduleEveryRepeatsUntilCanceled(t *testing.T) {
	q := timer.New()
	var count atomic.Int32
	c := q.ScheduleEvery(10*time.Millisecond, func() { count.Add(1) })

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && count.Load() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	c.Cancel()
	if count.Load() < 3 {
		t.Fatalf("count = %d, want at least 3 firings", count.Load())
	}

	seenAtCancel := count.Load()
	time.Sleep(50 * time.Millisecond)
	if count.Load() != seenAtCancel {
		t.Fatal("timer kept firing after Cancel")
	}
}

func TestLenTracksPendingTimers(t *testing.T) {
	q := timer.New()
	if q.Len() != 0 {
		t.Fatalf("Len() = %d on empty queue, want 0", q.Len())
	}
	c1 := q.ScheduleAfter(time.Hour, func() {})
	c2 := q.ScheduleAfter(time.Hour, func() {})
	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}
	c1.Cancel()
	if q.Len() != 1 {
		t.Fatalf("Len() = %d after one cancel, want 1", q.Len())
	}
	c2.Cancel()
	if q.Len() != 0 {
		t.Fatalf("Len() = %d after both canceled, want 0", q.Len())
	}
}
