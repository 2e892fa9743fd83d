package control_test

import (
	"sync"
	"testing"

	"github.com/rivernet/reactor/control"
)

func TestAcquireThenIsOwnerOnSameGoroutine(t *testing.T) {
	r := control.NewLoopRegistry()
	token := new(int)

	if err := r.Acquire(token); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !r.IsOwner(token) {
		t.Fatal("IsOwner false for the acquiring goroutine")
	}
}

func TestIsOwnerFalseFromOtherGoroutine(t *testing.T) {
	r := control.NewLoopRegistry()
	token := new(int)

	if err := r.Acquire(token); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	done := make(chan bool, 1)
	go func() { done <- r.IsOwner(token) }()
	if <-done {
		t.Fatal("IsOwner true from a goroutine that never called Acquire")
	}
}

func TestAcquireRejectsSecondTokenOnSameGoroutine(t *testing.T) {
	r := control.NewLoopRegistry()
	a, b := new(int), new(int)

	if err := r.Acquire(a); err != nil {
		t.Fatalf("Acquire(a): %v", err)
	}
	if err := r.Acquire(b); err == nil {
		t.Fatal("Acquire(b) succeeded on a goroutine already owning a", nil)
	}
}

func TestAcquireSameTokenTwiceIsIdempotent(t *testing.T) {
	r := control.NewLoopRegistry()
	token := new(int)

	if err := r.Acquire(token); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := r.Acquire(token); err != nil {
		t.Fatalf("second Acquire with the same token: %v", err)
	}
}

func TestReleaseAllowsReacquisition(t *testing.T) {
	r := control.NewLoopRegistry()
	a, b := new(int), new(int)

	done := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.Acquire(a); err != nil {
			done <- err
			return
		}
		r.Release(a)
		done <- r.Acquire(b)
	}()
	wg.Wait()
	if err := <-done; err != nil {
		t.Fatalf("Acquire(b) after Release(a): %v", err)
	}
}

func TestReleaseOfNonOwnedTokenIsNoop(t *testing.T) {
	r := control.NewLoopRegistry()
	token := new(int)
	r.Release(token)
	if r.IsOwner(token) {
		t.Fatal("IsOwner true after releasing a token never acquired")
	}
}

func TestDistinctRegistriesAreIndependent(t *testing.T) {
	r1 := control.NewLoopRegistry()
	r2 := control.NewLoopRegistry()
	token := new(int)

	if err := r1.Acquire(token); err != nil {
		t.Fatalf("r1.Acquire: %v", err)
	}
	if r2.IsOwner(token) {
		t.Fatal("r2 reports ownership acquired only on r1")
	}
}
