//go:build linux

// Package wakeup implements the reactor's own wakeup descriptor
// (spec.md §3 "Reactor... owns a wakeup descriptor", §4.4
// queueInLoop): an eventfd written to from any thread to make a
// blocked poll() return promptly.
//
// Grounded on the teacher's reactor/reactor_linux.go and
// internal/concurrency poller code, which already reach for
// golang.org/x/sys/unix for the analogous epoll syscalls. It mirrors
// the single wakeupFd_/wakeupChannel_ pair declared in muduo's
// EventLoop.h, with eventfd(2) as the descriptor.
package wakeup

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// FD wraps an eventfd(2) descriptor used purely as a cross-thread
// doorbell: one byte (really one uint64 increment) wakes the reactor.
type FD struct {
	fd int
}

// New creates a non-blocking, close-on-exec eventfd initialized to 0.
func New() (*FD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("wakeup: eventfd: %w", err)
	}
	return &FD{fd: fd}, nil
}

// Fd returns the underlying descriptor for registration with a poller.
func (w *FD) Fd() int { return w.fd }

// Wake increments the eventfd counter by 1, causing a blocked epoll_wait
// on this descriptor to return read-ready.
func (w *FD) Wake() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(w.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("wakeup: write: %w", err)
	}
	return nil
}

// Drain reads and discards the eventfd counter, clearing read
// readiness. Called from the reactor's wakeup channel read callback.
func (w *FD) Drain() error {
	var buf [8]byte
	_, err := unix.Read(w.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("wakeup: read: %w", err)
	}
	return nil
}

// Close releases the descriptor.
func (w *FD) Close() error {
	return unix.Close(w.fd)
}
