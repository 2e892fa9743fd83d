// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types shared across the reactor core.
package api

import "errors"

// Sentinel errors for conditions callers can branch on (spec.md §7).
// reactor.New returns an error wrapping ErrAlreadyRunning when the
// calling goroutine already owns a reactor. Foreign-thread channel
// mutation is not returned as an error: the reactor panics, and the
// panic value is an error wrapping ErrNotOwnerThread.
var (
	ErrAlreadyRunning  = errors.New("reactor: already running")
	ErrNotOwnerThread  = errors.New("reactor: operation attempted from a non-owner goroutine")
	ErrChannelAttached = errors.New("channel: still attached to a reactor")
	ErrClosed          = errors.New("resource is closed")
	ErrNoCallback      = errors.New("no callback registered")
	ErrResolveFailed   = errors.New("address: resolution failed")
)
