// Package clock abstracts time so the session engine's timers (LAN-first,
// connecting watchdog, data-channel recovery, soft/hard reconnect backoff)
// can be driven deterministically in tests, matching spec scenarios like
// "advance virtual time by 25ms with no connected event".
package clock

import "time"

// Timer is a cancellable, rearmable alarm, modeled after time.Timer but
// backed by whichever Clock created it.
type Timer interface {
	// Stop prevents the timer from firing, returning false if it already
	// fired or was already stopped.
	Stop() bool
}

// Clock provides the current time and scheduled callbacks. A real-clock
// implementation wraps time.Now/time.AfterFunc; a virtual-clock
// implementation (used in tests) only advances when explicitly told to.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules f to run after d elapses on this clock and
	// returns a Timer that can cancel it before it fires.
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is a Clock backed by the wall clock and the Go runtime's timers.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{time.AfterFunc(d, f)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) Stop() bool { return r.t.Stop() }
