// Package clock abstracts the timers used by the live-state runtime so that
// reconnect backoff, poll loops, heartbeats and stall detection can be driven
// deterministically in tests.
//
// Production code uses Real(); tests use Fake() and move time with Advance.
package clock

import "time"

// Clock is the subset of the time package the runtime schedules against.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer cancels
	// the pending call. With the real clock f runs on its own goroutine;
	// with the fake clock it runs synchronously inside Advance.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call from running. It reports whether the call
	// was still pending.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
