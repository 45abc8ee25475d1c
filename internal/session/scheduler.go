package session

import "time"

// Timer is a cancellable handle for a scheduled callback.
type Timer interface {
	// Stop prevents the callback from firing. It returns false if the
	// callback already fired or the timer was already stopped.
	Stop() bool
}

// Scheduler creates timers and reports the current time. Session callbacks
// scheduled through it are re-posted into the session loop, so an
// implementation may invoke fn on any goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
	Now() time.Time
}

// SystemScheduler is the [Scheduler] backed by the wall clock.
var SystemScheduler Scheduler = systemScheduler{}

type systemScheduler struct{}

func (systemScheduler) AfterFunc(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }
func (systemScheduler) Now() time.Time                             { return time.Now() }
