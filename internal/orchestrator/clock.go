package orchestrator

import "time"

// Clock schedules the poller's wake-ups. Tests substitute a clock that
// fires immediately or never.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

// RealClock is the wall clock.
func RealClock() Clock { return realClock{} }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
