// Package clock lets the lease store and its sweeper run against either the
// wall clock or a manually driven clock in tests.
package clock

import "time"

// Clock is the time source used by the store, sweeper and snapshot exporter.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real reads the system clock. Timestamps are always UTC.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After delegates to time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep delegates to time.Sleep.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Elapsed returns how long ago t was according to c. A t in the future
// yields zero.
func Elapsed(c Clock, t time.Time) time.Duration {
	d := c.Now().Sub(t)
	if d < 0 {
		return 0
	}
	return d
}
