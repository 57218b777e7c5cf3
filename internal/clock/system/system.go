// Package system provides the wall clock used for request timestamps and
// download deadlines.
package system

import "time"

// Clock satisfies the Clock interfaces of the cache, queue, dispatcher,
// remote, proxy, api and users packages using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Since returns the time elapsed since t.
func (c Clock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}
