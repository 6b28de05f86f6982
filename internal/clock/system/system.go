// Package system provides a real clock implementation.
package system

import (
	"fmt"
	"time"
)

// Clock implements clock.Clock using time.Now in a fixed location. The
// location decides where calendar days begin for failure bookkeeping.
type Clock struct {
	loc *time.Location
}

// New creates a Clock reporting time in loc. A nil loc means UTC.
func New(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	return &Clock{loc: loc}
}

// NewInZone creates a Clock for an IANA zone name such as "Asia/Shanghai".
// "Local" and "" select the process's local zone.
func NewInZone(name string) (*Clock, error) {
	if name == "" || name == "Local" {
		return New(time.Local), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return New(loc), nil
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	return time.Now().In(c.loc)
}

// Location returns the clock's zone.
func (c *Clock) Location() *time.Location {
	return c.loc
}
