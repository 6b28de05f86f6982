// Package clock abstracts wall-clock time so day boundaries and lease
// expiry can be driven deterministically in tests.
package clock

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// StartOfDay truncates t to midnight in t's location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Today returns midnight of the current day according to c.
func Today(c Clock) time.Time {
	return StartOfDay(c.Now())
}
