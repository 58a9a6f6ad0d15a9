package domain

import "github.com/jonboulle/clockwork"

// ClockOrReal returns c, or the real clock when c is nil. Components take an
// injected clock so tests can freeze time.
func ClockOrReal(c clockwork.Clock) clockwork.Clock {
	if c == nil {
		return clockwork.NewRealClock()
	}
	return c
}
