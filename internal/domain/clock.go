package domain

import "time"

// Clock abstracts time access so run log timestamps are deterministic under
// test. Every component that produces timestamps takes a Clock, never
// time.Now directly.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall-clock backed Clock used in production wiring.
func SystemClock() Clock { return systemClock{} }
