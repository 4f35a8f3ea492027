package admission

import "time"

// Clock provides the current time. Injectable so tests can walk window
// boundaries and block expiry deterministically without real delays.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
