package oidc

import "time"

// Clock supplies the current time to the Engine. Expiry checks, token
// timestamps and timers all go through it so tests can supply a fixed or
// steppable source.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// nowMs returns the clock's current time as epoch milliseconds, the unit
// every persisted timestamp uses.
func nowMs(c Clock) int64 {
	return c.Now().UnixNano() / int64(time.Millisecond)
}
