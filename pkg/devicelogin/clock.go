package devicelogin

import (
	"context"
	"time"
)

// Clock abstracts time so the polling loop can run against a simulated clock.
type Clock interface {
	Now() time.Time
	After(duration time.Duration) <-chan time.Time
	// WithDeadline derives a context cancelled when the clock reaches deadline.
	WithDeadline(parent context.Context, deadline time.Time) (context.Context, context.CancelFunc)
}

type systemClock struct{}

// NewSystemClock returns a Clock backed by the wall clock.
func NewSystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

func (systemClock) After(duration time.Duration) <-chan time.Time {
	return time.After(duration)
}

func (systemClock) WithDeadline(parent context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	return context.WithDeadline(parent, deadline)
}
