// Package backoff provides exponential backoff bound to a caller-owned
// logical clock. The state machines in this repository never read the wall
// clock; they are handed an explicit `now` and advance their own notion of
// time monotonically. This wrapper gives them retry schedules that obey the
// same rule.
package backoff

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultMultiplier     = 2
	defaultRandomization  = 0.5
	defaultMaxInterval    = 15 * time.Second
	defaultMaxElapsedTime = 60 * time.Second
)

// Backoff computes exponentially growing retry intervals against a logical
// clock. Exhaustion is reached once the total elapsed logical time exceeds
// the configured budget, at which point NextBackOff reports ok=false and the
// guarded operation should be abandoned.
type Backoff struct {
	inner *backoff.ExponentialBackOff
	clock *manualClock
}

// New returns a backoff seeded at now whose first interval is interval.
func New(now time.Time, interval time.Duration) *Backoff {
	clock := &manualClock{now: now}
	inner := &backoff.ExponentialBackOff{
		InitialInterval:     interval,
		RandomizationFactor: defaultRandomization,
		Multiplier:          defaultMultiplier,
		MaxInterval:         defaultMaxInterval,
		MaxElapsedTime:      defaultMaxElapsedTime,
		Clock:               clock,
	}
	inner.Reset()
	return &Backoff{inner: inner, clock: clock}
}

// NextBackOff returns the next interval to wait before retrying. ok is false
// once the backoff budget is exhausted.
func (b *Backoff) NextBackOff() (time.Duration, bool) {
	d := b.inner.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	return d, true
}

// SetNow advances the logical clock. Stale values are ignored; time never
// moves backward.
func (b *Backoff) SetNow(now time.Time) {
	if now.Before(b.clock.now) {
		return
	}
	b.clock.now = now
}

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }
