// Package backoff provides the capped exponential delay policy shared by the
// realtime channel and the log tailer schedules.
package backoff

import (
	"math/rand"
	"time"
)

// Policy computes retry delays. The zero value is not usable; construct one
// with the base and cap the caller's schedule requires.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps the exponential growth.
	Max time.Duration
	// Jitter is the upper bound of the random extra delay; zero disables it.
	Jitter time.Duration
}

// Delay returns the delay before retry number attempt (0-based):
// min(Max, Base*2^attempt) plus a random jitter in [0, Jitter).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			d = p.Max
			break
		}
	}
	if d > p.Max {
		d = p.Max
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}
