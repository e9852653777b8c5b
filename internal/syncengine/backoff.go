package syncengine

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes the retry delay schedule for queue entries: the base
// delay doubled per attempt, capped at Max, with ±20% jitter so many
// entries queued during the same outage do not retry in lockstep.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the given attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if max := float64(b.Max); d > max {
		d = max
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(d * jitter)
}
