package retry

import (
	"time"
)

// Backoff computes exponential delays for repeated failures. Unlike Do it
// performs no sleeping itself, which lets callers that own their own
// scheduling (reconnect loops, retry queues) fold the delay into a select
// against a context or ticker.
type Backoff struct {
	Base   time.Duration // Delay for the first retry
	Max    time.Duration // Upper bound on the computed delay
	Jitter bool          // Scale each delay by a random factor in [0.5, 1.5]
}

// Delay returns the backoff duration for the given retry attempt, starting
// at 1. The unjittered delay is Base doubled per attempt and capped at Max;
// with Jitter enabled the result is scaled by a uniform factor in [0.5, 1.5]
// but never exceeds Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 30 * time.Second
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay < 0 { // overflow guard
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}

	if b.Jitter {
		randMu.Lock()
		factor := 0.5 + randSource.Float64()
		randMu.Unlock()
		delay = time.Duration(float64(delay) * factor)
		if delay > max {
			delay = max
		}
	}
	return delay
}
