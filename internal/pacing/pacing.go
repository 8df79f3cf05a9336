// Package pacing holds the pure timing policies of the dispatcher: the
// randomized inter-message delay and the retry backoff curve. Both are plain
// functions so they can be tested without a queue or a clock.
package pacing

import (
	"fmt"
	"math/rand"
	"time"
)

// Validate rejects an inverted pacing window. A campaign with min > max is a
// configuration error surfaced at launch, never silently swapped.
func Validate(min, max time.Duration) error {
	if min < 0 || max < 0 {
		return fmt.Errorf("pacing delays must be non-negative, got min=%s max=%s", min, max)
	}
	if min > max {
		return fmt.Errorf("min delay %s exceeds max delay %s", min, max)
	}
	return nil
}

// Delay returns a uniformly random duration in [min, max], drawn
// independently per job. Uniform jitter defeats fixed-interval pattern
// detection on the provider side.
func Delay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}

// Backoff returns the retry delay for the given completed-attempt count:
// base * 2^attempt, clamped to cap. Deterministic on purpose; the pacing
// window already supplies jitter.
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
