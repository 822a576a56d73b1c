package syncqueue

import (
	"math/rand"
	"time"
)

// backoffDelay computes the retry delay after attempt transient failures
// (attempt starts at 0). The schedule is base·2^attempt capped at max, plus
// up to 25% positive jitter so retries from many devices spread out. Jitter
// is additive only, keeping successive delays non-decreasing below the cap,
// and the delay is derivable from the persisted attempt count alone so it
// survives process restarts.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}
