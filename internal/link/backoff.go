package link

import (
	"math/rand/v2"
	"time"
)

const (
	// backoffBase is the delay before the first reconnect attempt.
	backoffBase = time.Second

	// backoffCap bounds the exponential growth of the reconnect delay.
	backoffCap = 30 * time.Second

	// backoffJitter spreads reconnect delays by ±20% so a restarted
	// coordinator is not hit by every source on the same tick.
	backoffJitter = 0.2

	// stableAfter is how long a session must survive before the
	// attempt counter resets.
	stableAfter = 45 * time.Second
)

// backoffDelay returns the wait before reconnect attempt n (n >= 1):
// base doubled per attempt, capped, with uniform jitter applied.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	nominal := backoffCap
	if shift := uint(attempt - 1); shift < 6 {
		nominal = backoffBase << shift
		if nominal > backoffCap {
			nominal = backoffCap
		}
	}

	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(nominal) * jitter)
}
