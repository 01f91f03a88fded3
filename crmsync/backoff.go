package crmsync

import (
	"math"
	"time"
)

// Backoff returns base * 2^attempt, capped at max (no cap when max <= 0).
// Negative attempts count as 0.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if max > 0 && d >= max/2 {
			return max
		}
		if d > math.MaxInt64/2 {
			return time.Duration(math.MaxInt64)
		}
		d *= 2
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
