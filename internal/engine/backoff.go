package engine

import "time"

// Backoff returns the delay before retry number retryCount (1-based):
// base doubled per previous retry, capped at max.
func Backoff(retryCount int, base, max time.Duration) time.Duration {
	if retryCount < 1 || base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < retryCount; i++ {
		if max > 0 && d >= max {
			break
		}
		d *= 2
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}
