package settle

import "time"

// backoffDelay returns the exponential backoff for a given attempt count:
// base * 2^attempt, capped at max. Negative attempts get the base delay.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		return base
	}
	// 2^30 seconds is already beyond any sane cap.
	if attempt > 30 {
		return max
	}
	d := base * time.Duration(1<<attempt)
	if d > max {
		return max
	}
	return d
}
