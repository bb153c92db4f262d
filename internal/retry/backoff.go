package retry

import "time"

// ExponentialBackoff returns delay based on attempt number.
// The delay doubles with each attempt: base * 2^attempt
func ExponentialBackoff(attempt int, base time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return base * (1 << attempt)
}

// CappedBackoff is ExponentialBackoff bounded by max.
func CappedBackoff(attempt int, base, max time.Duration) time.Duration {
	// 2^30 already overflows any sane base, stop doubling early.
	if attempt > 30 {
		return max
	}
	d := ExponentialBackoff(attempt, base)
	if d <= 0 || d > max {
		return max
	}
	return d
}
