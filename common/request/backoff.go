package request

import "time"

// Backoff returns how long to wait before retry attempt n. Attempts are
// numbered from 1.
type Backoff func(n int) time.Duration

// DefaultBackoff waits 200ms longer for each successive attempt, so retries
// sleep 0.2s, 0.4s, 0.6s and so on.
func DefaultBackoff() Backoff {
	return LinearBackoff(200 * time.Millisecond)
}

// LinearBackoff returns a Backoff that grows by base per attempt
func LinearBackoff(base time.Duration) Backoff {
	return func(n int) time.Duration {
		return time.Duration(n) * base
	}
}
