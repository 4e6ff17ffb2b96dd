package scheduler

import "time"

// RetryPolicy produces the deterministic backoff stamp for a failed task.
// The delay is the midpoint of the configured window, in whole minutes.
// Midpoint rather than jitter keeps retries predictable for operators
// reading next_attempt_at off a stuck task.
type RetryPolicy struct {
	minMinutes int
	maxMinutes int
}

func NewRetryPolicy(minMinutes, maxMinutes int) RetryPolicy {
	if minMinutes <= 0 {
		minMinutes = 30
	}
	if maxMinutes < minMinutes {
		maxMinutes = minMinutes
	}
	return RetryPolicy{minMinutes: minMinutes, maxMinutes: maxMinutes}
}

// NextAttempt returns now plus the midpoint delay, floor division.
func (p RetryPolicy) NextAttempt(now time.Time) time.Time {
	mid := (p.minMinutes + p.maxMinutes) / 2
	return now.Add(time.Duration(mid) * time.Minute)
}
