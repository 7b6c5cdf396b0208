// Package retry decides whether a failed attempt is retried and after how long.
//
// Attempts are zero-based: the first run of a firing is attempt 0 and its
// first retry is attempt 1. Everything here is pure; callers supply "now".
package retry

import (
	"time"

	"skytask/internal/model"
)

const (
	// MaxDelay caps exponential backoff.
	MaxDelay = 30 * time.Minute
	// DefaultBase is used when a task carries no positive backoff base.
	DefaultBase = 60 * time.Second
)

// Decision is the outcome for one failed attempt.
type Decision struct {
	Retry       bool
	NextAttempt int
	Delay       time.Duration
	Reason      string
}

// FireTime returns the absolute time the retry should fire.
func (d Decision) FireTime(now time.Time) time.Time { return now.Add(d.Delay) }

// Decide applies policy to a failed attempt using the default cap.
func Decide(policy model.RetryPolicy, attempt, maxRetry int, baseBackoffMs int64) Decision {
	return DecideCapped(policy, attempt, maxRetry, baseBackoffMs, MaxDelay)
}

// DecideCapped is Decide with an explicit exponential cap (<= 0 means MaxDelay).
func DecideCapped(policy model.RetryPolicy, attempt, maxRetry int, baseBackoffMs int64, maxDelay time.Duration) Decision {
	next := attempt + 1
	if policy == model.RetryNone {
		return Decision{NextAttempt: next, Reason: "retry policy NONE"}
	}
	if next > maxRetry {
		return Decision{NextAttempt: next, Reason: "max retry reached"}
	}
	delay := Delay(policy, next, baseBackoffMs, maxDelay)
	if delay <= 0 {
		return Decision{NextAttempt: next, Reason: "unknown retry policy"}
	}
	return Decision{Retry: true, NextAttempt: next, Delay: delay}
}

// Delay computes the wait before attempt n (n >= 1). Unknown policies yield 0.
func Delay(policy model.RetryPolicy, n int, baseBackoffMs int64, maxDelay time.Duration) time.Duration {
	base := time.Duration(baseBackoffMs) * time.Millisecond
	if base <= 0 {
		base = DefaultBase
	}
	if maxDelay <= 0 {
		maxDelay = MaxDelay
	}
	switch policy {
	case model.RetryFixedInterval:
		return base
	case model.RetryExpBackoff:
		shift := max(0, n-1)
		// Past 2^20 the product is over any sane cap; avoid overflow.
		if shift > 20 {
			return maxDelay
		}
		return min(base*time.Duration(int64(1)<<shift), maxDelay)
	default:
		return 0
	}
}
