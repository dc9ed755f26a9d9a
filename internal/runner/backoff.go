// Package runner drives the worker/triage/review subprocess stages for a
// single plan tick, and carries a retry/backoff schedule for
// per-TODO-index agent invocation retries.
package runner

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy is a capped exponential backoff schedule, with up to 10%
// jitter, for retrying a failed stage invocation for one TODO index
// (spec.md §4.3, §7). Neither Runner nor the dispatcher applies it; the
// dispatcher counts TODO retries in PlanState.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
}

// DefaultRetryPolicy is the out-of-the-box policy for worker/triage/review
// stage retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		InitialDelay:  30 * time.Second,
		BackoffFactor: 2.0,
		MaxDelay:      10 * time.Minute,
	}
}

// NextDelay returns the delay before retry number attempt+1, and whether
// a retry is permitted at all.
func (p RetryPolicy) NextDelay(attempt int) (delay time.Duration, shouldRetry bool) {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= p.MaxRetries {
		return 0, false
	}
	return backoffWithJitter(attempt+1, p.InitialDelay, p.MaxDelay, p.BackoffFactor), true
}

func backoffWithJitter(retries int, base, maxDelay time.Duration, factor float64) time.Duration {
	if retries <= 0 || base <= 0 {
		return 0
	}
	if factor < 1.0 {
		factor = 1.0
	}

	backoff := float64(base) * math.Pow(factor, float64(retries-1))
	if math.IsNaN(backoff) || math.IsInf(backoff, 0) {
		backoff = float64(maxDelay)
	}
	if maxDelay > 0 && backoff > float64(maxDelay) {
		backoff = float64(maxDelay)
	}
	if backoff < float64(base) {
		backoff = float64(base)
	}

	jitter := 1.0 + rand.Float64()*0.1
	return time.Duration(backoff * jitter)
}

// ShouldRetryNow reports whether enough time has elapsed since the last
// attempt for the given retry count to fire again.
func (p RetryPolicy) ShouldRetryNow(lastAttempt time.Time, attempt int) bool {
	delay, ok := p.NextDelay(attempt)
	if !ok {
		return false
	}
	return time.Since(lastAttempt) >= delay
}
