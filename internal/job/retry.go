package job

import "time"

// RetryDecision is the outcome of applying the retry policy to a failure.
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

// RetryPolicy decides whether a failed job is retried, when, and when it is
// abandoned. It is a pure function of (attempts, max_attempts, failure kind).
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy uses a 30s exponential base capped at 10 minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay: 30 * time.Second,
		MaxDelay:  10 * time.Minute,
	}
}

// Decide returns the retry decision for a job that has just failed its
// attempts-th attempt. Permanent failures are never retried. Transient
// failures back off exponentially (base * 2^attempts, capped) until the
// attempt budget is spent.
func (p RetryPolicy) Decide(attempts, maxAttempts int, kind FailureKind) RetryDecision {
	if kind == FailurePermanent {
		return RetryDecision{Retry: false}
	}
	if attempts >= maxAttempts {
		return RetryDecision{Retry: false}
	}
	return RetryDecision{Retry: true, Delay: p.Backoff(attempts)}
}

// Backoff returns the capped exponential delay before attempt n+1.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
