package roadspeed

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is number of attempts and pause schedule between them
type RetryPolicy struct {
	MaxAttempts int
	// Backoff builds fresh pause schedule for single request. Nil means no pause
	Backoff func() backoff.BackOff
}

// DefaultRetryPolicy is 3 attempts with exponential backoff 2s, 4s, ... capped at 30s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     ExponentialBackoff(2*time.Second, 30*time.Second),
	}
}

// ExponentialBackoff doubles base pause on every attempt up to maximum. No jitter: engine adds random delay itself
func ExponentialBackoff(base, maximum time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		exponential := &backoff.ExponentialBackOff{
			InitialInterval:     base,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         maximum,
			MaxElapsedTime:      0,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		}
		exponential.Reset()
		return exponential
	}
}

func (policy RetryPolicy) attempts() int {
	if policy.MaxAttempts < 1 {
		return 1
	}
	return policy.MaxAttempts
}

// schedule returns pauses between attempts. It yields backoff.Stop once attempts are exhausted
func (policy RetryPolicy) schedule() backoff.BackOff {
	var pauses backoff.BackOff = &backoff.ZeroBackOff{}
	if policy.Backoff != nil {
		pauses = policy.Backoff()
	}
	return backoff.WithMaxRetries(pauses, uint64(policy.attempts()-1))
}
