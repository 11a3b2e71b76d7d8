package seed

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy controls the wait between join attempts.
// The zero MaxAttempts keeps retrying forever.
type RetryPolicy struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultRetryPolicy waits a fixed second between attempts and never gives up.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Interval:    time.Second,
		MaxInterval: time.Second,
		Multiplier:  1,
	}
}

// NewBackOff returns a fresh wait sequence. It never yields backoff.Stop;
// attempt limits are enforced by the join loop.
func (p RetryPolicy) NewBackOff() backoff.BackOff {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}
	if p.Multiplier <= 1 {
		return backoff.NewConstantBackOff(interval)
	}

	maxInterval := p.MaxInterval
	if maxInterval < interval {
		maxInterval = interval
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.Multiplier = p.Multiplier
	b.MaxInterval = maxInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
