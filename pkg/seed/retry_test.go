package seed

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
)

func TestDefaultRetryPolicy_NeverStops(t *testing.T) {
	b := DefaultRetryPolicy().NewBackOff()
	for i := 0; i < 1000; i++ {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			t.Fatalf("default policy stopped after %d attempts", i)
		}
		assert.Equal(t, time.Second, wait)
	}
}

func TestRetryPolicy_ExponentialCapsAtMaxInterval(t *testing.T) {
	b := RetryPolicy{
		Interval:    100 * time.Millisecond,
		MaxInterval: time.Second,
		Multiplier:  2,
	}.NewBackOff()

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.NextBackOff(), "attempt %d", i+1)
	}
}

func TestRetryPolicy_ZeroIntervalFallsBack(t *testing.T) {
	b := RetryPolicy{}.NewBackOff()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestRetryPolicy_MaxIntervalBelowInterval(t *testing.T) {
	b := RetryPolicy{Interval: 2 * time.Second, MaxInterval: time.Second, Multiplier: 3}.NewBackOff()
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	assert.Equal(t, 2*time.Second, b.NextBackOff())
}
