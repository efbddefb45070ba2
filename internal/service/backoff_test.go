package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelay(t *testing.T) {
	base, capDelay := time.Second, 30*time.Second

	tests := []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{attempt: 1, min: 500 * time.Millisecond, max: 1500 * time.Millisecond},
		{attempt: 2, min: time.Second, max: 3 * time.Second},
		{attempt: 3, min: 2 * time.Second, max: 6 * time.Second},
		{attempt: 20, min: 15 * time.Second, max: capDelay},
	}

	for _, tt := range tests {
		for range 20 {
			d := retryDelay(base, capDelay, tt.attempt)
			assert.GreaterOrEqual(t, d, tt.min, "attempt %d", tt.attempt)
			assert.LessOrEqual(t, d, tt.max, "attempt %d", tt.attempt)
		}
	}
}

func TestNextDelay_NeverExceedsCap(t *testing.T) {
	base, capDelay := time.Second, 4*time.Second
	b := newExponentialBackOff(base, capDelay)

	for range 50 {
		assert.LessOrEqual(t, nextDelay(b, capDelay), capDelay)
	}
}
