package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	backoffMultiplier   = 2
	backoffRandomFactor = 0.5
)

func newExponentialBackOff(base, maxDelay time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = maxDelay
	b.Multiplier = backoffMultiplier
	b.RandomizationFactor = backoffRandomFactor
	b.Reset()

	return b
}

// nextDelay draws the next jittered delay from b, never exceeding maxDelay.
func nextDelay(b *backoff.ExponentialBackOff, maxDelay time.Duration) time.Duration {
	return min(b.NextBackOff(), maxDelay)
}

// retryDelay is the jittered delay before attempt+1, doubling from base and
// never exceeding maxDelay.
func retryDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	b := newExponentialBackOff(base, maxDelay)

	d := base
	for range max(attempt, 1) {
		d = nextDelay(b, maxDelay)
	}

	return d
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
