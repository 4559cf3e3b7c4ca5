// Package retry runs short-lived side effects, webhook deliveries mostly,
// with capped exponential backoff.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy caps how often and for how long Do keeps trying.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy suits outbound notification delivery: three tries within a
// few seconds.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    2 * time.Second,
}

// Do runs fn until it succeeds, retryable rejects the error, the attempts
// run out, or ctx is done. The delay doubles per attempt up to MaxDelay,
// with up to 50% jitter so concurrent deliveries spread out.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func() error) error {
	delay := p.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil || !retryable(err) {
			return err
		}
		if attempt >= p.MaxAttempts {
			return err
		}
		jitter := time.Duration(rand.Int63n(int64(delay/2) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay = min(delay*2, p.MaxDelay)
	}
}
