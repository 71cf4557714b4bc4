// Package retry retries idempotent work with capped exponential backoff.
//
// It is used for persistence writes that follow a confirmed chain
// transaction. It must never wrap a state-changing chain call.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Permanent wraps err so that Do returns it without retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration // 0 = uncapped
}

// Persist is the policy for database writes after chain confirmation.
var Persist = Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}

// backOff builds the schedule: BaseDelay doubling per failure with +-25%
// jitter, capped at MaxDelay, for at most MaxAttempts calls.
func (p Policy) backOff(ctx context.Context) backoff.BackOffContext {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Do calls fn until it succeeds, returns an error wrapped with Permanent,
// the attempts run out, or ctx is done. attempt starts at 1.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		return fn(attempt)
	}, p.backOff(ctx))
}
