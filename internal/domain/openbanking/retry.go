package openbanking

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy describes exponential backoff between attempts.
type RetryPolicy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	MaxAttempts     int
}

// DefaultRefreshPolicy is used for token refreshes and revoke calls.
var DefaultRefreshPolicy = RetryPolicy{
	InitialInterval: time.Second,
	Multiplier:      2,
	MaxInterval:     30 * time.Second,
	MaxAttempts:     3,
}

// DefaultStagePolicy allows a sync stage three retries after the first try.
var DefaultStagePolicy = RetryPolicy{
	InitialInterval: time.Second,
	Multiplier:      2,
	MaxInterval:     time.Minute,
	MaxAttempts:     4,
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.Multiplier = p.Multiplier
	if eb.Multiplier < 1 {
		eb.Multiplier = 1
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Retry calls op until it succeeds, returns a non-temporary error, the policy
// runs out of attempts or ctx is done. op receives the 1-based attempt number.
// The error from the last attempt is returned unchanged.
func Retry(ctx context.Context, p RetryPolicy, op func(attempt int) error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op(attempt)
		if err != nil && !IsTemporary(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx))
}
