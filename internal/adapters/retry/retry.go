// Package retry provides the single backoff-retry helper shared by every
// network-calling adapter method.
package retry

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// Policy parameterizes a bounded retry loop: attempt count plus a
// predicate deciding which errors are worth retrying.
type Policy struct {
	Attempts  int              // Total attempts, including the first
	MinDelay  time.Duration    // First backoff delay
	MaxDelay  time.Duration    // Ceiling for the backoff
	Retryable func(error) bool // nil means retry everything
}

// DefaultPolicy matches the adapter contract for market-data reads:
// 3 attempts with 1s, 2s, 4s exponential backoff.
func DefaultPolicy(retryable func(error) bool) Policy {
	return Policy{
		Attempts:  3,
		MinDelay:  time.Second,
		MaxDelay:  30 * time.Second,
		Retryable: retryable,
	}
}

// Do runs fn until it succeeds, the attempts are exhausted, or an
// error the policy classes as non-retryable occurs. The last error is
// returned unwrapped so callers can still match sentinels.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	b := &backoff.Backoff{
		Min:    p.MinDelay,
		Max:    p.MaxDelay,
		Factor: 2,
	}

	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == p.Attempts-1 {
			break
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
