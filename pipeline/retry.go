package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ruteri/credential-registry/interfaces"
)

// RetryPolicy is the single place where transient failures are retried.
// Attempts back off exponentially with jitter.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
}

func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
		Jitter:          0.5,
	}
}

// Permanent wraps err so Do returns it without further attempts.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func (p *RetryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.InitialInterval),
		backoff.WithMaxInterval(p.MaxInterval),
		backoff.WithMultiplier(p.Multiplier),
		backoff.WithRandomizationFactor(p.Jitter),
		backoff.WithMaxElapsedTime(0),
	)
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Do calls op until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx ends. Ledger rejections, divergence and validation
// failures are never retried.
func (p *RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	return backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		switch interfaces.KindOf(err) {
		case interfaces.KindLedgerRejected, interfaces.KindLedgerDiverged, interfaces.KindValidation:
			return backoff.Permanent(err)
		}
		return err
	}, p.newBackOff(ctx))
}

// RetryValue is Do for operations producing a value.
func RetryValue[T any](ctx context.Context, p *RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
