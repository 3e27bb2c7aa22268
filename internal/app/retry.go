package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cimillas/stockroom/internal/domain"
)

const (
	defaultMaxConflictRetries = 5
	defaultRetryInitial       = 5 * time.Millisecond
	defaultRetryMax           = 200 * time.Millisecond
)

// conflictRetrier re-runs an operation that lost an optimistic race, with
// exponential backoff and jitter, up to maxRetries extra attempts.
type conflictRetrier struct {
	maxRetries int
	initial    time.Duration
	max        time.Duration
	onConflict func()
}

func (r conflictRetrier) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.initial
	eb.MaxInterval = r.max
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.5
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.maxRetries)), ctx)
}

// do runs op until it returns something other than domain.ErrConflict.
// Exhausting the budget yields domain.ErrContention.
func (r conflictRetrier) do(ctx context.Context, op func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrConflict) {
			if r.onConflict != nil {
				r.onConflict()
			}
			return err
		}
		return backoff.Permanent(err)
	}, r.newBackOff(ctx))
	if err != nil && errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("%w after %d attempts", domain.ErrContention, attempts)
	}
	return err
}
