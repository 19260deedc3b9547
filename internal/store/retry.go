package store

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
)

// MaxAttempts caps RetryPolicy.Attempts.
const MaxAttempts = 10

// RetryPolicy retries retryable durable failures with exponential backoff:
// the n-th wait is Unit*2^(n-1), capped at MaxDelay.
type RetryPolicy struct {
	Attempts int
	Unit     time.Duration
	MaxDelay time.Duration
	Clock    clock.Clock
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 8,
		Unit:     50 * time.Millisecond,
		MaxDelay: 5 * time.Second,
		Clock:    clock.WallClock,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Attempts > MaxAttempts {
		p.Attempts = MaxAttempts
	}
	if p.Unit <= 0 {
		p.Unit = time.Millisecond
	}
	if p.MaxDelay < p.Unit {
		p.MaxDelay = p.Unit
	}
	if p.Clock == nil {
		p.Clock = clock.WallClock
	}
	return p
}

// Do runs fn until it succeeds, fails with a non-retryable error, the attempts
// are spent or ctx is done. notify is called after every retryable failure.
func (p RetryPolicy) Do(ctx context.Context, fn func() error, notify func(err error, attempt int)) error {
	p = p.normalized()
	err := retry.Call(retry.CallArgs{
		Func: fn,
		IsFatalError: func(err error) bool {
			return !IsRetryable(err)
		},
		NotifyFunc: func(err error, attempt int) {
			if notify != nil {
				notify(err, attempt)
			}
		},
		Attempts:    p.Attempts,
		Delay:       p.Unit,
		MaxDelay:    p.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       p.Clock,
		Stop:        ctx.Done(),
	})
	switch {
	case err == nil:
		return nil
	case retry.IsAttemptsExceeded(err):
		return fmt.Errorf("gave up after %d attempts: %w", p.Attempts, retry.LastError(err))
	case retry.IsRetryStopped(err):
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return retry.LastError(err)
	}
	return err
}
