// Package retry runs fallible operations with bounded attempts and
// exponential backoff.
//
// Only errors classified as retryable by domain.IsRetryable are retried.
// Every other error, including context cancellation, ends the loop at once.
//
// # Usage
//
//	p := retry.Policy{MaxAttempts: 6, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
//	err := p.Do(ctx, func(ctx context.Context, attempt int) error {
//	    return fetchOnce(ctx)
//	})
package retry

import (
	"context"
	"time"

	"github.com/val-en-tine124/cliant/internal/domain"
)

// Policy describes how an operation is retried. The zero value runs the
// operation once.
type Policy struct {
	// MaxAttempts is the total number of attempts. Values below 1 mean 1.
	MaxAttempts int

	// BaseDelay is the wait after the first failed attempt. It doubles after
	// every further failure.
	BaseDelay time.Duration

	// MaxDelay caps the wait. Zero means no cap.
	MaxDelay time.Duration

	// OnRetry, if set, is called before waiting for the next attempt.
	// attempt is the 1-indexed attempt that just failed.
	OnRetry func(attempt int, delay time.Duration, err error)

	// Classify overrides domain.IsRetryable.
	Classify func(error) bool
}

// Op is a retried operation. attempt is 1-indexed.
type Op func(ctx context.Context, attempt int) error

// Do runs op until it succeeds, fails with a fatal error or the attempt
// budget is spent. Exhaustion returns *domain.RetriesExhausted wrapping the
// last error.
func (p Policy) Do(ctx context.Context, op Op) error {
	attempts := max(p.MaxAttempts, 1)
	classify := p.Classify
	if classify == nil {
		classify = domain.IsRetryable
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !classify(err) {
			return err
		}
		if attempt >= attempts {
			return &domain.RetriesExhausted{Attempts: attempt, Last: err}
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Delay returns the wait after failed attempt n (1-indexed):
// BaseDelay * 2^(n-1), capped at MaxDelay.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}

	d := p.BaseDelay
	for i := 1; i < n; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		// overflow guard
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
