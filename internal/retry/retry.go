// Package retry runs an operation again with jittered exponential backoff
// until it succeeds, fails permanently, or runs out of attempts.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError wraps an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not retryable. Do returns the wrapped error as is.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Policy bounds how an operation is retried.
type Policy struct {
	Attempts  int           // total tries, at least 1
	BaseDelay time.Duration // sleep before the second try; doubles each time
	MaxDelay  time.Duration // cap on a single sleep, 0 for none

	// OnRetry, if set, is called with the failed attempt number (from 1) and
	// its error before sleeping.
	OnRetry func(attempt int, err error)
}

// Do calls fn until it returns nil or a permanent error, the attempts are
// used up, or ctx is done. It returns the last error.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt >= attempts {
			return err
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(delay)):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

// Do retries fn with the given attempts and base delay and no cap.
func Do(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	return Policy{Attempts: attempts, BaseDelay: baseDelay}.Do(ctx, fn)
}

// jitter spreads d over [0.75d, 1.25d].
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := int64(d / 4)
	if spread == 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread+1))
}
