// Package backoff is the single retry component used for every outbound
// call that may be retried: provider HTTP requests and notification
// delivery. Policies parameterize base delay, growth factor, jitter, cap and
// attempt budget; a provider-suggested delay (Retry-After) overrides the
// computed one.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy describes one retry schedule.
type Policy struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// Factor multiplies the delay after each retry.
	Factor float64
	// Jitter is the symmetric random fraction applied to each delay,
	// e.g. 0.25 for ±25 %.
	Jitter float64
	// MaxDelay caps every computed delay.
	MaxDelay time.Duration
	// MaxAttempts is the total attempt budget, including the first call.
	MaxAttempts int
}

// Default returns the provider retry schedule: 250 ms base, factor 2,
// ±25 % jitter, 8 s cap, 3 attempts.
func Default() Policy {
	return Policy{
		BaseDelay:   250 * time.Millisecond,
		Factor:      2,
		Jitter:      0.25,
		MaxDelay:    8 * time.Second,
		MaxAttempts: 3,
	}
}

// Delay computes the jittered delay before the given retry (1-based).
func (p Policy) Delay(retry int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < retry; i++ {
		d *= p.Factor
	}
	if p.Jitter > 0 {
		d *= 1 + (rand.Float64()*2-1)*p.Jitter
	}
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// RetryableError marks an operation failure as transient. A non-zero After
// carries the provider's own Retry-After and overrides the computed delay.
type RetryableError struct {
	Err   error
	After time.Duration
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Retryable wraps err so Retry schedules another attempt.
func Retryable(err error) error {
	return &RetryableError{Err: err}
}

// RetryableAfter wraps err with an explicit provider-requested delay.
func RetryableAfter(err error, after time.Duration) error {
	return &RetryableError{Err: err, After: after}
}

// ExhaustedError reports that the attempt budget ran out. Last holds the
// final transient failure.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Retry runs op until it succeeds, returns a non-retryable error, exhausts
// the policy's attempt budget, or ctx is done. Only errors wrapped with
// Retryable/RetryableAfter trigger another attempt.
func Retry(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		var re *RetryableError
		if !errors.As(err, &re) {
			return err
		}
		last = re.Err

		if attempt == p.MaxAttempts {
			break
		}

		delay := p.Delay(attempt)
		if re.After > 0 {
			delay = re.After
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return &ExhaustedError{Attempts: p.MaxAttempts, Last: last}
}
