// Package retry provides the bounded exponential-backoff policy used around
// every outbound call, and the error taxonomy that drives it.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrRateLimited marks an upstream rate-limit response. Callers test for it
// with errors.Is after retries are exhausted.
var ErrRateLimited = errors.New("rate limited")

// RateLimitError carries an optional server-provided wait hint.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited (retry after %v): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited (retry after %v)", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Policy is a retry ceiling plus an exponential delay schedule.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Jitter is the randomization factor in [0, 1).
	Jitter float64
	// AttemptTimeout bounds each attempt when positive.
	AttemptTimeout time.Duration
	// MaxRetryAfter caps server-provided wait hints.
	MaxRetryAfter time.Duration
	// OnRetry is called before each wait.
	OnRetry func(err error, wait time.Duration)
}

// DefaultPolicy is three attempts starting at two seconds and doubling.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		BaseDelay:     2 * time.Second,
		Multiplier:    2,
		MaxDelay:      30 * time.Second,
		Jitter:        0.1,
		MaxRetryAfter: 60 * time.Second,
	}
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	return b
}

// hintedBackOff lets a RateLimitError stretch the next wait.
type hintedBackOff struct {
	inner backoff.BackOff
	hint  time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	d := h.inner.NextBackOff()
	if h.hint > d {
		d = h.hint
	}
	h.hint = 0
	return d
}

func (h *hintedBackOff) Reset() {
	h.inner.Reset()
	h.hint = 0
}

// Do runs op until it succeeds, returns a permanent error, the attempt
// ceiling is reached or ctx is done. The last error is returned unwrapped.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := &hintedBackOff{inner: p.backOff()}

	attempt := func() (T, error) {
		actx, cancel := ctx, context.CancelFunc(func() {})
		if p.AttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		defer cancel()

		res, err := op(actx)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return res, backoff.Permanent(err)
		}

		var rl *RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			hint := rl.RetryAfter
			if p.MaxRetryAfter > 0 && hint > p.MaxRetryAfter {
				hint = p.MaxRetryAfter
			}
			b.hint = hint
		}
		return res, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			p.OnRetry(err, wait)
		}))
	}

	return backoff.Retry(ctx, attempt, opts...)
}
