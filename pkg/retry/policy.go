// Package retry provides bounded retry with exponential backoff, jitter and a
// per-attempt deadline for calls into external resources.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	commonerrors "github.com/filesaga/platform/pkg/errors"
)

// Policy defines retry behavior for one adapter call.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// Timeout bounds every single attempt. Zero means the caller's context only.
	Timeout time.Duration

	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Multiplier is the backoff multiplier applied after each retry.
	Multiplier float64

	// Jitter is a random factor (0-1) applied to the delay.
	Jitter float64
}

// Default returns 3 attempts, 30s per attempt, 200ms initial delay, 5s max, 2x, 20% jitter.
func Default() *Policy {
	return &Policy{
		MaxAttempts:  3,
		Timeout:      30 * time.Second,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// NoRetry returns a policy that makes exactly one attempt.
func NoRetry() *Policy {
	return &Policy{MaxAttempts: 1, Multiplier: 1.0}
}

// NextDelay calculates the delay before retry number attempt (1-indexed).
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt-1)))

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		// range [1-jitter, 1+jitter]
		jitterFactor := 1 - p.Jitter + 2*p.Jitter*rand.Float64()
		delay = time.Duration(float64(delay) * jitterFactor)
	}

	return delay
}

// ShouldRetry reports whether another attempt should follow the failed attempt.
func (p *Policy) ShouldRetry(attempt int, err error) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// ErrTimeout is returned (wrapped) when an attempt exceeds Policy.Timeout.
var ErrTimeout = commonerrors.New(commonerrors.CodeTimeout, "attempt deadline exceeded")

// Do runs fn until it succeeds, the policy gives up, or ctx ends.
// A per-attempt deadline overrun is reported as ErrTimeout so callers can
// treat it like any other adapter failure.
func Do(ctx context.Context, p *Policy, fn func(ctx context.Context) error) error {
	if p == nil {
		p = NoRetry()
	}

	for attempt := 1; ; attempt++ {
		err := runAttempt(ctx, p.Timeout, fn)
		if err == nil {
			return nil
		}
		if !p.ShouldRetry(attempt, err) {
			var perm *permanentError
			if errors.As(err, &perm) {
				return perm.err
			}
			return err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry aborted after %d attempts: %w", attempt, err)
		case <-time.After(p.NextDelay(attempt)):
		}
	}
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(attemptCtx)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, err)
	}
	return err
}
