// Package backoff provides jittered exponential backoff for retry loops.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrAttemptsExhausted is returned when every retry attempt has failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Policy defines an exponential backoff curve.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor multiplies the delay after each attempt.
	Factor float64
	// Jitter is the randomization fraction in [0,1] added to each delay.
	Jitter float64
}

// Default returns the policy used for transient failures: 100ms initial,
// 30s cap, doubling, 10% jitter.
func Default() Policy {
	return Policy{Initial: 100 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: 0.1}
}

// Delay computes the delay that follows the given 1-indexed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter needs no crypto randomness
}

// delayWithRand is the deterministic core of Delay, split out for tests.
func (p Policy) delayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * randomValue
	total := math.Min(float64(p.Max), base+jitter)
	return time.Duration(total)
}

// Sleep waits out the delay for the given attempt, returning early with the
// context's error if it is cancelled.
func Sleep(ctx context.Context, p Policy, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs fn up to maxAttempts times, sleeping per the policy between
// failures. It returns nil on the first success, the context error on
// cancellation, or ErrAttemptsExhausted wrapping the last failure.
func Retry(ctx context.Context, p Policy, maxAttempts int, fn func(attempt int) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(attempt); lastErr == nil {
			return nil
		}
		if attempt < maxAttempts {
			if err := Sleep(ctx, p, attempt); err != nil {
				return err
			}
		}
	}
	return errors.Join(ErrAttemptsExhausted, lastErr)
}
