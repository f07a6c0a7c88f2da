// SPDX-License-Identifier: MIT

package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/arbiterhq/arbiter/internal/metrics"
)

// Jitter is bounded at ±20% of the computed backoff. The curve is
// base * 2^(attempt-1), capped at maxBackoff.
const jitterFraction = 0.2

const maxBackoff = 10 * time.Second

// RetryResult reports what a retried call did.
type RetryResult struct {
	Attempts int
	Class    FailureClass
	Err      error
}

// Retry runs fn under the per-class retry table: the first failure is
// classified, and only that class's policy governs whether and how often the
// call is retried. Non-retryable classes return immediately.
func Retry(ctx context.Context, fn func() error) RetryResult {
	var lastErr error
	var class FailureClass

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return RetryResult{Attempts: attempts, Class: ClassTimeout, Err: ctx.Err()}
		default:
		}

		attempts++
		lastErr = fn()
		if lastErr == nil {
			return RetryResult{Attempts: attempts}
		}

		class = Classify(lastErr)
		policy := PolicyFor(class)
		if !policy.Retryable || attempts > policy.MaxRetries {
			return RetryResult{Attempts: attempts, Class: class, Err: lastErr}
		}

		metrics.RecordRetry(string(class))
		delay := backoffDelay(policy.BackoffBase, attempts)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return RetryResult{Attempts: attempts, Class: ClassTimeout, Err: ctx.Err()}
		case <-timer.C:
		}
	}
}

// backoffDelay computes base * 2^(attempt-1) with ±20% uniform jitter.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	delay := base << (attempt - 1)
	if delay > maxBackoff {
		delay = maxBackoff
	}
	jitter := 1 + jitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * jitter)
}

// ExhaustedError marks a call whose retries ran out.
type ExhaustedError struct {
	Class    FailureClass
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts (%s): %v", e.Attempts, e.Class, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }
