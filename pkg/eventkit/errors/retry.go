// Package errors provides retry policies and failure classification for
// event processing.
//
// Retry handles transient failures with exponential backoff and jitter.
// A policy names the errors it considers retryable; anything else
// propagates immediately. Exhausting a policy yields an ExhaustedError,
// the terminal signal that moves an event to the dead letter queue.
package errors

import (
	"context"
	"fmt"
	"math/rand/v2"
	"reflect"
	"strings"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	// MaxRetries of 2 means at most 3 invocations.
	MaxRetries int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the computed delay.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied per attempt.
	BackoffFactor float64

	// Jitter is the random jitter fraction added to each delay (0.0-1.0).
	Jitter float64

	// RetryableErrors lists error type names or message fragments that
	// qualify for retry. Empty means every error is retryable.
	RetryableErrors []string

	// RetryableFunc optionally overrides the RetryableErrors check.
	RetryableFunc func(error) bool
}

// DefaultRetry is the standard retry configuration.
var DefaultRetry = RetryConfig{
	MaxRetries:     3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     30 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// NoRetry disables retries.
var NoRetry = RetryConfig{MaxRetries: 0}

// Enabled reports whether the policy allows any retries.
func (c RetryConfig) Enabled() bool {
	return c.MaxRetries > 0
}

// Retryable reports whether err qualifies for retry under this policy.
// Matching is by error type name or message substring, case-insensitive.
func (c RetryConfig) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if c.RetryableFunc != nil {
		return c.RetryableFunc(err)
	}
	if len(c.RetryableErrors) == 0 {
		return true
	}

	msg := strings.ToLower(err.Error())
	typeName := strings.ToLower(errorTypeName(err))
	for _, pattern := range c.RetryableErrors {
		p := strings.ToLower(pattern)
		if strings.Contains(msg, p) || typeName == p {
			return true
		}
	}
	return false
}

// errorTypeName returns the bare type name of err, without package path
// or pointer marker.
func errorTypeName(err error) string {
	t := reflect.TypeOf(err)
	if t == nil {
		return ""
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

// Delay returns the backoff delay for the given zero-based retry attempt:
// min(initial * factor^attempt, max) plus random jitter.
func (c RetryConfig) Delay(attempt int) time.Duration {
	return BackoffDelay(c.InitialBackoff, c.MaxBackoff, c.BackoffFactor, c.Jitter, attempt)
}

// BackoffDelay computes min(initial * factor^attempt, max) with a random
// jitter of up to jitter*delay added on top.
func BackoffDelay(initial, max time.Duration, factor, jitter float64, attempt int) time.Duration {
	if initial <= 0 {
		return 0
	}
	if factor <= 0 {
		factor = 1
	}

	delay := float64(initial)
	for i := 0; i < attempt; i++ {
		delay *= factor
		if max > 0 && delay >= float64(max) {
			delay = float64(max)
			break
		}
	}
	if max > 0 && delay > float64(max) {
		delay = float64(max)
	}

	if jitter > 0 {
		delay += delay * jitter * rand.Float64()
	}
	return time.Duration(delay)
}

// ExhaustedError is the terminal failure produced when a retry policy
// runs out of attempts. The bus reacts to it by dead-lettering the event.
type ExhaustedError struct {
	Err      error
	Attempts int
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// RetryResult contains the result of a retry operation.
type RetryResult[T any] struct {
	// Value is the result if successful.
	Value T

	// Err is the final error if all attempts failed. An *ExhaustedError
	// when the policy ran out, the original error when non-retryable.
	Err error

	// Attempts is the number of invocations made.
	Attempts int

	// Duration is the total time spent including backoff.
	Duration time.Duration
}

// WithRetry executes fn with retries based on the configuration.
func WithRetry[T any](cfg RetryConfig, fn func() (T, error)) RetryResult[T] {
	return WithRetryContext(context.Background(), cfg, func(_ context.Context) (T, error) {
		return fn()
	})
}

// WithRetryContext executes fn with retries, respecting context
// cancellation during backoff.
func WithRetryContext[T any](
	ctx context.Context,
	cfg RetryConfig,
	fn func(context.Context) (T, error),
) RetryResult[T] {
	start := time.Now()
	maxAttempts := cfg.MaxRetries + 1
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return RetryResult[T]{Err: err, Attempts: attempt, Duration: time.Since(start)}
		}

		result, err := fn(ctx)
		if err == nil {
			return RetryResult[T]{Value: result, Attempts: attempt + 1, Duration: time.Since(start)}
		}

		lastErr = err

		if !cfg.Retryable(err) {
			return RetryResult[T]{Err: err, Attempts: attempt + 1, Duration: time.Since(start)}
		}

		// Don't sleep after the last attempt.
		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return RetryResult[T]{Err: ctx.Err(), Attempts: attempt + 1, Duration: time.Since(start)}
			case <-time.After(cfg.Delay(attempt)):
			}
		}
	}

	return RetryResult[T]{
		Err:      &ExhaustedError{Err: lastErr, Attempts: maxAttempts},
		Attempts: maxAttempts,
		Duration: time.Since(start),
	}
}
