// Package retry implements the bounded retry executor every remote call in
// ladpipe goes through. It retries only failures the transport adapter has
// classified as transient, sleeping an exponentially growing, capped delay
// between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ladpipe/ladpipe/pkg/awsx"
)

// Policy configures bounded retry. It is a value, not mutable state; the
// executor keeps its attempt bookkeeping per invocation.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialDelay is the sleep before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the sleep between attempts.
	MaxDelay time.Duration

	// Multiplier grows the delay after each retry.
	Multiplier float64
}

// DefaultPolicy returns the policy used for all remote calls unless
// overridden in configuration.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Validate checks the policy for usable values.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry: max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("retry: delays must be non-negative")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("retry: multiplier must be at least 1, got %g", p.Multiplier)
	}
	return nil
}

// Delay returns the sleep before the nth retry (1-based):
// min(InitialDelay * Multiplier^(n-1), MaxDelay).
func (p Policy) Delay(retryNum int) time.Duration {
	if retryNum < 1 {
		return 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(retryNum-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Executor runs operations under a Policy. It is pure control flow: it
// knows nothing about what the wrapped operation does, only how the
// transport adapter classified its failure.
type Executor struct {
	policy  Policy
	sleep   func(ctx context.Context, d time.Duration) error
	onRetry func(attempt int, delay time.Duration, err error)
}

// Option customizes an Executor.
type Option func(*Executor)

// WithSleep replaces the sleep function, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithOnRetry installs a callback invoked before each retry sleep, for
// logging and metrics.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(e *Executor) { e.onRetry = fn }
}

// NewExecutor creates an executor for the given policy.
func NewExecutor(policy Policy, opts ...Option) *Executor {
	e := &Executor{policy: policy, sleep: sleepCtx}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Do runs op until it succeeds, fails fatally, or the attempt budget is
// exhausted. Only transient-classified failures are retried; a fatal
// failure returns immediately after a single attempt. When the budget runs
// out the last transient error is surfaced as fatal.
func Do[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if !awsx.IsTransient(err) {
			return zero, err
		}
		lastErr = err

		if attempt == e.policy.MaxAttempts {
			break
		}

		delay := e.policy.Delay(attempt)
		if e.onRetry != nil {
			e.onRetry(attempt, delay, err)
		}
		if err := e.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	return zero, exhausted(e.policy.MaxAttempts, lastErr)
}

// exhausted re-classifies the last transient error as fatal_remote: the
// budget is gone, so downstream must not treat the failure as retryable.
// Op and Code survive from the underlying classification.
func exhausted(attempts int, lastErr error) error {
	re := &awsx.RemoteError{
		Kind: awsx.KindFatalRemote,
		Err:  fmt.Errorf("retry budget exhausted after %d attempts: %w", attempts, lastErr),
	}
	var last *awsx.RemoteError
	if errors.As(lastErr, &last) {
		re.Op = last.Op
		re.Code = last.Code
	}
	return re
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
