package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/smithy-go"

	"github.com/ladpipe/ladpipe/pkg/awsx"
)

func throttled() error {
	return &smithy.GenericAPIError{Code: "ThrottlingException", Message: "Rate exceeded"}
}

func noSleep(recorded *[]time.Duration) func(ctx context.Context, d time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*recorded = append(*recorded, d)
		return nil
	}
}

func TestDelayGrowsAndCaps(t *testing.T) {
	p := Policy{
		MaxAttempts:  10,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second,
	}
	for i, want := range expected {
		if got := p.Delay(i + 1); got != want {
			t.Errorf("Delay(%d) = %s, want %s", i+1, got, want)
		}
	}
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	var delays []time.Duration
	e := NewExecutor(Policy{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2.0},
		WithSleep(noSleep(&delays)))

	calls := 0
	result, err := Do(context.Background(), e, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", awsx.Classify("test.Op", throttled())
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %q, want ok", result)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Errorf("delays = %v, want [1s 2s]", delays)
	}
}

func TestDoFatalReturnsImmediately(t *testing.T) {
	var delays []time.Duration
	e := NewExecutor(DefaultPolicy(), WithSleep(noSleep(&delays)))

	calls := 0
	fatal := errors.New("access denied")
	_, err := Do(context.Background(), e, func(ctx context.Context) (int, error) {
		calls++
		return 0, awsx.Classify("test.Op", fatal)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(delays) != 0 {
		t.Errorf("fatal error should not sleep, got delays %v", delays)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	var delays []time.Duration
	e := NewExecutor(Policy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2.0},
		WithSleep(noSleep(&delays)))

	calls := 0
	_, err := Do(context.Background(), e, func(ctx context.Context) (int, error) {
		calls++
		return 0, awsx.Classify("test.Op", throttled())
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	// Sleeps happen between attempts, not after the last one
	if len(delays) != 2 {
		t.Errorf("delays = %v, want 2 entries", delays)
	}
	if awsx.IsTransient(err) {
		t.Error("exhausted budget must surface as fatal")
	}
}

func TestDoExhaustedErrorReclassifiedFatal(t *testing.T) {
	var delays []time.Duration
	e := NewExecutor(Policy{MaxAttempts: 2, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 1.0},
		WithSleep(noSleep(&delays)))

	_, err := Do(context.Background(), e, func(ctx context.Context) (int, error) {
		return 0, awsx.Classify("test.Op", throttled())
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := awsx.KindOf(err); got != awsx.KindFatalRemote {
		t.Errorf("kind = %s, want %s", got, awsx.KindFatalRemote)
	}

	// Op and Code from the last attempt survive re-classification.
	var re *awsx.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected RemoteError, got %T", err)
	}
	if re.Op != "test.Op" || re.Code != "ThrottlingException" {
		t.Errorf("op = %q code = %q", re.Op, re.Code)
	}
	if !strings.Contains(err.Error(), "retry budget exhausted after 2 attempts") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestDoOnRetryCallback(t *testing.T) {
	var attempts []int
	e := NewExecutor(Policy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 1.0},
		WithSleep(func(ctx context.Context, d time.Duration) error { return nil }),
		WithOnRetry(func(attempt int, delay time.Duration, err error) {
			attempts = append(attempts, attempt)
		}))

	_, _ = Do(context.Background(), e, func(ctx context.Context) (int, error) {
		return 0, awsx.Classify("test.Op", throttled())
	})
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("onRetry attempts = %v, want [1 2]", attempts)
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Errorf("default policy invalid: %v", err)
	}
	bad := Policy{MaxAttempts: 0, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 2}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for zero attempts")
	}
	bad = Policy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 0.5}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for multiplier below 1")
	}
}
