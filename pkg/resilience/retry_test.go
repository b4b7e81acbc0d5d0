package resilience

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/jllopis/forge/pkg/errors"
)

func fastConfig(attempts int) RetryConfig {
	return DefaultRetryConfig().WithMaxAttempts(attempts).WithInitialDelay(time.Millisecond)
}

func TestRetrySucceedsAfterRecoverableErrors(t *testing.T) {
	calls := 0
	err := fastConfig(3).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New(errors.CodeLLMError, "busy", nil).WithRecoverable(true)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := fastConfig(5).Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New(errors.CodeLLMError, "bad request", nil)
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected one call and an error, got %d calls, err=%v", calls, err)
	}
}

func TestRetryPlainErrorsAreNotRetried(t *testing.T) {
	calls := 0
	_ = fastConfig(3).Do(context.Background(), func(context.Context) error {
		calls++
		return stderrors.New("plain")
	})
	if calls != 1 {
		t.Errorf("expected plain errors to be permanent, got %d calls", calls)
	}
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rc := DefaultRetryConfig().WithMaxAttempts(3).WithInitialDelay(time.Hour)
	calls := 0
	err := rc.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New(errors.CodeLLMError, "busy", nil).WithRecoverable(true)
	})
	if !stderrors.Is(err, errors.ErrCancelled) {
		t.Fatalf("expected cancelled error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single call before cancellation, got %d", calls)
	}
}

func TestDoValue(t *testing.T) {
	v, err := DoValue(context.Background(), fastConfig(2), func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("DoValue = %q, %v", v, err)
	}
}
