package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/diatomic/LowFive/pkg/errors"
)

func fastConfig() Config {
	config := DefaultConfig()
	config.InitialDelay = time.Millisecond
	config.Jitter = false
	return config
}

func TestRetryer_Success(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_RetryableError(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		if attempts < 3 {
			return errors.NewError(errors.ErrCodeStorageUnavailable, "bucket unreachable")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryer_NonRetryableError(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return errors.NewError(errors.ErrCodeShapeMismatch, "wrong size")
	})

	if !errors.IsCode(err, errors.ErrCodeShapeMismatch) {
		t.Errorf("Expected the original error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt (no retry), got %d", attempts)
	}
}

func TestRetryer_PlainErrorsNotRetried(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	_ = retryer.Do(func() error {
		attempts++
		return fmt.Errorf("connection refused")
	})
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}

	config := fastConfig()
	config.RetryAll = true
	attempts = 0
	_ = New(config).Do(func() error {
		attempts++
		return fmt.Errorf("connection refused")
	})
	if attempts != config.MaxAttempts {
		t.Errorf("Expected %d attempts with RetryAll, got %d", config.MaxAttempts, attempts)
	}
}

func TestRetryer_Exhausted(t *testing.T) {
	var retries []int
	retryer := New(fastConfig()).WithMaxAttempts(4).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		retries = append(retries, attempt)
	})

	err := retryer.Do(func() error {
		return errors.NewError(errors.ErrCodeStorageWrite, "put failed")
	})

	if !errors.IsCode(err, errors.ErrCodeRetryExhausted) {
		t.Fatalf("Expected RETRY_EXHAUSTED, got %v", err)
	}
	if !errors.IsCode(err, errors.ErrCodeStorageWrite) {
		t.Error("Exhausted error should carry the last failure")
	}
	if len(retries) != 3 {
		t.Errorf("Expected 3 OnRetry callbacks, got %v", retries)
	}
}

func TestRetryer_ContextCanceled(t *testing.T) {
	config := fastConfig()
	config.InitialDelay = time.Second
	retryer := New(config)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	attempts := 0
	start := time.Now()
	err := retryer.DoWithContext(ctx, func(context.Context) error {
		attempts++
		return errors.NewError(errors.ErrCodeTransportTimeout, "slow")
	})

	if !errors.IsCode(err, errors.ErrCodeOperationCanceled) {
		t.Errorf("Expected OPERATION_CANCELED, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Cancellation did not interrupt the backoff")
	}
}

func TestCalculateDelay(t *testing.T) {
	config := fastConfig()
	config.InitialDelay = 10 * time.Millisecond
	config.MaxDelay = 35 * time.Millisecond
	retryer := New(config)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{3, 35 * time.Millisecond},
		{8, 35 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := retryer.calculateDelay(tt.attempt); got != tt.want {
			t.Errorf("calculateDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
