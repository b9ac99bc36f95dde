// Package retry retries transient failures with exponential backoff. The
// mirror uses it for pass-through copies and the TCP link for dialing.
package retry

import (
	"context"
	stderr "errors"
	"math"
	"math/rand"
	"time"

	"github.com/diatomic/LowFive/pkg/errors"
)

// Config defines retry behavior
type Config struct {
	// MaxAttempts counts the initial attempt
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier grows the delay after each failed attempt
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter spreads delays by ±20%
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableErrors lists codes retried even when the error itself is
	// not flagged retryable
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// RetryAll retries every error, including plain ones. Dialing uses it
	// since connection errors come straight from the net package.
	RetryAll bool `yaml:"-" json:"-"`

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the retry policy used for mirror writes.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeStorageUnavailable,
			errors.ErrCodeStorageWrite,
			errors.ErrCodeTransportTimeout,
		},
	}
}

// Retryer runs functions under a retry policy.
type Retryer struct {
	config Config
}

// New creates a Retryer, filling zero fields with defaults.
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 50 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 2 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	return &Retryer{config: config}
}

// Do executes fn with retries.
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(context.Context) error {
		return fn()
	})
}

// DoWithContext executes fn with retries until it succeeds, fails with a
// non-retryable error, runs out of attempts or ctx ends.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return canceled(attempt-1, err, lastErr)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.shouldRetry(err) {
			return err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.calculateDelay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return canceled(attempt, ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return errors.Wrap(errors.ErrCodeRetryExhausted, "retry attempts exhausted", lastErr).
		WithDetail("attempts", r.config.MaxAttempts)
}

func canceled(attempts int, ctxErr, lastErr error) error {
	cause := lastErr
	if cause == nil {
		cause = ctxErr
	}
	return errors.Wrap(errors.ErrCodeOperationCanceled, "retry canceled", cause).
		WithDetail("attempts", attempts)
}

func (r *Retryer) shouldRetry(err error) bool {
	if r.config.RetryAll {
		return true
	}
	var lfErr *errors.LowFiveError
	if !stderr.As(err, &lfErr) {
		return false
	}
	if lfErr.Retryable {
		return true
	}
	for _, code := range r.config.RetryableErrors {
		if lfErr.Code == code {
			return true
		}
	}
	return false
}

// calculateDelay returns initialDelay * multiplier^(attempt-1), capped.
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}
	return time.Duration(delay)
}

// WithMaxAttempts returns a copy with a different attempt budget.
func (r *Retryer) WithMaxAttempts(attempts int) *Retryer {
	c := r.config
	c.MaxAttempts = attempts
	return New(c)
}

// WithOnRetry returns a copy with a retry callback.
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	c := r.config
	c.OnRetry = callback
	return New(c)
}
