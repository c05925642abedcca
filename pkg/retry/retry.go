// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retry implements bounded retry with exponential backoff and jitter.
//
// It is shared by the artifact cache (download attempts), the config
// backends (reconnecting to an unavailable source) and the supervisor
// (restart delays after unexpected exits).
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid retry config")

// Config configures retry behavior with exponential backoff.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 3
	MaxAttempts int `yaml:"max_attempts" validate:"gte=1"`

	// InitialBackoff is the initial wait duration before first retry.
	// Default: 500ms
	InitialBackoff time.Duration `yaml:"initial_backoff" validate:"gt=0"`

	// MaxBackoff is the maximum wait duration between retries.
	// Default: 30s
	MaxBackoff time.Duration `yaml:"max_backoff" validate:"gtefield=InitialBackoff"`

	// BackoffFactor is the multiplier for exponential backoff.
	// Default: 2.0
	BackoffFactor float64 `yaml:"backoff_factor" validate:"gte=1"`

	// JitterFactor is the maximum jitter as a fraction of backoff (0-1).
	// Default: 0.2
	JitterFactor float64 `yaml:"jitter_factor" validate:"gte=0,lte=1"`
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

// Validate checks if the retry configuration is valid.
func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts %d < 1", ErrInvalidConfig, c.MaxAttempts)
	case c.InitialBackoff <= 0:
		return fmt.Errorf("%w: initial backoff must be positive", ErrInvalidConfig)
	case c.MaxBackoff < c.InitialBackoff:
		return fmt.Errorf("%w: max backoff below initial backoff", ErrInvalidConfig)
	case c.BackoffFactor < 1.0:
		return fmt.Errorf("%w: backoff factor %.2f < 1", ErrInvalidConfig, c.BackoffFactor)
	case c.JitterFactor < 0 || c.JitterFactor > 1:
		return fmt.Errorf("%w: jitter factor %.2f outside [0,1]", ErrInvalidConfig, c.JitterFactor)
	}
	return nil
}

// Delay returns the wait before attempt n (1-based: the wait before the
// second attempt is Delay(1)), including jitter.
func (c Config) Delay(n int) time.Duration {
	backoff := c.InitialBackoff
	for i := 1; i < n; i++ {
		backoff = nextBackoff(backoff, c.BackoffFactor, c.MaxBackoff)
	}
	return calculateBackoff(backoff, c.JitterFactor)
}

// Result contains the outcome of a retry operation.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int

	// TotalDuration is the total time spent including waits.
	TotalDuration time.Duration

	// LastError is the error from the last attempt (nil if successful).
	LastError error
}

// Func is a function that can be retried. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do returns it immediately without further
// attempts. errors.Is/As still see the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do executes fn with exponential backoff retry.
//
// # Description
//
// Attempts fn up to config.MaxAttempts times. Errors wrapped with
// Permanent and context errors stop the loop immediately. The context is
// checked before each attempt and during every wait.
//
// # Inputs
//
//   - ctx: Context for cancellation. Must not be nil.
//   - config: Retry configuration.
//   - fn: The function to execute and potentially retry.
//
// # Outputs
//
//   - Result: Statistics about the retry operation.
//   - error: The last error if all attempts failed (unwrapped from
//     Permanent), nil on success.
//
// # Example
//
//	_, err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context, attempt int) error {
//	    return source.Open(ctx, id)
//	})
func Do(ctx context.Context, config Config, fn Func) (Result, error) {
	start := time.Now()
	result := Result{}

	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.LastError = err
			result.TotalDuration = time.Since(start)
			return result, err
		}

		err := fn(ctx, attempt)
		if err == nil {
			result.LastError = nil
			result.TotalDuration = time.Since(start)
			return result, nil
		}
		result.LastError = err

		var p *permanentError
		if errors.As(err, &p) {
			result.LastError = p.err
			result.TotalDuration = time.Since(start)
			return result, p.err
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			result.TotalDuration = time.Since(start)
			return result, err
		}

		if attempt == config.MaxAttempts {
			break
		}

		waitTime := calculateBackoff(backoff, config.JitterFactor)
		if err := Sleep(ctx, waitTime); err != nil {
			result.LastError = err
			result.TotalDuration = time.Since(start)
			return result, err
		}

		backoff = nextBackoff(backoff, config.BackoffFactor, config.MaxBackoff)
	}

	result.TotalDuration = time.Since(start)
	return result, result.LastError
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// calculateBackoff calculates the actual backoff with jitter.
func calculateBackoff(base time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return base
	}

	// Range is [base * (1-jitter), base * (1+jitter)].
	jitter := (rand.Float64()*2 - 1) * jitterFactor
	return time.Duration(float64(base) * (1.0 + jitter))
}

// nextBackoff calculates the next backoff value.
func nextBackoff(current time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}
