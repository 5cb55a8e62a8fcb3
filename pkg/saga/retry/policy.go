// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package retry provides backoff policies and a small executor used to retry
// optimistic concurrency conflicts and transient publish failures.
package retry

import (
	"errors"
	"time"
)

// Common errors returned by retry policies.
var (
	// ErrMaxRetriesExceeded is returned when the maximum number of retry attempts is exceeded.
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")

	// ErrInvalidConfig is returned when the retry configuration is invalid.
	ErrInvalidConfig = errors.New("invalid retry configuration")
)

// Policy decides whether and when an operation is retried.
type Policy interface {
	// ShouldRetry determines if an operation should be retried.
	ShouldRetry(err error, attempt int) bool

	// GetRetryDelay returns the delay before the next retry attempt.
	GetRetryDelay(attempt int) time.Duration

	// GetMaxAttempts returns the maximum number of attempts.
	GetMaxAttempts() int
}

// RetryConfig defines the configuration shared by retry policies.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial attempt).
	// Must be >= 1. A value of 1 means no retries.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay" mapstructure:"initial_delay"`

	// MaxDelay caps the delay between retries. 0 means no cap.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay" mapstructure:"max_delay"`

	// RetryableErrors lists the errors that trigger a retry.
	// If empty, all errors are considered retryable.
	RetryableErrors []error `json:"-" yaml:"-" mapstructure:"-"`

	// NonRetryableErrors takes precedence over RetryableErrors.
	NonRetryableErrors []error `json:"-" yaml:"-" mapstructure:"-"`

	// Retryable, when set, replaces the RetryableErrors match.
	Retryable func(error) bool `json:"-" yaml:"-" mapstructure:"-"`
}

// Validate validates the retry configuration.
func (c *RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return ErrInvalidConfig
	}
	if c.InitialDelay < 0 {
		return ErrInvalidConfig
	}
	if c.MaxDelay > 0 && c.MaxDelay < c.InitialDelay {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultRetryConfig returns a default retry configuration.
//   - MaxAttempts: 5
//   - InitialDelay: 10ms
//   - MaxDelay: 1s
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Second,
	}
}

// IsRetryableError checks if an error should trigger a retry.
func (c *RetryConfig) IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	for _, nonRetryable := range c.NonRetryableErrors {
		if errors.Is(err, nonRetryable) {
			return false
		}
	}
	if c.Retryable != nil {
		return c.Retryable(err)
	}
	if len(c.RetryableErrors) == 0 {
		return true
	}
	for _, retryable := range c.RetryableErrors {
		if errors.Is(err, retryable) {
			return true
		}
	}
	return false
}
