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

package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/innovationmech/docflow/pkg/logger"
)

// Func is an operation that can be retried.
type Func func(ctx context.Context) error

// Executor executes operations with retry logic based on a retry policy.
type Executor struct {
	policy Policy
	logger *zap.Logger

	// onRetry is called before each retry attempt (optional)
	onRetry func(attempt int, err error, delay time.Duration)
}

// ExecutorOption is a functional option for configuring the Executor.
type ExecutorOption func(*Executor)

// WithLogger sets a custom logger.
func WithLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = l
	}
}

// WithOnRetry sets a callback that is called before each retry attempt.
func WithOnRetry(callback func(attempt int, err error, delay time.Duration)) ExecutorOption {
	return func(e *Executor) {
		e.onRetry = callback
	}
}

// NewExecutor creates a new retry executor with the given policy and options.
func NewExecutor(policy Policy, opts ...ExecutorOption) *Executor {
	if policy == nil {
		policy = NewExponential(DefaultRetryConfig(), 2.0, 0.5)
	}
	e := &Executor{
		policy: policy,
		logger: logger.GetLogger().Named("retry"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy
// runs out of attempts. It returns the number of attempts made. When the
// attempts are exhausted the error wraps both ErrMaxRetriesExceeded and the
// last error.
func (e *Executor) Do(ctx context.Context, fn Func) (int, error) {
	maxAttempts := e.policy.GetMaxAttempts()
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				e.logger.Debug("retry execution succeeded", zap.Int("attempt", attempt))
			}
			return attempt, nil
		}

		if attempt == maxAttempts {
			break
		}
		if !e.policy.ShouldRetry(lastErr, attempt) {
			return attempt, lastErr
		}

		delay := e.policy.GetRetryDelay(attempt)
		e.logger.Debug("retrying after error",
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
			zap.Duration("delay", delay))
		if e.onRetry != nil {
			e.onRetry(attempt, lastErr, delay)
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, ctx.Err()
			case <-timer.C:
			}
		}
	}

	if !e.policy.ShouldRetry(lastErr, 0) {
		return maxAttempts, lastErr
	}
	e.logger.Warn("all retry attempts exhausted",
		zap.Int("attempts", maxAttempts),
		zap.Error(lastErr))
	return maxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExceeded, maxAttempts, lastErr)
}
