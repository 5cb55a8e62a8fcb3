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

package saga

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the category of an error.
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeTimeout      ErrorType = "timeout"
	ErrorTypeProtocol     ErrorType = "protocol"
	ErrorTypeConcurrency  ErrorType = "concurrency"
	ErrorTypeData         ErrorType = "data"
	ErrorTypeSystem       ErrorType = "system"
	ErrorTypeCompensation ErrorType = "compensation"
)

// predefined error codes
const (
	ErrCodeSagaNotFound        = "SAGA_NOT_FOUND"
	ErrCodeSagaAlreadyExists   = "SAGA_ALREADY_EXISTS"
	ErrCodeProtocolViolation   = "PROTOCOL_VIOLATION"
	ErrCodeDuplicateEvent      = "DUPLICATE_EVENT"
	ErrCodeConcurrencyConflict = "CONCURRENCY_CONFLICT"
	ErrCodeStorageError        = "STORAGE_ERROR"
	ErrCodeValidationError     = "VALIDATION_ERROR"
	ErrCodeConfigurationError  = "CONFIGURATION_ERROR"
	ErrCodeRetryExhausted      = "RETRY_EXHAUSTED"
	ErrCodeEventPublishFailed  = "EVENT_PUBLISH_FAILED"
	ErrCodeOrchestratorStopped = "ORCHESTRATOR_STOPPED"
)

// SagaError is the structured error returned by the orchestrator.
type SagaError struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Type      ErrorType              `json:"type"`
	Retryable bool                   `json:"retryable"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
}

// NewSagaError creates a new SagaError with the specified parameters.
func NewSagaError(code, message string, errorType ErrorType, retryable bool) *SagaError {
	return &SagaError{
		Code:      code,
		Message:   message,
		Type:      errorType,
		Retryable: retryable,
		Timestamp: time.Now(),
	}
}

// WrapError wraps an existing error into a SagaError.
func WrapError(err error, code, message string, errorType ErrorType, retryable bool) *SagaError {
	if err == nil {
		return nil
	}
	sagaErr := NewSagaError(code, message, errorType, retryable)
	sagaErr.Cause = err
	return sagaErr
}

// Error implements the error interface for SagaError.
func (e *SagaError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %s)", e.Code, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the cause so errors.Is and errors.As see through the wrapper.
func (e *SagaError) Unwrap() error { return e.Cause }

// WithDetail adds a detail to the SagaError.
func (e *SagaError) WithDetail(key string, value interface{}) *SagaError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsRetryable checks if the error or any of its causes is retryable.
func (e *SagaError) IsRetryable() bool {
	if e.Retryable {
		return true
	}
	var cause *SagaError
	if errors.As(e.Cause, &cause) {
		return cause.IsRetryable()
	}
	return false
}

// NewSagaNotFoundError creates an error for when a saga is not found.
func NewSagaNotFoundError(correlationID string) *SagaError {
	return NewSagaError(ErrCodeSagaNotFound, fmt.Sprintf("saga '%s' not found", correlationID), ErrorTypeData, false).
		WithDetail("correlation_id", correlationID)
}

// NewSagaAlreadyExistsError creates an error for a duplicate saga.
func NewSagaAlreadyExistsError(correlationID string) *SagaError {
	return NewSagaError(ErrCodeSagaAlreadyExists, fmt.Sprintf("saga '%s' already exists", correlationID), ErrorTypeData, false).
		WithDetail("correlation_id", correlationID)
}

// NewProtocolViolation reports an event the saga cannot apply in its current state.
func NewProtocolViolation(format string, args ...interface{}) *SagaError {
	return NewSagaError(ErrCodeProtocolViolation, fmt.Sprintf(format, args...), ErrorTypeProtocol, false)
}

// WrapProtocolViolation wraps err as a protocol violation.
func WrapProtocolViolation(err error, message string) *SagaError {
	return WrapError(err, ErrCodeProtocolViolation, message, ErrorTypeProtocol, false)
}

// NewDuplicateEvent reports an event whose effect is already in the snapshot.
func NewDuplicateEvent(format string, args ...interface{}) *SagaError {
	return NewSagaError(ErrCodeDuplicateEvent, fmt.Sprintf(format, args...), ErrorTypeProtocol, false)
}

// WrapDuplicateEvent wraps err as a duplicate event.
func WrapDuplicateEvent(err error, message string) *SagaError {
	return WrapError(err, ErrCodeDuplicateEvent, message, ErrorTypeProtocol, false)
}

// NewConcurrencyConflictError reports a stale concurrency token.
func NewConcurrencyConflictError(correlationID string, expected int64) *SagaError {
	return NewSagaError(ErrCodeConcurrencyConflict,
		fmt.Sprintf("saga '%s' was modified concurrently (expected version %d)", correlationID, expected),
		ErrorTypeConcurrency, true).
		WithDetail("correlation_id", correlationID).
		WithDetail("expected_version", expected)
}

// NewStorageError creates an error for storage operation failures.
func NewStorageError(operation string, err error) *SagaError {
	return WrapError(err, ErrCodeStorageError,
		fmt.Sprintf("storage operation '%s' failed", operation),
		ErrorTypeSystem, true).
		WithDetail("operation", operation)
}

// NewValidationError creates an error for validation failures.
func NewValidationError(message string) *SagaError {
	return NewSagaError(ErrCodeValidationError, message, ErrorTypeValidation, false)
}

// NewConfigurationError creates an error for configuration issues.
func NewConfigurationError(message string) *SagaError {
	return NewSagaError(ErrCodeConfigurationError, message, ErrorTypeSystem, false)
}

// NewRetryExhaustedError reports that conflict retries ran out. It is
// retryable so the transport redelivers the message later.
func NewRetryExhaustedError(operation string, attempts int, cause error) *SagaError {
	e := NewSagaError(ErrCodeRetryExhausted,
		fmt.Sprintf("retry attempts exhausted for operation '%s' after %d attempts", operation, attempts),
		ErrorTypeConcurrency, true).
		WithDetail("operation", operation).
		WithDetail("attempts", attempts)
	e.Cause = cause
	return e
}

// NewEventPublishError creates an error for publishing failures.
func NewEventPublishError(eventType string, err error) *SagaError {
	return WrapError(err, ErrCodeEventPublishFailed,
		fmt.Sprintf("failed to publish message of type '%s'", eventType),
		ErrorTypeSystem, true).
		WithDetail("event_type", eventType)
}

// NewOrchestratorStoppedError is returned once the orchestrator is closed.
func NewOrchestratorStoppedError() *SagaError {
	return NewSagaError(ErrCodeOrchestratorStopped, "orchestrator is stopped", ErrorTypeSystem, false)
}

func hasCode(err error, code string) bool {
	var sagaErr *SagaError
	for err != nil {
		if !errors.As(err, &sagaErr) {
			return false
		}
		if sagaErr.Code == code {
			return true
		}
		err = sagaErr.Cause
	}
	return false
}

// IsSagaNotFound checks if an error is a not-found error.
func IsSagaNotFound(err error) bool { return hasCode(err, ErrCodeSagaNotFound) }

// IsSagaAlreadyExists checks if an error is an already-exists error.
func IsSagaAlreadyExists(err error) bool { return hasCode(err, ErrCodeSagaAlreadyExists) }

// IsProtocolViolation checks if an error is a protocol violation.
func IsProtocolViolation(err error) bool { return hasCode(err, ErrCodeProtocolViolation) }

// IsDuplicateEvent checks if an error reports an already applied event.
func IsDuplicateEvent(err error) bool { return hasCode(err, ErrCodeDuplicateEvent) }

// IsConcurrencyConflict checks if an error is a concurrency conflict.
func IsConcurrencyConflict(err error) bool { return hasCode(err, ErrCodeConcurrencyConflict) }

// IsRetryExhausted checks if an error is a RetryExhaustedError.
func IsRetryExhausted(err error) bool { return hasCode(err, ErrCodeRetryExhausted) }

// IsRetryableError checks if an error should be retried.
func IsRetryableError(err error) bool {
	var sagaErr *SagaError
	if errors.As(err, &sagaErr) {
		return sagaErr.IsRetryable()
	}
	return false
}
