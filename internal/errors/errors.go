// Package errors provides the unified error handling system for the backend.
// Every layer produces *UnifiedError values through the fluent builder so that
// callers can classify failures (retryable, validation, circuit open, ...)
// without string matching.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType defines the category of error for proper handling and response.
type ErrorType string

const (
	// Caller errors
	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeNotFound   ErrorType = "NOT_FOUND"
	ErrorTypeConflict   ErrorType = "CONFLICT"

	// Infrastructure errors
	ErrorTypeInternal    ErrorType = "INTERNAL"
	ErrorTypeTimeout     ErrorType = "TIMEOUT"
	ErrorTypeUnavailable ErrorType = "UNAVAILABLE"

	// Reliability-core errors
	ErrorTypeCircuitOpen ErrorType = "CIRCUIT_OPEN"
	ErrorTypeOverloaded  ErrorType = "OVERLOADED"
	ErrorTypePoolClosed  ErrorType = "POOL_CLOSED"
)

// ErrorSeverity defines the severity level for logging and monitoring.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "LOW"
	SeverityMedium   ErrorSeverity = "MEDIUM"
	SeverityHigh     ErrorSeverity = "HIGH"
	SeverityCritical ErrorSeverity = "CRITICAL"
)

// UnifiedError is the single error type used across all application layers.
type UnifiedError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code"`    // Specific error code for programmatic handling
	Message string    `json:"message"` // Human-readable message
	Details string    `json:"details"` // Additional context information

	Operation string `json:"operation"` // The operation that failed
	Resource  string `json:"resource"`  // The resource being operated on
	RequestID string `json:"requestId"` // Request tracing ID

	Severity   ErrorSeverity `json:"severity"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	Cause      error         `json:"-"`
}

// Error implements the error interface.
func (e *UnifiedError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Type, e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

// Unwrap allows errors.Is and errors.As to work with the underlying cause.
func (e *UnifiedError) Unwrap() error {
	return e.Cause
}

// ============================================================================
// ERROR BUILDER
// ============================================================================

// ErrorBuilder provides a fluent interface for constructing UnifiedError instances.
type ErrorBuilder struct {
	err *UnifiedError
}

// NewError creates a new error builder with the specified type and message.
func NewError(errType ErrorType, code, message string) *ErrorBuilder {
	return &ErrorBuilder{
		err: &UnifiedError{
			Type:     errType,
			Code:     code,
			Message:  message,
			Severity: SeverityMedium,
		},
	}
}

// WithDetails adds additional details to the error.
func (b *ErrorBuilder) WithDetails(details string) *ErrorBuilder {
	b.err.Details = details
	return b
}

// WithOperation specifies the operation that failed.
func (b *ErrorBuilder) WithOperation(operation string) *ErrorBuilder {
	b.err.Operation = operation
	return b
}

// WithResource specifies the resource being operated on.
func (b *ErrorBuilder) WithResource(resource string) *ErrorBuilder {
	b.err.Resource = resource
	return b
}

// WithRequestID adds request tracing information.
func (b *ErrorBuilder) WithRequestID(requestID string) *ErrorBuilder {
	b.err.RequestID = requestID
	return b
}

// WithSeverity sets the error severity.
func (b *ErrorBuilder) WithSeverity(severity ErrorSeverity) *ErrorBuilder {
	b.err.Severity = severity
	return b
}

// WithRetryable marks the error as retryable.
func (b *ErrorBuilder) WithRetryable(retryable bool) *ErrorBuilder {
	b.err.Retryable = retryable
	return b
}

// WithRetryAfter sets how long to wait before retrying and marks the error retryable.
func (b *ErrorBuilder) WithRetryAfter(d time.Duration) *ErrorBuilder {
	b.err.RetryAfter = d
	b.err.Retryable = true
	return b
}

// WithCause adds the underlying cause error.
func (b *ErrorBuilder) WithCause(cause error) *ErrorBuilder {
	b.err.Cause = cause
	return b
}

// Build returns the constructed UnifiedError.
func (b *ErrorBuilder) Build() *UnifiedError {
	return b.err
}

// ============================================================================
// CONVENIENCE CONSTRUCTORS
// ============================================================================

// Validation creates a validation error. Bad input, never retryable, never an
// internal fault.
func Validation(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeValidation, code, message).
		WithSeverity(SeverityLow).
		WithRetryable(false)
}

// NotFound creates a not found error.
func NotFound(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeNotFound, code, message).
		WithSeverity(SeverityLow).
		WithRetryable(false)
}

// Conflict creates a conflict error (duplicate insert, constraint violation).
func Conflict(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeConflict, code, message).
		WithSeverity(SeverityMedium).
		WithRetryable(false)
}

// Internal creates an internal error.
func Internal(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeInternal, code, message).
		WithSeverity(SeverityHigh).
		WithRetryable(false)
}

// Timeout creates a timeout error.
func Timeout(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeTimeout, code, message).
		WithSeverity(SeverityMedium).
		WithRetryable(true)
}

// Unavailable creates a transient backend error (network, 5xx equivalent).
func Unavailable(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeUnavailable, code, message).
		WithSeverity(SeverityHigh).
		WithRetryable(true)
}

// CircuitOpen creates a dependency-unavailable error. Callers must not retry
// within the same call.
func CircuitOpen(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeCircuitOpen, code, message).
		WithSeverity(SeverityHigh).
		WithRetryable(false)
}

// Overloaded creates a resource-exhaustion error. Callers are expected to back off.
func Overloaded(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeOverloaded, code, message).
		WithSeverity(SeverityHigh).
		WithRetryable(false)
}

// PoolClosed creates an error for operations against a shut-down pool.
func PoolClosed(code, message string) *ErrorBuilder {
	return NewError(ErrorTypePoolClosed, code, message).
		WithSeverity(SeverityMedium).
		WithRetryable(false)
}

// ============================================================================
// CLASSIFICATION
// ============================================================================

// IsType checks if an error is of a specific type.
func IsType(err error, errType ErrorType) bool {
	var ue *UnifiedError
	if errors.As(err, &ue) {
		return ue.Type == errType
	}
	return false
}

// IsValidation checks if an error is a validation error.
func IsValidation(err error) bool { return IsType(err, ErrorTypeValidation) }

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool { return IsType(err, ErrorTypeNotFound) }

// IsConflict checks if an error is a conflict error.
func IsConflict(err error) bool { return IsType(err, ErrorTypeConflict) }

// IsTimeout checks if an error is a timeout error.
func IsTimeout(err error) bool { return IsType(err, ErrorTypeTimeout) }

// IsUnavailable checks if an error is a transient backend error.
func IsUnavailable(err error) bool { return IsType(err, ErrorTypeUnavailable) }

// IsCircuitOpen checks if an error came from an open circuit.
func IsCircuitOpen(err error) bool { return IsType(err, ErrorTypeCircuitOpen) }

// IsOverloaded checks if an error is a resource-exhaustion error.
func IsOverloaded(err error) bool { return IsType(err, ErrorTypeOverloaded) }

// IsPoolClosed checks if an error came from a closed pool.
func IsPoolClosed(err error) bool { return IsType(err, ErrorTypePoolClosed) }

// IsInternal checks if an error is an internal error.
func IsInternal(err error) bool { return IsType(err, ErrorTypeInternal) }

// IsRetryable reports whether the operation that produced err may be retried.
// Circuit-open, overloaded, and validation errors are never retryable inside
// the core regardless of how they were built.
func IsRetryable(err error) bool {
	var ue *UnifiedError
	if errors.As(err, &ue) {
		switch ue.Type {
		case ErrorTypeCircuitOpen, ErrorTypeOverloaded, ErrorTypeValidation:
			return false
		}
		return ue.Retryable
	}
	return false
}

// CodeOf returns the machine-readable code of an error, or empty when the
// error carries no classification.
func CodeOf(err error) string {
	var ue *UnifiedError
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ""
}

// GetSeverity returns the severity of an error.
func GetSeverity(err error) ErrorSeverity {
	var ue *UnifiedError
	if errors.As(err, &ue) {
		return ue.Severity
	}
	return SeverityMedium
}

// Wrap wraps an existing error with operation context while preserving the
// original classification.
func Wrap(err error, operation, message string) *UnifiedError {
	if err == nil {
		return nil
	}

	var existing *UnifiedError
	if errors.As(err, &existing) {
		return &UnifiedError{
			Type:      existing.Type,
			Code:      existing.Code,
			Message:   message,
			Details:   existing.Message,
			Operation: operation,
			Resource:  existing.Resource,
			RequestID: existing.RequestID,
			Severity:  existing.Severity,
			Retryable: existing.Retryable,
			Cause:     err,
		}
	}

	return &UnifiedError{
		Type:      ErrorTypeInternal,
		Code:      "WRAP_ERROR",
		Message:   message,
		Details:   err.Error(),
		Operation: operation,
		Severity:  SeverityMedium,
		Cause:     err,
	}
}
