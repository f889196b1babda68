package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation  = "VALIDATION_ERROR"
	ErrCodeTimeout     = "TIMEOUT_ERROR"
	ErrCodeInvocation  = "INVOCATION_ERROR"
	ErrCodeCapacity    = "CAPACITY_ERROR"
	ErrCodeFatal       = "FATAL_ERROR"
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeExpression  = "EXPRESSION_ERROR"
	ErrCodeCircuitOpen = "CIRCUIT_OPEN"
	ErrCodeCancelled   = "CANCELLED"
	ErrCodeStore       = "STORE_ERROR"
)

// Error is the structured error type for all cascade operations.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error code allows another attempt.
// Only timeouts and invocation failures are retried; everything else
// (validation, capacity, fatal, open circuit, cancellation) is final.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeInvocation:
		return true
	default:
		return false
	}
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *Error) WithStep(step string) *Error {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}
