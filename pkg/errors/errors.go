// Package errors provides a unified error handling mechanism for the training
// engine. It defines a structured error system with error codes, types, and
// helpful formatting capabilities so every failure carries its category from
// the taxonomy: recoverable numeric failures, coordination failures, resource
// failures, and configuration failures.
package errors

import (
	"encoding/json"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeConfig indicates invalid or missing configuration; rejected
	// before any worker starts
	ErrorTypeConfig ErrorType = "CONFIG"

	// ErrorTypeNumeric indicates a recoverable per-step numeric failure
	// (overflow, OOM, NaN loss); handled inside the trainer as a skipped step
	ErrorTypeNumeric ErrorType = "NUMERIC"

	// ErrorTypeCoordination indicates a collective-communication failure
	// (barrier timeout, oversized all-gather payload); always run-fatal
	ErrorTypeCoordination ErrorType = "COORDINATION"

	// ErrorTypeResource indicates a storage/IO failure (unwritable checkpoint
	// directory, corrupt checkpoint); fatal at startup
	ErrorTypeResource ErrorType = "RESOURCE"

	// ErrorTypeData indicates a dataset/batch shape problem
	ErrorTypeData ErrorType = "DATA"

	// ErrorTypeTimeout indicates an operation or heartbeat timeout
	ErrorTypeTimeout ErrorType = "TIMEOUT"

	// ErrorTypeInternal indicates an unexpected internal error
	ErrorTypeInternal ErrorType = "INTERNAL"
)

// AppError represents a structured application error
type AppError struct {
	// Code is the error code (e.g., "COORD_001")
	Code string `json:"code"`

	// Type categorizes the error
	Type ErrorType `json:"type"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Fatal reports whether the error must tear the whole run down.
	// Non-fatal errors are absorbed at the step level.
	Fatal bool `json:"-"`

	// Details contains additional error context
	Details map[string]interface{} `json:"details,omitempty"`

	// Cause is the underlying error
	Cause error `json:"-"`

	// Stack contains the stack trace (for internal errors)
	Stack string `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error chain unwrapping
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails adds additional context to the error
func (e *AppError) WithDetails(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// ToJSON serializes the error for structured log sinks
func (e *AppError) ToJSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// New creates a new AppError
func New(code string, errType ErrorType, message string, fatal bool) *AppError {
	return &AppError{
		Code:    code,
		Type:    errType,
		Message: message,
		Fatal:   fatal,
		Details: make(map[string]interface{}),
	}
}

// Newf creates a new AppError with formatted message
func Newf(code string, errType ErrorType, fatal bool, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Fatal:   fatal,
		Details: make(map[string]interface{}),
	}
}

// Wrap wraps an existing error with AppError context
func Wrap(err error, code string, message string) *AppError {
	if err == nil {
		return nil
	}

	// If already an AppError, preserve its category and fatality
	if appErr, ok := err.(*AppError); ok {
		return &AppError{
			Code:    code,
			Type:    appErr.Type,
			Message: message,
			Fatal:   appErr.Fatal,
			Cause:   appErr,
			Details: make(map[string]interface{}),
		}
	}

	return &AppError{
		Code:    code,
		Type:    ErrorTypeInternal,
		Message: message,
		Fatal:   true,
		Cause:   err,
		Details: make(map[string]interface{}),
	}
}

// Wrapf wraps an existing error with a formatted message
func Wrapf(err error, code string, format string, args ...interface{}) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// WrapWithStack wraps an error and captures stack trace
func WrapWithStack(err error, code string, message string) *AppError {
	appErr := Wrap(err, code, message)
	if appErr != nil {
		appErr.Stack = captureStack()
	}
	return appErr
}

// captureStack captures the current stack trace
func captureStack() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// Is checks if an error matches a specific code anywhere in its chain
func Is(err error, code string) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Code == code {
			return true
		}
		err = unwrapOnce(err)
	}
	return false
}

// IsType checks if an error matches a specific type anywhere in its chain
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Type == errType {
			return true
		}
		err = unwrapOnce(err)
	}
	return false
}

func unwrapOnce(err error) error {
	u, ok := err.(interface{ Unwrap() error })
	if !ok {
		return nil
	}
	return u.Unwrap()
}

// GetCode extracts the error code from an error
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return "UNKNOWN"
	}

	return appErr.Code
}

// IsFatal reports whether an error must halt the run. Unknown error values
// are treated as fatal so that nothing divergent limps on.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return true
	}

	return appErr.Fatal
}

// IsRecoverable reports whether an error is a step-level numeric failure the
// trainer may absorb as a skipped step.
func IsRecoverable(err error) bool {
	return IsType(err, ErrorTypeNumeric)
}

// Common error constructors for frequent use cases

// ConfigError creates a configuration error
func ConfigError(message string) *AppError {
	return New("CONFIG_ERROR", ErrorTypeConfig, message, true)
}

// ConfigErrorf creates a configuration error with formatted message
func ConfigErrorf(format string, args ...interface{}) *AppError {
	return Newf("CONFIG_ERROR", ErrorTypeConfig, true, format, args...)
}

// NotFoundError creates a resource not found error
func NotFoundError(resource string) *AppError {
	return Newf("NOT_FOUND", ErrorTypeResource, true, "%s not found", resource)
}

// InternalError creates an internal error
func InternalError(message string) *AppError {
	appErr := New("INTERNAL_ERROR", ErrorTypeInternal, message, true)
	appErr.Stack = captureStack()
	return appErr
}

// InternalErrorf creates an internal error with formatted message
func InternalErrorf(format string, args ...interface{}) *AppError {
	appErr := Newf("INTERNAL_ERROR", ErrorTypeInternal, true, format, args...)
	appErr.Stack = captureStack()
	return appErr
}

// TimeoutError creates a timeout error
func TimeoutError(operation string) *AppError {
	return Newf("TIMEOUT", ErrorTypeTimeout, true, "operation '%s' timed out", operation)
}
