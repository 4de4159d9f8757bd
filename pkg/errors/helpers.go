package errors

// Helper functions for common error types to simplify error creation

// NewConfigError creates a configuration error
func NewConfigError(code, message string) *AppError {
	return New(code, ErrorTypeConfig, message, true)
}

// NewNumericError creates a recoverable numeric error
func NewNumericError(code, message string) *AppError {
	return New(code, ErrorTypeNumeric, message, false)
}

// NewCoordinationError creates a coordination error
func NewCoordinationError(code, message string) *AppError {
	return New(code, ErrorTypeCoordination, message, true)
}

// NewResourceError creates a resource error
func NewResourceError(code, message string) *AppError {
	return New(code, ErrorTypeResource, message, true)
}

// NewDataError creates a data error
func NewDataError(code, message string) *AppError {
	return New(code, ErrorTypeData, message, true)
}

// NewInternalError creates an internal error
func NewInternalError(code, message string) *AppError {
	return New(code, ErrorTypeInternal, message, true)
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(code, message string) *AppError {
	return New(code, ErrorTypeTimeout, message, true)
}

// WrapResourceError wraps an existing error as resource error
func WrapResourceError(err error, code, message string) *AppError {
	return NewResourceError(code, message).WithCause(err)
}

// WrapInternalError wraps an existing error as internal error
func WrapInternalError(err error, code, message string) *AppError {
	return NewInternalError(code, message).WithCause(err)
}

// OutOfMemoryError creates the recoverable step-level OOM error
func OutOfMemoryError(message string) *AppError {
	return NewFromCode(ErrNumOutOfMemory).WithDetails("reason", message)
}

// GradientOverflowError creates the recoverable gradient overflow error
func GradientOverflowError(message string) *AppError {
	return NewFromCode(ErrNumGradientOverflow).WithDetails("reason", message)
}

// PayloadTooLargeError creates the typed all-gather overflow error
func PayloadTooLargeError(rank, payload, limit int) *AppError {
	return NewFromCode(ErrCoordPayloadTooLarge).
		WithDetails("rank", rank).
		WithDetails("payload_bytes", payload).
		WithDetails("buffer_bytes", limit)
}

// Common error codes as constants
const (
	CodeInvalidParameter = "INVALID_PARAMETER"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeInternalError    = "INTERNAL_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeTimeout          = "TIMEOUT"
)
