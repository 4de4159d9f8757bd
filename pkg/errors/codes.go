// Package errors defines error code constants for the training engine.
// Each error code includes a unique identifier, category, fatality, and
// message template so failures log one clear line per category.
package errors

// ErrorCode represents a structured error code definition
type ErrorCode struct {
	Code    string
	Type    ErrorType
	Fatal   bool
	Message string
}

// Standard error codes organized by category

// ============================================================================
// Configuration Errors (CONF_xxx)
// ============================================================================

var (
	// ErrConfMissingArgument indicates a required CLI argument is missing
	ErrConfMissingArgument = ErrorCode{
		Code:    "CONF_001",
		Type:    ErrorTypeConfig,
		Fatal:   true,
		Message: "Required argument is missing",
	}

	// ErrConfInvalidValue indicates a configuration value is out of range
	ErrConfInvalidValue = ErrorCode{
		Code:    "CONF_002",
		Type:    ErrorTypeConfig,
		Fatal:   true,
		Message: "Configuration value is invalid",
	}

	// ErrConfUnknownVariant indicates no task is registered for the
	// requested student number
	ErrConfUnknownVariant = ErrorCode{
		Code:    "CONF_003",
		Type:    ErrorTypeConfig,
		Fatal:   true,
		Message: "No task registered for this variant",
	}

	// ErrConfFileUnreadable indicates the config file could not be parsed
	ErrConfFileUnreadable = ErrorCode{
		Code:    "CONF_004",
		Type:    ErrorTypeConfig,
		Fatal:   true,
		Message: "Configuration file could not be read",
	}
)

// ============================================================================
// Numeric Errors (NUM_xxx) - recoverable at step level
// ============================================================================

var (
	// ErrNumOutOfMemory indicates the step ran out of device memory
	ErrNumOutOfMemory = ErrorCode{
		Code:    "NUM_001",
		Type:    ErrorTypeNumeric,
		Fatal:   false,
		Message: "Out of memory during step",
	}

	// ErrNumGradientOverflow indicates gradients overflowed
	ErrNumGradientOverflow = ErrorCode{
		Code:    "NUM_002",
		Type:    ErrorTypeNumeric,
		Fatal:   false,
		Message: "Gradient overflow during step",
	}

	// ErrNumNaNLoss indicates the loss was NaN or infinite
	ErrNumNaNLoss = ErrorCode{
		Code:    "NUM_003",
		Type:    ErrorTypeNumeric,
		Fatal:   false,
		Message: "Loss is NaN or infinite",
	}
)

// ============================================================================
// Coordination Errors (COORD_xxx) - always run-fatal
// ============================================================================

var (
	// ErrCoordPayloadTooLarge indicates an all-gather payload exceeded the
	// configured buffer size
	ErrCoordPayloadTooLarge = ErrorCode{
		Code:    "COORD_001",
		Type:    ErrorTypeCoordination,
		Fatal:   true,
		Message: "All-gather payload exceeds buffer size",
	}

	// ErrCoordBarrierTimeout indicates a barrier was abandoned before all
	// workers arrived
	ErrCoordBarrierTimeout = ErrorCode{
		Code:    "COORD_002",
		Type:    ErrorTypeCoordination,
		Fatal:   true,
		Message: "Barrier wait abandoned",
	}

	// ErrCoordHeartbeatExpired indicates no update progress within the
	// heartbeat window
	ErrCoordHeartbeatExpired = ErrorCode{
		Code:    "COORD_003",
		Type:    ErrorTypeCoordination,
		Fatal:   true,
		Message: "No training progress within heartbeat timeout",
	}

	// ErrCoordWorldMismatch indicates a collective was called with
	// inconsistent participation
	ErrCoordWorldMismatch = ErrorCode{
		Code:    "COORD_004",
		Type:    ErrorTypeCoordination,
		Fatal:   true,
		Message: "Collective call mismatch across workers",
	}
)

// ============================================================================
// Checkpoint/Resource Errors (CKPT_xxx)
// ============================================================================

var (
	// ErrCkptDirUnwritable indicates the checkpoint directory failed the
	// startup write probe
	ErrCkptDirUnwritable = ErrorCode{
		Code:    "CKPT_001",
		Type:    ErrorTypeResource,
		Fatal:   true,
		Message: "Checkpoint directory is not writable",
	}

	// ErrCkptSaveFailed indicates checkpoint serialization or IO failed
	ErrCkptSaveFailed = ErrorCode{
		Code:    "CKPT_002",
		Type:    ErrorTypeResource,
		Fatal:   true,
		Message: "Checkpoint save failed",
	}

	// ErrCkptNotFound indicates the requested restore file does not exist
	ErrCkptNotFound = ErrorCode{
		Code:    "CKPT_003",
		Type:    ErrorTypeResource,
		Fatal:   true,
		Message: "Checkpoint file not found",
	}

	// ErrCkptCorrupt indicates the checkpoint could not be decoded
	ErrCkptCorrupt = ErrorCode{
		Code:    "CKPT_004",
		Type:    ErrorTypeResource,
		Fatal:   true,
		Message: "Checkpoint file is corrupt",
	}

	// ErrCkptVersionMismatch indicates an incompatible checkpoint format
	ErrCkptVersionMismatch = ErrorCode{
		Code:    "CKPT_005",
		Type:    ErrorTypeResource,
		Fatal:   true,
		Message: "Checkpoint format version is not supported",
	}
)

// ============================================================================
// Data Errors (DATA_xxx)
// ============================================================================

var (
	// ErrDataPathMissing indicates the dataset path does not exist
	ErrDataPathMissing = ErrorCode{
		Code:    "DATA_001",
		Type:    ErrorTypeData,
		Fatal:   true,
		Message: "Dataset path does not exist",
	}

	// ErrDataEmptySplit indicates a split produced no batches
	ErrDataEmptySplit = ErrorCode{
		Code:    "DATA_002",
		Type:    ErrorTypeData,
		Fatal:   true,
		Message: "Dataset split is empty",
	}

	// ErrDataBadBatch indicates a batch had inconsistent shapes
	ErrDataBadBatch = ErrorCode{
		Code:    "DATA_003",
		Type:    ErrorTypeData,
		Fatal:   true,
		Message: "Batch has inconsistent shapes",
	}
)

// ============================================================================
// Internal System Errors (SYS_xxx)
// ============================================================================

var (
	// ErrSysInternalError indicates unexpected internal error
	ErrSysInternalError = ErrorCode{
		Code:    "SYS_001",
		Type:    ErrorTypeInternal,
		Fatal:   true,
		Message: "Internal error",
	}

	// ErrSysInvalidState indicates an invalid trainer state transition
	ErrSysInvalidState = ErrorCode{
		Code:    "SYS_002",
		Type:    ErrorTypeInternal,
		Fatal:   true,
		Message: "Invalid state transition",
	}

	// ErrSysTimeout indicates operation timed out
	ErrSysTimeout = ErrorCode{
		Code:    "SYS_003",
		Type:    ErrorTypeTimeout,
		Fatal:   true,
		Message: "Operation timed out",
	}
)

// NewFromCode creates an AppError from an ErrorCode
func NewFromCode(ec ErrorCode) *AppError {
	return New(ec.Code, ec.Type, ec.Message, ec.Fatal)
}

// NewFromCodef creates an AppError from an ErrorCode, replacing the
// catalog message with a formatted one
func NewFromCodef(ec ErrorCode, format string, args ...interface{}) *AppError {
	return Newf(ec.Code, ec.Type, ec.Fatal, format, args...)
}
