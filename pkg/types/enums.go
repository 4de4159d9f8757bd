// Package types provides enumeration type definitions for the training
// engine. All enums implement String(), Valid(), and FromString() methods
// for type-safe conversions and validation.
package types

import (
	"fmt"
	"strings"
)

// ============================================================================
// Run Status Enumerations
// ============================================================================

// RunStatus represents the lifecycle status of a training run
type RunStatus string

const (
	// RunStatusPending indicates the run was created but no worker started
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the epoch loop is in progress
	RunStatusRunning RunStatus = "running"

	// RunStatusCompleted indicates max_epoch was reached
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed indicates a fatal failure tore the run down
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled externally
	RunStatusCancelled RunStatus = "cancelled"
)

// String returns the string representation
func (rs RunStatus) String() string {
	return string(rs)
}

// Valid checks if the run status is valid
func (rs RunStatus) Valid() bool {
	switch rs {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// FromStringRunStatus converts string to RunStatus
func FromStringRunStatus(s string) (RunStatus, error) {
	rs := RunStatus(strings.ToLower(s))
	if !rs.Valid() {
		return "", fmt.Errorf("invalid run status: %s", s)
	}
	return rs, nil
}

// IsTerminal checks if status is terminal (no further transitions)
func (rs RunStatus) IsTerminal() bool {
	return rs == RunStatusCompleted || rs == RunStatusFailed || rs == RunStatusCancelled
}

// IsActive checks if the run is active
func (rs RunStatus) IsActive() bool {
	return rs == RunStatusRunning || rs == RunStatusPending
}

// ============================================================================
// Trainer Phase Enumerations
// ============================================================================

// TrainerPhase represents the trainer state machine position
type TrainerPhase string

const (
	// PhaseIdle indicates no epoch is active
	PhaseIdle TrainerPhase = "idle"

	// PhaseEpochActive indicates an epoch is open for steps
	PhaseEpochActive TrainerPhase = "epoch_active"

	// PhaseStepActive indicates a train step is executing
	PhaseStepActive TrainerPhase = "step_active"

	// PhaseValidating indicates the read-only validation pass
	PhaseValidating TrainerPhase = "validating"
)

// String returns the string representation
func (tp TrainerPhase) String() string {
	return string(tp)
}

// Valid checks if the trainer phase is valid
func (tp TrainerPhase) Valid() bool {
	switch tp {
	case PhaseIdle, PhaseEpochActive, PhaseStepActive, PhaseValidating:
		return true
	default:
		return false
	}
}

// ============================================================================
// Log Format Enumerations
// ============================================================================

// LogFormat represents the primary progress output format
type LogFormat string

const (
	// LogFormatSimple emits plain console lines
	LogFormatSimple LogFormat = "simple"

	// LogFormatJSON emits one JSON object per log call
	LogFormatJSON LogFormat = "json"

	// LogFormatTqdm emits an in-place terminal progress bar
	LogFormatTqdm LogFormat = "tqdm"
)

// String returns the string representation
func (lf LogFormat) String() string {
	return string(lf)
}

// Valid checks if the log format is valid
func (lf LogFormat) Valid() bool {
	switch lf {
	case LogFormatSimple, LogFormatJSON, LogFormatTqdm:
		return true
	default:
		return false
	}
}

// FromStringLogFormat converts string to LogFormat
func FromStringLogFormat(s string) (LogFormat, error) {
	lf := LogFormat(strings.ToLower(s))
	if !lf.Valid() {
		return "", fmt.Errorf("invalid log format: %s", s)
	}
	return lf, nil
}

// ============================================================================
// Distributed Backend Enumerations
// ============================================================================

// DistributedBackend names the collective-communication backend
type DistributedBackend string

const (
	// BackendLocal runs all workers inside one process
	BackendLocal DistributedBackend = "local"

	// BackendGloo is accepted for CLI compatibility and mapped to local
	BackendGloo DistributedBackend = "gloo"

	// BackendNCCL is accepted for CLI compatibility and mapped to local
	BackendNCCL DistributedBackend = "nccl"
)

// String returns the string representation
func (db DistributedBackend) String() string {
	return string(db)
}

// Valid checks if the backend is valid
func (db DistributedBackend) Valid() bool {
	switch db {
	case BackendLocal, BackendGloo, BackendNCCL:
		return true
	default:
		return false
	}
}

// FromStringDistributedBackend converts string to DistributedBackend
func FromStringDistributedBackend(s string) (DistributedBackend, error) {
	db := DistributedBackend(strings.ToLower(s))
	if !db.Valid() {
		return "", fmt.Errorf("invalid distributed backend: %s", s)
	}
	return db, nil
}

// ============================================================================
// Trace Backend Enumerations
// ============================================================================

// TraceBackend names the span exporter
type TraceBackend string

const (
	// TraceBackendNone disables tracing
	TraceBackendNone TraceBackend = "none"

	// TraceBackendJaeger exports spans to a Jaeger collector
	TraceBackendJaeger TraceBackend = "jaeger"

	// TraceBackendZipkin exports spans to a Zipkin collector
	TraceBackendZipkin TraceBackend = "zipkin"

	// TraceBackendOTLP exports spans over OTLP gRPC
	TraceBackendOTLP TraceBackend = "otlp"
)

// String returns the string representation
func (tb TraceBackend) String() string {
	return string(tb)
}

// Valid checks if the trace backend is valid
func (tb TraceBackend) Valid() bool {
	switch tb {
	case TraceBackendNone, TraceBackendJaeger, TraceBackendZipkin, TraceBackendOTLP:
		return true
	default:
		return false
	}
}

// FromStringTraceBackend converts string to TraceBackend
func FromStringTraceBackend(s string) (TraceBackend, error) {
	tb := TraceBackend(strings.ToLower(s))
	if !tb.Valid() {
		return "", fmt.Errorf("invalid trace backend: %s", s)
	}
	return tb, nil
}

// ============================================================================
// Dataset Split Enumerations
// ============================================================================

// Split names a dataset partition
type Split string

const (
	// SplitTrain is the training partition
	SplitTrain Split = "train"

	// SplitValid is the validation partition
	SplitValid Split = "valid"
)

// String returns the string representation
func (sp Split) String() string {
	return string(sp)
}

// Valid checks if the split is valid
func (sp Split) Valid() bool {
	switch sp {
	case SplitTrain, SplitValid:
		return true
	default:
		return false
	}
}

// FromStringSplit converts string to Split
func FromStringSplit(s string) (Split, error) {
	sp := Split(strings.ToLower(s))
	if !sp.Valid() {
		return "", fmt.Errorf("invalid split: %s", s)
	}
	return sp, nil
}
