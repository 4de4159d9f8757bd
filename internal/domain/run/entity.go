// Package run provides the domain entity for one training session. A Run
// tracks the monotonic epoch and update counters, the best validation
// score, and the lifecycle status from pending through a terminal state.
package run

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Jwoo5/ai612-project2-2023/pkg/errors"
	"github.com/Jwoo5/ai612-project2-2023/pkg/types"
)

// ============================================================================
// Run Entity
// ============================================================================

// Run represents one logical training session
type Run struct {
	// Unique identifier, stamped into checkpoints and log fields
	ID string `json:"id"`

	// Student number the run variant dispatch derives from
	StudentNumber string `json:"student_number"`

	// Random seed shared by every worker
	Seed int64 `json:"seed"`

	// Number of data-parallel workers
	WorldSize int `json:"world_size"`

	// Current lifecycle status
	Status types.RunStatus `json:"status"`

	// Epoch most recently begun, 0 before the first epoch. Epochs are
	// numbered from 1 and only ever advance.
	Epoch int `json:"epoch"`

	// Cumulative optimizer updates across every epoch
	NumUpdates int `json:"num_updates"`

	// Best validation score seen so far, nil before the first validation
	BestScore *float64 `json:"best_score,omitempty"`

	// Why the run failed, empty otherwise
	FailureReason string `json:"failure_reason,omitempty"`

	// Creation timestamp
	CreatedAt time.Time `json:"created_at"`

	// Timestamp the epoch loop started
	StartedAt *time.Time `json:"started_at,omitempty"`

	// Timestamp a terminal status was reached
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Last mutation timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRun creates a pending run
func NewRun(studentNumber string, seed int64, worldSize int) *Run {
	now := time.Now()
	return &Run{
		ID:            generateRunID(),
		StudentNumber: studentNumber,
		Seed:          seed,
		WorldSize:     worldSize,
		Status:        types.RunStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// generateRunID generates a unique run ID
func generateRunID() string {
	return fmt.Sprintf("run_%s", uuid.New().String())
}

// Validate checks entity invariants
func (r *Run) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("run id is required")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("invalid run status: %s", r.Status)
	}
	if r.Epoch < 0 {
		return fmt.Errorf("epoch must not be negative, got %d", r.Epoch)
	}
	if r.NumUpdates < 0 {
		return fmt.Errorf("num_updates must not be negative, got %d", r.NumUpdates)
	}
	if r.WorldSize < 1 {
		return fmt.Errorf("world_size must be at least 1, got %d", r.WorldSize)
	}
	return nil
}

// ============================================================================
// Status Predicates
// ============================================================================

// IsActive reports whether the run is pending or running
func (r *Run) IsActive() bool {
	return r.Status.IsActive()
}

// IsTerminal reports whether the run reached a final status
func (r *Run) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// Duration returns the wall time between start and finish, or until now
// for a run still in flight. Zero before the run starts.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if r.FinishedAt != nil {
		end = *r.FinishedAt
	}
	return end.Sub(*r.StartedAt)
}

// ============================================================================
// Lifecycle Transitions
// ============================================================================

// Start moves the run into the epoch loop
func (r *Run) Start() error {
	if r.Status != types.RunStatusPending {
		return errors.NewFromCodef(errors.ErrSysInvalidState,
			"cannot start a %s run", r.Status)
	}
	now := time.Now()
	r.Status = types.RunStatusRunning
	r.StartedAt = &now
	r.UpdatedAt = now
	return nil
}

// Complete marks the run as having reached max_epoch
func (r *Run) Complete() error {
	if r.Status != types.RunStatusRunning {
		return errors.NewFromCodef(errors.ErrSysInvalidState,
			"cannot complete a %s run", r.Status)
	}
	r.finish(types.RunStatusCompleted)
	return nil
}

// Fail records a fatal failure and the reason behind it
func (r *Run) Fail(reason string) error {
	if r.IsTerminal() {
		return errors.NewFromCodef(errors.ErrSysInvalidState,
			"cannot fail a %s run", r.Status)
	}
	r.FailureReason = reason
	r.finish(types.RunStatusFailed)
	return nil
}

// Cancel records an external cancellation
func (r *Run) Cancel() error {
	if r.IsTerminal() {
		return errors.NewFromCodef(errors.ErrSysInvalidState,
			"cannot cancel a %s run", r.Status)
	}
	r.finish(types.RunStatusCancelled)
	return nil
}

func (r *Run) finish(status types.RunStatus) {
	now := time.Now()
	r.Status = status
	r.FinishedAt = &now
	r.UpdatedAt = now
}

// ============================================================================
// Counters and Score
// ============================================================================

// AdvanceEpoch begins the next epoch. Epochs advance one at a time so a
// resumed run continues exactly where the checkpoint left off.
func (r *Run) AdvanceEpoch(epoch int) error {
	if r.Status != types.RunStatusRunning {
		return errors.NewFromCodef(errors.ErrSysInvalidState,
			"cannot advance a %s run", r.Status)
	}
	if epoch != r.Epoch+1 {
		return errors.NewFromCodef(errors.ErrSysInvalidState,
			"epoch %d does not follow epoch %d", epoch, r.Epoch)
	}
	r.Epoch = epoch
	r.UpdatedAt = time.Now()
	return nil
}

// RecordUpdates refreshes the cumulative update counter, which never
// moves backward
func (r *Run) RecordUpdates(numUpdates int) error {
	if numUpdates < r.NumUpdates {
		return errors.NewFromCodef(errors.ErrSysInvalidState,
			"num_updates %d would move backward from %d", numUpdates, r.NumUpdates)
	}
	r.NumUpdates = numUpdates
	r.UpdatedAt = time.Now()
	return nil
}

// ObserveScore folds one validation score into the monotonic best and
// reports whether it improved on every score seen before
func (r *Run) ObserveScore(score float64) bool {
	if r.BestScore != nil && score <= *r.BestScore {
		return false
	}
	r.BestScore = &score
	r.UpdatedAt = time.Now()
	return true
}

// ============================================================================
// Checkpoint Restore
// ============================================================================

// Restore rewinds the run onto a checkpointed position. Only a run that
// has not reached a terminal status can be restored.
func (r *Run) Restore(epoch, numUpdates int, bestScore *float64) error {
	if r.IsTerminal() {
		return errors.NewFromCodef(errors.ErrSysInvalidState,
			"cannot restore a %s run", r.Status)
	}
	if epoch < 0 || numUpdates < 0 {
		return errors.NewFromCodef(errors.ErrSysInvalidState,
			"checkpoint position epoch %d, num_updates %d is not valid", epoch, numUpdates)
	}
	r.Epoch = epoch
	r.NumUpdates = numUpdates
	if bestScore != nil {
		score := *bestScore
		r.BestScore = &score
	}
	r.UpdatedAt = time.Now()
	return nil
}

// ToJSON serializes the run to JSON
func (r *Run) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
