// Package trainer drives the per-worker training loop. A Trainer owns one
// worker's model replica, criterion, optimizer, and learning-rate schedule,
// and keeps the group in lockstep: every train step gathers a per-rank
// report before any gradient work, so a numeric fault on one worker skips
// the update on all of them, and gradients are averaged through the
// coordinator so every rank applies an identical update. Each step
// consumes one global batch split across the ranks, so the sequence of
// updates does not depend on the world size.
package trainer

import (
	"context"
	"math"
	"runtime"
	"strings"

	"github.com/Jwoo5/ai612-project2-2023/internal/checkpoint"
	"github.com/Jwoo5/ai612-project2-2023/internal/data"
	"github.com/Jwoo5/ai612-project2-2023/internal/distributed"
	"github.com/Jwoo5/ai612-project2-2023/internal/observability/logging"
	"github.com/Jwoo5/ai612-project2-2023/internal/task"
	"github.com/Jwoo5/ai612-project2-2023/pkg/config"
	"github.com/Jwoo5/ai612-project2-2023/pkg/errors"
	"github.com/Jwoo5/ai612-project2-2023/pkg/types"
	"github.com/Jwoo5/ai612-project2-2023/pkg/utils"
)

// ============================================================================
// Trainer
// ============================================================================

// Trainer runs train and validation steps for one worker
type Trainer struct {
	cfg       *config.Config
	coord     *distributed.Coordinator
	logger    logging.Logger
	model     task.Model
	criterion task.Criterion
	optimizer *Adam
	scheduler *FixedScheduler

	trainIter *data.EpochIterator
	validIter *data.EpochIterator

	phase      types.TrainerPhase
	epoch      int
	numUpdates int
	skipped    int
	lastSkip   string
	lastGnorm  float64
}

// New builds a trainer around an already-constructed model, criterion, and
// dataset. The dataset is split and sharded from the run seed, so every
// worker constructs the identical batch plan.
func New(cfg *config.Config, coord *distributed.Coordinator, model task.Model, criterion task.Criterion, dataset task.Dataset, logger logging.Logger) (*Trainer, error) {
	params := model.Parameters()
	optimizer, err := NewAdam(cfg.Optimization, len(params.Data))
	if err != nil {
		return nil, err
	}

	trainIdx, validIdx := data.SplitIndices(dataset.Len(), cfg.Run.ValidPercent, cfg.Run.Seed)
	if len(trainIdx) == 0 {
		return nil, errors.NewFromCodef(errors.ErrDataEmptySplit,
			"train split is empty after holding out %.1f%% of %d items",
			cfg.Run.ValidPercent*100, dataset.Len())
	}

	iterCfg := data.IteratorConfig{
		Dataset:    dataset,
		BatchSize:  cfg.Run.BatchSize,
		ShardID:    coord.Rank(),
		NumShards:  coord.WorldSize(),
		Seed:       cfg.Run.Seed,
		NumWorkers: cfg.Run.NumWorkers,
		PinMemory:  cfg.Run.PinMemory,
	}

	trainCfg := iterCfg
	trainCfg.Indices = trainIdx
	trainIter, err := data.NewEpochIterator(trainCfg)
	if err != nil {
		return nil, err
	}

	var validIter *data.EpochIterator
	if len(validIdx) > 0 {
		validCfg := iterCfg
		validCfg.Indices = validIdx
		validIter, err = data.NewEpochIterator(validCfg)
		if err != nil {
			return nil, err
		}
	}

	t := &Trainer{
		cfg:       cfg,
		coord:     coord,
		logger:    logger.Named("trainer").With(logging.Int("rank", coord.Rank())),
		model:     model,
		criterion: criterion,
		optimizer: optimizer,
		trainIter: trainIter,
		validIter: validIter,
		phase:     types.PhaseIdle,
	}
	t.scheduler = NewFixedScheduler(cfg.Optimization, optimizer)
	return t, nil
}

// Iterator returns the sharded training epoch iterator
func (t *Trainer) Iterator() *data.EpochIterator {
	return t.trainIter
}

// ValidIterator returns the sharded validation iterator, nil when
// valid_percent holds out nothing
func (t *Trainer) ValidIterator() *data.EpochIterator {
	return t.validIter
}

// Rank returns the data-parallel rank this trainer serves
func (t *Trainer) Rank() int {
	return t.coord.Rank()
}

// IsMaster reports whether this trainer serves rank zero
func (t *Trainer) IsMaster() bool {
	return t.coord.IsMaster()
}

// Model returns the worker's model replica
func (t *Trainer) Model() task.Model {
	return t.model
}

// Criterion returns the loss the trainer optimizes
func (t *Trainer) Criterion() task.Criterion {
	return t.criterion
}

// Phase returns the trainer's position in its state machine
func (t *Trainer) Phase() types.TrainerPhase {
	return t.phase
}

// Epoch returns the number of the epoch most recently begun
func (t *Trainer) Epoch() int {
	return t.epoch
}

// NumUpdates returns the number of optimizer updates applied. Skipped
// steps do not advance it.
func (t *Trainer) NumUpdates() int {
	return t.numUpdates
}

// SkippedSteps returns how many updates were abandoned on numeric faults
func (t *Trainer) SkippedSteps() int {
	return t.skipped
}

// LastSkipReason returns the fault code behind the most recent skipped
// update, empty until a step has been skipped
func (t *Trainer) LastSkipReason() string {
	return t.lastSkip
}

// LR returns the learning rate the next update will use
func (t *Trainer) LR() float64 {
	return t.optimizer.LR()
}

// GradNorm returns the gradient norm measured on the most recent step,
// before clipping
func (t *Trainer) GradNorm() float64 {
	return t.lastGnorm
}

func (t *Trainer) requirePhase(op string, want ...types.TrainerPhase) error {
	for _, w := range want {
		if t.phase == w {
			return nil
		}
	}
	names := make([]string, len(want))
	for i, w := range want {
		names[i] = w.String()
	}
	return errors.NewFromCodef(errors.ErrSysInvalidState,
		"%s requires trainer phase %s, currently %s", op, strings.Join(names, " or "), t.phase)
}

// ============================================================================
// Epoch Lifecycle
// ============================================================================

// BeginEpoch opens the numbered epoch and applies its scheduled rate
func (t *Trainer) BeginEpoch(epoch int) error {
	if err := t.requirePhase("begin_epoch", types.PhaseIdle); err != nil {
		return err
	}
	if epoch < 1 {
		return errors.NewFromCodef(errors.ErrSysInvalidState, "epochs are numbered from 1, got %d", epoch)
	}
	t.epoch = epoch
	lr := t.scheduler.StepBeginEpoch(epoch)
	t.phase = types.PhaseEpochActive
	t.logger.Debug("begin epoch",
		logging.Int("epoch", epoch),
		logging.Float64("lr", lr))
	return nil
}

// BeginValidEpoch switches the trainer into the read-only validation pass
func (t *Trainer) BeginValidEpoch(epoch int) error {
	if err := t.requirePhase("begin_valid_epoch", types.PhaseEpochActive); err != nil {
		return err
	}
	t.phase = types.PhaseValidating
	t.logger.Debug("begin valid epoch", logging.Int("epoch", epoch))
	return nil
}

// LRStep closes the epoch: it hands the validation loss to the schedule,
// fixes the base rate for the next epoch, and returns the trainer to idle
func (t *Trainer) LRStep(epoch int, validLoss float64) (float64, error) {
	if err := t.requirePhase("lr_step", types.PhaseValidating, types.PhaseEpochActive); err != nil {
		return 0, err
	}
	lr := t.scheduler.Step(epoch, validLoss)
	t.phase = types.PhaseIdle
	t.logger.Debug("lr step",
		logging.Int("epoch", epoch),
		logging.Float64("next_lr", lr))
	return lr, nil
}

// ============================================================================
// Steps
// ============================================================================

// stepReport is the payload every rank contributes before gradient work.
// A non-empty fault code means the sender could not finish its forward
// pass and the group must decide together what to do with the step.
type stepReport struct {
	Log   *task.LogOutput `json:"log,omitempty"`
	Fault string          `json:"fault,omitempty"`
}

func (t *Trainer) gatherReports(ctx context.Context, report stepReport) ([]stepReport, error) {
	raw, err := t.coord.AllGatherList(ctx, report)
	if err != nil {
		return nil, err
	}
	reports := make([]stepReport, len(raw))
	for rank, payload := range raw {
		if err := utils.FromJSONBytes(payload, &reports[rank]); err != nil {
			return nil, errors.Wrapf(err, errors.ErrSysInternalError.Code,
				"decoding step report from rank %d", rank)
		}
	}
	return reports, nil
}

// TrainStep runs forward, backward, gradient averaging, and one optimizer
// update for the batch. A recoverable numeric fault on any rank skips the
// update on every rank: the step returns nil outputs, num_updates does
// not advance, and training continues with the next batch. The returned
// logging outputs are ordered by rank and identical on every worker.
func (t *Trainer) TrainStep(ctx context.Context, sample *task.Sample) ([]*task.LogOutput, error) {
	if err := t.requirePhase("train_step", types.PhaseEpochActive); err != nil {
		return nil, err
	}
	t.phase = types.PhaseStepActive
	defer func() { t.phase = types.PhaseEpochActive }()

	params := t.model.Parameters()
	params.ZeroGrad()

	var report stepReport
	out, err := t.criterion.Forward(t.model, sample, true)
	switch {
	case err != nil && errors.IsRecoverable(err):
		t.logger.Warn("recoverable fault in forward pass",
			logging.Int("batch", sample.ID),
			logging.String("code", errors.GetCode(err)),
			logging.Error(err))
		report.Fault = errors.GetCode(err)
	case err != nil:
		return nil, err
	case !isFinite(out.Loss):
		t.logger.Warn("loss is not finite",
			logging.Int("batch", sample.ID),
			logging.Float64("loss", out.Loss),
			logging.String("code", errors.ErrNumNaNLoss.Code))
		report.Fault = errors.ErrNumNaNLoss.Code
	default:
		report.Log = out.LogOutput
	}

	reports, err := t.gatherReports(ctx, report)
	if err != nil {
		return nil, err
	}
	for rank, r := range reports {
		if r.Fault != "" {
			t.skipped++
			t.lastSkip = r.Fault
			t.logger.Warn("skipping update",
				logging.Int("batch", sample.ID),
				logging.Int("faulted_rank", rank),
				logging.String("code", r.Fault))
			return nil, nil
		}
	}

	if err := t.model.Backward(sample.Inputs, out.GradLogits); err != nil {
		return nil, err
	}
	if t.coord.WorldSize() > 1 {
		if err := t.coord.AllReduce(ctx, params.Grad); err != nil {
			return nil, err
		}
	}

	gnorm := ClipGradNorm(params.Grad, t.cfg.Optimization.ClipNorm)
	t.lastGnorm = gnorm
	if !isFinite(gnorm) {
		// the averaged gradients are identical on every rank, so every
		// rank takes this branch together
		t.skipped++
		t.lastSkip = errors.ErrNumGradientOverflow.Code
		t.logger.Warn("gradient overflow, skipping update",
			logging.Int("batch", sample.ID),
			logging.Float64("gnorm", gnorm),
			logging.String("code", errors.ErrNumGradientOverflow.Code))
		return nil, nil
	}

	if err := t.optimizer.Step(params); err != nil {
		return nil, err
	}
	t.numUpdates++
	t.scheduler.StepUpdate(t.numUpdates)
	t.maybeReleaseMemory()

	logs := make([]*task.LogOutput, len(reports))
	for rank, r := range reports {
		logs[rank] = r.Log
	}
	return logs, nil
}

// ValidStep scores one batch without touching gradients. Ranks exchange
// their logging outputs so every worker folds the full validation picture
// into its meters; a recoverable fault on one rank drops that rank's
// contribution without aborting the pass.
func (t *Trainer) ValidStep(ctx context.Context, sample *task.Sample) ([]*task.LogOutput, error) {
	if err := t.requirePhase("valid_step", types.PhaseValidating); err != nil {
		return nil, err
	}

	var report stepReport
	out, err := t.criterion.Forward(t.model, sample, false)
	switch {
	case err != nil && errors.IsRecoverable(err):
		t.logger.Warn("recoverable fault in validation forward",
			logging.Int("batch", sample.ID),
			logging.String("code", errors.GetCode(err)),
			logging.Error(err))
		report.Fault = errors.GetCode(err)
	case err != nil:
		return nil, err
	default:
		report.Log = out.LogOutput
	}

	reports, err := t.gatherReports(ctx, report)
	if err != nil {
		return nil, err
	}
	logs := make([]*task.LogOutput, 0, len(reports))
	for _, r := range reports {
		if r.Log != nil {
			logs = append(logs, r.Log)
		}
	}
	return logs, nil
}

// maybeReleaseMemory forces a collection on the empty_cache_freq cadence
func (t *Trainer) maybeReleaseMemory() {
	freq := t.cfg.Run.EmptyCacheFreq
	if freq > 0 && t.numUpdates%freq == 0 {
		runtime.GC()
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ============================================================================
// Checkpoint State
// ============================================================================

// OptimizerState snapshots the optimizer for checkpointing
func (t *Trainer) OptimizerState() *checkpoint.OptimizerState {
	return t.optimizer.StateDict()
}

// LoadState restores model and optimizer state from a checkpoint. The
// trainer must be idle. A nil state or a nil optimizer block (saved with
// no_save_optimizer_state) leaves the fresh pieces in place.
func (t *Trainer) LoadState(state *checkpoint.State) error {
	if err := t.requirePhase("load_state", types.PhaseIdle); err != nil {
		return err
	}
	if state == nil {
		return nil
	}
	if err := t.model.LoadStateDict(state.Model); err != nil {
		return errors.Wrapf(err, errors.ErrCkptCorrupt.Code, "restoring model state")
	}
	if state.Optimizer != nil {
		if err := t.optimizer.LoadStateDict(state.Optimizer); err != nil {
			return err
		}
	}
	t.numUpdates = state.NumUpdates
	t.trainIter.SetEpoch(state.Epoch)
	if t.validIter != nil {
		t.validIter.SetEpoch(state.Epoch)
	}
	t.scheduler.StepUpdate(t.numUpdates)
	t.logger.Info("restored trainer state",
		logging.Int("epoch", state.Epoch),
		logging.Int("num_updates", state.NumUpdates))
	return nil
}
