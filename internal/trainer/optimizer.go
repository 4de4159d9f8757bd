package trainer

import (
	"math"

	"github.com/Jwoo5/ai612-project2-2023/internal/checkpoint"
	"github.com/Jwoo5/ai612-project2-2023/internal/task"
	"github.com/Jwoo5/ai612-project2-2023/pkg/config"
	"github.com/Jwoo5/ai612-project2-2023/pkg/errors"
)

// ============================================================================
// Adam Optimizer
// ============================================================================

// Adam applies the Adam update rule to a flat parameter vector. Weight
// decay is folded into the gradient before the moment updates, so it
// behaves as L2 regularization rather than decoupled decay.
type Adam struct {
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64

	step     int
	expAvg   []float64
	expAvgSq []float64
}

// NewAdam builds an optimizer sized for numParams parameters
func NewAdam(cfg config.OptimizationConfig, numParams int) (*Adam, error) {
	beta1, beta2, err := cfg.ParseAdamBetas()
	if err != nil {
		return nil, err
	}
	if numParams < 1 {
		return nil, errors.ConfigErrorf("optimizer needs at least one parameter, got %d", numParams)
	}
	return &Adam{
		lr:          cfg.LR,
		beta1:       beta1,
		beta2:       beta2,
		eps:         cfg.AdamEps,
		weightDecay: cfg.WeightDecay,
		expAvg:      make([]float64, numParams),
		expAvgSq:    make([]float64, numParams),
	}, nil
}

// LR returns the learning rate the next update will use
func (a *Adam) LR() float64 {
	return a.lr
}

// SetLR replaces the learning rate. The scheduler owns this knob.
func (a *Adam) SetLR(lr float64) {
	a.lr = lr
}

// NumSteps returns how many updates have been applied
func (a *Adam) NumSteps() int {
	return a.step
}

// Step consumes the accumulated gradients and updates params in place
// with bias-corrected first and second moments
func (a *Adam) Step(params *task.Parameters) error {
	if len(params.Data) != len(a.expAvg) || len(params.Grad) != len(a.expAvg) {
		return errors.NewFromCodef(errors.ErrSysInternalError,
			"optimizer sized for %d parameters, model carries %d", len(a.expAvg), len(params.Data))
	}

	a.step++
	biasCorrection1 := 1 - math.Pow(a.beta1, float64(a.step))
	biasCorrection2 := 1 - math.Pow(a.beta2, float64(a.step))
	stepSize := a.lr / biasCorrection1
	sqrtBC2 := math.Sqrt(biasCorrection2)

	for i, grad := range params.Grad {
		if a.weightDecay != 0 {
			grad += a.weightDecay * params.Data[i]
		}
		a.expAvg[i] = a.beta1*a.expAvg[i] + (1-a.beta1)*grad
		a.expAvgSq[i] = a.beta2*a.expAvgSq[i] + (1-a.beta2)*grad*grad
		denom := math.Sqrt(a.expAvgSq[i])/sqrtBC2 + a.eps
		params.Data[i] -= stepSize * a.expAvg[i] / denom
	}
	return nil
}

// StateDict snapshots the optimizer for checkpointing. The snapshot owns
// its slices, so later updates do not leak into a pending save.
func (a *Adam) StateDict() *checkpoint.OptimizerState {
	return &checkpoint.OptimizerState{
		Step:     a.step,
		ExpAvg:   append([]float64(nil), a.expAvg...),
		ExpAvgSq: append([]float64(nil), a.expAvgSq...),
	}
}

// LoadStateDict restores a snapshot taken by StateDict. A nil state is a
// fresh start and leaves the zeroed moments in place.
func (a *Adam) LoadStateDict(state *checkpoint.OptimizerState) error {
	if state == nil {
		return nil
	}
	if len(state.ExpAvg) != len(a.expAvg) || len(state.ExpAvgSq) != len(a.expAvgSq) {
		return errors.NewFromCodef(errors.ErrCkptCorrupt,
			"optimizer state carries %d moments, model needs %d", len(state.ExpAvg), len(a.expAvg))
	}
	a.step = state.Step
	copy(a.expAvg, state.ExpAvg)
	copy(a.expAvgSq, state.ExpAvgSq)
	return nil
}

// ============================================================================
// Gradient Clipping
// ============================================================================

// ClipGradNorm rescales grads in place so their global L2 norm does not
// exceed maxNorm, and returns the norm measured before rescaling. A
// maxNorm of zero disables clipping but still reports the norm, which
// lets callers watch for overflow.
func ClipGradNorm(grads []float64, maxNorm float64) float64 {
	var sumSq float64
	for _, g := range grads {
		sumSq += g * g
	}
	norm := math.Sqrt(sumSq)

	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / (norm + 1e-6)
		for i := range grads {
			grads[i] *= scale
		}
	}
	return norm
}
