package trainer

import (
	"math"

	"github.com/Jwoo5/ai612-project2-2023/pkg/config"
)

// ============================================================================
// Fixed LR Schedule
// ============================================================================

// FixedScheduler anneals the learning rate on a fixed epoch schedule. The
// base rate holds at lr until force_anneal, then shrinks by lr_shrink for
// every further epoch. While num_updates is below warmup_updates the
// applied rate is additionally scaled by a linear warmup factor.
//
// The applied rate is a pure function of the epoch number and num_updates,
// so the schedule carries no state of its own across checkpoints.
type FixedScheduler struct {
	cfg config.OptimizationConfig
	opt *Adam

	baseLR       float64
	warmupFactor float64
}

// NewFixedScheduler wires a schedule to the optimizer it drives and
// applies the epoch 1 rate
func NewFixedScheduler(cfg config.OptimizationConfig, opt *Adam) *FixedScheduler {
	s := &FixedScheduler{cfg: cfg, opt: opt, warmupFactor: 1}
	if cfg.WarmupUpdates > 0 {
		s.warmupFactor = 1 / float64(cfg.WarmupUpdates)
	}
	s.baseLR = s.nextLR(1)
	s.apply()
	return s
}

// nextLR returns the base rate for the given 1-based epoch. force_anneal 0
// never anneals.
func (s *FixedScheduler) nextLR(epoch int) float64 {
	if s.cfg.ForceAnneal <= 0 || epoch < s.cfg.ForceAnneal {
		return s.cfg.LR
	}
	return s.cfg.LR * math.Pow(s.cfg.LRShrink, float64(epoch+1-s.cfg.ForceAnneal))
}

func (s *FixedScheduler) apply() {
	s.opt.SetLR(s.warmupFactor * s.baseLR)
}

// StepBeginEpoch fixes the base rate for the epoch about to start and
// returns the applied rate
func (s *FixedScheduler) StepBeginEpoch(epoch int) float64 {
	s.baseLR = s.nextLR(epoch)
	s.apply()
	return s.opt.LR()
}

// Step adjusts the rate at the end of the given epoch. The validation
// loss parameter exists for schedules that react to it; the fixed
// schedule does not consult it.
func (s *FixedScheduler) Step(epoch int, validLoss float64) float64 {
	s.baseLR = s.nextLR(epoch + 1)
	s.apply()
	return s.opt.LR()
}

// StepUpdate recomputes the warmup factor after an optimizer update.
// Counts at or past warmup_updates pin the factor at one, which also
// realigns the factor when resuming mid-run from a checkpoint.
func (s *FixedScheduler) StepUpdate(numUpdates int) float64 {
	if s.cfg.WarmupUpdates > 0 {
		if numUpdates < s.cfg.WarmupUpdates {
			s.warmupFactor = float64(numUpdates+1) / float64(s.cfg.WarmupUpdates)
		} else {
			s.warmupFactor = 1
		}
		s.apply()
	}
	return s.opt.LR()
}

// LR returns the rate currently applied to the optimizer
func (s *FixedScheduler) LR() float64 {
	return s.opt.LR()
}
