package trainer_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jwoo5/ai612-project2-2023/internal/task"
	"github.com/Jwoo5/ai612-project2-2023/internal/trainer"
	"github.com/Jwoo5/ai612-project2-2023/pkg/config"
	"github.com/Jwoo5/ai612-project2-2023/pkg/errors"
)

func adamConfig() config.OptimizationConfig {
	return config.OptimizationConfig{
		LR:        0.1,
		AdamBetas: "(0.9, 0.999)",
		AdamEps:   1e-8,
	}
}

func TestAdam(t *testing.T) {
	t.Run("first update moves each parameter by roughly the learning rate", func(t *testing.T) {
		opt, err := trainer.NewAdam(adamConfig(), 2)
		require.NoError(t, err)

		params := &task.Parameters{
			Data: []float64{1, -2},
			Grad: []float64{0.5, -0.5},
		}
		require.NoError(t, opt.Step(params))

		// bias correction makes the first step lr * sign(grad)
		assert.InDelta(t, 0.9, params.Data[0], 1e-6)
		assert.InDelta(t, -1.9, params.Data[1], 1e-6)
		assert.Equal(t, 1, opt.NumSteps())
	})

	t.Run("constant gradients keep stepping at the learning rate", func(t *testing.T) {
		opt, err := trainer.NewAdam(adamConfig(), 1)
		require.NoError(t, err)

		params := &task.Parameters{Data: []float64{1}, Grad: []float64{1}}
		for i := 0; i < 3; i++ {
			require.NoError(t, opt.Step(params))
		}

		assert.InDelta(t, 0.7, params.Data[0], 1e-6)
		assert.Equal(t, 3, opt.NumSteps())
	})

	t.Run("weight decay pulls parameters toward zero", func(t *testing.T) {
		cfg := adamConfig()
		cfg.WeightDecay = 0.01
		opt, err := trainer.NewAdam(cfg, 2)
		require.NoError(t, err)

		params := &task.Parameters{
			Data: []float64{1, -1},
			Grad: []float64{0, 0},
		}
		require.NoError(t, opt.Step(params))

		assert.Less(t, params.Data[0], 1.0)
		assert.Greater(t, params.Data[0], 0.0)
		assert.InDelta(t, -params.Data[0], params.Data[1], 1e-12)
	})

	t.Run("rejects a parameter vector of the wrong size", func(t *testing.T) {
		opt, err := trainer.NewAdam(adamConfig(), 2)
		require.NoError(t, err)

		params := &task.Parameters{Data: make([]float64, 3), Grad: make([]float64, 3)}
		err = opt.Step(params)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrSysInternalError.Code))
	})

	t.Run("rejects malformed betas", func(t *testing.T) {
		cfg := adamConfig()
		cfg.AdamBetas = "bananas"
		_, err := trainer.NewAdam(cfg, 2)
		assert.Error(t, err)
	})

	t.Run("rejects an empty parameter vector", func(t *testing.T) {
		_, err := trainer.NewAdam(adamConfig(), 0)
		assert.Error(t, err)
	})
}

func TestAdamStateDict(t *testing.T) {
	t.Run("round trips through a snapshot", func(t *testing.T) {
		opt, err := trainer.NewAdam(adamConfig(), 2)
		require.NoError(t, err)

		params := &task.Parameters{Data: []float64{1, 2}, Grad: []float64{0.3, -0.7}}
		require.NoError(t, opt.Step(params))
		require.NoError(t, opt.Step(params))

		snapshot := opt.StateDict()
		assert.Equal(t, 2, snapshot.Step)

		restored, err := trainer.NewAdam(adamConfig(), 2)
		require.NoError(t, err)
		require.NoError(t, restored.LoadStateDict(snapshot))

		assert.Equal(t, snapshot, restored.StateDict())
		assert.Equal(t, 2, restored.NumSteps())
	})

	t.Run("snapshot owns its slices", func(t *testing.T) {
		opt, err := trainer.NewAdam(adamConfig(), 1)
		require.NoError(t, err)

		params := &task.Parameters{Data: []float64{1}, Grad: []float64{1}}
		require.NoError(t, opt.Step(params))

		snapshot := opt.StateDict()
		snapshot.ExpAvg[0] = 999

		assert.NotEqual(t, 999.0, opt.StateDict().ExpAvg[0])
	})

	t.Run("nil state is a fresh start", func(t *testing.T) {
		opt, err := trainer.NewAdam(adamConfig(), 1)
		require.NoError(t, err)
		require.NoError(t, opt.LoadStateDict(nil))
		assert.Equal(t, 0, opt.NumSteps())
	})

	t.Run("mismatched moment sizes surface as corruption", func(t *testing.T) {
		opt, err := trainer.NewAdam(adamConfig(), 2)
		require.NoError(t, err)

		other, err := trainer.NewAdam(adamConfig(), 3)
		require.NoError(t, err)

		err = opt.LoadStateDict(other.StateDict())
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrCkptCorrupt.Code))
	})
}

func TestClipGradNorm(t *testing.T) {
	t.Run("reports the norm and leaves small gradients alone", func(t *testing.T) {
		grads := []float64{3, 4}
		norm := trainer.ClipGradNorm(grads, 10)
		assert.InDelta(t, 5, norm, 1e-12)
		assert.Equal(t, []float64{3, 4}, grads)
	})

	t.Run("rescales the vector onto the limit", func(t *testing.T) {
		grads := []float64{3, 4}
		norm := trainer.ClipGradNorm(grads, 1)
		assert.InDelta(t, 5, norm, 1e-12)

		var clipped float64
		for _, g := range grads {
			clipped += g * g
		}
		assert.InDelta(t, 1, math.Sqrt(clipped), 1e-3)
		assert.InDelta(t, 0.6, grads[0], 1e-3)
		assert.InDelta(t, 0.8, grads[1], 1e-3)
	})

	t.Run("zero max norm disables clipping", func(t *testing.T) {
		grads := []float64{30, 40}
		norm := trainer.ClipGradNorm(grads, 0)
		assert.InDelta(t, 50, norm, 1e-12)
		assert.Equal(t, []float64{30, 40}, grads)
	})

	t.Run("propagates non-finite norms", func(t *testing.T) {
		assert.True(t, math.IsInf(trainer.ClipGradNorm([]float64{math.Inf(1), 1}, 1), 1))
		assert.True(t, math.IsNaN(trainer.ClipGradNorm([]float64{math.NaN()}, 1)))
	})
}
