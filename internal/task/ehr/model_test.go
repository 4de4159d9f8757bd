package ehr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jwoo5/ai612-project2-2023/internal/task/ehr"
)

func zeroedModel(numFeatures int) *ehr.LinearModel {
	model := ehr.NewLinearModel("test_model", numFeatures, 1)
	params := model.Parameters()
	for i := range params.Data {
		params.Data[i] = 0
	}
	return model
}

func TestLinearModelForward(t *testing.T) {
	t.Run("computes the affine map", func(t *testing.T) {
		model := zeroedModel(2)
		params := model.Parameters()
		// weight[k][j] lives at k*NumOutputs+j, bias at the tail
		params.Data[0*ehr.NumOutputs+0] = 1
		params.Data[0*ehr.NumOutputs+1] = 2
		params.Data[1*ehr.NumOutputs+0] = 3
		params.Data[1*ehr.NumOutputs+1] = 4
		params.Data[2*ehr.NumOutputs+0] = 0.5
		params.Data[2*ehr.NumOutputs+1] = -0.5

		logits, err := model.Forward([][]float64{{1, 2}})
		require.NoError(t, err)
		require.Len(t, logits, 1)
		require.Len(t, logits[0], ehr.NumOutputs)

		assert.InDelta(t, 7.5, logits[0][0], 1e-9)
		assert.InDelta(t, 9.5, logits[0][1], 1e-9)
		assert.InDelta(t, 0.0, logits[0][2], 1e-9)
	})

	t.Run("rejects a row with the wrong width", func(t *testing.T) {
		model := zeroedModel(2)

		_, err := model.Forward([][]float64{{1, 2, 3}})
		assert.Error(t, err)
	})
}

func TestLinearModelBackward(t *testing.T) {
	t.Run("accumulates weight and bias gradients", func(t *testing.T) {
		model := zeroedModel(2)

		gradLogits := make([][]float64, 1)
		gradLogits[0] = make([]float64, ehr.NumOutputs)
		gradLogits[0][0] = 1
		gradLogits[0][1] = 0.5

		require.NoError(t, model.Backward([][]float64{{1, 2}}, gradLogits))

		grad := model.Parameters().Grad
		assert.InDelta(t, 1.0, grad[0*ehr.NumOutputs+0], 1e-9)
		assert.InDelta(t, 0.5, grad[0*ehr.NumOutputs+1], 1e-9)
		assert.InDelta(t, 2.0, grad[1*ehr.NumOutputs+0], 1e-9)
		assert.InDelta(t, 1.0, grad[1*ehr.NumOutputs+1], 1e-9)
		assert.InDelta(t, 1.0, grad[2*ehr.NumOutputs+0], 1e-9)
		assert.InDelta(t, 0.5, grad[2*ehr.NumOutputs+1], 1e-9)
	})

	t.Run("adds onto existing gradients until zeroed", func(t *testing.T) {
		model := zeroedModel(2)

		gradLogits := make([][]float64, 1)
		gradLogits[0] = make([]float64, ehr.NumOutputs)
		gradLogits[0][0] = 1

		require.NoError(t, model.Backward([][]float64{{1, 0}}, gradLogits))
		require.NoError(t, model.Backward([][]float64{{1, 0}}, gradLogits))
		assert.InDelta(t, 2.0, model.Parameters().Grad[0], 1e-9)

		model.Parameters().ZeroGrad()
		assert.Zero(t, model.Parameters().Grad[0])
	})

	t.Run("rejects mismatched row counts", func(t *testing.T) {
		model := zeroedModel(2)
		assert.Error(t, model.Backward([][]float64{{1, 2}}, nil))
	})
}

func TestLinearModelState(t *testing.T) {
	t.Run("state dict round trips", func(t *testing.T) {
		source := ehr.NewLinearModel("test_model", 4, 7)
		target := ehr.NewLinearModel("test_model", 4, 8)
		require.NotEqual(t, source.Parameters().Data, target.Parameters().Data)

		require.NoError(t, target.LoadStateDict(source.StateDict()))
		assert.Equal(t, source.Parameters().Data, target.Parameters().Data)
	})

	t.Run("state dict copies do not alias the parameters", func(t *testing.T) {
		model := ehr.NewLinearModel("test_model", 2, 7)
		state := model.StateDict()
		state["weight"][0] = 12345

		assert.NotEqual(t, 12345.0, model.Parameters().Data[0])
	})

	t.Run("shape mismatch is rejected", func(t *testing.T) {
		model := ehr.NewLinearModel("test_model", 2, 7)

		err := model.LoadStateDict(map[string][]float64{
			"weight": make([]float64, 3),
			"bias":   make([]float64, ehr.NumOutputs),
		})
		assert.Error(t, err)
	})

	t.Run("missing keys are rejected", func(t *testing.T) {
		model := ehr.NewLinearModel("test_model", 2, 7)
		assert.Error(t, model.LoadStateDict(map[string][]float64{}))
	})
}

func TestLinearModelInit(t *testing.T) {
	t.Run("same seed gives identical weights", func(t *testing.T) {
		a := ehr.NewLinearModel("test_model", 8, 42)
		b := ehr.NewLinearModel("test_model", 8, 42)
		assert.Equal(t, a.Parameters().Data, b.Parameters().Data)
	})

	t.Run("different seeds give different weights", func(t *testing.T) {
		a := ehr.NewLinearModel("test_model", 8, 42)
		b := ehr.NewLinearModel("test_model", 8, 43)
		assert.NotEqual(t, a.Parameters().Data, b.Parameters().Data)
	})

	t.Run("bias starts at zero", func(t *testing.T) {
		model := ehr.NewLinearModel("test_model", 8, 42)
		bias := model.Parameters().Data[8*ehr.NumOutputs:]
		for _, b := range bias {
			assert.Zero(t, b)
		}
	})
}
