package ehr

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/Jwoo5/ai612-project2-2023/internal/task"
	"github.com/Jwoo5/ai612-project2-2023/pkg/config"
	"github.com/Jwoo5/ai612-project2-2023/pkg/errors"
)

// ============================================================================
// Linear Multi-Head Model
// ============================================================================

// LinearModel maps a feature vector to the 52 task logits through a single
// affine transform. The weight matrix and bias live in one flat parameter
// vector so the optimizer and gradient synchronization can treat the model
// as a single buffer.
type LinearModel struct {
	name        string
	numFeatures int
	params      *task.Parameters
}

// BuildLinearModel sizes the model from the dataset manifest at the
// configured data path and initializes weights from the run seed
func BuildLinearModel(cfg *config.Config) (*LinearModel, error) {
	manifest, err := LoadManifest(cfg.Run.DataPath)
	if err != nil {
		return nil, err
	}
	return NewLinearModel(cfg.Run.ModelName(), manifest.NumFeatures, cfg.Run.Seed), nil
}

// NewLinearModel creates a model for numFeatures input features with
// seeded uniform weight initialization and zero bias
func NewLinearModel(name string, numFeatures int, seed int64) *LinearModel {
	size := numFeatures*NumOutputs + NumOutputs
	params := &task.Parameters{
		Data: make([]float64, size),
		Grad: make([]float64, size),
	}

	rng := rand.New(rand.NewSource(seed))
	scale := 1.0 / math.Sqrt(float64(numFeatures))
	for i := 0; i < numFeatures*NumOutputs; i++ {
		params.Data[i] = (rng.Float64()*2 - 1) * scale
	}

	return &LinearModel{
		name:        name,
		numFeatures: numFeatures,
		params:      params,
	}
}

// Name returns the registered model name
func (m *LinearModel) Name() string {
	return m.name
}

// NumFeatures returns the expected input width
func (m *LinearModel) NumFeatures() int {
	return m.numFeatures
}

// Forward computes logits[r][j] = bias[j] + sum_k inputs[r][k] * weight[k][j]
func (m *LinearModel) Forward(inputs [][]float64) ([][]float64, error) {
	bias := m.params.Data[m.numFeatures*NumOutputs:]

	logits := make([][]float64, len(inputs))
	for r, row := range inputs {
		if len(row) != m.numFeatures {
			return nil, errors.NewFromCodef(errors.ErrDataBadBatch,
				"input row %d has %d features, model expects %d", r, len(row), m.numFeatures)
		}

		out := make([]float64, NumOutputs)
		copy(out, bias)
		for k, x := range row {
			if x == 0 {
				continue
			}
			weights := m.params.Data[k*NumOutputs : (k+1)*NumOutputs]
			for j, w := range weights {
				out[j] += x * w
			}
		}
		logits[r] = out
	}
	return logits, nil
}

// Backward accumulates parameter gradients for the batch that produced
// gradLogits
func (m *LinearModel) Backward(inputs [][]float64, gradLogits [][]float64) error {
	if len(inputs) != len(gradLogits) {
		return errors.NewFromCodef(errors.ErrDataBadBatch,
			"backward got %d input rows and %d gradient rows", len(inputs), len(gradLogits))
	}

	gradBias := m.params.Grad[m.numFeatures*NumOutputs:]
	for r, row := range inputs {
		g := gradLogits[r]
		if len(row) != m.numFeatures || len(g) != NumOutputs {
			return errors.NewFromCodef(errors.ErrDataBadBatch,
				"backward row %d has %d features and %d logit gradients", r, len(row), len(g))
		}

		for j, gj := range g {
			gradBias[j] += gj
		}
		for k, x := range row {
			if x == 0 {
				continue
			}
			gradWeights := m.params.Grad[k*NumOutputs : (k+1)*NumOutputs]
			for j, gj := range g {
				gradWeights[j] += x * gj
			}
		}
	}
	return nil
}

// Parameters returns the flat trainable state
func (m *LinearModel) Parameters() *task.Parameters {
	return m.params
}

// StateDict returns named copies of the weight matrix and bias
func (m *LinearModel) StateDict() map[string][]float64 {
	split := m.numFeatures * NumOutputs
	weight := make([]float64, split)
	bias := make([]float64, NumOutputs)
	copy(weight, m.params.Data[:split])
	copy(bias, m.params.Data[split:])
	return map[string][]float64{
		"weight": weight,
		"bias":   bias,
	}
}

// LoadStateDict restores the weight matrix and bias saved by StateDict
func (m *LinearModel) LoadStateDict(state map[string][]float64) error {
	split := m.numFeatures * NumOutputs

	weight, ok := state["weight"]
	if !ok {
		return fmt.Errorf("model state is missing %q", "weight")
	}
	bias, ok := state["bias"]
	if !ok {
		return fmt.Errorf("model state is missing %q", "bias")
	}
	if len(weight) != split || len(bias) != NumOutputs {
		return fmt.Errorf("model state shape mismatch: got weight %d bias %d, want weight %d bias %d",
			len(weight), len(bias), split, NumOutputs)
	}

	copy(m.params.Data[:split], weight)
	copy(m.params.Data[split:], bias)
	return nil
}
