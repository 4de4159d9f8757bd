// Package task defines the collaborator interfaces a training run consumes:
// the dataset that yields batches, the model that maps inputs to logits,
// and the criterion that scores predictions and reduces logging outputs
// gathered from every worker.
package task

import (
	"github.com/Jwoo5/ai612-project2-2023/internal/metrics"
)

// ============================================================================
// Samples and Batches
// ============================================================================

// Item is a single training example
type Item struct {
	// Feature vector
	Input []float64

	// Target columns; multiclass columns use -1 for missing labels
	Target []int
}

// Sample is a collated batch of items
type Sample struct {
	// Ordinal of this batch within the epoch
	ID int

	// Inputs is the (batch, features) matrix
	Inputs [][]float64

	// Targets is the (batch, targets) matrix
	Targets [][]int
}

// BatchSize returns the number of items in the batch
func (s *Sample) BatchSize() int {
	if s == nil {
		return 0
	}
	return len(s.Inputs)
}

// ============================================================================
// Model
// ============================================================================

// Parameters is the flat view of a model's trainable state shared by the
// optimizer and gradient synchronization. Data and Grad are index-aligned.
type Parameters struct {
	Data []float64
	Grad []float64
}

// ZeroGrad clears the accumulated gradients
func (p *Parameters) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Model maps batches of inputs to logits and accumulates gradients for its
// flat parameter vector
type Model interface {
	// Name returns the registered model name
	Name() string

	// Forward computes the (batch, outputs) logit matrix
	Forward(inputs [][]float64) ([][]float64, error)

	// Backward accumulates parameter gradients given the gradient of the
	// loss with respect to the logits from the matching Forward call
	Backward(inputs [][]float64, gradLogits [][]float64) error

	// Parameters returns the flat trainable state. Callers mutate it in
	// place; the model observes updates on the next Forward.
	Parameters() *Parameters

	// StateDict returns named copies of the trainable state for persistence
	StateDict() map[string][]float64

	// LoadStateDict restores trainable state saved by StateDict
	LoadStateDict(state map[string][]float64) error
}

// ============================================================================
// Criterion
// ============================================================================

// LogOutput is the per-batch logging payload a criterion emits. It travels
// across workers through all-gather, so every field is JSON-serializable.
type LogOutput struct {
	// Loss is the reduced batch loss
	Loss float64 `json:"loss"`

	// BatchSize is the number of items scored
	BatchSize int `json:"batch_size"`

	// SampleSize is the gradient denominator contributed by this batch
	SampleSize int `json:"sample_size"`

	// Binary carries score/label pairs for the binary target columns
	Binary *metrics.AUCBatch `json:"binary,omitempty"`

	// Multiclass carries softmax rows keyed by target column index
	Multiclass map[string]*metrics.MulticlassAUCBatch `json:"multiclass,omitempty"`
}

// CriterionOutput bundles the loss, the gradient of the loss with respect
// to the logits, and the logging payload for one batch
type CriterionOutput struct {
	// Loss is the reduced batch loss
	Loss float64

	// SampleSize is the gradient denominator for this batch
	SampleSize int

	// GradLogits is the (batch, outputs) loss gradient, nil when the
	// forward pass ran without gradient computation
	GradLogits [][]float64

	// LogOutput is the logging payload for this batch
	LogOutput *LogOutput
}

// Criterion scores model predictions against targets
type Criterion interface {
	// Name returns the registered criterion name
	Name() string

	// Forward computes the loss for a batch. When computeGrad is set the
	// output carries the gradient of the loss with respect to the logits.
	Forward(model Model, sample *Sample, computeGrad bool) (*CriterionOutput, error)

	// ReduceMetrics folds logging outputs gathered from every worker into
	// the aggregator's active contexts
	ReduceMetrics(logOutputs []*LogOutput, agg *metrics.Aggregator) error
}

// ============================================================================
// Dataset
// ============================================================================

// Dataset is an indexable collection of items with a collation rule
type Dataset interface {
	// Name returns the registered dataset name
	Name() string

	// Len returns the number of items
	Len() int

	// Get fetches the item at index
	Get(index int) (*Item, error)

	// Collate assembles fetched items into a batch
	Collate(items []*Item) (*Sample, error)
}
