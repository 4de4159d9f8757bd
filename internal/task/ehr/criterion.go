package ehr

import (
	"math"
	"sort"
	"strconv"

	"github.com/Jwoo5/ai612-project2-2023/internal/metrics"
	"github.com/Jwoo5/ai612-project2-2023/internal/task"
	"github.com/Jwoo5/ai612-project2-2023/pkg/errors"
)

// ============================================================================
// Multi-Task Criterion
// ============================================================================

// MultiTaskCriterion scores the 52 logits against the 28 target columns.
// The binary columns contribute a mean binary cross entropy over every
// batch element and column; each multiclass column contributes a cross
// entropy averaged over its labeled rows, with -1 rows ignored. The total
// loss is the sum of all contributions and the gradient denominator is a
// constant 1 per batch.
type MultiTaskCriterion struct{}

// NewMultiTaskCriterion creates the shared criterion
func NewMultiTaskCriterion() *MultiTaskCriterion {
	return &MultiTaskCriterion{}
}

// Name returns the registered criterion name
func (c *MultiTaskCriterion) Name() string {
	return CriterionName
}

// Forward computes the multi-task loss for a batch. When computeGrad is
// set the output carries the loss gradient with respect to every logit.
func (c *MultiTaskCriterion) Forward(model task.Model, sample *task.Sample, computeGrad bool) (*task.CriterionOutput, error) {
	batchSize := sample.BatchSize()
	if batchSize == 0 {
		return nil, errors.NewFromCodef(errors.ErrDataBadBatch, "criterion got an empty batch")
	}
	if len(sample.Targets) != batchSize {
		return nil, errors.NewFromCodef(errors.ErrDataBadBatch,
			"batch has %d input rows and %d target rows", batchSize, len(sample.Targets))
	}

	logits, err := model.Forward(sample.Inputs)
	if err != nil {
		return nil, err
	}
	if len(logits) != batchSize {
		return nil, errors.NewFromCodef(errors.ErrDataBadBatch,
			"model emitted %d logit rows for %d inputs", len(logits), batchSize)
	}
	for r := range logits {
		if len(logits[r]) != NumOutputs {
			return nil, errors.NewFromCodef(errors.ErrDataBadBatch,
				"logit row %d has %d outputs, want %d", r, len(logits[r]), NumOutputs)
		}
		if len(sample.Targets[r]) != NumTargets {
			return nil, errors.NewFromCodef(errors.ErrDataBadBatch,
				"target row %d has %d columns, want %d", r, len(sample.Targets[r]), NumTargets)
		}
	}

	var grad [][]float64
	if computeGrad {
		grad = make([][]float64, batchSize)
		for r := range grad {
			grad[r] = make([]float64, NumOutputs)
		}
	}

	loss := c.binaryLoss(logits, sample.Targets, grad)

	logOutput := &task.LogOutput{
		Loss:       0,
		BatchSize:  batchSize,
		SampleSize: 1,
		Binary:     c.binaryBatch(logits, sample.Targets),
		Multiclass: make(map[string]*metrics.MulticlassAUCBatch, len(MulticlassSizes)),
	}

	offset := NumBinaryTargets
	for g, size := range MulticlassSizes {
		col := NumBinaryTargets + g

		groupLoss, groupBatch, err := c.multiclassLoss(logits, sample.Targets, col, offset, size, grad)
		if err != nil {
			return nil, err
		}
		loss += groupLoss
		logOutput.Multiclass[strconv.Itoa(col)] = groupBatch

		offset += size
	}

	logOutput.Loss = loss

	return &task.CriterionOutput{
		Loss:       loss,
		SampleSize: 1,
		GradLogits: grad,
		LogOutput:  logOutput,
	}, nil
}

// binaryLoss accumulates the mean binary cross entropy over every batch
// element and binary column, filling logit gradients when grad is non-nil
func (c *MultiTaskCriterion) binaryLoss(logits [][]float64, targets [][]int, grad [][]float64) float64 {
	count := float64(len(logits) * NumBinaryTargets)

	sum := 0.0
	for r := range logits {
		for j := 0; j < NumBinaryTargets; j++ {
			z := logits[r][j]
			y := float64(targets[r][j])

			// Stable form of -y*log(sigmoid(z)) - (1-y)*log(1-sigmoid(z))
			sum += math.Max(z, 0) - z*y + math.Log1p(math.Exp(-math.Abs(z)))

			if grad != nil {
				grad[r][j] = (sigmoid(z) - y) / count
			}
		}
	}
	return sum / count
}

// multiclassLoss computes one multiclass column's cross entropy averaged
// over rows with a label, together with the softmax rows for AUC logging
func (c *MultiTaskCriterion) multiclassLoss(
	logits [][]float64,
	targets [][]int,
	col, offset, size int,
	grad [][]float64,
) (float64, *metrics.MulticlassAUCBatch, error) {
	batch := &metrics.MulticlassAUCBatch{
		Scores: make([][]float64, 0, len(logits)),
		Labels: make([]int, 0, len(logits)),
	}

	sum := 0.0
	kept := 0
	for r := range logits {
		y := targets[r][col]
		if y == -1 {
			continue
		}
		if y < 0 || y >= size {
			return 0, nil, errors.NewFromCodef(errors.ErrDataBadBatch,
				"target column %d row %d has class %d, want -1 or 0..%d", col, r, y, size-1)
		}

		probs, logSumExp := softmax(logits[r][offset : offset+size])
		sum += logSumExp - logits[r][offset+y]
		kept++

		batch.Scores = append(batch.Scores, probs)
		batch.Labels = append(batch.Labels, y)

		if grad != nil {
			for cls, p := range probs {
				delta := p
				if cls == y {
					delta -= 1
				}
				grad[r][offset+cls] = delta
			}
		}
	}

	// Columns with no labeled rows contribute nothing to loss or gradient
	if kept == 0 {
		return 0, batch, nil
	}

	if grad != nil {
		scale := 1.0 / float64(kept)
		for r := range grad {
			for cls := 0; cls < size; cls++ {
				grad[r][offset+cls] *= scale
			}
		}
	}
	return sum / float64(kept), batch, nil
}

// binaryBatch lays out sigmoid scores and labels class-major, so each
// binary column's pairs are contiguous and tagged with the column index
func (c *MultiTaskCriterion) binaryBatch(logits [][]float64, targets [][]int) *metrics.AUCBatch {
	batchSize := len(logits)
	total := NumBinaryTargets * batchSize

	out := &metrics.AUCBatch{
		Scores:  make([]float64, total),
		Labels:  make([]int, total),
		Classes: make([]int, total),
	}
	for j := 0; j < NumBinaryTargets; j++ {
		for r := 0; r < batchSize; r++ {
			i := j*batchSize + r
			out.Scores[i] = sigmoid(logits[r][j])
			out.Labels[i] = targets[r][j]
			out.Classes[i] = j
		}
	}
	return out
}

// ReduceMetrics folds logging outputs gathered from every worker into the
// active aggregation contexts
func (c *MultiTaskCriterion) ReduceMetrics(logOutputs []*task.LogOutput, agg *metrics.Aggregator) error {
	lossSum := 0.0
	batchSize := 0
	sampleSize := 0
	for _, log := range logOutputs {
		if log == nil {
			continue
		}
		lossSum += log.Loss
		batchSize += log.BatchSize
		sampleSize += log.SampleSize
	}

	denom := sampleSize
	if denom == 0 {
		denom = 1
	}
	agg.LogScalar("loss", lossSum/float64(denom)/math.Ln2,
		metrics.WithWeight(float64(sampleSize)), metrics.WithRound(3))
	agg.LogScalar("batch_size", float64(batchSize))

	for _, log := range logOutputs {
		if log == nil || log.Binary == nil {
			continue
		}
		if err := agg.LogAUC(metrics.AUCKey, log.Binary); err != nil {
			return err
		}
	}

	for _, log := range logOutputs {
		if log == nil {
			continue
		}
		for _, col := range sortedColumns(log.Multiclass) {
			if err := agg.LogMulticlassAUC(metrics.AUCKey, col, log.Multiclass[strconv.Itoa(col)]); err != nil {
				return err
			}
		}
	}
	return nil
}

func sortedColumns(batches map[string]*metrics.MulticlassAUCBatch) []int {
	cols := make([]int, 0, len(batches))
	for key := range batches {
		if col, err := strconv.Atoi(key); err == nil {
			cols = append(cols, col)
		}
	}
	sort.Ints(cols)
	return cols
}

// ============================================================================
// Numeric Helpers
// ============================================================================

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1.0 / (1.0 + math.Exp(-z))
	}
	ez := math.Exp(z)
	return ez / (1.0 + ez)
}

// softmax returns the probabilities and the log of the exponential sum for
// one logit row
func softmax(logits []float64) ([]float64, float64) {
	maxZ := logits[0]
	for _, z := range logits[1:] {
		if z > maxZ {
			maxZ = z
		}
	}

	probs := make([]float64, len(logits))
	sumExp := 0.0
	for i, z := range logits {
		e := math.Exp(z - maxZ)
		probs[i] = e
		sumExp += e
	}
	for i := range probs {
		probs[i] /= sumExp
	}
	return probs, maxZ + math.Log(sumExp)
}
