package metrics

import (
	"fmt"
	"sort"
	"sync"
)

// ============================================================================
// AUC Samples
// ============================================================================

// AUCBatch carries one batch worth of score/label pairs grouped by class,
// produced by the criterion and consumed by the AUC meter
type AUCBatch struct {
	// Predicted scores, one per element
	Scores []float64 `json:"scores"`

	// Binary ground truth (0 or 1), one per element
	Labels []int `json:"labels"`

	// Class index each element belongs to, one per element
	Classes []int `json:"classes"`
}

// Validate checks that the three parallel slices agree in length
func (b *AUCBatch) Validate() error {
	if len(b.Scores) != len(b.Labels) || len(b.Scores) != len(b.Classes) {
		return fmt.Errorf("auc batch length mismatch: %d scores, %d labels, %d classes",
			len(b.Scores), len(b.Labels), len(b.Classes))
	}
	return nil
}

// MulticlassAUCBatch carries one batch worth of softmax score rows with
// class id labels for a single multiclass target column
type MulticlassAUCBatch struct {
	// Scores is the (rows, classes) probability matrix
	Scores [][]float64 `json:"scores"`

	// Labels holds the true class id per row
	Labels []int `json:"labels"`
}

// Validate checks that every row agrees in width and pairs with a label
func (b *MulticlassAUCBatch) Validate() error {
	if len(b.Scores) != len(b.Labels) {
		return fmt.Errorf("multiclass auc batch length mismatch: %d rows, %d labels",
			len(b.Scores), len(b.Labels))
	}
	for i := 1; i < len(b.Scores); i++ {
		if len(b.Scores[i]) != len(b.Scores[0]) {
			return fmt.Errorf("multiclass auc batch row %d has %d scores, row 0 has %d",
				i, len(b.Scores[i]), len(b.Scores[0]))
		}
	}
	return nil
}

// ============================================================================
// AUC Meter
// ============================================================================

// classKey addresses accumulated pairs. Flat binary classes use sub -1;
// multiclass columns fan out into one-vs-rest sub problems per class id.
type classKey struct {
	cls int
	sub int
}

// AUCMeter accumulates score/label pairs per class and reports the macro
// average ROC AUC over every class that saw both a positive and a negative.
// A multiclass column counts as one class whose value is the macro average
// of its one-vs-rest sub problems.
type AUCMeter struct {
	mu     sync.Mutex
	scores map[classKey][]float64
	labels map[classKey][]int
}

// NewAUCMeter creates an empty AUC meter
func NewAUCMeter() *AUCMeter {
	return &AUCMeter{
		scores: make(map[classKey][]float64),
		labels: make(map[classKey][]int),
	}
}

// Add accumulates a batch of binary score/label pairs
func (m *AUCMeter) Add(batch *AUCBatch) error {
	if err := batch.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cls := range batch.Classes {
		key := classKey{cls: cls, sub: -1}
		m.scores[key] = append(m.scores[key], batch.Scores[i])
		m.labels[key] = append(m.labels[key], batch.Labels[i])
	}
	return nil
}

// AddMulticlass accumulates a batch of softmax rows for one multiclass
// column, splitting it into one-vs-rest pairs per class id
func (m *AUCMeter) AddMulticlass(cls int, batch *MulticlassAUCBatch) error {
	if err := batch.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for row, label := range batch.Labels {
		for sub, score := range batch.Scores[row] {
			key := classKey{cls: cls, sub: sub}
			m.scores[key] = append(m.scores[key], score)
			if label == sub {
				m.labels[key] = append(m.labels[key], 1)
			} else {
				m.labels[key] = append(m.labels[key], 0)
			}
		}
	}
	return nil
}

// Reset clears all accumulated pairs
func (m *AUCMeter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores = make(map[classKey][]float64)
	m.labels = make(map[classKey][]int)
}

// ClassValue returns the ROC AUC for a single class, or false when no sub
// problem of the class has both a positive and a negative example
func (m *AUCMeter) ClassValue(cls int) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.classValueLocked(cls)
}

func (m *AUCMeter) classValueLocked(cls int) (float64, bool) {
	sum := 0.0
	n := 0
	for key := range m.scores {
		if key.cls != cls {
			continue
		}
		if auc, ok := BinaryAUROC(m.scores[key], m.labels[key]); ok {
			sum += auc
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Value returns the macro average ROC AUC across computable classes
func (m *AUCMeter) Value() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[int]bool)
	classes := make([]int, 0, len(m.scores))
	for key := range m.scores {
		if !seen[key.cls] {
			seen[key.cls] = true
			classes = append(classes, key.cls)
		}
	}
	sort.Ints(classes)

	sum := 0.0
	n := 0
	for _, cls := range classes {
		if auc, ok := m.classValueLocked(cls); ok {
			sum += auc
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// SmoothedValue returns the macro average AUC
func (m *AUCMeter) SmoothedValue() float64 {
	return m.Value()
}

// ============================================================================
// Binary ROC AUC
// ============================================================================

// BinaryAUROC computes the area under the ROC curve with the trapezoidal
// rule. Tied scores are folded into a single curve point so the result
// does not depend on the order pairs were accumulated in. Returns false
// when either class is absent.
func BinaryAUROC(scores []float64, labels []int) (float64, bool) {
	if len(scores) == 0 || len(scores) != len(labels) {
		return 0, false
	}

	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})

	totalPos := 0
	totalNeg := 0
	for _, label := range labels {
		if label == 1 {
			totalPos++
		} else {
			totalNeg++
		}
	}
	if totalPos == 0 || totalNeg == 0 {
		return 0, false
	}

	auc := 0.0
	tp, fp := 0, 0
	prevTPR, prevFPR := 0.0, 0.0

	i := 0
	for i < len(idx) {
		// Consume the whole run of equal scores before emitting a point
		j := i
		for j < len(idx) && scores[idx[j]] == scores[idx[i]] {
			if labels[idx[j]] == 1 {
				tp++
			} else {
				fp++
			}
			j++
		}
		i = j

		tpr := float64(tp) / float64(totalPos)
		fpr := float64(fp) / float64(totalNeg)
		auc += (fpr - prevFPR) * (tpr + prevTPR) / 2.0
		prevTPR = tpr
		prevFPR = fpr
	}

	return auc, true
}
