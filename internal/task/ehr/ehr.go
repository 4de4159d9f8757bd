// Package ehr provides the reference task for the ICU mortality and
// outcome prediction assignment: a linear multi-head model, the shared
// multi-task criterion, and a JSON lines dataset over preprocessed
// feature vectors.
//
// Each record carries 28 target columns. The first 22 are binary
// outcomes; the remaining 6 are multiclass outcomes with 6, 6, 5, 5, 5
// and 3 classes where -1 marks a missing label. The model therefore
// emits 52 logits per record: one per binary column followed by one per
// class of each multiclass column.
package ehr

import (
	"github.com/Jwoo5/ai612-project2-2023/internal/task"
	"github.com/Jwoo5/ai612-project2-2023/pkg/config"
)

const (
	// ReferenceStudentNumber is the student number the reference task
	// registers its model and dataset under
	ReferenceStudentNumber = "00000000"

	// CriterionName is the registered name of the shared criterion
	CriterionName = "multi_task"

	// NumBinaryTargets is the number of binary outcome columns
	NumBinaryTargets = 22

	// NumTargets is the total number of target columns per record
	NumTargets = 28

	// NumOutputs is the number of logits the model emits per record
	NumOutputs = 52
)

// MulticlassSizes lists the class count of each multiclass target column,
// in column order starting at column 22
var MulticlassSizes = []int{6, 6, 5, 5, 5, 3}

func init() {
	task.MustRegisterModel(ReferenceStudentNumber+"_model", func(cfg *config.Config) (task.Model, error) {
		return BuildLinearModel(cfg)
	})
	task.MustRegisterDataset(ReferenceStudentNumber+"_dataset", func(cfg *config.Config) (task.Dataset, error) {
		return LoadDataset(cfg.Run.DatasetName(), cfg.Run.DataPath)
	})
	task.MustRegisterCriterion(CriterionName, func(cfg *config.Config) (task.Criterion, error) {
		return NewMultiTaskCriterion(), nil
	})
}
