package ehr

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/Jwoo5/ai612-project2-2023/internal/task"
	"github.com/Jwoo5/ai612-project2-2023/pkg/errors"
	"github.com/Jwoo5/ai612-project2-2023/pkg/utils"
)

const (
	// ManifestFile names the dataset manifest inside the data path
	ManifestFile = "manifest.json"

	// FeaturesFile names the JSON lines feature file inside the data path
	FeaturesFile = "features.jsonl"
)

// ============================================================================
// Manifest
// ============================================================================

// Manifest describes the preprocessed dataset at a data path. The model
// builder reads it to size the input layer before the dataset is loaded.
type Manifest struct {
	// NumFeatures is the width of every input vector
	NumFeatures int `json:"num_features"`

	// NumItems is the number of records in the features file
	NumItems int `json:"num_items"`
}

// LoadManifest reads and validates the manifest inside dir
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, errors.NewFromCodef(errors.ErrDataPathMissing,
			"cannot read dataset manifest in %s: %v", dir, err)
	}

	var manifest Manifest
	if err := utils.FromJSONBytes(data, &manifest); err != nil {
		return nil, errors.NewFromCodef(errors.ErrDataPathMissing,
			"dataset manifest in %s is not valid JSON: %v", dir, err)
	}
	if manifest.NumFeatures < 1 {
		return nil, errors.NewFromCodef(errors.ErrDataPathMissing,
			"dataset manifest in %s declares %d features", dir, manifest.NumFeatures)
	}
	return &manifest, nil
}

// ============================================================================
// Record
// ============================================================================

// Record is one line of the features file
type Record struct {
	// Input is the preprocessed feature vector
	Input []float64 `json:"input"`

	// Target holds the 28 outcome columns
	Target []int `json:"target"`
}

func validateTarget(target []int) error {
	if len(target) != NumTargets {
		return errors.NewFromCodef(errors.ErrDataBadBatch,
			"record has %d target columns, want %d", len(target), NumTargets)
	}
	for j := 0; j < NumBinaryTargets; j++ {
		if target[j] != 0 && target[j] != 1 {
			return errors.NewFromCodef(errors.ErrDataBadBatch,
				"binary target column %d has value %d", j, target[j])
		}
	}
	for g, size := range MulticlassSizes {
		col := NumBinaryTargets + g
		if target[col] < -1 || target[col] >= size {
			return errors.NewFromCodef(errors.ErrDataBadBatch,
				"multiclass target column %d has class %d, want -1 or 0..%d", col, target[col], size-1)
		}
	}
	return nil
}

// ============================================================================
// Dataset
// ============================================================================

// Dataset holds the preprocessed records loaded from a data path
type Dataset struct {
	name        string
	numFeatures int
	items       []*task.Item
}

// LoadDataset reads the manifest and every record under dir
func LoadDataset(name, dir string) (*Dataset, error) {
	manifest, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(filepath.Join(dir, FeaturesFile))
	if err != nil {
		return nil, errors.NewFromCodef(errors.ErrDataPathMissing,
			"cannot open features file in %s: %v", dir, err)
	}
	defer file.Close()

	items := make([]*task.Item, 0, manifest.NumItems)
	err = utils.StreamJSONLines(file, func(raw json.RawMessage) error {
		var record Record
		if err := utils.FromJSONBytes(raw, &record); err != nil {
			return errors.NewFromCodef(errors.ErrDataBadBatch,
				"record %d is not valid JSON: %v", len(items), err)
		}
		if len(record.Input) != manifest.NumFeatures {
			return errors.NewFromCodef(errors.ErrDataBadBatch,
				"record %d has %d features, manifest says %d", len(items), len(record.Input), manifest.NumFeatures)
		}
		if err := validateTarget(record.Target); err != nil {
			return err
		}
		items = append(items, &task.Item{Input: record.Input, Target: record.Target})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(items) == 0 {
		return nil, errors.NewFromCodef(errors.ErrDataEmptySplit,
			"features file in %s has no records", dir)
	}
	if manifest.NumItems > 0 && manifest.NumItems != len(items) {
		return nil, errors.NewFromCodef(errors.ErrDataBadBatch,
			"features file has %d records, manifest says %d", len(items), manifest.NumItems)
	}

	return &Dataset{
		name:        name,
		numFeatures: manifest.NumFeatures,
		items:       items,
	}, nil
}

// Name returns the registered dataset name
func (d *Dataset) Name() string {
	return d.name
}

// Len returns the number of records
func (d *Dataset) Len() int {
	return len(d.items)
}

// NumFeatures returns the width of every input vector
func (d *Dataset) NumFeatures() int {
	return d.numFeatures
}

// Get fetches the record at index
func (d *Dataset) Get(index int) (*task.Item, error) {
	if index < 0 || index >= len(d.items) {
		return nil, errors.NewFromCodef(errors.ErrDataBadBatch,
			"record index %d out of range [0, %d)", index, len(d.items))
	}
	return d.items[index], nil
}

// Collate stacks fetched items into a batch
func (d *Dataset) Collate(items []*task.Item) (*task.Sample, error) {
	if len(items) == 0 {
		return nil, errors.NewFromCodef(errors.ErrDataBadBatch, "collate got no items")
	}

	sample := &task.Sample{
		Inputs:  make([][]float64, len(items)),
		Targets: make([][]int, len(items)),
	}
	for i, item := range items {
		if item == nil {
			return nil, errors.NewFromCodef(errors.ErrDataBadBatch, "collate got a nil item at %d", i)
		}
		sample.Inputs[i] = item.Input
		sample.Targets[i] = item.Target
	}
	return sample, nil
}
