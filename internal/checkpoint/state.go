package checkpoint

import (
	"time"

	"github.com/Jwoo5/ai612-project2-2023/pkg/errors"
	"github.com/Jwoo5/ai612-project2-2023/pkg/utils"
)

// FormatVersion is the checkpoint layout written by this build. Loads
// refuse checkpoints carrying any other version.
const FormatVersion = 1

// OptimizerState carries the optimizer moments and step counter.
type OptimizerState struct {
	Step     int       `json:"step"`
	ExpAvg   []float64 `json:"exp_avg"`
	ExpAvgSq []float64 `json:"exp_avg_sq"`
}

func (o *OptimizerState) checksum() (string, error) {
	data, err := utils.ToJSONBytes(o)
	if err != nil {
		return "", err
	}
	return utils.ComputeChecksum(data), nil
}

// State is a self-sufficient snapshot of one run: everything needed to
// resume training bit-for-bit, with no reference to files outside the
// checkpoint itself. Epoch is the last completed epoch; a resumed run
// starts at Epoch+1.
type State struct {
	FormatVersion int       `json:"format_version"`
	RunID         string    `json:"run_id,omitempty"`
	SavedAt       time.Time `json:"saved_at"`

	Epoch      int      `json:"epoch"`
	NumUpdates int      `json:"num_updates"`
	BestScore  *float64 `json:"best_score,omitempty"`
	Seed       int64    `json:"seed"`

	Model     map[string][]float64 `json:"model"`
	Optimizer *OptimizerState      `json:"optimizer,omitempty"`

	// SHA-256 digests of the model and optimizer sections, recomputed
	// and compared on load.
	Checksums map[string]string `json:"checksums,omitempty"`
}

// ComputeChecksums fills the integrity digests for the persisted
// sections. Called by the manager right before serialization.
func (s *State) ComputeChecksums() error {
	sums := make(map[string]string, 2)
	modelSum, err := utils.ChecksumMap(s.Model)
	if err != nil {
		return errors.Wrapf(err, errors.ErrCkptSaveFailed.Code, "checksum model state")
	}
	sums["model"] = modelSum
	if s.Optimizer != nil {
		optSum, err := s.Optimizer.checksum()
		if err != nil {
			return errors.Wrapf(err, errors.ErrCkptSaveFailed.Code, "checksum optimizer state")
		}
		sums["optimizer"] = optSum
	}
	s.Checksums = sums
	return nil
}

// VerifyIntegrity checks the format version and recomputes the section
// digests against the stored ones.
func (s *State) VerifyIntegrity() error {
	if s.FormatVersion != FormatVersion {
		return errors.NewFromCodef(errors.ErrCkptVersionMismatch,
			"checkpoint has format version %d, this build reads %d", s.FormatVersion, FormatVersion)
	}
	if len(s.Checksums) == 0 {
		return errors.NewFromCodef(errors.ErrCkptCorrupt, "checkpoint carries no integrity checksums")
	}
	modelSum, err := utils.ChecksumMap(s.Model)
	if err != nil {
		return errors.Wrapf(err, errors.ErrCkptCorrupt.Code, "recompute model checksum")
	}
	if modelSum != s.Checksums["model"] {
		return errors.NewFromCodef(errors.ErrCkptCorrupt, "model state checksum mismatch")
	}
	if s.Optimizer != nil {
		want, ok := s.Checksums["optimizer"]
		if !ok {
			return errors.NewFromCodef(errors.ErrCkptCorrupt, "optimizer state present but not checksummed")
		}
		got, err := s.Optimizer.checksum()
		if err != nil {
			return errors.Wrapf(err, errors.ErrCkptCorrupt.Code, "recompute optimizer checksum")
		}
		if got != want {
			return errors.NewFromCodef(errors.ErrCkptCorrupt, "optimizer state checksum mismatch")
		}
	}
	return nil
}
