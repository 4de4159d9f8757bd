package ehr

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/Jwoo5/ai612-project2-2023/pkg/utils"
)

// WriteSyntheticDataset generates a deterministic dataset with planted
// linear structure under dir, so a linear model trained on it improves
// measurably. The same seed always produces the same records. missingRate
// is the fraction of multiclass labels dropped to -1; fully labeled data
// keeps the per-column loss denominators balanced across worker shards.
func WriteSyntheticDataset(dir string, numItems, numFeatures int, seed int64, missingRate float64) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(seed))
	scale := 1.0 / math.Sqrt(float64(numFeatures))

	// One planted weight vector per output logit
	planted := make([][]float64, NumOutputs)
	for j := range planted {
		w := make([]float64, numFeatures)
		for k := range w {
			w[k] = rng.NormFloat64() * scale
		}
		planted[j] = w
	}

	file, err := os.Create(filepath.Join(dir, FeaturesFile))
	if err != nil {
		return err
	}
	defer file.Close()

	for i := 0; i < numItems; i++ {
		input := make([]float64, numFeatures)
		for k := range input {
			input[k] = rng.NormFloat64()
		}

		target := make([]int, NumTargets)
		for j := 0; j < NumBinaryTargets; j++ {
			margin := dot(input, planted[j]) + 0.3*rng.NormFloat64()
			if margin > 0 {
				target[j] = 1
			}
		}

		offset := NumBinaryTargets
		for g, size := range MulticlassSizes {
			best := 0
			bestScore := math.Inf(-1)
			for cls := 0; cls < size; cls++ {
				score := dot(input, planted[offset+cls]) + 0.3*rng.NormFloat64()
				if score > bestScore {
					bestScore = score
					best = cls
				}
			}

			if rng.Float64() < missingRate {
				target[NumBinaryTargets+g] = -1
			} else {
				target[NumBinaryTargets+g] = best
			}
			offset += size
		}

		if err := utils.WriteJSONLine(file, &Record{Input: input, Target: target}); err != nil {
			return err
		}
	}

	if err := file.Close(); err != nil {
		return err
	}

	manifest, err := utils.ToJSONBytes(&Manifest{NumFeatures: numFeatures, NumItems: numItems})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestFile), manifest, 0o644)
}

func dot(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
