package data

import (
	"math/rand"
)

// SplitIndices deterministically partitions [0, numItems) into a training
// and a validation subset. The permutation depends only on the seed, so
// every worker derives the identical split, and the validation subset is
// the leading validPercent slice of the shuffled order.
func SplitIndices(numItems int, validPercent float64, seed int64) (train, valid []int) {
	indices := make([]int, numItems)
	for i := range indices {
		indices[i] = i
	}

	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(indices), func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})

	validCount := int(float64(numItems) * validPercent)
	if validCount > numItems {
		validCount = numItems
	}
	return indices[validCount:], indices[:validCount]
}

// batchPlan chunks the indices into batches of batchSize, reshuffling the
// order from the seed and epoch when shuffle is set. The final partial
// batch is kept.
func batchPlan(indices []int, batchSize int, shuffle bool, seed int64, epoch int) [][]int {
	order := make([]int, len(indices))
	copy(order, indices)

	if shuffle {
		rng := rand.New(rand.NewSource(seed + int64(epoch)))
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	batches := make([][]int, 0, (len(order)+batchSize-1)/batchSize)
	for start := 0; start < len(order); start += batchSize {
		end := start + batchSize
		if end > len(order) {
			end = len(order)
		}
		batches = append(batches, order[start:end])
	}
	return batches
}

// ShardBatches splits every batch of the plan across numShards workers:
// shard k takes indices k, k+numShards, k+2*numShards of each batch. The
// shards of one step together partition one global batch, so the update
// computed from their averaged gradients does not depend on the number of
// shards, and every shard iterates the same number of steps. A batch with
// fewer indices than shards is dropped from every shard so no worker is
// left with an empty sub-batch.
func ShardBatches(batches [][]int, shardID, numShards int) [][]int {
	shard := make([][]int, 0, len(batches))
	for _, batch := range batches {
		if len(batch) < numShards {
			continue
		}
		sub := make([]int, 0, (len(batch)-shardID+numShards-1)/numShards)
		for i := shardID; i < len(batch); i += numShards {
			sub = append(sub, batch[i])
		}
		shard = append(shard, sub)
	}
	return shard
}
