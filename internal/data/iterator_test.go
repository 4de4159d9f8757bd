package data_test

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jwoo5/ai612-project2-2023/internal/data"
	"github.com/Jwoo5/ai612-project2-2023/internal/task"
)

// memDataset serves items whose single feature equals their index
type memDataset struct {
	items  []*task.Item
	failAt int
}

func newMemDataset(n int) *memDataset {
	items := make([]*task.Item, n)
	for i := range items {
		items[i] = &task.Item{Input: []float64{float64(i)}, Target: []int{i % 2}}
	}
	return &memDataset{items: items, failAt: -1}
}

func (d *memDataset) Name() string { return "mem_dataset" }
func (d *memDataset) Len() int     { return len(d.items) }

func (d *memDataset) Get(index int) (*task.Item, error) {
	if index == d.failAt {
		return nil, fmt.Errorf("poisoned item %d", index)
	}
	if index < 0 || index >= len(d.items) {
		return nil, fmt.Errorf("index %d out of range", index)
	}
	return d.items[index], nil
}

func (d *memDataset) Collate(items []*task.Item) (*task.Sample, error) {
	sample := &task.Sample{
		Inputs:  make([][]float64, len(items)),
		Targets: make([][]int, len(items)),
	}
	for i, item := range items {
		sample.Inputs[i] = item.Input
		sample.Targets[i] = item.Target
	}
	return sample, nil
}

func allIndices(n int) []int {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

// drain collects the served item indices in yield order
func drain(t *testing.T, itr *data.BatchIterator) []int {
	t.Helper()
	var served []int
	for {
		sample, err := itr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		for _, row := range sample.Inputs {
			served = append(served, int(row[0]))
		}
	}
	return served
}

func TestEpochIteratorConfig(t *testing.T) {
	t.Run("rejects bad configurations", func(t *testing.T) {
		base := data.IteratorConfig{
			Dataset:   newMemDataset(4),
			Indices:   allIndices(4),
			BatchSize: 2,
			NumShards: 1,
		}

		missing := base
		missing.Dataset = nil
		_, err := data.NewEpochIterator(missing)
		assert.Error(t, err)

		zeroBatch := base
		zeroBatch.BatchSize = 0
		_, err = data.NewEpochIterator(zeroBatch)
		assert.Error(t, err)

		badShard := base
		badShard.ShardID = 1
		_, err = data.NewEpochIterator(badShard)
		assert.Error(t, err)

		negWorkers := base
		negWorkers.NumWorkers = -1
		_, err = data.NewEpochIterator(negWorkers)
		assert.Error(t, err)

		tinyBatch := base
		tinyBatch.BatchSize = 1
		tinyBatch.NumShards = 2
		_, err = data.NewEpochIterator(tinyBatch)
		assert.Error(t, err)
	})

	t.Run("epoch counter advances per iterator", func(t *testing.T) {
		it, err := data.NewEpochIterator(data.IteratorConfig{
			Dataset:   newMemDataset(4),
			Indices:   allIndices(4),
			BatchSize: 2,
			NumShards: 1,
		})
		require.NoError(t, err)

		assert.Equal(t, 0, it.Epoch())
		it.NextEpochIterator(true)
		assert.Equal(t, 1, it.Epoch())
		it.NextEpochIterator(true)
		assert.Equal(t, 2, it.Epoch())
	})

	t.Run("set epoch fast forwards for resume", func(t *testing.T) {
		it, err := data.NewEpochIterator(data.IteratorConfig{
			Dataset:   newMemDataset(4),
			Indices:   allIndices(4),
			BatchSize: 2,
			NumShards: 1,
		})
		require.NoError(t, err)

		it.SetEpoch(4)
		it.NextEpochIterator(true)
		assert.Equal(t, 5, it.Epoch())
	})
}

func TestBatchIteration(t *testing.T) {
	t.Run("serves every item exactly once per epoch", func(t *testing.T) {
		it, err := data.NewEpochIterator(data.IteratorConfig{
			Dataset:   newMemDataset(10),
			Indices:   allIndices(10),
			BatchSize: 3,
			NumShards: 1,
			Seed:      42,
		})
		require.NoError(t, err)

		itr := it.NextEpochIterator(true)
		assert.Equal(t, 4, itr.Len())

		served := drain(t, itr)
		assert.ElementsMatch(t, allIndices(10), served)
		assert.Equal(t, 4, itr.Count())

		_, err = itr.Next()
		assert.Equal(t, io.EOF, err)
	})

	t.Run("without shuffle the plan keeps the source order", func(t *testing.T) {
		it, err := data.NewEpochIterator(data.IteratorConfig{
			Dataset:   newMemDataset(6),
			Indices:   allIndices(6),
			BatchSize: 2,
			NumShards: 1,
			Seed:      42,
		})
		require.NoError(t, err)

		served := drain(t, it.NextEpochIterator(false))
		assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, served)
	})

	t.Run("same seed and epoch reproduce the shuffle", func(t *testing.T) {
		build := func() *data.EpochIterator {
			it, err := data.NewEpochIterator(data.IteratorConfig{
				Dataset:   newMemDataset(32),
				Indices:   allIndices(32),
				BatchSize: 4,
				NumShards: 1,
				Seed:      7,
			})
			require.NoError(t, err)
			return it
		}

		assert.Equal(t, drain(t, build().NextEpochIterator(true)), drain(t, build().NextEpochIterator(true)))
	})

	t.Run("consecutive epochs reshuffle", func(t *testing.T) {
		it, err := data.NewEpochIterator(data.IteratorConfig{
			Dataset:   newMemDataset(32),
			Indices:   allIndices(32),
			BatchSize: 4,
			NumShards: 1,
			Seed:      7,
		})
		require.NoError(t, err)

		first := drain(t, it.NextEpochIterator(true))
		second := drain(t, it.NextEpochIterator(true))
		assert.NotEqual(t, first, second)
		assert.ElementsMatch(t, first, second)
	})

	t.Run("batch ids count up from zero", func(t *testing.T) {
		it, err := data.NewEpochIterator(data.IteratorConfig{
			Dataset:   newMemDataset(6),
			Indices:   allIndices(6),
			BatchSize: 2,
			NumShards: 1,
			Seed:      42,
		})
		require.NoError(t, err)

		itr := it.NextEpochIterator(false)
		for want := 0; ; want++ {
			sample, err := itr.Next()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			assert.Equal(t, want, sample.ID)
		}
	})
}

func TestShardedIteration(t *testing.T) {
	t.Run("shards cover the plan without overlap and stay equal", func(t *testing.T) {
		build := func(shard int) *data.BatchIterator {
			it, err := data.NewEpochIterator(data.IteratorConfig{
				Dataset:   newMemDataset(12),
				Indices:   allIndices(12),
				BatchSize: 2,
				ShardID:   shard,
				NumShards: 2,
				Seed:      7,
			})
			require.NoError(t, err)
			return it.NextEpochIterator(true)
		}

		first := build(0)
		second := build(1)
		assert.Equal(t, 6, first.Len())
		assert.Equal(t, second.Len(), first.Len())

		served := append(drain(t, first), drain(t, second)...)
		assert.Len(t, served, 12)
		assert.ElementsMatch(t, allIndices(12), served)
	})

	t.Run("both shards walk the same step sequence", func(t *testing.T) {
		build := func(shard int) *data.BatchIterator {
			it, err := data.NewEpochIterator(data.IteratorConfig{
				Dataset:   newMemDataset(12),
				Indices:   allIndices(12),
				BatchSize: 4,
				ShardID:   shard,
				NumShards: 2,
				Seed:      7,
			})
			require.NoError(t, err)
			return it.NextEpochIterator(true)
		}

		first := build(0)
		second := build(1)
		for {
			a, errA := first.Next()
			b, errB := second.Next()
			require.Equal(t, errA, errB)
			if errA == io.EOF {
				break
			}
			// One step's sub-batches carry the same ordinal and together
			// hold one global batch
			assert.Equal(t, a.ID, b.ID)
			assert.Equal(t, 4, a.BatchSize()+b.BatchSize())
		}
	})

	t.Run("num batches excludes a final batch too small to split", func(t *testing.T) {
		it, err := data.NewEpochIterator(data.IteratorConfig{
			Dataset:   newMemDataset(10),
			Indices:   allIndices(10),
			BatchSize: 3,
			ShardID:   0,
			NumShards: 3,
			Seed:      7,
		})
		require.NoError(t, err)

		// 4 planned batches, but the final single-index batch cannot feed
		// three shards
		assert.Equal(t, 3, it.NumBatches())
		assert.Equal(t, 3, it.NextEpochIterator(true).Len())
	})
}

func TestPrefetchedIteration(t *testing.T) {
	t.Run("prefetching preserves the plan order", func(t *testing.T) {
		build := func(workers int) []int {
			it, err := data.NewEpochIterator(data.IteratorConfig{
				Dataset:    newMemDataset(40),
				Indices:    allIndices(40),
				BatchSize:  4,
				NumShards:  1,
				Seed:       7,
				NumWorkers: workers,
			})
			require.NoError(t, err)
			return drain(t, it.NextEpochIterator(true))
		}

		assert.Equal(t, build(0), build(4))
	})

	t.Run("fetch failures surface to the consumer", func(t *testing.T) {
		dataset := newMemDataset(8)
		dataset.failAt = 5

		it, err := data.NewEpochIterator(data.IteratorConfig{
			Dataset:    dataset,
			Indices:    allIndices(8),
			BatchSize:  2,
			NumShards:  1,
			Seed:       7,
			NumWorkers: 2,
		})
		require.NoError(t, err)

		itr := it.NextEpochIterator(false)
		defer itr.Close()

		sawError := false
		for i := 0; i < itr.Len(); i++ {
			_, err := itr.Next()
			if err != nil && err != io.EOF {
				sawError = true
				break
			}
		}
		assert.True(t, sawError)
	})

	t.Run("close mid epoch releases the pool", func(t *testing.T) {
		it, err := data.NewEpochIterator(data.IteratorConfig{
			Dataset:    newMemDataset(100),
			Indices:    allIndices(100),
			BatchSize:  2,
			NumShards:  1,
			Seed:       7,
			NumWorkers: 4,
		})
		require.NoError(t, err)

		itr := it.NextEpochIterator(true)
		_, err = itr.Next()
		require.NoError(t, err)
		require.NoError(t, itr.Close())
	})
}

func TestPinnedBatches(t *testing.T) {
	t.Run("pinned rows are staged copies", func(t *testing.T) {
		dataset := newMemDataset(4)
		it, err := data.NewEpochIterator(data.IteratorConfig{
			Dataset:   dataset,
			Indices:   allIndices(4),
			BatchSize: 2,
			NumShards: 1,
			PinMemory: true,
		})
		require.NoError(t, err)

		sample, err := it.NextEpochIterator(false).Next()
		require.NoError(t, err)

		item, err := dataset.Get(0)
		require.NoError(t, err)
		assert.Equal(t, item.Input[0], sample.Inputs[0][0])
		assert.NotSame(t, &item.Input[0], &sample.Inputs[0][0])
	})

	t.Run("unpinned rows alias the dataset items", func(t *testing.T) {
		dataset := newMemDataset(4)
		it, err := data.NewEpochIterator(data.IteratorConfig{
			Dataset:   dataset,
			Indices:   allIndices(4),
			BatchSize: 2,
			NumShards: 1,
		})
		require.NoError(t, err)

		sample, err := it.NextEpochIterator(false).Next()
		require.NoError(t, err)

		item, err := dataset.Get(0)
		require.NoError(t, err)
		assert.Same(t, &item.Input[0], &sample.Inputs[0][0])
	})
}
