// Package data builds deterministic batch iterators over a task dataset.
// The split, the per-epoch shuffle, and the shard assignment all derive
// from the run seed, so every worker computes the same global batch plan
// and takes its own slice of every batch: the workers of one step together
// cover exactly one global batch, regardless of how many of them there
// are. Batches can be prefetched by a worker pool without disturbing the
// plan order.
package data

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/Jwoo5/ai612-project2-2023/internal/task"
	"github.com/Jwoo5/ai612-project2-2023/pkg/errors"
)

// ============================================================================
// Epoch Iterator
// ============================================================================

// IteratorConfig describes how an epoch iterator draws batches
type IteratorConfig struct {
	// Dataset supplies and collates items
	Dataset task.Dataset

	// Indices is the subset of the dataset this iterator draws from
	Indices []int

	// BatchSize is the number of items per global batch, spread across
	// all shards
	BatchSize int

	// ShardID selects this worker's slice of every batch
	ShardID int

	// NumShards is the number of workers each batch is split across
	NumShards int

	// Seed feeds the per-epoch shuffle
	Seed int64

	// NumWorkers is the size of the prefetch pool, 0 for synchronous loading
	NumWorkers int

	// PinMemory copies each batch into one contiguous staging buffer
	PinMemory bool
}

// EpochIterator hands out one BatchIterator per epoch, reshuffling the
// batch plan each time from the seed and epoch number
type EpochIterator struct {
	cfg   IteratorConfig
	epoch int
}

// NewEpochIterator validates the configuration and starts before epoch 1
func NewEpochIterator(cfg IteratorConfig) (*EpochIterator, error) {
	if cfg.Dataset == nil {
		return nil, errors.ConfigErrorf("epoch iterator needs a dataset")
	}
	if cfg.BatchSize < 1 {
		return nil, errors.ConfigErrorf("batch size %d, want at least 1", cfg.BatchSize)
	}
	if cfg.NumShards < 1 {
		return nil, errors.ConfigErrorf("num shards %d, want at least 1", cfg.NumShards)
	}
	if cfg.ShardID < 0 || cfg.ShardID >= cfg.NumShards {
		return nil, errors.ConfigErrorf("shard id %d out of range [0, %d)", cfg.ShardID, cfg.NumShards)
	}
	if cfg.BatchSize < cfg.NumShards {
		return nil, errors.ConfigErrorf("batch size %d cannot split across %d shards", cfg.BatchSize, cfg.NumShards)
	}
	if cfg.NumWorkers < 0 {
		return nil, errors.ConfigErrorf("num workers %d, want at least 0", cfg.NumWorkers)
	}
	return &EpochIterator{cfg: cfg}, nil
}

// Epoch returns the number of the epoch the most recent iterator covers,
// 0 before the first call to NextEpochIterator
func (it *EpochIterator) Epoch() int {
	return it.epoch
}

// SetEpoch fast-forwards the epoch counter when resuming from a checkpoint
func (it *EpochIterator) SetEpoch(epoch int) {
	it.epoch = epoch
}

// NumBatches returns the number of steps each shard iterates per epoch.
// Only a final partial batch too small to split across every shard is
// excluded.
func (it *EpochIterator) NumBatches() int {
	total := len(it.cfg.Indices) / it.cfg.BatchSize
	if rem := len(it.cfg.Indices) % it.cfg.BatchSize; rem >= it.cfg.NumShards {
		total++
	}
	return total
}

// NextEpochIterator advances to the next epoch and returns its batches
func (it *EpochIterator) NextEpochIterator(shuffle bool) *BatchIterator {
	it.epoch++
	plan := batchPlan(it.cfg.Indices, it.cfg.BatchSize, shuffle, it.cfg.Seed, it.epoch)
	shard := ShardBatches(plan, it.cfg.ShardID, it.cfg.NumShards)
	return newBatchIterator(it.cfg, shard)
}

// ============================================================================
// Batch Iterator
// ============================================================================

// BatchIterator yields one epoch's local batches in plan order
type BatchIterator struct {
	dataset   task.Dataset
	batches   [][]int
	pinMemory bool

	count int

	// Synchronous path
	next int

	// Prefetch path
	out    chan *prefetched
	cancel context.CancelFunc
}

type prefetched struct {
	ordinal int
	sample  *task.Sample
	err     error
}

func newBatchIterator(cfg IteratorConfig, batches [][]int) *BatchIterator {
	it := &BatchIterator{
		dataset:   cfg.Dataset,
		batches:   batches,
		pinMemory: cfg.PinMemory,
	}
	if cfg.NumWorkers > 0 && len(batches) > 0 {
		it.startPrefetch(cfg.NumWorkers)
	}
	return it
}

// Len returns the total number of batches this iterator yields
func (it *BatchIterator) Len() int {
	return len(it.batches)
}

// Count returns the number of batches yielded so far
func (it *BatchIterator) Count() int {
	return it.count
}

// Next returns the next batch, or io.EOF once the epoch is exhausted
func (it *BatchIterator) Next() (*task.Sample, error) {
	if it.out != nil {
		r, ok := <-it.out
		if !ok {
			return nil, io.EOF
		}
		if r.err != nil {
			return nil, r.err
		}
		it.count++
		return r.sample, nil
	}

	if it.next >= len(it.batches) {
		return nil, io.EOF
	}
	sample, err := it.fetch(it.next)
	if err != nil {
		return nil, err
	}
	it.next++
	it.count++
	return sample, nil
}

// Close stops the prefetch pool. Safe to call on exhausted iterators.
func (it *BatchIterator) Close() error {
	if it.cancel != nil {
		it.cancel()
	}
	if it.out != nil {
		for range it.out {
		}
	}
	return nil
}

func (it *BatchIterator) fetch(ordinal int) (*task.Sample, error) {
	indices := it.batches[ordinal]
	items := make([]*task.Item, len(indices))
	for i, idx := range indices {
		item, err := it.dataset.Get(idx)
		if err != nil {
			return nil, err
		}
		items[i] = item
	}

	sample, err := it.dataset.Collate(items)
	if err != nil {
		return nil, err
	}
	sample.ID = ordinal
	if it.pinMemory {
		pinSample(sample)
	}
	return sample, nil
}

// startPrefetch fans batch ordinals out to a worker pool and restores the
// plan order before handing results to Next
func (it *BatchIterator) startPrefetch(numWorkers int) {
	ctx, cancel := context.WithCancel(context.Background())
	it.cancel = cancel

	jobs := make(chan int)
	results := make(chan *prefetched, numWorkers)
	ordered := make(chan *prefetched, numWorkers)
	it.out = ordered

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer close(jobs)
		for i := range it.batches {
			select {
			case jobs <- i:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	for w := 0; w < numWorkers; w++ {
		group.Go(func() error {
			for ordinal := range jobs {
				sample, err := it.fetch(ordinal)
				select {
				case results <- &prefetched{ordinal: ordinal, sample: sample, err: err}:
				case <-gctx.Done():
					return nil
				}
			}
			return nil
		})
	}

	go func() {
		group.Wait()
		close(results)
	}()

	go func() {
		defer close(ordered)
		pending := make(map[int]*prefetched)
		next := 0
		for r := range results {
			pending[r.ordinal] = r
			for {
				item, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				select {
				case ordered <- item:
				case <-gctx.Done():
					return
				}
				next++
			}
		}
	}()
}

// pinSample copies the input rows into one contiguous staging buffer, the
// host-side analog of loading a batch into device-visible memory
func pinSample(sample *task.Sample) {
	total := 0
	for _, row := range sample.Inputs {
		total += len(row)
	}
	if total == 0 {
		return
	}

	backing := make([]float64, 0, total)
	for r, row := range sample.Inputs {
		start := len(backing)
		backing = append(backing, row...)
		sample.Inputs[r] = backing[start:len(backing):len(backing)]
	}
}
