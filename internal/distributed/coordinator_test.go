package distributed_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Jwoo5/ai612-project2-2023/internal/distributed"
	"github.com/Jwoo5/ai612-project2-2023/internal/observability/logging"
	"github.com/Jwoo5/ai612-project2-2023/pkg/config"
	"github.com/Jwoo5/ai612-project2-2023/pkg/errors"
	"github.com/Jwoo5/ai612-project2-2023/pkg/utils"
)

func testDistConfig(world int) config.DistributedConfig {
	return config.DistributedConfig{
		WorldSize:         world,
		Backend:           "local",
		DDPCommHook:       "none",
		BucketCapMB:       25,
		HeartbeatTimeout:  -1,
		AllGatherListSize: 16384,
	}
}

// runWorkers drives fn once per rank on a shared hub and returns the
// per-rank results.
func runWorkers(t *testing.T, ctx context.Context, cfg config.DistributedConfig, fn func(ctx context.Context, coord *distributed.Coordinator) error) []error {
	t.Helper()
	hub := distributed.NewHub(cfg.WorldSize)
	errs := make([]error, cfg.WorldSize)
	group, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < cfg.WorldSize; rank++ {
		rank := rank
		group.Go(func() error {
			errs[rank] = fn(gctx, distributed.NewCoordinator(hub, rank, rank, cfg, logging.NewNoopLogger()))
			return errs[rank]
		})
	}
	_ = group.Wait()
	return errs
}

func requireNoWorkerErrors(t *testing.T, errs []error) {
	t.Helper()
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
}

func TestBarrier(t *testing.T) {
	t.Run("releases every worker together", func(t *testing.T) {
		const world = 4
		var arrived atomic.Int32
		seen := make([]int32, world)

		errs := runWorkers(t, context.Background(), testDistConfig(world), func(ctx context.Context, coord *distributed.Coordinator) error {
			arrived.Add(1)
			if err := coord.Barrier(ctx); err != nil {
				return err
			}
			seen[coord.Rank()] = arrived.Load()
			return nil
		})

		requireNoWorkerErrors(t, errs)
		for rank, n := range seen {
			assert.Equal(t, int32(world), n, "rank %d crossed the barrier before everyone arrived", rank)
		}
	})

	t.Run("back to back rounds pair callers correctly", func(t *testing.T) {
		const world = 3
		const rounds = 25

		errs := runWorkers(t, context.Background(), testDistConfig(world), func(ctx context.Context, coord *distributed.Coordinator) error {
			for i := 0; i < rounds; i++ {
				gathered, err := coord.AllGather(ctx, i, 0)
				if err != nil {
					return err
				}
				for _, raw := range gathered {
					var got int
					if err := utils.FromJSONBytes(raw, &got); err != nil {
						return err
					}
					if got != i {
						return errors.InternalErrorf("round %d gathered %d", i, got)
					}
				}
			}
			return nil
		})

		requireNoWorkerErrors(t, errs)
	})
}

func TestAllGather(t *testing.T) {
	type workerStats struct {
		Rank int    `json:"rank"`
		Note string `json:"note"`
	}

	t.Run("returns rank ordered payloads on every worker", func(t *testing.T) {
		const world = 3
		results := make([][]workerStats, world)

		errs := runWorkers(t, context.Background(), testDistConfig(world), func(ctx context.Context, coord *distributed.Coordinator) error {
			value := workerStats{Rank: coord.Rank(), Note: "alive"}
			gathered, err := coord.AllGatherList(ctx, value)
			if err != nil {
				return err
			}
			decoded := make([]workerStats, len(gathered))
			for i, raw := range gathered {
				if err := utils.FromJSONBytes(raw, &decoded[i]); err != nil {
					return err
				}
			}
			results[coord.Rank()] = decoded
			return nil
		})

		requireNoWorkerErrors(t, errs)
		for rank, decoded := range results {
			require.Len(t, decoded, world)
			for i, stats := range decoded {
				assert.Equal(t, i, stats.Rank, "rank %d saw payload %d out of order", rank, i)
				assert.Equal(t, "alive", stats.Note)
			}
		}
		assert.Equal(t, results[0], results[1])
		assert.Equal(t, results[0], results[2])
	})

	t.Run("rejects an oversized payload on the sender", func(t *testing.T) {
		cfg := testDistConfig(2)
		cfg.AllGatherListSize = 32

		errs := runWorkers(t, context.Background(), cfg, func(ctx context.Context, coord *distributed.Coordinator) error {
			value := "ok"
			if coord.Rank() == 0 {
				value = strings.Repeat("x", 128)
			}
			_, err := coord.AllGatherList(ctx, value)
			return err
		})

		require.Error(t, errs[0])
		assert.True(t, errors.Is(errs[0], errors.ErrCoordPayloadTooLarge.Code))
		assert.True(t, errors.IsFatal(errs[0]))
		assert.Contains(t, errs[0].Error(), "rank 0")
		// The peer is torn down with its collective abandoned.
		require.Error(t, errs[1])
	})

	t.Run("buffer size zero disables the check", func(t *testing.T) {
		errs := runWorkers(t, context.Background(), testDistConfig(1), func(ctx context.Context, coord *distributed.Coordinator) error {
			_, err := coord.AllGather(ctx, strings.Repeat("y", 1<<16), 0)
			return err
		})
		requireNoWorkerErrors(t, errs)
	})
}

func TestBroadcast(t *testing.T) {
	t.Run("delivers the root payload to every rank", func(t *testing.T) {
		const world = 3
		const root = 1
		state := []byte(`{"weight":[1,2,3]}`)
		received := make([][]byte, world)

		errs := runWorkers(t, context.Background(), testDistConfig(world), func(ctx context.Context, coord *distributed.Coordinator) error {
			var data []byte
			if coord.Rank() == root {
				data = state
			}
			got, err := coord.Broadcast(ctx, data, root)
			if err != nil {
				return err
			}
			received[coord.Rank()] = got
			return nil
		})

		requireNoWorkerErrors(t, errs)
		for rank := 0; rank < world; rank++ {
			assert.Equal(t, state, received[rank], "rank %d", rank)
		}
	})

	t.Run("rejects a root outside the world", func(t *testing.T) {
		hub := distributed.NewHub(1)
		coord := distributed.NewCoordinator(hub, 0, 0, testDistConfig(1), logging.NewNoopLogger())

		_, err := coord.Broadcast(context.Background(), nil, 5)

		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrCoordWorldMismatch.Code))
	})
}

func TestAllReduce(t *testing.T) {
	t.Run("averages gradients identically on every rank", func(t *testing.T) {
		const world = 3
		results := make([][]float64, world)

		errs := runWorkers(t, context.Background(), testDistConfig(world), func(ctx context.Context, coord *distributed.Coordinator) error {
			r := float64(coord.Rank() + 1)
			grads := []float64{r, 10 * r, -r}
			if err := coord.AllReduce(ctx, grads); err != nil {
				return err
			}
			results[coord.Rank()] = grads
			return nil
		})

		requireNoWorkerErrors(t, errs)
		want := []float64{2, 20, -2}
		for rank := 0; rank < world; rank++ {
			require.Equal(t, want, results[rank], "rank %d", rank)
		}
	})

	t.Run("splits large gradient sets into buckets", func(t *testing.T) {
		cfg := testDistConfig(2)
		cfg.BucketCapMB = 1
		// Three buckets at one megabyte per bucket.
		n := 2*(1<<20)/8 + 5
		nonzero := make([]int, 2)

		errs := runWorkers(t, context.Background(), cfg, func(ctx context.Context, coord *distributed.Coordinator) error {
			sign := 1.0
			if coord.Rank() == 1 {
				sign = -1.0
			}
			grads := make([]float64, n)
			for i := range grads {
				grads[i] = sign * float64(i%7+1)
			}
			if err := coord.AllReduce(ctx, grads); err != nil {
				return err
			}
			for _, v := range grads {
				if v != 0 {
					nonzero[coord.Rank()]++
				}
			}
			return nil
		})

		requireNoWorkerErrors(t, errs)
		assert.Equal(t, []int{0, 0}, nonzero, "opposite gradients must cancel exactly")
	})

	t.Run("fp16 hook rounds gradients before reduction", func(t *testing.T) {
		cfg := testDistConfig(2)
		cfg.DDPCommHook = "fp16"
		results := make([]float64, 2)

		errs := runWorkers(t, context.Background(), cfg, func(ctx context.Context, coord *distributed.Coordinator) error {
			grads := []float64{0.1}
			if coord.Rank() == 1 {
				grads[0] = 0.3
			}
			if err := coord.AllReduce(ctx, grads); err != nil {
				return err
			}
			results[coord.Rank()] = grads[0]
			return nil
		})

		requireNoWorkerErrors(t, errs)
		assert.Equal(t, results[0], results[1])
		assert.InDelta(t, 0.2, results[0], 1e-3)
		assert.NotEqual(t, 0.2, results[0], "half precision rounding must be visible in the average")
	})
}

func TestCollectiveAbort(t *testing.T) {
	t.Run("cancellation releases a blocked barrier", func(t *testing.T) {
		hub := distributed.NewHub(2)
		coord := distributed.NewCoordinator(hub, 0, 0, testDistConfig(2), logging.NewNoopLogger())
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := coord.Barrier(ctx)

		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrCoordBarrierTimeout.Code))
		assert.True(t, errors.IsFatal(err))
	})
}

func TestCallMain(t *testing.T) {
	t.Run("runs a single worker inline", func(t *testing.T) {
		cfg := &config.Config{Distributed: testDistConfig(1)}
		cfg.Distributed.DeviceID = 3
		calls := 0

		err := distributed.CallMain(context.Background(), cfg, logging.NewNoopLogger(), func(ctx context.Context, coord *distributed.Coordinator) error {
			calls++
			assert.Equal(t, 0, coord.Rank())
			assert.True(t, coord.IsMaster())
			assert.Equal(t, 1, coord.WorldSize())
			assert.Equal(t, 3, coord.DeviceID())
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("spawns one worker per rank on a shared hub", func(t *testing.T) {
		const world = 4
		cfg := &config.Config{Distributed: testDistConfig(world)}
		var mu sync.Mutex
		devices := make(map[int]int)

		err := distributed.CallMain(context.Background(), cfg, logging.NewNoopLogger(), func(ctx context.Context, coord *distributed.Coordinator) error {
			if err := coord.Barrier(ctx); err != nil {
				return err
			}
			mu.Lock()
			devices[coord.Rank()] = coord.DeviceID()
			mu.Unlock()
			return nil
		})

		require.NoError(t, err)
		require.Len(t, devices, world)
		for rank := 0; rank < world; rank++ {
			assert.Equal(t, rank, devices[rank], "spawned worker %d keeps its own device", rank)
		}
	})

	t.Run("propagates the first worker failure and cancels the rest", func(t *testing.T) {
		cfg := &config.Config{Distributed: testDistConfig(3)}

		err := distributed.CallMain(context.Background(), cfg, logging.NewNoopLogger(), func(ctx context.Context, coord *distributed.Coordinator) error {
			if coord.Rank() == 1 {
				return errors.NewFromCodef(errors.ErrSysInternalError, "worker blew up")
			}
			return coord.Barrier(ctx)
		})

		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrSysInternalError.Code))
	})
}
