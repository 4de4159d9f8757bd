package distributed

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/Jwoo5/ai612-project2-2023/internal/observability/logging"
	"github.com/Jwoo5/ai612-project2-2023/pkg/config"
)

// MainFunc is the per-worker body invoked by CallMain.
type MainFunc func(ctx context.Context, coord *Coordinator) error

// CallMain runs fn across the configured worker group. With a world size
// of one, fn is invoked directly on the calling goroutine and keeps the
// configured device. Otherwise one worker per rank is spawned and joined,
// each bound to the device matching its rank; the first worker error
// cancels the contexts of the rest and is returned.
func CallMain(ctx context.Context, cfg *config.Config, logger logging.Logger, fn MainFunc) error {
	dist := cfg.Distributed
	hub := NewHub(dist.WorldSize)

	if !dist.IsDistributed() {
		return fn(ctx, NewCoordinator(hub, 0, dist.DeviceID, dist, logger))
	}

	logger.Info("spawning workers",
		logging.Int("world_size", dist.WorldSize),
		logging.String("backend", dist.Backend),
		logging.String("init_method", dist.RendezvousAddr()),
	)

	group, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < dist.WorldSize; rank++ {
		rank := rank
		group.Go(func() error {
			coord := NewCoordinator(hub, rank, rank, dist, logger)
			if err := fn(gctx, coord); err != nil {
				logger.Error("worker failed",
					logging.Int("rank", rank),
					logging.Error(err),
				)
				return err
			}
			return nil
		})
	}
	return group.Wait()
}
