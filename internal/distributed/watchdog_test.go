package distributed_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jwoo5/ai612-project2-2023/internal/distributed"
	"github.com/Jwoo5/ai612-project2-2023/internal/observability/logging"
	"github.com/Jwoo5/ai612-project2-2023/pkg/errors"
)

func TestWatchdog(t *testing.T) {
	t.Run("expiry aborts a blocked collective with the heartbeat error", func(t *testing.T) {
		wctx, wd := distributed.StartWatchdog(context.Background(), 0, 60*time.Millisecond, logging.NewNoopLogger())
		defer wd.Stop()

		// Rank 1 never arrives, so the barrier can only end via the watchdog.
		hub := distributed.NewHub(2)
		coord := distributed.NewCoordinator(hub, 0, 0, testDistConfig(2), logging.NewNoopLogger())

		start := time.Now()
		err := coord.Barrier(wctx)

		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrCoordHeartbeatExpired.Code))
		assert.True(t, errors.IsFatal(err))
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("advancing updates keep the context alive", func(t *testing.T) {
		wctx, wd := distributed.StartWatchdog(context.Background(), 0, 120*time.Millisecond, logging.NewNoopLogger())
		defer wd.Stop()

		for i := 1; i <= 10; i++ {
			wd.Beat(i)
			time.Sleep(30 * time.Millisecond)
		}
		assert.NoError(t, wctx.Err(), "progress within every window must not expire")

		// With the beats gone the next window runs out.
		require.Eventually(t, func() bool { return wctx.Err() != nil }, 5*time.Second, 10*time.Millisecond)
		assert.True(t, errors.Is(context.Cause(wctx), errors.ErrCoordHeartbeatExpired.Code))
	})

	t.Run("beats without progress still expire", func(t *testing.T) {
		wctx, wd := distributed.StartWatchdog(context.Background(), 0, 80*time.Millisecond, logging.NewNoopLogger())
		defer wd.Stop()

		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) && wctx.Err() == nil {
			wd.Beat(7)
			time.Sleep(10 * time.Millisecond)
		}

		require.Error(t, wctx.Err(), "a stalled update counter must expire even while beating")
	})

	t.Run("zero timeout disables monitoring", func(t *testing.T) {
		ctx := context.Background()
		wctx, wd := distributed.StartWatchdog(ctx, 0, 0, logging.NewNoopLogger())

		assert.Equal(t, ctx, wctx)
		wd.Beat(1)
		wd.Stop()
		time.Sleep(50 * time.Millisecond)
		assert.NoError(t, wctx.Err())
	})

	t.Run("stop halts monitoring without cancelling", func(t *testing.T) {
		wctx, wd := distributed.StartWatchdog(context.Background(), 0, 40*time.Millisecond, logging.NewNoopLogger())

		wd.Stop()
		wd.Stop()
		time.Sleep(150 * time.Millisecond)

		assert.NoError(t, wctx.Err())
	})
}
