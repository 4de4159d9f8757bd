package run_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jwoo5/ai612-project2-2023/internal/domain/run"
	"github.com/Jwoo5/ai612-project2-2023/pkg/errors"
	"github.com/Jwoo5/ai612-project2-2023/pkg/types"
)

func newRunningRun(t *testing.T) *run.Run {
	t.Helper()
	r := run.NewRun("20231234", 42, 2)
	require.NoError(t, r.Start())
	return r
}

func TestNewRun(t *testing.T) {
	r := run.NewRun("20231234", 42, 2)

	assert.True(t, strings.HasPrefix(r.ID, "run_"))
	assert.Equal(t, types.RunStatusPending, r.Status)
	assert.Equal(t, "20231234", r.StudentNumber)
	assert.Equal(t, int64(42), r.Seed)
	assert.Equal(t, 2, r.WorldSize)
	assert.Zero(t, r.Epoch)
	assert.Zero(t, r.NumUpdates)
	assert.Nil(t, r.BestScore)
	assert.False(t, r.CreatedAt.IsZero())
	assert.NoError(t, r.Validate())

	other := run.NewRun("20231234", 42, 2)
	assert.NotEqual(t, r.ID, other.ID)
}

func TestRunLifecycle(t *testing.T) {
	t.Run("start moves pending to running", func(t *testing.T) {
		r := run.NewRun("20231234", 1, 1)
		require.NoError(t, r.Start())

		assert.Equal(t, types.RunStatusRunning, r.Status)
		assert.NotNil(t, r.StartedAt)
		assert.True(t, r.IsActive())
		assert.False(t, r.IsTerminal())
	})

	t.Run("a run starts only once", func(t *testing.T) {
		r := newRunningRun(t)
		err := r.Start()
		assert.True(t, errors.Is(err, errors.ErrSysInvalidState.Code))
	})

	t.Run("complete closes a running run", func(t *testing.T) {
		r := newRunningRun(t)
		require.NoError(t, r.Complete())

		assert.Equal(t, types.RunStatusCompleted, r.Status)
		assert.True(t, r.IsTerminal())
		assert.NotNil(t, r.FinishedAt)
	})

	t.Run("a pending run cannot complete", func(t *testing.T) {
		r := run.NewRun("20231234", 1, 1)
		err := r.Complete()
		assert.True(t, errors.Is(err, errors.ErrSysInvalidState.Code))
	})

	t.Run("fail records the reason", func(t *testing.T) {
		r := newRunningRun(t)
		require.NoError(t, r.Fail("heartbeat expired on rank 1"))

		assert.Equal(t, types.RunStatusFailed, r.Status)
		assert.Equal(t, "heartbeat expired on rank 1", r.FailureReason)
		assert.True(t, r.IsTerminal())
	})

	t.Run("cancel works from pending and running", func(t *testing.T) {
		pending := run.NewRun("20231234", 1, 1)
		require.NoError(t, pending.Cancel())
		assert.Equal(t, types.RunStatusCancelled, pending.Status)

		running := newRunningRun(t)
		require.NoError(t, running.Cancel())
		assert.Equal(t, types.RunStatusCancelled, running.Status)
	})

	t.Run("terminal states stay terminal", func(t *testing.T) {
		r := newRunningRun(t)
		require.NoError(t, r.Complete())

		assert.True(t, errors.Is(r.Fail("late"), errors.ErrSysInvalidState.Code))
		assert.True(t, errors.Is(r.Cancel(), errors.ErrSysInvalidState.Code))
	})

	t.Run("duration tracks start to finish", func(t *testing.T) {
		r := run.NewRun("20231234", 1, 1)
		assert.Zero(t, r.Duration())

		require.NoError(t, r.Start())
		require.NoError(t, r.Complete())
		assert.GreaterOrEqual(t, r.Duration().Nanoseconds(), int64(0))
	})
}

func TestRunCounters(t *testing.T) {
	t.Run("epochs advance one at a time", func(t *testing.T) {
		r := newRunningRun(t)

		require.NoError(t, r.AdvanceEpoch(1))
		require.NoError(t, r.AdvanceEpoch(2))
		assert.Equal(t, 2, r.Epoch)

		err := r.AdvanceEpoch(4)
		assert.True(t, errors.Is(err, errors.ErrSysInvalidState.Code))
		assert.Equal(t, 2, r.Epoch)
	})

	t.Run("epochs only advance while running", func(t *testing.T) {
		r := run.NewRun("20231234", 1, 1)
		err := r.AdvanceEpoch(1)
		assert.True(t, errors.Is(err, errors.ErrSysInvalidState.Code))
	})

	t.Run("num_updates never moves backward", func(t *testing.T) {
		r := newRunningRun(t)

		require.NoError(t, r.RecordUpdates(10))
		require.NoError(t, r.RecordUpdates(10))
		require.NoError(t, r.RecordUpdates(25))

		err := r.RecordUpdates(24)
		assert.True(t, errors.Is(err, errors.ErrSysInvalidState.Code))
		assert.Equal(t, 25, r.NumUpdates)
	})
}

func TestObserveScore(t *testing.T) {
	t.Run("best score is the monotonic max", func(t *testing.T) {
		r := newRunningRun(t)

		assert.True(t, r.ObserveScore(0.70))
		require.NotNil(t, r.BestScore)
		assert.InDelta(t, 0.70, *r.BestScore, 1e-12)

		assert.False(t, r.ObserveScore(0.65))
		assert.InDelta(t, 0.70, *r.BestScore, 1e-12)

		assert.True(t, r.ObserveScore(0.80))
		assert.InDelta(t, 0.80, *r.BestScore, 1e-12)
	})

	t.Run("a repeat of the best does not improve", func(t *testing.T) {
		r := newRunningRun(t)
		assert.True(t, r.ObserveScore(0.5))
		assert.False(t, r.ObserveScore(0.5))
	})
}

func TestRunRestore(t *testing.T) {
	t.Run("rewinds onto the checkpointed position", func(t *testing.T) {
		r := newRunningRun(t)
		best := 0.87

		require.NoError(t, r.Restore(4, 120, &best))
		assert.Equal(t, 4, r.Epoch)
		assert.Equal(t, 120, r.NumUpdates)
		require.NotNil(t, r.BestScore)
		assert.InDelta(t, 0.87, *r.BestScore, 1e-12)

		// the run owns its copy of the score
		best = 0.99
		assert.InDelta(t, 0.87, *r.BestScore, 1e-12)
	})

	t.Run("a fresh checkpoint keeps the existing best", func(t *testing.T) {
		r := newRunningRun(t)
		r.ObserveScore(0.6)

		require.NoError(t, r.Restore(2, 40, nil))
		require.NotNil(t, r.BestScore)
		assert.InDelta(t, 0.6, *r.BestScore, 1e-12)
	})

	t.Run("terminal runs cannot be restored", func(t *testing.T) {
		r := newRunningRun(t)
		require.NoError(t, r.Complete())
		err := r.Restore(1, 1, nil)
		assert.True(t, errors.Is(err, errors.ErrSysInvalidState.Code))
	})

	t.Run("rejects negative positions", func(t *testing.T) {
		r := newRunningRun(t)
		err := r.Restore(-1, 0, nil)
		assert.True(t, errors.Is(err, errors.ErrSysInvalidState.Code))
	})
}

func TestRunValidate(t *testing.T) {
	r := run.NewRun("20231234", 1, 1)

	r.Status = types.RunStatus("paused")
	assert.Error(t, r.Validate())

	r = run.NewRun("20231234", 1, 0)
	assert.Error(t, r.Validate())

	r = run.NewRun("20231234", 1, 1)
	r.Epoch = -1
	assert.Error(t, r.Validate())
}
