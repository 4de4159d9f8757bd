package metrics_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Jwoo5/ai612-project2-2023/internal/metrics"
)

// TestAverageMeter tests weighted averaging and counter semantics
func TestAverageMeter(t *testing.T) {
	t.Run("Weighted average", func(t *testing.T) {
		m := metrics.NewAverageMeter(-1)
		m.Update(2.0, 4)
		m.Update(4.0, 8)

		assert.InDelta(t, (2.0*4+4.0*8)/12, m.Avg(), 1e-9)
		assert.InDelta(t, 4.0, m.Val(), 1e-9)
		assert.InDelta(t, 12.0, m.Count(), 1e-9)
	})

	t.Run("Zero weight reads back as last value", func(t *testing.T) {
		m := metrics.NewAverageMeter(-1)
		m.Update(10, 0)
		m.Update(25, 0)

		assert.InDelta(t, 25.0, m.Avg(), 1e-9)
		assert.InDelta(t, 0.0, m.Count(), 1e-9)
	})

	t.Run("Reset clears state", func(t *testing.T) {
		m := metrics.NewAverageMeter(-1)
		m.Update(3.5, 2)
		m.Reset()

		assert.Zero(t, m.Avg())
		assert.Zero(t, m.Count())
		assert.Zero(t, m.Val())
	})

	t.Run("Smoothed value applies rounding", func(t *testing.T) {
		m := metrics.NewAverageMeter(3)
		m.Update(1.0/3.0, 1)

		assert.InDelta(t, 0.333, m.SmoothedValue(), 1e-9)
	})
}

// TestStopwatchMeter tests interval accumulation
func TestStopwatchMeter(t *testing.T) {
	t.Run("Accumulates stopped intervals", func(t *testing.T) {
		m := metrics.NewStopwatchMeter(-1)
		m.Start()
		time.Sleep(10 * time.Millisecond)
		m.Stop()

		first := m.Sum()
		assert.Greater(t, first, 0.0)

		m.Start()
		time.Sleep(10 * time.Millisecond)
		m.Stop()
		assert.Greater(t, m.Sum(), first)
	})

	t.Run("Elapsed includes running interval", func(t *testing.T) {
		m := metrics.NewStopwatchMeter(-1)
		m.Start()
		time.Sleep(10 * time.Millisecond)

		assert.Greater(t, m.ElapsedSeconds(), 0.0)
		assert.Zero(t, m.Sum())
	})

	t.Run("Stop without start is a no-op", func(t *testing.T) {
		m := metrics.NewStopwatchMeter(-1)
		m.Stop()

		assert.Zero(t, m.Sum())
	})
}

// TestTimeMeter tests event rate measurement
func TestTimeMeter(t *testing.T) {
	t.Run("Rate reflects events over elapsed time", func(t *testing.T) {
		m := metrics.NewTimeMeter(-1)
		m.Update(5)
		time.Sleep(20 * time.Millisecond)

		rate := m.Rate()
		assert.Greater(t, rate, 0.0)
		assert.Less(t, rate, 5.0/0.02+1)
	})

	t.Run("Reset restarts the clock", func(t *testing.T) {
		m := metrics.NewTimeMeter(-1)
		m.Update(100)
		m.Reset()

		assert.InDelta(t, 0.0, m.Rate(), 1e-6)
	})
}
