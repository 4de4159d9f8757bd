package distributed

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressFP16(t *testing.T) {
	t.Run("values representable in half precision survive unchanged", func(t *testing.T) {
		in := []float64{0, 1, -1, 0.5, -0.25, 1.5, 2048, 65504, 5.9604644775390625e-08}
		out := compressFP16(in)
		require.Equal(t, in, out)
	})

	t.Run("other values round to the nearest half", func(t *testing.T) {
		out := compressFP16([]float64{0.1, 0.3})
		assert.Equal(t, 0.0999755859375, out[0])
		assert.Equal(t, 0.300048828125, out[1])
	})

	t.Run("halfway cases round to even", func(t *testing.T) {
		out := compressFP16([]float64{2049, 2051})
		assert.Equal(t, 2048.0, out[0])
		assert.Equal(t, 2052.0, out[1])
	})

	t.Run("overflow saturates to infinity", func(t *testing.T) {
		out := compressFP16([]float64{1e5, -1e5})
		assert.True(t, math.IsInf(out[0], 1))
		assert.True(t, math.IsInf(out[1], -1))
	})

	t.Run("tiny values flush to zero and nans persist", func(t *testing.T) {
		out := compressFP16([]float64{1e-10, math.NaN()})
		assert.Zero(t, out[0])
		assert.True(t, math.IsNaN(out[1]))
	})
}
