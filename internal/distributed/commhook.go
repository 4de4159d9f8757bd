package distributed

import "math"

// compressFP16 rounds every gradient through IEEE 754 half precision,
// reproducing what the fp16 communication hook puts on the wire. The
// returned slice is freshly allocated.
func compressFP16(vals []float64) []float64 {
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = float64(halfToFloat32(float32ToHalf(float32(v))))
	}
	return out
}

// float32ToHalf converts a float32 to half precision bits with round to
// nearest even. Overflow saturates to infinity and NaN is preserved.
func float32ToHalf(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	exp := int((bits >> 23) & 0xff)
	mant := bits & 0x007fffff

	switch {
	case exp == 0xff:
		if mant != 0 {
			return sign | 0x7e00
		}
		return sign | 0x7c00
	case exp > 142:
		return sign | 0x7c00
	case exp >= 113:
		h := uint16(exp-112)<<10 | uint16(mant>>13)
		round := mant & 0x1fff
		if round > 0x1000 || (round == 0x1000 && h&1 == 1) {
			h++
		}
		return sign | h
	case exp >= 103:
		// Half subnormal. The rounding carry from the largest subnormal
		// lands on the smallest normal encoding.
		full := mant | 0x00800000
		shift := uint(126 - exp)
		m := full >> shift
		rem := full & (1<<shift - 1)
		halfway := uint32(1) << (shift - 1)
		if rem > halfway || (rem == halfway && m&1 == 1) {
			m++
		}
		return sign | uint16(m)
	default:
		return sign
	}
}

// halfToFloat32 expands half precision bits back to a float32.
func halfToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h & 0x03ff)

	switch {
	case exp == 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | mant<<13)
	case exp != 0:
		return math.Float32frombits(sign | (exp+112)<<23 | mant<<13)
	case mant != 0:
		e := uint32(113)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3ff
		return math.Float32frombits(sign | e<<23 | mant<<13)
	default:
		return math.Float32frombits(sign)
	}
}
