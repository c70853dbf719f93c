package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataTypeSize(t *testing.T) {
	assert.Equal(t, 4, Float32.Size())
	assert.Equal(t, 2, Float16.Size())
}

func TestF16Roundtrip(t *testing.T) {
	// Values exactly representable in binary16 must survive a roundtrip.
	exact := []float32{0, 1, -1, 0.5, 2.5, -3.25, 1024, -2048, 65504}
	for _, v := range exact {
		assert.Equal(t, v, F16Decode(F16Encode(v)), "value %v", v)
	}
}

func TestF16Rounding(t *testing.T) {
	// binary16 has 11 significand bits; anything within relative 2^-11
	// of the input is acceptable.
	values := []float32{0.1, 3.14159, -7.77, 123.456, 0.0003}
	for _, v := range values {
		got := F16Decode(F16Encode(v))
		assert.InEpsilon(t, v, got, 1.0/2048, "value %v", v)
	}
}

func TestF16Specials(t *testing.T) {
	assert.True(t, math.IsInf(float64(F16Decode(F16Encode(float32(math.Inf(1))))), 1))
	assert.True(t, math.IsInf(float64(F16Decode(F16Encode(float32(math.Inf(-1))))), -1))
	assert.True(t, math.IsNaN(float64(F16Decode(F16Encode(float32(math.NaN()))))))
	// Overflow saturates to infinity.
	assert.True(t, math.IsInf(float64(F16Decode(F16Encode(1e6))), 1))
	// Deep underflow flushes to signed zero.
	assert.Equal(t, float32(0), F16Decode(F16Encode(1e-10)))
}

func TestPackUnpackFloats(t *testing.T) {
	src := []float32{1, -2, 3.5, 0.25}
	for _, dt := range []DataType{Float32, Float16} {
		buf := make([]byte, len(src)*dt.Size())
		PackFloats(dt, buf, src)

		dst := make([]float32, len(src))
		UnpackFloats(dt, dst, buf)
		for i := range src {
			assert.Equal(t, src[i], dst[i], "dtype %s index %d", dt, i)
		}

		for i := range src {
			assert.Equal(t, src[i], At(dt, buf, i))
		}
		SetAt(dt, buf, 1, 9)
		assert.Equal(t, float32(9), At(dt, buf, 1))
	}
}

func TestShape(t *testing.T) {
	s := Shape{2, 3, 4}
	assert.Equal(t, 24, s.NumElements())
	require.NoError(t, s.Validate())
	assert.Error(t, Shape{2, 0}.Validate())
	assert.True(t, s.Equal(Shape{2, 3, 4}))
	assert.False(t, s.Equal(Shape{2, 3}))

	c := s.Clone()
	c[0] = 7
	assert.Equal(t, 2, s[0])
}
