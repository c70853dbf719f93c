// Package tensor provides the shape and element-type bookkeeping shared by
// the boardnet compute contexts and layers.
package tensor

import (
	"math"
	"unsafe"
)

// DataType is the working precision of a device buffer.
type DataType int

// Supported working precisions. Float16 is a storage format: the CPU
// context computes in float32 and converts per element.
const (
	Float32 DataType = iota
	Float16
)

// Size returns the byte size of one element.
func (dt DataType) Size() int {
	switch dt {
	case Float32:
		return 4
	case Float16:
		return 2
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	default:
		return "unknown"
	}
}

// AsFloat32 reinterprets a byte buffer as a float32 slice (zero-copy).
// The buffer length must be a multiple of 4.
func AsFloat32(buf []byte) []float32 {
	if len(buf) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&buf[0])), len(buf)/4)
}

// AsUint16 reinterprets a byte buffer as a uint16 slice (zero-copy).
func AsUint16(buf []byte) []uint16 {
	if len(buf) == 0 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&buf[0])), len(buf)/2)
}

// At reads element i of a dt-typed buffer as float32.
func At(dt DataType, buf []byte, i int) float32 {
	if dt == Float32 {
		return AsFloat32(buf)[i]
	}
	return F16Decode(AsUint16(buf)[i])
}

// SetAt writes v into element i of a dt-typed buffer.
func SetAt(dt DataType, buf []byte, i int, v float32) {
	if dt == Float32 {
		AsFloat32(buf)[i] = v
		return
	}
	AsUint16(buf)[i] = F16Encode(v)
}

// PackFloats converts host float32 values into a dt-typed byte buffer.
// dst must hold at least len(src) elements of dt.
func PackFloats(dt DataType, dst []byte, src []float32) {
	if dt == Float32 {
		copy(AsFloat32(dst), src)
		return
	}
	out := AsUint16(dst)
	for i, v := range src {
		out[i] = F16Encode(v)
	}
}

// UnpackFloats converts a dt-typed byte buffer into host float32 values.
func UnpackFloats(dt DataType, dst []float32, src []byte) {
	if dt == Float32 {
		copy(dst, AsFloat32(src))
		return
	}
	in := AsUint16(src)
	for i := range dst {
		dst[i] = F16Decode(in[i])
	}
}

// F16Encode converts a float32 to IEEE 754 binary16 with
// round-to-nearest-even. Overflow saturates to infinity.
func F16Encode(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32(bits>>23&0xff) - 127 + 15
	mant := bits & 0x7fffff

	switch {
	case exp >= 31:
		if int32(bits>>23&0xff) == 255 && mant != 0 {
			return sign | 0x7e00 // NaN
		}
		return sign | 0x7c00 // Inf / overflow
	case exp <= 0:
		if exp < -10 {
			return sign // underflow to zero
		}
		// Subnormal: shift in the implicit leading bit.
		mant |= 0x800000
		shift := uint32(14 - exp)
		half := uint16(mant >> shift)
		if mant>>(shift-1)&1 != 0 && (mant&(1<<(shift-1)-1) != 0 || half&1 != 0) {
			half++
		}
		return sign | half
	default:
		half := sign | uint16(exp)<<10 | uint16(mant>>13)
		if mant&0x1000 != 0 && (mant&0xfff != 0 || half&1 != 0) {
			half++
		}
		return half
	}
}

// F16Decode converts an IEEE 754 binary16 value to float32.
func F16Decode(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h >> 10 & 0x1f)
	mant := uint32(h & 0x3ff)

	switch exp {
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		// Subnormal: normalize.
		e := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3ff
		return math.Float32frombits(sign | e<<23 | mant<<13)
	case 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | mant<<13)
	default:
		return math.Float32frombits(sign | (exp-15+127)<<23 | mant<<13)
	}
}
