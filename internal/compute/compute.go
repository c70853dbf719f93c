// Package compute defines the device compute context consumed by the
// boardnet layers: an opaque handle bundle giving access to an
// accelerated math backend's convolution, matrix-multiply, and fused
// elementwise kernels.
//
// Implementations:
//   - backend/cpu: reference context, gonum BLAS for matrix multiply
//   - backend/webgpu: cross-platform GPU compute via WebGPU
//
// Contexts are shared read-only across all layers of a pipeline; their
// lifetime is managed by the caller. Every kernel writes into a
// caller-supplied destination buffer, so steady-state evaluation
// performs no allocation.
package compute

import (
	"github.com/boardnet-ml/boardnet/internal/tensor"
)

// Buffer is a device-resident memory region. Layers own parameter
// buffers (allocated at load time, released at teardown); input, output,
// and scratch buffers are always borrowed from the caller.
type Buffer interface {
	// ByteSize returns the capacity of the buffer in bytes.
	ByteSize() int

	// Slice returns a view of n bytes starting at byte offset off.
	// Views share the underlying memory and must not be released.
	// Offsets should be SliceAlign-aligned to satisfy GPU binding rules.
	Slice(off, n int) Buffer

	// Release frees the device memory. Releasing a view is a no-op.
	Release()
}

// SliceAlign is the byte alignment required for Buffer.Slice offsets.
// 256 is the WebGPU storage-buffer binding alignment; the CPU context
// accepts any offset but callers align anyway so scratch layouts are
// portable across contexts.
const SliceAlign = 256

// AlignUp rounds n up to the next SliceAlign boundary.
func AlignUp(n int) int {
	return (n + SliceAlign - 1) &^ (SliceAlign - 1)
}

// Activation selects the pointwise activation fused into a kernel.
type Activation int

// Supported fused activations. At most one is applied per kernel call.
const (
	ActNone Activation = iota
	ActReLU
	ActTanh
	ActSigmoid
)

// String returns a human-readable activation name.
func (a Activation) String() string {
	switch a {
	case ActNone:
		return "none"
	case ActReLU:
		return "relu"
	case ActTanh:
		return "tanh"
	case ActSigmoid:
		return "sigmoid"
	default:
		return "unknown"
	}
}

// ConvAlgorithm identifies a convolution strategy chosen by a context.
// Values are context-specific; layers treat them as opaque and cache the
// choice returned by SelectConvAlgorithm once per declared shape.
type ConvAlgorithm int

// ConvDesc describes a convolution's static shape. Spatial padding is
// implied: FilterSize/2 on each side, so output H and W equal input H
// and W (board-sized planes).
type ConvDesc struct {
	InChannels  int
	OutChannels int
	FilterSize  int
	Height      int
	Width       int
	DataType    tensor.DataType
}

// Context is the device compute context. It bundles buffer management
// (the only host<->device transfer points) with the numeric kernels the
// layer set needs. Kernel calls are synchronous submissions to the
// device execution queue and may return before completion; call
// Synchronize before reading results through Download.
type Context interface {
	// NewBuffer allocates an uninitialized device buffer of byteSize
	// bytes. Failures wrap ErrResource.
	NewBuffer(byteSize int) (Buffer, error)

	// Upload transfers host float32 values into dst, converting to the
	// working precision dt. The transfer stages through scratch, which
	// must hold at least len(host) float32 values.
	Upload(dst Buffer, host []float32, dt tensor.DataType, scratch Buffer) error

	// Download transfers a dt-typed device buffer into host float32
	// values, synchronizing first.
	Download(host []float32, src Buffer, dt tensor.DataType) error

	// SelectConvAlgorithm picks the fastest available convolution
	// strategy for the given static shape. The result is stable for the
	// lifetime of the context and is cached by the layer.
	SelectConvAlgorithm(desc ConvDesc) (ConvAlgorithm, error)

	// ConvScratchSize returns the scratch bytes Convolve needs for a
	// batch of n under the given algorithm.
	ConvScratchSize(desc ConvDesc, algo ConvAlgorithm, n int) int

	// Convolve computes dst = conv(src, filter) for a batch of n, with
	// optional fused per-output-channel bias (nil to skip) and fused
	// ReLU. src is (n, Cin, H, W); dst is (n, Cout, H, W); filter is
	// (Cout, Cin, S, S).
	Convolve(algo ConvAlgorithm, desc ConvDesc, n int, dst, src, filter, bias Buffer, relu bool, scratch Buffer) error

	// Gemm computes dst = a x b for row-major dt-typed matrices:
	// a is (m, k); b is (k, n), or (n, k) when transB is set; dst is
	// (m, n).
	Gemm(dt tensor.DataType, m, n, k int, dst, a, b Buffer, transB bool) error

	// BiasActivation applies dst[r,c] = act(dst[r,c] + bias[c]) over a
	// (rows, cols) matrix in place. bias may be nil.
	BiasActivation(dt tensor.DataType, rows, cols int, dst, bias Buffer, act Activation) error

	// BatchNorm applies the per-channel inference transform
	// (x-mean)/sqrt(var+eps) over (n, c, hw), adding skip (same shape,
	// may be nil) before the optional fused ReLU. means and variances
	// are always Float32 buffers of c elements.
	BatchNorm(dt tensor.DataType, n, c, hw int, dst, src, skip, means, variances Buffer, relu bool) error

	// AddBias computes dst = src + bias broadcast per channel over
	// (n, c, hw). dst and src may alias.
	AddBias(dt tensor.DataType, n, c, hw int, dst, src, bias Buffer) error

	// GlobalAvgPool reduces (n, c, hw) to (n, c) by averaging the
	// spatial extent of each channel.
	GlobalAvgPool(dt tensor.DataType, n, c, hw int, dst, src Buffer) error

	// GlobalScale broadcasts per-(n,c) scale/shift pairs over the
	// spatial extent: dst = g(s)*src + t (+ skip) with optional fused
	// ReLU. scaleShift is (n, 2c) with row layout [c scales, c shifts];
	// g is the logistic gate when gate is set, identity otherwise. skip
	// may be nil; dst and src may alias.
	GlobalScale(dt tensor.DataType, n, c, hw int, dst, src, scaleShift, skip Buffer, gate, relu bool) error

	// Softmax normalizes each batch element's c values into a
	// probability distribution.
	Softmax(dt tensor.DataType, n, c int, dst, src Buffer) error

	// Synchronize blocks until all submitted work has completed.
	Synchronize() error

	// Name identifies the context, e.g. "CPU" or "WebGPU".
	Name() string
}
