// Package nn implements the boardnet layer set: the fixed operators of a
// residual convolutional evaluation pipeline for game positions.
//
// Layers own only their learned parameters, held in device buffers that
// are loaded once and immutable afterwards. Memory for input, output,
// skip, and scratch tensors is provided by the caller of Eval, so
// steady-state evaluation performs no allocation. The device compute
// context is passed to every Eval call and never stored.
package nn

import (
	"fmt"

	"github.com/boardnet-ml/boardnet/internal/compute"
	"github.com/boardnet-ml/boardnet/internal/tensor"
)

// Layer is one operator in the evaluation pipeline. The operator set is
// closed: Convolution, BatchNorm, FullyConnected, SqueezeExcitation,
// GlobalAvgPool, GlobalScale, SoftMax.
type Layer interface {
	// Channels, Height, and Width return the declared output shape,
	// fixed at construction. OutputShape returns the same dimensions as
	// a (C, H, W) vector for shape arithmetic.
	Channels() int
	Height() int
	Width() int
	OutputShape() tensor.Shape

	// OutputSize returns the byte size of the output tensor for a batch
	// of n: elementSize * n * C * H * W. Callers size their buffers
	// with it.
	OutputSize(n int) int

	// Eval evaluates the operator for a batch of n. dst receives the
	// output; src is the primary input; src2 is the optional skip
	// connection (nil when absent) and must match the declared output
	// shape; scratch is transient shared memory whose contents do not
	// survive the call. Failures wrap the compute error taxonomy; on
	// failure dst is undefined.
	Eval(n int, dst, src, src2, scratch compute.Buffer, ctx compute.Context) error

	// Release frees the layer's parameter buffers. The layer is not
	// evaluable afterwards.
	Release()
}

// base carries the bookkeeping every layer shares: the declared output
// shape, the working precision, and a non-owning upstream reference used
// only for shape propagation at construction time (data never flows
// through it).
type base struct {
	c, h, w int
	dt      tensor.DataType
	up      Layer
	loaded  bool
}

func newBase(up Layer, dt tensor.DataType, c, h, w int) base {
	return base{c: c, h: h, w: w, dt: dt, up: up}
}

// Channels returns the output channel count.
func (b *base) Channels() int { return b.c }

// Height returns the output height.
func (b *base) Height() int { return b.h }

// Width returns the output width.
func (b *base) Width() int { return b.w }

// OutputShape returns the declared output dimensions as (C, H, W).
func (b *base) OutputShape() tensor.Shape {
	return tensor.Shape{b.c, b.h, b.w}
}

// OutputSize returns elementSize * n * C * H * W.
func (b *base) OutputSize(n int) int {
	return b.dt.Size() * n * b.c * b.h * b.w
}

// checkEval validates the per-call invariants common to all layers.
func (b *base) checkEval(n int, dst, src compute.Buffer) error {
	if !b.loaded {
		return fmt.Errorf("%w: layer evaluated before weights were loaded", compute.ErrUsage)
	}
	if n < 1 {
		return fmt.Errorf("%w: batch size %d", compute.ErrUsage, n)
	}
	if dst == nil || src == nil {
		return fmt.Errorf("%w: nil input or output buffer", compute.ErrUsage)
	}
	if dst.ByteSize() < b.OutputSize(n) {
		return fmt.Errorf("%w: output buffer holds %d bytes, layer needs %d",
			compute.ErrUsage, dst.ByteSize(), b.OutputSize(n))
	}
	return nil
}

// upstreamShape returns the input shape inherited from the upstream
// layer, or an error when no upstream was supplied.
func upstreamShape(up Layer) (c, h, w int, err error) {
	if up == nil {
		return 0, 0, 0, fmt.Errorf("%w: layer requires an upstream layer for shape inference", compute.ErrConfig)
	}
	return up.Channels(), up.Height(), up.Width(), nil
}

// loadParam allocates a device buffer for count elements of dt and
// uploads host values into it through scratch. Used by the weight-load
// paths; never called during evaluation.
func loadParam(ctx compute.Context, host []float32, dt tensor.DataType, scratch compute.Buffer) (compute.Buffer, error) {
	buf, err := ctx.NewBuffer(len(host) * dt.Size())
	if err != nil {
		return nil, err
	}
	if err := ctx.Upload(buf, host, dt, scratch); err != nil {
		buf.Release()
		return nil, err
	}
	return buf, nil
}

// releaseAll releases every non-nil buffer.
func releaseAll(bufs ...compute.Buffer) {
	for _, b := range bufs {
		if b != nil {
			b.Release()
		}
	}
}
