package nn

import (
	"fmt"

	"github.com/boardnet-ml/boardnet/internal/compute"
	"github.com/boardnet-ml/boardnet/internal/tensor"
)

// FullyConnected is a dense affine transform with optional bias and a
// selectable pointwise activation. The matrix multiply, bias add, and
// activation run as one fused pass where the context allows.
type FullyConnected struct {
	base
	inSize  int
	act     compute.Activation
	useBias bool

	weights compute.Buffer // (C*H*W, inSize), row-major
	biases  compute.Buffer // (C*H*W) or nil
}

// NewFullyConnected declares a dense transform from the upstream layer's
// flattened output to the declared (c, h, w) shape. act selects exactly
// one of none, relu, tanh, or sigmoid.
func NewFullyConnected(up Layer, dt tensor.DataType, c, h, w int, act compute.Activation, bias bool) (*FullyConnected, error) {
	uc, uh, uw, err := upstreamShape(up)
	if err != nil {
		return nil, err
	}
	if c < 1 || h < 1 || w < 1 {
		return nil, fmt.Errorf("%w: invalid output shape (%d,%d,%d)", compute.ErrConfig, c, h, w)
	}
	if act < compute.ActNone || act > compute.ActSigmoid {
		return nil, fmt.Errorf("%w: unknown activation %d", compute.ErrConfig, act)
	}
	return &FullyConnected{
		base:    newBase(up, dt, c, h, w),
		inSize:  uc * uh * uw,
		act:     act,
		useBias: bias,
	}, nil
}

// outSize is the flattened output width.
func (l *FullyConnected) outSize() int { return l.c * l.h * l.w }

// LoadWeights validates and transfers the dense weight matrix
// (outputs, inputs) and optional bias vector, staging through scratch.
func (l *FullyConnected) LoadWeights(ctx compute.Context, weights, bias []float32, scratch compute.Buffer) error {
	want := l.outSize() * l.inSize
	if len(weights) != want {
		return fmt.Errorf("%w: weight matrix has %d values, dense layer needs %d", compute.ErrConfig, len(weights), want)
	}
	if l.useBias && len(bias) != l.outSize() {
		return fmt.Errorf("%w: bias has %d values, dense layer needs %d", compute.ErrConfig, len(bias), l.outSize())
	}
	if !l.useBias && len(bias) != 0 {
		return fmt.Errorf("%w: bias supplied to a dense layer constructed without bias", compute.ErrConfig)
	}

	wbuf, err := loadParam(ctx, weights, l.dt, scratch)
	if err != nil {
		return err
	}
	var bbuf compute.Buffer
	if l.useBias {
		if bbuf, err = loadParam(ctx, bias, l.dt, scratch); err != nil {
			wbuf.Release()
			return err
		}
	}

	l.weights, l.biases = wbuf, bbuf
	l.loaded = true
	return nil
}

// Eval computes dst = act(src x W^T + bias) for a batch of n rows.
func (l *FullyConnected) Eval(n int, dst, src, src2, scratch compute.Buffer, ctx compute.Context) error {
	if err := l.checkEval(n, dst, src); err != nil {
		return err
	}
	if src2 != nil {
		return fmt.Errorf("%w: dense layer does not take a skip input", compute.ErrUsage)
	}
	if err := ctx.Gemm(l.dt, n, l.outSize(), l.inSize, dst, src, l.weights, true); err != nil {
		return err
	}
	if l.biases == nil && l.act == compute.ActNone {
		return nil
	}
	return ctx.BiasActivation(l.dt, n, l.outSize(), dst, l.biases, l.act)
}

// Release frees the parameter buffers.
func (l *FullyConnected) Release() {
	releaseAll(l.weights, l.biases)
	l.weights, l.biases = nil, nil
	l.loaded = false
}
