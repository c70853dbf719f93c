package nn

import (
	"fmt"

	"github.com/boardnet-ml/boardnet/internal/compute"
	"github.com/boardnet-ml/boardnet/internal/tensor"
)

// SqueezeExcitation is the fused channel-attention operator:
//
//	(optional previous-layer bias add) -> global average pool ->
//	FC1 + ReLU (reduction) -> FC2 (expansion to scale||shift) ->
//	gated scale/shift of the original input -> + skip -> ReLU
//
// The pooled path runs entirely in scratch; the full-resolution tensor
// it is reapplied to lives in src (or dst when the previous-layer bias
// was folded in), so pooling can never clobber it. All intermediates are
// carved from disjoint, alignment-padded scratch slices against the same
// batch size as the primary input.
type SqueezeExcitation struct {
	base
	fc1Out      int // reduction width
	addPrevBias bool

	w1       compute.Buffer // (fc1Out, C)
	b1       compute.Buffer // (fc1Out)
	w2       compute.Buffer // (2C, fc1Out)
	b2       compute.Buffer // (2C)
	prevBias compute.Buffer // (C) or nil
}

// NewSqueezeExcitation declares a squeeze-excitation block over the
// upstream layer's shape with the given reduction width. addPrevBias
// folds the previous convolution's bias in before pooling.
func NewSqueezeExcitation(up Layer, dt tensor.DataType, fc1Out int, addPrevBias bool) (*SqueezeExcitation, error) {
	c, h, w, err := upstreamShape(up)
	if err != nil {
		return nil, err
	}
	if fc1Out < 1 {
		return nil, fmt.Errorf("%w: reduction width %d", compute.ErrConfig, fc1Out)
	}
	return &SqueezeExcitation{
		base:        newBase(up, dt, c, h, w),
		fc1Out:      fc1Out,
		addPrevBias: addPrevBias,
	}, nil
}

// LoadWeights validates and transfers the two dense stages and the
// optional previous-layer bias, staging through scratch. w1 is
// (fc1Out, C); w2 is (2C, fc1Out) with the scale rows first.
func (l *SqueezeExcitation) LoadWeights(ctx compute.Context, w1, b1, w2, b2, prevBias []float32, scratch compute.Buffer) error {
	switch {
	case len(w1) != l.fc1Out*l.c:
		return fmt.Errorf("%w: w1 has %d values, needs %d", compute.ErrConfig, len(w1), l.fc1Out*l.c)
	case len(b1) != l.fc1Out:
		return fmt.Errorf("%w: b1 has %d values, needs %d", compute.ErrConfig, len(b1), l.fc1Out)
	case len(w2) != 2*l.c*l.fc1Out:
		return fmt.Errorf("%w: w2 has %d values, needs %d", compute.ErrConfig, len(w2), 2*l.c*l.fc1Out)
	case len(b2) != 2*l.c:
		return fmt.Errorf("%w: b2 has %d values, needs %d", compute.ErrConfig, len(b2), 2*l.c)
	case l.addPrevBias && len(prevBias) != l.c:
		return fmt.Errorf("%w: previous-layer bias has %d values, needs %d", compute.ErrConfig, len(prevBias), l.c)
	case !l.addPrevBias && len(prevBias) != 0:
		return fmt.Errorf("%w: previous-layer bias supplied but not configured", compute.ErrConfig)
	}

	bufs := make([]compute.Buffer, 0, 5)
	load := func(host []float32) (compute.Buffer, error) {
		buf, err := loadParam(ctx, host, l.dt, scratch)
		if err != nil {
			releaseAll(bufs...)
			return nil, err
		}
		bufs = append(bufs, buf)
		return buf, nil
	}

	var err error
	if l.w1, err = load(w1); err != nil {
		return err
	}
	if l.b1, err = load(b1); err != nil {
		return err
	}
	if l.w2, err = load(w2); err != nil {
		return err
	}
	if l.b2, err = load(b2); err != nil {
		return err
	}
	if l.addPrevBias {
		if l.prevBias, err = load(prevBias); err != nil {
			return err
		}
	}
	l.loaded = true
	return nil
}

// scratchLayout returns the offsets and total size of the three
// intermediates for a batch of n: pooled (n,C), reduced (n,fc1Out), and
// expanded scale/shift (n,2C).
func (l *SqueezeExcitation) scratchLayout(n int) (poolOff, fc1Off, fc2Off, total int) {
	es := l.dt.Size()
	poolOff = 0
	fc1Off = compute.AlignUp(n * l.c * es)
	fc2Off = fc1Off + compute.AlignUp(n*l.fc1Out*es)
	total = fc2Off + n*2*l.c*es
	return
}

// ScratchSize returns the scratch bytes Eval needs for a batch of n.
func (l *SqueezeExcitation) ScratchSize(n int) int {
	_, _, _, total := l.scratchLayout(n)
	return total
}

// Eval runs the fused sequence. src2 is the mandatory residual skip.
func (l *SqueezeExcitation) Eval(n int, dst, src, src2, scratch compute.Buffer, ctx compute.Context) error {
	if err := l.checkEval(n, dst, src); err != nil {
		return err
	}
	if src2 == nil {
		return fmt.Errorf("%w: squeeze-excitation requires the residual skip input", compute.ErrUsage)
	}
	if src2.ByteSize() < l.OutputSize(n) {
		return fmt.Errorf("%w: skip buffer holds %d bytes, layer needs %d",
			compute.ErrUsage, src2.ByteSize(), l.OutputSize(n))
	}
	poolOff, fc1Off, fc2Off, total := l.scratchLayout(n)
	if scratch == nil || scratch.ByteSize() < total {
		return fmt.Errorf("%w: squeeze-excitation needs %d scratch bytes", compute.ErrUsage, total)
	}

	hw := l.h * l.w
	es := l.dt.Size()

	// The full-resolution tensor the excitation is reapplied to. When
	// the previous layer's bias is folded in, dst doubles as that
	// tensor; it is never placed in scratch.
	x := src
	if l.addPrevBias {
		if err := ctx.AddBias(l.dt, n, l.c, hw, dst, src, l.prevBias); err != nil {
			return err
		}
		x = dst
	}

	pooled := scratch.Slice(poolOff, n*l.c*es)
	reduced := scratch.Slice(fc1Off, n*l.fc1Out*es)
	expanded := scratch.Slice(fc2Off, n*2*l.c*es)

	if err := ctx.GlobalAvgPool(l.dt, n, l.c, hw, pooled, x); err != nil {
		return err
	}
	if err := ctx.Gemm(l.dt, n, l.fc1Out, l.c, reduced, pooled, l.w1, true); err != nil {
		return err
	}
	if err := ctx.BiasActivation(l.dt, n, l.fc1Out, reduced, l.b1, compute.ActReLU); err != nil {
		return err
	}
	if err := ctx.Gemm(l.dt, n, 2*l.c, l.fc1Out, expanded, reduced, l.w2, true); err != nil {
		return err
	}
	if err := ctx.BiasActivation(l.dt, n, 2*l.c, expanded, l.b2, compute.ActNone); err != nil {
		return err
	}
	return ctx.GlobalScale(l.dt, n, l.c, hw, dst, x, expanded, src2, true, true)
}

// Release frees the parameter buffers.
func (l *SqueezeExcitation) Release() {
	releaseAll(l.w1, l.b1, l.w2, l.b2, l.prevBias)
	l.w1, l.b1, l.w2, l.b2, l.prevBias = nil, nil, nil, nil, nil
	l.loaded = false
}
