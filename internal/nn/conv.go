package nn

import (
	"fmt"
	"sync"

	"github.com/boardnet-ml/boardnet/internal/compute"
	"github.com/boardnet-ml/boardnet/internal/tensor"
)

// Convolution is a same-padded spatial convolution with optional fused
// per-output-channel bias and fused ReLU. The convolution algorithm is
// chosen by the compute context once for the declared shape and cached
// for every subsequent call.
type Convolution struct {
	base
	inChannels int
	filterSize int
	useReLU    bool
	useBias    bool

	filter compute.Buffer // (C, inChannels, S, S)
	bias   compute.Buffer // (C) or nil

	algoOnce sync.Once
	algo     compute.ConvAlgorithm
	algoErr  error
}

// NewConvolution declares a convolution producing (c, h, w) from
// inChannels input planes with an S x S filter.
func NewConvolution(up Layer, dt tensor.DataType, c, h, w, filterSize, inChannels int, relu, bias bool) (*Convolution, error) {
	if c < 1 || h < 1 || w < 1 {
		return nil, fmt.Errorf("%w: invalid output shape (%d,%d,%d)", compute.ErrConfig, c, h, w)
	}
	if filterSize < 1 || filterSize%2 == 0 {
		return nil, fmt.Errorf("%w: filter size %d (must be odd and positive)", compute.ErrConfig, filterSize)
	}
	if inChannels < 1 {
		return nil, fmt.Errorf("%w: input channel count %d", compute.ErrConfig, inChannels)
	}
	if up != nil {
		uc, uh, uw, _ := upstreamShape(up)
		if uc != inChannels || uh != h || uw != w {
			return nil, fmt.Errorf("%w: upstream shape (%d,%d,%d) incompatible with convolution expecting %d input channels at %dx%d",
				compute.ErrConfig, uc, uh, uw, inChannels, h, w)
		}
	}
	return &Convolution{
		base:       newBase(up, dt, c, h, w),
		inChannels: inChannels,
		filterSize: filterSize,
		useReLU:    relu,
		useBias:    bias,
	}, nil
}

func (l *Convolution) desc() compute.ConvDesc {
	return compute.ConvDesc{
		InChannels:  l.inChannels,
		OutChannels: l.c,
		FilterSize:  l.filterSize,
		Height:      l.h,
		Width:       l.w,
		DataType:    l.dt,
	}
}

// LoadWeights validates and transfers the filter and optional bias to
// device memory, staging through scratch. filter is channel-major
// (C, inChannels, S, S); bias holds C values when the layer was
// constructed with bias, and must be empty otherwise.
func (l *Convolution) LoadWeights(ctx compute.Context, filter, bias []float32, scratch compute.Buffer) error {
	wantFilter := l.c * l.inChannels * l.filterSize * l.filterSize
	if len(filter) != wantFilter {
		return fmt.Errorf("%w: filter has %d values, convolution needs %d", compute.ErrConfig, len(filter), wantFilter)
	}
	if l.useBias && len(bias) != l.c {
		return fmt.Errorf("%w: bias has %d values, convolution needs %d", compute.ErrConfig, len(bias), l.c)
	}
	if !l.useBias && len(bias) != 0 {
		return fmt.Errorf("%w: bias supplied to a convolution constructed without bias", compute.ErrConfig)
	}

	fbuf, err := loadParam(ctx, filter, l.dt, scratch)
	if err != nil {
		return err
	}
	var bbuf compute.Buffer
	if l.useBias {
		if bbuf, err = loadParam(ctx, bias, l.dt, scratch); err != nil {
			fbuf.Release()
			return err
		}
	}

	l.filter, l.bias = fbuf, bbuf
	l.loaded = true
	return nil
}

// selectAlgorithm resolves and caches the context's convolution
// strategy. Safe under concurrent evaluation passes.
func (l *Convolution) selectAlgorithm(ctx compute.Context) (compute.ConvAlgorithm, error) {
	l.algoOnce.Do(func() {
		l.algo, l.algoErr = ctx.SelectConvAlgorithm(l.desc())
	})
	return l.algo, l.algoErr
}

// ScratchSize returns the scratch bytes Eval needs for a batch of n.
func (l *Convolution) ScratchSize(ctx compute.Context, n int) (int, error) {
	algo, err := l.selectAlgorithm(ctx)
	if err != nil {
		return 0, err
	}
	return ctx.ConvScratchSize(l.desc(), algo, n), nil
}

// Eval computes the convolution. The skip input is not supported here;
// residual adds happen in the following normalization layer.
func (l *Convolution) Eval(n int, dst, src, src2, scratch compute.Buffer, ctx compute.Context) error {
	if err := l.checkEval(n, dst, src); err != nil {
		return err
	}
	if src2 != nil {
		return fmt.Errorf("%w: convolution does not take a skip input", compute.ErrUsage)
	}
	algo, err := l.selectAlgorithm(ctx)
	if err != nil {
		return err
	}
	if need := ctx.ConvScratchSize(l.desc(), algo, n); need > 0 {
		if scratch == nil || scratch.ByteSize() < need {
			return fmt.Errorf("%w: convolution needs %d scratch bytes", compute.ErrUsage, need)
		}
	}
	return ctx.Convolve(algo, l.desc(), n, dst, src, l.filter, l.bias, l.useReLU, scratch)
}

// Release frees the parameter buffers.
func (l *Convolution) Release() {
	releaseAll(l.filter, l.bias)
	l.filter, l.bias = nil, nil
	l.loaded = false
}
