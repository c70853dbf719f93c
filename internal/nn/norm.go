package nn

import (
	"fmt"

	"github.com/boardnet-ml/boardnet/internal/compute"
	"github.com/boardnet-ml/boardnet/internal/tensor"
)

// BatchNorm applies the per-channel inference-mode normalization
// transform using precomputed statistics, with an optional residual
// second input added before the optional fused ReLU.
//
// The statistics are kept in Float32 buffers whatever the pipeline's
// working precision; there is no accuracy to gain from narrowing them.
type BatchNorm struct {
	base
	useReLU bool

	means     compute.Buffer // (C), always Float32
	variances compute.Buffer // (C), always Float32
}

// NewBatchNorm declares a normalization over the upstream layer's shape.
func NewBatchNorm(up Layer, dt tensor.DataType, relu bool) (*BatchNorm, error) {
	c, h, w, err := upstreamShape(up)
	if err != nil {
		return nil, err
	}
	return &BatchNorm{base: newBase(up, dt, c, h, w), useReLU: relu}, nil
}

// LoadWeights transfers the per-channel means and variances to device
// memory. The upload stages through a transient buffer allocated here;
// load time is the one place allocation is permitted.
func (l *BatchNorm) LoadWeights(ctx compute.Context, means, variances []float32) error {
	if len(means) != l.c || len(variances) != l.c {
		return fmt.Errorf("%w: got %d means and %d variances for %d channels",
			compute.ErrConfig, len(means), len(variances), l.c)
	}
	staging, err := ctx.NewBuffer(l.c * 4)
	if err != nil {
		return err
	}
	defer staging.Release()

	mbuf, err := loadParam(ctx, means, tensor.Float32, staging)
	if err != nil {
		return err
	}
	vbuf, err := loadParam(ctx, variances, tensor.Float32, staging)
	if err != nil {
		mbuf.Release()
		return err
	}

	l.means, l.variances = mbuf, vbuf
	l.loaded = true
	return nil
}

// Eval applies the normalization, adding src2 (same shape as the
// output) before the activation when present.
func (l *BatchNorm) Eval(n int, dst, src, src2, scratch compute.Buffer, ctx compute.Context) error {
	if err := l.checkEval(n, dst, src); err != nil {
		return err
	}
	if src2 != nil && src2.ByteSize() < l.OutputSize(n) {
		return fmt.Errorf("%w: skip buffer holds %d bytes, layer needs %d",
			compute.ErrUsage, src2.ByteSize(), l.OutputSize(n))
	}
	return ctx.BatchNorm(l.dt, n, l.c, l.h*l.w, dst, src, src2, l.means, l.variances, l.useReLU)
}

// Release frees the statistics buffers.
func (l *BatchNorm) Release() {
	releaseAll(l.means, l.variances)
	l.means, l.variances = nil, nil
	l.loaded = false
}
