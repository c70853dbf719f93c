package nn

import (
	"fmt"

	"github.com/boardnet-ml/boardnet/internal/compute"
	"github.com/boardnet-ml/boardnet/internal/tensor"
)

// GlobalScale broadcasts per-(N,C) scale/shift pairs across the spatial
// extent of the primary input and adds the primary input back as the
// residual in the same pass: dst = s*src + t + src. The secondary input
// carries the pairs as (N, 2C) rows, scales first. No activation is
// applied; that belongs to an adjoining layer. Stateless.
type GlobalScale struct {
	base
}

// NewGlobalScale declares a scale over the upstream layer's shape.
func NewGlobalScale(up Layer, dt tensor.DataType) (*GlobalScale, error) {
	c, h, w, err := upstreamShape(up)
	if err != nil {
		return nil, err
	}
	l := &GlobalScale{base: newBase(up, dt, c, h, w)}
	l.loaded = true
	return l, nil
}

// Eval applies the broadcast scale/shift. src2 holds the (n, 2C) pairs.
func (l *GlobalScale) Eval(n int, dst, src, src2, scratch compute.Buffer, ctx compute.Context) error {
	if err := l.checkEval(n, dst, src); err != nil {
		return err
	}
	if src2 == nil {
		return fmt.Errorf("%w: global scale requires the scale/shift input", compute.ErrUsage)
	}
	if src2.ByteSize() < n*2*l.c*l.dt.Size() {
		return fmt.Errorf("%w: scale/shift buffer holds %d bytes, layer needs %d",
			compute.ErrUsage, src2.ByteSize(), n*2*l.c*l.dt.Size())
	}
	return ctx.GlobalScale(l.dt, n, l.c, l.h*l.w, dst, src, src2, src, false, false)
}

// Release is a no-op: the layer owns no parameters.
func (l *GlobalScale) Release() {}
