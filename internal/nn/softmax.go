package nn

import (
	"fmt"

	"github.com/boardnet-ml/boardnet/internal/compute"
	"github.com/boardnet-ml/boardnet/internal/tensor"
)

// SoftMax normalizes each batch element's values into a probability
// distribution. Terminal in the pipeline; stateless beyond shape
// bookkeeping.
type SoftMax struct {
	base
}

// NewSoftMax declares a softmax over the upstream layer's shape.
func NewSoftMax(up Layer, dt tensor.DataType) (*SoftMax, error) {
	c, h, w, err := upstreamShape(up)
	if err != nil {
		return nil, err
	}
	l := &SoftMax{base: newBase(up, dt, c, h, w)}
	l.loaded = true
	return l, nil
}

// Eval normalizes src into dst, one distribution per batch element.
func (l *SoftMax) Eval(n int, dst, src, src2, scratch compute.Buffer, ctx compute.Context) error {
	if err := l.checkEval(n, dst, src); err != nil {
		return err
	}
	if src2 != nil {
		return fmt.Errorf("%w: softmax does not take a skip input", compute.ErrUsage)
	}
	return ctx.Softmax(l.dt, n, l.c*l.h*l.w, dst, src)
}

// Release is a no-op: the layer owns no parameters.
func (l *SoftMax) Release() {}
