package nn

import (
	"fmt"

	"github.com/boardnet-ml/boardnet/internal/compute"
	"github.com/boardnet-ml/boardnet/internal/tensor"
)

// GlobalAvgPool averages every channel's spatial plane to a single
// value, reducing (N, C, H, W) to (N, C, 1, 1). Stateless: the layer is
// evaluable at construction.
type GlobalAvgPool struct {
	base
	inHW int
}

// NewGlobalAvgPool declares a pool over the upstream layer's planes.
func NewGlobalAvgPool(up Layer, dt tensor.DataType) (*GlobalAvgPool, error) {
	c, h, w, err := upstreamShape(up)
	if err != nil {
		return nil, err
	}
	l := &GlobalAvgPool{base: newBase(up, dt, c, 1, 1), inHW: h * w}
	l.loaded = true
	return l, nil
}

// Eval reduces src (n, C, inH, inW) into dst (n, C, 1, 1).
func (l *GlobalAvgPool) Eval(n int, dst, src, src2, scratch compute.Buffer, ctx compute.Context) error {
	if err := l.checkEval(n, dst, src); err != nil {
		return err
	}
	if src2 != nil {
		return fmt.Errorf("%w: pooling does not take a skip input", compute.ErrUsage)
	}
	return ctx.GlobalAvgPool(l.dt, n, l.c, l.inHW, dst, src)
}

// Release is a no-op: the layer owns no parameters.
func (l *GlobalAvgPool) Release() {}
