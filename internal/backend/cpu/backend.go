// Package cpu implements the reference compute context in pure Go, with
// gonum BLAS for matrix multiplication. It supports both working
// precisions; Float16 buffers are decoded per element.
package cpu

import (
	"fmt"

	"github.com/boardnet-ml/boardnet/internal/compute"
	"github.com/boardnet-ml/boardnet/internal/tensor"
)

// Convolution strategies reported by SelectConvAlgorithm.
const (
	algoDirect compute.ConvAlgorithm = iota + 1
	algoIm2Col
)

// Context implements compute.Context on the host.
type Context struct{}

// New creates a new CPU compute context.
func New() *Context {
	return &Context{}
}

// Name returns the context name.
func (c *Context) Name() string {
	return "CPU"
}

// Synchronize is a no-op: CPU kernels complete before returning.
func (c *Context) Synchronize() error {
	return nil
}

// hostBuffer is the CPU Buffer: a plain byte slice. Views share the
// parent's memory and never release it.
type hostBuffer struct {
	data []byte
	view bool
}

func (b *hostBuffer) ByteSize() int {
	return len(b.data)
}

func (b *hostBuffer) Slice(off, n int) compute.Buffer {
	return &hostBuffer{data: b.data[off : off+n], view: true}
}

func (b *hostBuffer) Release() {
	if !b.view {
		b.data = nil
	}
}

// NewBuffer allocates a zeroed host buffer.
func (c *Context) NewBuffer(byteSize int) (compute.Buffer, error) {
	if byteSize <= 0 {
		return nil, fmt.Errorf("%w: invalid buffer size %d", compute.ErrResource, byteSize)
	}
	return &hostBuffer{data: make([]byte, byteSize)}, nil
}

// bytesOf unwraps a Buffer created by this context.
func bytesOf(b compute.Buffer) ([]byte, error) {
	hb, ok := b.(*hostBuffer)
	if !ok {
		return nil, fmt.Errorf("%w: buffer %T does not belong to the CPU context", compute.ErrUsage, b)
	}
	if hb.data == nil {
		return nil, fmt.Errorf("%w: buffer already released", compute.ErrUsage)
	}
	return hb.data, nil
}

// Upload stages host floats through scratch and converts them to the
// working precision in dst.
func (c *Context) Upload(dst compute.Buffer, host []float32, dt tensor.DataType, scratch compute.Buffer) error {
	db, err := bytesOf(dst)
	if err != nil {
		return err
	}
	sb, err := bytesOf(scratch)
	if err != nil {
		return err
	}
	if len(sb) < len(host)*4 {
		return fmt.Errorf("%w: scratch holds %d bytes, upload of %d floats needs %d",
			compute.ErrUsage, len(sb), len(host), len(host)*4)
	}
	if len(db) < len(host)*dt.Size() {
		return fmt.Errorf("%w: destination holds %d bytes, upload needs %d",
			compute.ErrUsage, len(db), len(host)*dt.Size())
	}
	staged := tensor.AsFloat32(sb)[:len(host)]
	copy(staged, host)
	tensor.PackFloats(dt, db, staged)
	return nil
}

// Download converts a device buffer back to host floats.
func (c *Context) Download(host []float32, src compute.Buffer, dt tensor.DataType) error {
	sb, err := bytesOf(src)
	if err != nil {
		return err
	}
	if len(sb) < len(host)*dt.Size() {
		return fmt.Errorf("%w: source holds %d bytes, download of %d floats needs %d",
			compute.ErrUsage, len(sb), len(host), len(host)*dt.Size())
	}
	if err := c.Synchronize(); err != nil {
		return err
	}
	tensor.UnpackFloats(dt, host, sb)
	return nil
}

// SelectConvAlgorithm picks direct convolution for pointwise filters and
// Float16 data, im2col+GEMM otherwise.
func (c *Context) SelectConvAlgorithm(desc compute.ConvDesc) (compute.ConvAlgorithm, error) {
	if desc.FilterSize < 1 || desc.FilterSize%2 == 0 {
		return 0, fmt.Errorf("%w: unsupported filter size %d", compute.ErrBackend, desc.FilterSize)
	}
	if desc.InChannels < 1 || desc.OutChannels < 1 || desc.Height < 1 || desc.Width < 1 {
		return 0, fmt.Errorf("%w: degenerate convolution shape %+v", compute.ErrBackend, desc)
	}
	if desc.FilterSize == 1 || desc.DataType == tensor.Float16 {
		return algoDirect, nil
	}
	return algoIm2Col, nil
}

// ConvScratchSize reports the im2col workspace: one (Cin*S*S, H*W)
// float32 matrix per image, built one image at a time.
func (c *Context) ConvScratchSize(desc compute.ConvDesc, algo compute.ConvAlgorithm, n int) int {
	if algo != algoIm2Col {
		return 0
	}
	return desc.InChannels * desc.FilterSize * desc.FilterSize * desc.Height * desc.Width * 4
}
