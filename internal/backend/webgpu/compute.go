//go:build windows

package webgpu

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/boardnet-ml/boardnet/internal/compute"
	"github.com/boardnet-ml/boardnet/internal/tensor"
)

const workgroupSize = 256

// Single convolution strategy: one thread per output element. The
// shaders need no scratch workspace.
const algoShader compute.ConvAlgorithm = 1

// Kernel dispatch flag bits shared with the WGSL sources.
const (
	flagBias uint32 = 1 << iota
	flagReLU
	flagSkip
	flagGate
)

// dispatch compiles (or fetches) a kernel, binds the buffers in order
// followed by a 16-byte-aligned uniform params block, and submits one
// compute pass. nil entries bind the context's dummy buffer; the kernel
// must not touch them.
func (c *Context) dispatch(name, code string, bufs []compute.Buffer, params []uint32, wgX, wgY uint32) error {
	shader := c.compileShader(name, code)
	pipeline := c.getOrCreatePipeline(name, shader)

	entries := make([]wgpu.BindGroupEntry, 0, len(bufs)+1)
	for i, b := range bufs {
		if b == nil {
			entries = append(entries, wgpu.BufferBindingEntry(uint32(i), c.dummy, 0, 16))
			continue
		}
		gb, err := deviceOf(b)
		if err != nil {
			return err
		}
		bindSize := uint64((gb.size + 3) &^ 3)
		entries = append(entries, wgpu.BufferBindingEntry(uint32(i), gb.buf, uint64(gb.offset), bindSize))
	}

	raw := make([]byte, (len(params)*4+15)&^15)
	for i, v := range params {
		binary.LittleEndian.PutUint32(raw[i*4:], v)
	}
	paramBuf := c.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		Size:             uint64(len(raw)),
		MappedAtCreation: wgpu.True,
	})
	defer paramBuf.Release()
	mapped := paramBuf.GetMappedRange(0, uint64(len(raw)))
	copy(unsafe.Slice((*byte)(mapped), len(raw)), raw)
	paramBuf.Unmap()
	entries = append(entries, wgpu.BufferBindingEntry(uint32(len(bufs)), paramBuf, 0, uint64(len(raw))))

	bindGroup := c.device.CreateBindGroupSimple(pipeline.GetBindGroupLayout(0), entries)
	defer bindGroup.Release()

	encoder := c.device.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(wgX, wgY, 1)
	pass.End()
	c.queue.Submit(encoder.Finish(nil))
	return nil
}

func groups1D(total int) uint32 {
	return uint32((total + workgroupSize - 1) / workgroupSize)
}

func groups2D(extent int) uint32 {
	return uint32((extent + 15) / 16)
}

// SelectConvAlgorithm validates the shape; the shader strategy covers
// every supported configuration.
func (c *Context) SelectConvAlgorithm(desc compute.ConvDesc) (compute.ConvAlgorithm, error) {
	if err := checkFloat32(desc.DataType); err != nil {
		return 0, err
	}
	if desc.FilterSize < 1 || desc.FilterSize%2 == 0 {
		return 0, fmt.Errorf("%w: unsupported filter size %d", compute.ErrBackend, desc.FilterSize)
	}
	if desc.InChannels < 1 || desc.OutChannels < 1 || desc.Height < 1 || desc.Width < 1 {
		return 0, fmt.Errorf("%w: degenerate convolution shape %+v", compute.ErrBackend, desc)
	}
	return algoShader, nil
}

// ConvScratchSize reports zero: the convolution shader works in place.
func (c *Context) ConvScratchSize(desc compute.ConvDesc, algo compute.ConvAlgorithm, n int) int {
	return 0
}

// Convolve runs the same-padded convolution shader with optional fused
// bias and ReLU.
func (c *Context) Convolve(algo compute.ConvAlgorithm, desc compute.ConvDesc, n int, dst, src, filter, bias compute.Buffer, relu bool, scratch compute.Buffer) error {
	if algo != algoShader {
		return fmt.Errorf("%w: unknown convolution algorithm %d", compute.ErrUsage, algo)
	}
	flags := uint32(0)
	if bias != nil {
		flags |= flagBias
	}
	if relu {
		flags |= flagReLU
	}
	total := n * desc.OutChannels * desc.Height * desc.Width
	return c.dispatch("conv2d", convShader,
		[]compute.Buffer{src, filter, bias, dst},
		[]uint32{uint32(n), uint32(desc.InChannels), uint32(desc.OutChannels),
			uint32(desc.Height), uint32(desc.Width), uint32(desc.FilterSize), flags},
		groups1D(total), 1)
}

// Gemm computes dst = a x b, or a x b^T when transB is set. a is (m, k)
// row-major; b is (k, n), or (n, k) when transposed.
func (c *Context) Gemm(dt tensor.DataType, m, n, k int, dst, a, b compute.Buffer, transB bool) error {
	if err := checkFloat32(dt); err != nil {
		return err
	}
	trans := uint32(0)
	if transB {
		trans = 1
	}
	return c.dispatch("matmul", matmulShader,
		[]compute.Buffer{a, b, dst},
		[]uint32{uint32(m), uint32(n), uint32(k), trans},
		groups2D(n), groups2D(m))
}

// BiasActivation applies an optional row-broadcast bias and a pointwise
// activation to dst in place.
func (c *Context) BiasActivation(dt tensor.DataType, rows, cols int, dst, bias compute.Buffer, act compute.Activation) error {
	if err := checkFloat32(dt); err != nil {
		return err
	}
	flags := uint32(0)
	if bias != nil {
		flags |= flagBias
	}
	return c.dispatch("bias_act", biasActShader,
		[]compute.Buffer{dst, bias},
		[]uint32{uint32(rows), uint32(cols), uint32(act), flags},
		groups1D(rows*cols), 1)
}

// BatchNorm applies the per-channel normalization with optional skip
// add and fused ReLU.
func (c *Context) BatchNorm(dt tensor.DataType, n, ch, hw int, dst, src, skip, means, variances compute.Buffer, relu bool) error {
	if err := checkFloat32(dt); err != nil {
		return err
	}
	flags := uint32(0)
	if skip != nil {
		flags |= flagSkip
	}
	if relu {
		flags |= flagReLU
	}
	return c.dispatch("batchnorm", batchNormShader,
		[]compute.Buffer{src, skip, means, variances, dst},
		[]uint32{uint32(n), uint32(ch), uint32(hw), flags},
		groups1D(n*ch*hw), 1)
}

// AddBias adds a per-channel bias across the spatial extent.
func (c *Context) AddBias(dt tensor.DataType, n, ch, hw int, dst, src, bias compute.Buffer) error {
	if err := checkFloat32(dt); err != nil {
		return err
	}
	return c.dispatch("add_bias", addBiasShader,
		[]compute.Buffer{src, bias, dst},
		[]uint32{uint32(n), uint32(ch), uint32(hw)},
		groups1D(n*ch*hw), 1)
}

// GlobalAvgPool reduces each (n, c) plane to its mean.
func (c *Context) GlobalAvgPool(dt tensor.DataType, n, ch, hw int, dst, src compute.Buffer) error {
	if err := checkFloat32(dt); err != nil {
		return err
	}
	return c.dispatch("global_pool", globalPoolShader,
		[]compute.Buffer{src, dst},
		[]uint32{uint32(n), uint32(ch), uint32(hw)},
		groups1D(n*ch), 1)
}

// GlobalScale applies per-(n, c) scale/shift pairs across each plane,
// optionally passing the scale through a sigmoid gate, adding a skip
// tensor, and clamping with ReLU.
func (c *Context) GlobalScale(dt tensor.DataType, n, ch, hw int, dst, src, scaleShift, skip compute.Buffer, gate, relu bool) error {
	if err := checkFloat32(dt); err != nil {
		return err
	}
	flags := uint32(0)
	if gate {
		flags |= flagGate
	}
	if relu {
		flags |= flagReLU
	}
	if skip != nil {
		flags |= flagSkip
	}
	return c.dispatch("global_scale", globalScaleShader,
		[]compute.Buffer{src, scaleShift, skip, dst},
		[]uint32{uint32(n), uint32(ch), uint32(hw), flags},
		groups1D(n*ch*hw), 1)
}

// Softmax normalizes each row of (n, cols) with max subtraction; one
// thread owns one row.
func (c *Context) Softmax(dt tensor.DataType, n, cols int, dst, src compute.Buffer) error {
	if err := checkFloat32(dt); err != nil {
		return err
	}
	return c.dispatch("softmax", softmaxShader,
		[]compute.Buffer{src, dst},
		[]uint32{uint32(n), uint32(cols)},
		groups1D(n), 1)
}
