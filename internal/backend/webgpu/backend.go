//go:build windows

package webgpu

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/boardnet-ml/boardnet/internal/compute"
	"github.com/boardnet-ml/boardnet/internal/tensor"
)

// Context implements compute.Context on a WebGPU device.
type Context struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	adapterInfo *wgpu.AdapterInfo

	// Shader and pipeline cache, keyed by kernel name.
	shaders   map[string]*wgpu.ShaderModule
	pipelines map[string]*wgpu.ComputePipeline
	mu        sync.RWMutex

	// dummy backs bind slots for optional inputs a dispatch does not use.
	dummy *wgpu.Buffer
}

// New acquires a WebGPU adapter and device and prepares the kernel
// cache.
func New() (ctx compute.Context, err error) {
	// The native library panics when wgpu_native is missing.
	defer func() {
		if r := recover(); r != nil {
			ctx = nil
			err = fmt.Errorf("%w: wgpu native library not available: %v", compute.ErrBackend, r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, adapterErr := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if adapterErr != nil {
		instance.Release()
		return nil, fmt.Errorf("%w: requesting adapter: %v", compute.ErrBackend, adapterErr)
	}
	adapterInfo := adapter.GetInfo()

	device, deviceErr := adapter.RequestDevice(nil)
	if deviceErr != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: requesting device: %v", compute.ErrBackend, deviceErr)
	}
	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: device has no queue", compute.ErrBackend)
	}

	dummy := device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage,
		Size:  16,
	})

	return &Context{
		instance:    instance,
		adapter:     adapter,
		device:      device,
		queue:       queue,
		adapterInfo: &adapterInfo,
		shaders:     make(map[string]*wgpu.ShaderModule),
		pipelines:   make(map[string]*wgpu.ComputePipeline),
		dummy:       dummy,
	}, nil
}

// IsAvailable reports whether a WebGPU adapter can be acquired.
func IsAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()
	instance := wgpu.CreateInstance(nil)
	defer instance.Release()

	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()
	return true
}

// Name returns the context name with the adapter identity.
func (c *Context) Name() string {
	if c.adapterInfo != nil {
		return fmt.Sprintf("WebGPU (%s %s)", c.adapterInfo.Name, c.adapterInfo.VendorName)
	}
	return "WebGPU"
}

// Synchronize is a no-op: completion is observed when Download maps its
// staging buffer.
func (c *Context) Synchronize() error {
	return nil
}

// Release frees the kernel cache and the device objects.
func (c *Context) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pipelines {
		p.Release()
	}
	c.pipelines = nil
	for _, s := range c.shaders {
		s.Release()
	}
	c.shaders = nil
	if c.dummy != nil {
		c.dummy.Release()
		c.dummy = nil
	}
	if c.queue != nil {
		c.queue.Release()
		c.queue = nil
	}
	if c.device != nil {
		c.device.Release()
		c.device = nil
	}
	if c.adapter != nil {
		c.adapter.Release()
		c.adapter = nil
	}
	if c.instance != nil {
		c.instance.Release()
		c.instance = nil
	}
}

// gpuBuffer is the device Buffer: a storage buffer plus a byte window.
// Views share the parent buffer and never release it; binding offsets
// stay valid because callers carve views at compute.SliceAlign
// boundaries.
type gpuBuffer struct {
	buf    *wgpu.Buffer
	offset int
	size   int
	view   bool
}

func (b *gpuBuffer) ByteSize() int {
	return b.size
}

func (b *gpuBuffer) Slice(off, n int) compute.Buffer {
	return &gpuBuffer{buf: b.buf, offset: b.offset + off, size: n, view: true}
}

func (b *gpuBuffer) Release() {
	if !b.view && b.buf != nil {
		b.buf.Release()
	}
	b.buf = nil
}

// NewBuffer allocates a zeroed storage buffer.
func (c *Context) NewBuffer(byteSize int) (compute.Buffer, error) {
	if byteSize <= 0 {
		return nil, fmt.Errorf("%w: invalid buffer size %d", compute.ErrResource, byteSize)
	}
	// Storage bindings require 4-byte sizes.
	padded := (byteSize + 3) &^ 3
	buf := c.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		Size:  uint64(padded),
	})
	if buf == nil {
		return nil, fmt.Errorf("%w: allocating %d bytes on device", compute.ErrResource, padded)
	}
	return &gpuBuffer{buf: buf, size: byteSize}, nil
}

// deviceOf unwraps a Buffer created by this context.
func deviceOf(b compute.Buffer) (*gpuBuffer, error) {
	gb, ok := b.(*gpuBuffer)
	if !ok {
		return nil, fmt.Errorf("%w: buffer %T does not belong to the WebGPU context", compute.ErrUsage, b)
	}
	if gb.buf == nil {
		return nil, fmt.Errorf("%w: buffer already released", compute.ErrUsage)
	}
	return gb, nil
}

func checkFloat32(dt tensor.DataType) error {
	if dt != tensor.Float32 {
		return fmt.Errorf("%w: webgpu supports only float32, got %s", compute.ErrBackend, dt)
	}
	return nil
}

// Upload copies host floats into a device buffer through a transient
// mapped staging buffer. The shared scratch buffer is not used; device
// uploads have their own staging path.
func (c *Context) Upload(dst compute.Buffer, host []float32, dt tensor.DataType, scratch compute.Buffer) error {
	if err := checkFloat32(dt); err != nil {
		return err
	}
	db, err := deviceOf(dst)
	if err != nil {
		return err
	}
	byteLen := len(host) * 4
	if db.size < byteLen {
		return fmt.Errorf("%w: destination holds %d bytes, upload needs %d",
			compute.ErrUsage, db.size, byteLen)
	}

	staging := c.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageCopySrc,
		Size:             uint64(byteLen),
		MappedAtCreation: wgpu.True,
	})
	defer staging.Release()

	mapped := staging.GetMappedRange(0, uint64(byteLen))
	copy(unsafe.Slice((*byte)(mapped), byteLen), unsafe.Slice((*byte)(unsafe.Pointer(&host[0])), byteLen))
	staging.Unmap()

	encoder := c.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(staging, 0, db.buf, uint64(db.offset), uint64(byteLen))
	c.queue.Submit(encoder.Finish(nil))
	return nil
}

// Download copies a device buffer back to host floats through a mapped
// staging buffer, waiting for all submitted work to complete.
func (c *Context) Download(host []float32, src compute.Buffer, dt tensor.DataType) error {
	if err := checkFloat32(dt); err != nil {
		return err
	}
	sb, err := deviceOf(src)
	if err != nil {
		return err
	}
	byteLen := len(host) * 4
	if sb.size < byteLen {
		return fmt.Errorf("%w: source holds %d bytes, download of %d floats needs %d",
			compute.ErrUsage, sb.size, len(host), byteLen)
	}

	staging := c.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  uint64(byteLen),
	})
	defer staging.Release()

	encoder := c.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(sb.buf, uint64(sb.offset), staging, 0, uint64(byteLen))
	c.queue.Submit(encoder.Finish(nil))

	if err := staging.MapAsync(c.device, wgpu.MapModeRead, 0, uint64(byteLen)); err != nil {
		return fmt.Errorf("%w: mapping staging buffer: %v", compute.ErrBackend, err)
	}
	mapped := staging.GetMappedRange(0, uint64(byteLen))
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&host[0])), byteLen), unsafe.Slice((*byte)(mapped), byteLen))
	staging.Unmap()
	return nil
}

// compileShader compiles WGSL into a cached ShaderModule.
func (c *Context) compileShader(name, code string) *wgpu.ShaderModule {
	c.mu.RLock()
	if shader, exists := c.shaders[name]; exists {
		c.mu.RUnlock()
		return shader
	}
	c.mu.RUnlock()

	shader := c.device.CreateShaderModuleWGSL(code)

	c.mu.Lock()
	c.shaders[name] = shader
	c.mu.Unlock()
	return shader
}

// getOrCreatePipeline returns a cached ComputePipeline or builds one
// with an auto layout.
func (c *Context) getOrCreatePipeline(name string, shader *wgpu.ShaderModule) *wgpu.ComputePipeline {
	c.mu.RLock()
	if pipeline, exists := c.pipelines[name]; exists {
		c.mu.RUnlock()
		return pipeline
	}
	c.mu.RUnlock()

	pipeline := c.device.CreateComputePipelineSimple(nil, shader, "main")

	c.mu.Lock()
	c.pipelines[name] = pipeline
	c.mu.Unlock()
	return pipeline
}
