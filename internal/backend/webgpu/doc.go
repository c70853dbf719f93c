// Package webgpu implements the GPU compute context on WebGPU, using
// go-webgpu (github.com/go-webgpu/webgpu) for zero-CGO bindings.
//
// Kernels are WGSL compute shaders compiled once per context and cached
// alongside their pipelines. Buffers are storage buffers; host transfers
// stage through transient mapped buffers. Only the Float32 working
// precision is supported.
package webgpu
