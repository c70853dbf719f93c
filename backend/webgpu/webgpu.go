// Copyright 2025 Boardnet ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package webgpu provides the GPU compute context backed by WGSL
// compute shaders via go-webgpu. Float32 only.
package webgpu

import (
	"github.com/boardnet-ml/boardnet/compute"
	internalwebgpu "github.com/boardnet-ml/boardnet/internal/backend/webgpu"
)

// New acquires a WebGPU device and returns a compute context. It fails
// with compute.ErrBackend when no adapter or native library is
// available.
func New() (compute.Context, error) {
	return internalwebgpu.New()
}

// IsAvailable reports whether a WebGPU adapter can be acquired. Useful
// for graceful fallback to the CPU context.
//
// Example:
//
//	var ctx compute.Context
//	if webgpu.IsAvailable() {
//	    ctx, err = webgpu.New()
//	} else {
//	    ctx = cpu.New()
//	}
func IsAvailable() bool {
	return internalwebgpu.IsAvailable()
}
