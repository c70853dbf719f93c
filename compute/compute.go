// Copyright 2025 Boardnet ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package compute defines the device abstraction boardnet layers run
// on: buffers, the kernel context, and the error taxonomy.
//
// Example:
//
//	import (
//	    "github.com/boardnet-ml/boardnet/backend/cpu"
//	    "github.com/boardnet-ml/boardnet/compute"
//	)
//
//	var ctx compute.Context = cpu.New()
//	buf, err := ctx.NewBuffer(4 * 1024)
package compute

import "github.com/boardnet-ml/boardnet/internal/compute"

// Buffer is an opaque device allocation.
type Buffer = compute.Buffer

// Context executes kernels and owns device memory.
type Context = compute.Context

// Activation selects the pointwise nonlinearity of a fused kernel.
type Activation = compute.Activation

// Activation values.
const (
	ActNone    = compute.ActNone
	ActReLU    = compute.ActReLU
	ActTanh    = compute.ActTanh
	ActSigmoid = compute.ActSigmoid
)

// ConvDesc describes a convolution shape for algorithm selection.
type ConvDesc = compute.ConvDesc

// ConvAlgorithm is a context-private convolution strategy token.
type ConvAlgorithm = compute.ConvAlgorithm

// SliceAlign is the byte alignment Buffer.Slice offsets must honor.
const SliceAlign = compute.SliceAlign

// AlignUp rounds n up to the next SliceAlign boundary.
func AlignUp(n int) int { return compute.AlignUp(n) }

// Error taxonomy. Every failure from a boardnet operation wraps exactly
// one of these sentinels.
var (
	ErrConfig   = compute.ErrConfig
	ErrResource = compute.ErrResource
	ErrBackend  = compute.ErrBackend
	ErrUsage    = compute.ErrUsage
)
