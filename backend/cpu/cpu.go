// Copyright 2025 Boardnet ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the reference compute context in pure Go, with
// gonum BLAS for matrix multiplication and im2col convolutions. It is
// the only context supporting both Float32 and Float16 working
// precisions.
package cpu

import (
	"github.com/boardnet-ml/boardnet/compute"
	internalcpu "github.com/boardnet-ml/boardnet/internal/backend/cpu"
)

// Context is the CPU compute context.
type Context = internalcpu.Context

// Compile-time check that Context implements compute.Context.
var _ compute.Context = (*Context)(nil)

// New creates a new CPU compute context.
//
// Example:
//
//	import (
//	    "github.com/boardnet-ml/boardnet/backend/cpu"
//	    "github.com/boardnet-ml/boardnet/nn"
//	    "github.com/boardnet-ml/boardnet/tensor"
//	)
//
//	net, err := nn.NewNetwork(cpu.New(), tensor.Float32, model, 32)
func New() *Context {
	return internalcpu.New()
}
