// Copyright 2025 Boardnet ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor defines the element types and shape arithmetic shared
// by every boardnet compute context and layer.
//
// Example:
//
//	import "github.com/boardnet-ml/boardnet/tensor"
//
//	shape := tensor.Shape{32, 64, 8, 8}
//	bytes := shape.NumElements() * tensor.Float32.Size()
package tensor

import "github.com/boardnet-ml/boardnet/internal/tensor"

// DataType selects the working precision of device tensors.
type DataType = tensor.DataType

// Supported working precisions.
const (
	Float32 = tensor.Float32
	Float16 = tensor.Float16
)

// Shape describes tensor dimensions, outermost first.
type Shape = tensor.Shape
