// Copyright 2025 Boardnet ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn exposes the boardnet layer set and the residual evaluation
// network built from it.
//
// Layers own only their learned parameters; input, output, skip, and
// scratch memory belongs to the caller, so steady-state evaluation is
// allocation-free. Network wraps the full pipeline with its own buffer
// arena.
//
// Example:
//
//	import (
//	    "github.com/boardnet-ml/boardnet/backend/cpu"
//	    "github.com/boardnet-ml/boardnet/nn"
//	    "github.com/boardnet-ml/boardnet/tensor"
//	    "github.com/boardnet-ml/boardnet/weights"
//	)
//
//	model, err := weights.Load("model.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	net, err := nn.NewNetwork(cpu.New(), tensor.Float32, model, 32)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer net.Release()
//	err = net.Forward(1, input, policy, value)
package nn

import (
	"github.com/boardnet-ml/boardnet/internal/compute"
	internalnn "github.com/boardnet-ml/boardnet/internal/nn"
	"github.com/boardnet-ml/boardnet/internal/tensor"
	"github.com/boardnet-ml/boardnet/internal/weights"
)

// Layer is one operator of the evaluation pipeline.
type Layer = internalnn.Layer

// The concrete layer types.
type (
	Convolution       = internalnn.Convolution
	BatchNorm         = internalnn.BatchNorm
	FullyConnected    = internalnn.FullyConnected
	SqueezeExcitation = internalnn.SqueezeExcitation
	GlobalAvgPool     = internalnn.GlobalAvgPool
	GlobalScale       = internalnn.GlobalScale
	SoftMax           = internalnn.SoftMax
)

// Network is a built residual evaluation pipeline with policy and value
// heads.
type Network = internalnn.Network

// NewConvolution declares a same-padded convolution producing (c, h, w)
// from inChannels planes with an S x S filter and optional fused bias
// and ReLU.
func NewConvolution(up Layer, dt tensor.DataType, c, h, w, filterSize, inChannels int, relu, bias bool) (*Convolution, error) {
	return internalnn.NewConvolution(up, dt, c, h, w, filterSize, inChannels, relu, bias)
}

// NewBatchNorm declares an inference-mode normalization over the
// upstream layer's shape with an optional fused ReLU.
func NewBatchNorm(up Layer, dt tensor.DataType, relu bool) (*BatchNorm, error) {
	return internalnn.NewBatchNorm(up, dt, relu)
}

// NewFullyConnected declares a dense transform from the upstream
// layer's flattened output to (c, h, w).
func NewFullyConnected(up Layer, dt tensor.DataType, c, h, w int, act compute.Activation, bias bool) (*FullyConnected, error) {
	return internalnn.NewFullyConnected(up, dt, c, h, w, act, bias)
}

// NewSqueezeExcitation declares the fused channel-attention block with
// the given reduction width.
func NewSqueezeExcitation(up Layer, dt tensor.DataType, fc1Out int, addPrevBias bool) (*SqueezeExcitation, error) {
	return internalnn.NewSqueezeExcitation(up, dt, fc1Out, addPrevBias)
}

// NewGlobalAvgPool declares a global average pool reducing each channel
// plane to one value.
func NewGlobalAvgPool(up Layer, dt tensor.DataType) (*GlobalAvgPool, error) {
	return internalnn.NewGlobalAvgPool(up, dt)
}

// NewGlobalScale declares a broadcast scale/shift with residual add.
func NewGlobalScale(up Layer, dt tensor.DataType) (*GlobalScale, error) {
	return internalnn.NewGlobalScale(up, dt)
}

// NewSoftMax declares a per-element softmax over the upstream shape.
func NewSoftMax(up Layer, dt tensor.DataType) (*SoftMax, error) {
	return internalnn.NewSoftMax(up, dt)
}

// NewNetwork builds the pipeline described by a loaded model and
// transfers its parameters to the context's device.
func NewNetwork(ctx compute.Context, dt tensor.DataType, model *weights.Model, maxBatch int) (*Network, error) {
	return internalnn.NewNetwork(ctx, dt, model, maxBatch)
}
