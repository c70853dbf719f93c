// Copyright 2025 Boardnet ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package weights loads and saves boardnet model parameters: a YAML
// manifest describing the topology plus a raw little-endian float32
// payload.
//
// Example:
//
//	import "github.com/boardnet-ml/boardnet/weights"
//
//	model, err := weights.Load("model.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(model.Manifest.Filters, model.Manifest.Blocks)
package weights

import (
	"io"

	"github.com/boardnet-ml/boardnet/internal/weights"
)

// Manifest is the YAML topology description stored next to the payload.
type Manifest = weights.Manifest

// FormatV1 is the supported manifest format tag.
const FormatV1 = weights.FormatV1

// Model is a fully loaded, host-resident parameter set.
type Model = weights.Model

// Parameter group types referenced from Model.
type (
	Conv  = weights.Conv
	Norm  = weights.Norm
	Dense = weights.Dense
	SE    = weights.SE
	Block = weights.Block
)

// Load reads a manifest file and its payload from disk.
func Load(manifestPath string) (*Model, error) {
	return weights.Load(manifestPath)
}

// Read parses a payload stream against a validated manifest.
func Read(m Manifest, payload io.Reader) (*Model, error) {
	return weights.Read(m, payload)
}

// Random builds a deterministic pseudo-random model for benchmarks and
// tests.
func Random(m Manifest, seed int64) (*Model, error) {
	return weights.Random(m, seed)
}
