// Copyright 2025 Lattice ML Project. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package webgpu provides the WebGPU backend for GPU-accelerated lattice
// scoring, using zero-CGO WebGPU bindings.
//
// Example:
//
//	gpu, err := webgpu.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer gpu.Release()
//
//	sc, err := mutinfo.New[float32](mutinfo.DefaultConfig(), gpu)
package webgpu

import (
	internalwebgpu "github.com/lattice-ml/lattice/internal/backend/webgpu"
	"github.com/lattice-ml/lattice/tensor"
)

// Backend represents the WebGPU backend implementation.
type Backend = internalwebgpu.Backend

// Compile-time check that Backend implements tensor.Backend.
var _ tensor.Backend = (*Backend)(nil)

// New creates a new WebGPU backend.
// Returns an error if WebGPU is not available on this machine.
func New() (*Backend, error) {
	return internalwebgpu.New()
}
