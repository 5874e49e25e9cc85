// Copyright 2025 Lattice ML Project. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the pure Go CPU backend.
package cpu

import (
	internalcpu "github.com/lattice-ml/lattice/internal/backend/cpu"
	"github.com/lattice-ml/lattice/tensor"
)

// Backend represents the CPU backend implementation.
type Backend = internalcpu.CPUBackend

// Compile-time check that Backend implements tensor.Backend.
var _ tensor.Backend = (*Backend)(nil)

// New creates a new CPU backend.
//
// Example:
//
//	backend := cpu.New()
//	px := tensor.Zeros[float32](tensor.Shape{4, 16, 17}, backend)
func New() *Backend {
	return internalcpu.New()
}
