// Copyright 2025 Lattice ML Project. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package autodiff provides reverse-mode automatic differentiation via the
// decorator pattern: AutodiffBackend wraps any Backend and records
// operations in a GradientTape during the forward pass.
//
// Example:
//
//	backend := autodiff.New(cpu.New())
//	backend.Tape().StartRecording()
//
//	scores, _ := scorer.Score(px, py, nil)
//
//	gradients := autodiff.Backward(scores, backend)
//	gradPx := gradients[px.Raw()]
package autodiff

import (
	"github.com/lattice-ml/lattice/internal/autodiff"
	"github.com/lattice-ml/lattice/tensor"
)

// AutodiffBackend wraps a Backend and adds automatic differentiation.
type AutodiffBackend[B tensor.Backend] = autodiff.AutodiffBackend[B]

// GradientTape records operations during the forward pass and computes
// gradients during the backward pass.
type GradientTape = autodiff.GradientTape

// BackwardCapable is the interface for backends that support a backward
// pass. AutodiffBackend implements it.
type BackwardCapable = autodiff.BackwardCapable

// New creates a new AutodiffBackend wrapping the given backend.
func New[B tensor.Backend](backend B) *AutodiffBackend[B] {
	return autodiff.New(backend)
}

// NewGradientTape creates a standalone gradient tape.
func NewGradientTape() *GradientTape {
	return autodiff.NewGradientTape()
}

// Backward computes gradients for a tensor using the backend's tape,
// seeding the output gradient with ones. Returns a map from each input
// RawTensor to its accumulated gradient.
func Backward[T tensor.DType, B BackwardCapable](t *tensor.Tensor[T, B], backend B) map[*tensor.RawTensor]*tensor.RawTensor {
	return autodiff.Backward(t, backend)
}
