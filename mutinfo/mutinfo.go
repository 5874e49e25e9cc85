// Copyright 2025 Lattice ML Project. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package mutinfo provides the public API for mutual-information alignment
// scoring.
//
// A Scorer turns per-step log-scores px (shape (N, S, T+1)) and py (shape
// (N, S+1, T)) into one alignment score per batch element, summing over
// every monotone path through each element's boundary rectangle in the
// log domain. Scores are differentiable: with an autodiff backend, Score
// records itself on the gradient tape and Backward maps upstream gradients
// back onto px and py.
//
// Example:
//
//	backend := autodiff.New(cpu.New())
//	sc, err := mutinfo.New[float32](mutinfo.DefaultConfig(), backend)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sc.Close()
//
//	backend.Tape().StartRecording()
//	scores, err := sc.Score(px, py, nil)
package mutinfo

import (
	"github.com/lattice-ml/lattice/internal/mutinfo"
	"github.com/lattice-ml/lattice/tensor"
)

// Config configures the scorer's tiling and worker pool.
type Config = mutinfo.Config

// Scorer computes mutual-information alignment scores and their gradients.
type Scorer[T tensor.Float, B tensor.Backend] = mutinfo.Scorer[T, B]

// DefaultConfig returns the default tiling and pool configuration.
func DefaultConfig() Config {
	return mutinfo.DefaultConfig()
}

// New creates a Scorer bound to a backend. The scorer owns a persistent
// worker pool; call Close when done.
func New[T tensor.Float, B tensor.Backend](cfg Config, backend B) (*Scorer[T, B], error) {
	return mutinfo.New[T, B](cfg, backend)
}
