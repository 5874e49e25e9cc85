// Package mutinfo exposes the mutual-information alignment score as a pair
// of differentiable entry points over the tensor store.
//
// For every batch element, Forward fills a log-domain lattice over all
// monotone paths through the (S,T) plane from px/py transition scores, and
// Score reduces it to the per-element value at the boundary rectangle's
// terminal corner. Backward maps an upstream gradient back onto px and py.
//
// Shapes (N = batch):
//
//	px:       (N, S, T+1)   log-score of (s,t) -> (s+1,t)
//	py:       (N, S+1, T)   log-score of (s,t) -> (s,t+1)
//	boundary: (N, 4) int32, rows (sBegin, tBegin, sEnd, tEnd); nil means
//	          (0, 0, S, T) for every element
//	lattice:  (N, S+1, T+1)
//	scores:   (N,)
package mutinfo

import (
	"fmt"

	"github.com/lattice-ml/lattice/internal/autodiff"
	"github.com/lattice-ml/lattice/internal/lattice"
	"github.com/lattice-ml/lattice/internal/parallel"
	"github.com/lattice-ml/lattice/internal/tensor"
)

// Config configures the scorer.
type Config struct {
	TileS   int             // Tile height, power of two.
	TileT   int             // Tile width, power of two.
	Workers parallel.Config // Superstep pool sizing.
}

// DefaultConfig returns the default tiling and pool configuration.
func DefaultConfig() Config {
	return Config{
		TileS:   16,
		TileT:   16,
		Workers: parallel.DefaultConfig(),
	}
}

// Scorer computes mutual-information alignment scores and their gradients.
//
// A Scorer owns a persistent superstep pool; create it once and reuse it
// across calls. Close releases the pool.
//
// Example:
//
//	backend := autodiff.New(cpu.New())
//	sc, err := mutinfo.New[float32](mutinfo.DefaultConfig(), backend)
//	defer sc.Close()
//	scores, err := sc.Score(px, py, nil)
type Scorer[T tensor.Float, B tensor.Backend] struct {
	cfg     Config
	tiling  lattice.Config
	backend B
	pool    *parallel.Pool
}

// New creates a Scorer. It fails if the tiling parameters are not powers
// of two.
func New[T tensor.Float, B tensor.Backend](cfg Config, backend B) (*Scorer[T, B], error) {
	tiling := lattice.Config{TileS: cfg.TileS, TileT: cfg.TileT}
	if err := tiling.Validate(); err != nil {
		return nil, fmt.Errorf("mutinfo: %w", err)
	}
	return &Scorer[T, B]{
		cfg:     cfg,
		tiling:  tiling,
		backend: backend,
		pool:    parallel.NewPool(cfg.Workers),
	}, nil
}

// Close releases the scorer's worker pool.
func (sc *Scorer[T, B]) Close() {
	sc.pool.Close()
}

// gpuForward is implemented by the WebGPU backend. The scorer dispatches
// through it when available and falls back to the CPU engines otherwise.
type gpuForward interface {
	MutualInformationForward(px, py *tensor.RawTensor, regions []lattice.Region) (*tensor.RawTensor, error)
}

type gpuBackward interface {
	MutualInformationBackward(px, py, p *tensor.RawTensor, regions []lattice.Region, seed *tensor.RawTensor) (gradPx, gradPy *tensor.RawTensor, err error)
}

// Forward computes the full score lattice, shape (N, S+1, T+1).
// Unreachable cells hold -inf.
func (sc *Scorer[T, B]) Forward(px, py *tensor.Tensor[T, B], boundary *tensor.Tensor[int32, B]) (*tensor.Tensor[T, B], error) {
	d, regions, err := sc.checkInputs(px, py, boundary)
	if err != nil {
		return nil, err
	}

	if g, ok := any(sc.backend).(gpuForward); ok && px.DType() == tensor.Float32 {
		raw, err := g.MutualInformationForward(px.Raw(), py.Raw(), regions)
		if err != nil {
			return nil, fmt.Errorf("mutinfo: gpu forward: %w", err)
		}
		return tensor.New[T, B](raw, sc.backend), nil
	}

	p, err := lattice.Forward(px.Data(), py.Data(), d.batch, d.s, d.t, regions, sc.tiling, sc.pool)
	if err != nil {
		return nil, fmt.Errorf("mutinfo: %w", err)
	}
	return tensor.FromSlice[T](p, tensor.Shape{d.batch, d.s + 1, d.t + 1}, sc.backend)
}

// Score computes the per-element alignment scores, shape (N,).
//
// When the backend records a gradient tape, the operation is recorded so
// that tape.Backward routes upstream gradients into the backward engine.
func (sc *Scorer[T, B]) Score(px, py *tensor.Tensor[T, B], boundary *tensor.Tensor[int32, B]) (*tensor.Tensor[T, B], error) {
	d, regions, err := sc.checkInputs(px, py, boundary)
	if err != nil {
		return nil, err
	}

	p, err := sc.Forward(px, py, boundary)
	if err != nil {
		return nil, err
	}

	scores := lattice.Scores(p.Data(), d.batch, d.s, d.t, regions)
	out, err := tensor.FromSlice[T](scores, tensor.Shape{d.batch}, sc.backend)
	if err != nil {
		return nil, fmt.Errorf("mutinfo: %w", err)
	}

	if bc, ok := any(sc.backend).(autodiff.BackwardCapable); ok && bc.GetTape().IsRecording() {
		bc.GetTape().Record(newScoreOp(sc, d, regions, px.Raw(), py.Raw(), p.Raw(), out.Raw()))
	}

	return out, nil
}

// Backward maps an upstream gradient back onto px and py.
//
// p must be the lattice Forward produced for the same px/py/boundary.
// gradOutput has shape (N,), one upstream value per element injected at its
// terminal cell, or (N, S+1, T+1) for per-cell seeds. The returned gradients
// have the shapes of px and py.
func (sc *Scorer[T, B]) Backward(px, py, p *tensor.Tensor[T, B], boundary *tensor.Tensor[int32, B], gradOutput *tensor.Tensor[T, B]) (gradPx, gradPy *tensor.Tensor[T, B], err error) {
	d, regions, err := sc.checkInputs(px, py, boundary)
	if err != nil {
		return nil, nil, err
	}

	wantP := tensor.Shape{d.batch, d.s + 1, d.t + 1}
	if !p.Shape().Equal(wantP) {
		return nil, nil, fmt.Errorf("mutinfo: lattice shape %v does not match forward output %v", p.Shape(), wantP)
	}
	if n := len(gradOutput.Data()); n != d.batch && n != wantP.NumElements() {
		return nil, nil, fmt.Errorf("mutinfo: gradOutput shape %v is neither (%d,) nor %v", gradOutput.Shape(), d.batch, wantP)
	}
	if p.Device() != px.Device() || gradOutput.Device() != px.Device() {
		return nil, nil, fmt.Errorf("mutinfo: p and gradOutput must reside on %s", px.Device())
	}

	if g, ok := any(sc.backend).(gpuBackward); ok && px.DType() == tensor.Float32 {
		gx, gy, err := g.MutualInformationBackward(px.Raw(), py.Raw(), p.Raw(), regions, gradOutput.Raw())
		if err != nil {
			return nil, nil, fmt.Errorf("mutinfo: gpu backward: %w", err)
		}
		return tensor.New[T, B](gx, sc.backend), tensor.New[T, B](gy, sc.backend), nil
	}

	gx, gy, _, err := lattice.Backward(px.Data(), py.Data(), p.Data(), d.batch, d.s, d.t, regions, gradOutput.Data(), sc.tiling, sc.pool)
	if err != nil {
		return nil, nil, fmt.Errorf("mutinfo: %w", err)
	}

	gradPx, err = tensor.FromSlice[T](gx, px.Shape(), sc.backend)
	if err != nil {
		return nil, nil, err
	}
	gradPy, err = tensor.FromSlice[T](gy, py.Shape(), sc.backend)
	if err != nil {
		return nil, nil, err
	}
	return gradPx, gradPy, nil
}
