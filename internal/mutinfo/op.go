package mutinfo

import (
	"fmt"

	"github.com/lattice-ml/lattice/internal/lattice"
	"github.com/lattice-ml/lattice/internal/tensor"
)

// scoreOp is the gradient-tape record of one Score call. It keeps the
// forward lattice alive so the backward engine can replay the recurrence
// without recomputing it.
type scoreOp[T tensor.Float, B tensor.Backend] struct {
	sc      *Scorer[T, B]
	d       dims
	regions []lattice.Region
	px, py  *tensor.RawTensor
	p       *tensor.RawTensor
	output  *tensor.RawTensor
}

func newScoreOp[T tensor.Float, B tensor.Backend](sc *Scorer[T, B], d dims, regions []lattice.Region, px, py, p, output *tensor.RawTensor) *scoreOp[T, B] {
	return &scoreOp[T, B]{
		sc:      sc,
		d:       d,
		regions: regions,
		px:      px,
		py:      py,
		p:       p,
		output:  output,
	}
}

// Inputs returns the input tensors.
func (op *scoreOp[T, B]) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.px, op.py}
}

// Output returns the per-element score tensor.
func (op *scoreOp[T, B]) Output() *tensor.RawTensor {
	return op.output
}

// Backward routes the upstream per-element gradient through the lattice
// backward engine and returns gradients for px and py.
func (op *scoreOp[T, B]) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	seed := rawData[T](outputGrad)
	gx, gy, _, err := lattice.Backward(
		rawData[T](op.px), rawData[T](op.py), rawData[T](op.p),
		op.d.batch, op.d.s, op.d.t, op.regions, seed, op.sc.tiling, op.sc.pool,
	)
	if err != nil {
		// The forward pass validated every shape this call depends on.
		panic(fmt.Sprintf("score backward: %v", err))
	}
	return []*tensor.RawTensor{
		rawFromSlice(gx, op.px.Shape(), backend.Device()),
		rawFromSlice(gy, op.py.Shape(), backend.Device()),
	}
}

// rawData returns a typed zero-copy view of a raw tensor's data.
func rawData[T tensor.Float](r *tensor.RawTensor) []T {
	var dummy T
	switch any(dummy).(type) {
	case float32:
		return any(r.AsFloat32()).([]T)
	case float64:
		return any(r.AsFloat64()).([]T)
	default:
		panic(fmt.Sprintf("unsupported dtype %s", r.DType()))
	}
}

// rawFromSlice copies a flat slice into a fresh RawTensor.
func rawFromSlice[T tensor.Float](data []T, shape tensor.Shape, device tensor.Device) *tensor.RawTensor {
	var dummy T
	raw, err := tensor.NewRaw(shape, inferDType(dummy), device)
	if err != nil {
		panic(fmt.Sprintf("score backward: %v", err))
	}
	copy(rawData[T](raw), data)
	return raw
}

func inferDType[T tensor.Float](dummy T) tensor.DataType {
	switch any(dummy).(type) {
	case float64:
		return tensor.Float64
	default:
		return tensor.Float32
	}
}
