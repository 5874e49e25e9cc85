package mutinfo

import (
	"math"
	"math/rand"
	"testing"

	"github.com/lattice-ml/lattice/internal/autodiff"
	"github.com/lattice-ml/lattice/internal/backend/cpu"
	"github.com/lattice-ml/lattice/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScorer[T tensor.Float](t *testing.T) (*Scorer[T, *cpu.CPUBackend], *cpu.CPUBackend) {
	t.Helper()
	backend := cpu.New()
	sc, err := New[T](DefaultConfig(), backend)
	require.NoError(t, err)
	t.Cleanup(sc.Close)
	return sc, backend
}

func zeros[T tensor.Float](t *testing.T, shape tensor.Shape, b *cpu.CPUBackend) *tensor.Tensor[T, *cpu.CPUBackend] {
	t.Helper()
	return tensor.Zeros[T](shape, b)
}

func randTensor(t *testing.T, rng *rand.Rand, shape tensor.Shape, b *cpu.CPUBackend) *tensor.Tensor[float64, *cpu.CPUBackend] {
	t.Helper()
	data := make([]float64, shape.NumElements())
	for i := range data {
		data[i] = -1.5 * rng.Float64()
	}
	x, err := tensor.FromSlice(data, shape, b)
	require.NoError(t, err)
	return x
}

func TestNewRejectsBadTiling(t *testing.T) {
	backend := cpu.New()
	_, err := New[float32](Config{TileS: 3, TileT: 16}, backend)
	assert.Error(t, err)
	_, err = New[float32](Config{TileS: 16, TileT: 0}, backend)
	assert.Error(t, err)
}

func TestScoreGolden(t *testing.T) {
	// All-zero scores over a 2x2 plane: 6 unit-weight monotone paths.
	sc, backend := newTestScorer[float64](t)
	px := zeros[float64](t, tensor.Shape{2, 2, 3}, backend)
	py := zeros[float64](t, tensor.Shape{2, 3, 2}, backend)

	scores, err := sc.Score(px, py, nil)
	require.NoError(t, err)
	require.True(t, scores.Shape().Equal(tensor.Shape{2}))
	assert.InDelta(t, math.Log(6), scores.At(0), 1e-12)
	assert.InDelta(t, math.Log(6), scores.At(1), 1e-12)
}

func TestForwardLatticeShape(t *testing.T) {
	sc, backend := newTestScorer[float64](t)
	px := zeros[float64](t, tensor.Shape{1, 2, 3}, backend)
	py := zeros[float64](t, tensor.Shape{1, 3, 2}, backend)

	p, err := sc.Forward(px, py, nil)
	require.NoError(t, err)
	require.True(t, p.Shape().Equal(tensor.Shape{1, 3, 3}))
	assert.Equal(t, 0.0, p.At(0, 0, 0))
	assert.InDelta(t, math.Log(2), p.At(0, 1, 1), 1e-12)
	assert.InDelta(t, math.Log(6), p.At(0, 2, 2), 1e-12)
}

func TestNilBoundaryEqualsFullBoundary(t *testing.T) {
	rng := rand.New(rand.NewSource(31))
	sc, backend := newTestScorer[float64](t)
	px := randTensor(t, rng, tensor.Shape{2, 7, 6}, backend)
	py := randTensor(t, rng, tensor.Shape{2, 8, 5}, backend)

	implicit, err := sc.Score(px, py, nil)
	require.NoError(t, err)

	boundary, err := tensor.FromSlice([]int32{
		0, 0, 7, 5,
		0, 0, 7, 5,
	}, tensor.Shape{2, 4}, backend)
	require.NoError(t, err)
	explicit, err := sc.Score(px, py, boundary)
	require.NoError(t, err)

	assert.Equal(t, implicit.Data(), explicit.Data())
}

func TestBoundaryRestrictsScoring(t *testing.T) {
	rng := rand.New(rand.NewSource(32))
	sc, backend := newTestScorer[float64](t)
	px := randTensor(t, rng, tensor.Shape{1, 9, 9}, backend)
	py := randTensor(t, rng, tensor.Shape{1, 10, 8}, backend)

	boundary, err := tensor.FromSlice([]int32{2, 1, 8, 7}, tensor.Shape{1, 4}, backend)
	require.NoError(t, err)

	p, err := sc.Forward(px, py, boundary)
	require.NoError(t, err)
	// Outside the rectangle the lattice stays unreachable.
	assert.True(t, math.IsInf(p.At(0, 0, 0), -1))
	assert.True(t, math.IsInf(p.At(0, 9, 8), -1))
	assert.Equal(t, 0.0, p.At(0, 2, 1))

	scores, err := sc.Score(px, py, boundary)
	require.NoError(t, err)
	assert.Equal(t, p.At(0, 8, 7), scores.At(0))
}

func TestInputValidation(t *testing.T) {
	sc, backend := newTestScorer[float64](t)
	px := zeros[float64](t, tensor.Shape{2, 4, 6}, backend)
	py := zeros[float64](t, tensor.Shape{2, 5, 5}, backend)

	// Valid base case.
	_, err := sc.Score(px, py, nil)
	require.NoError(t, err)

	// Wrong rank.
	flat := zeros[float64](t, tensor.Shape{2, 24}, backend)
	_, err = sc.Score(flat, py, nil)
	assert.Error(t, err)

	// py inconsistent with px.
	badPy := zeros[float64](t, tensor.Shape{2, 4, 5}, backend)
	_, err = sc.Score(px, badPy, nil)
	assert.Error(t, err)

	// Batch mismatch.
	badBatch := zeros[float64](t, tensor.Shape{3, 5, 5}, backend)
	_, err = sc.Score(px, badBatch, nil)
	assert.Error(t, err)

	// Boundary wrong shape.
	b1, err := tensor.FromSlice([]int32{0, 0, 4, 5}, tensor.Shape{1, 4}, backend)
	require.NoError(t, err)
	_, err = sc.Score(px, py, b1)
	assert.Error(t, err)

	// Boundary out of range / unordered.
	b2, err := tensor.FromSlice([]int32{
		0, 0, 5, 5,
		0, 0, 4, 5,
	}, tensor.Shape{2, 4}, backend)
	require.NoError(t, err)
	_, err = sc.Score(px, py, b2)
	assert.Error(t, err)

	b3, err := tensor.FromSlice([]int32{
		3, 0, 2, 5,
		0, 0, 4, 5,
	}, tensor.Shape{2, 4}, backend)
	require.NoError(t, err)
	_, err = sc.Score(px, py, b3)
	assert.Error(t, err)
}

func TestBackwardValidation(t *testing.T) {
	sc, backend := newTestScorer[float64](t)
	px := zeros[float64](t, tensor.Shape{1, 2, 3}, backend)
	py := zeros[float64](t, tensor.Shape{1, 3, 2}, backend)

	p, err := sc.Forward(px, py, nil)
	require.NoError(t, err)
	grad := tensor.Full(tensor.Shape{1}, 1.0, backend)

	// Wrong lattice shape.
	badP := zeros[float64](t, tensor.Shape{1, 2, 3}, backend)
	_, _, err = sc.Backward(px, py, badP, nil, grad)
	assert.Error(t, err)

	// Wrong gradient shape.
	badGrad := zeros[float64](t, tensor.Shape{5}, backend)
	_, _, err = sc.Backward(px, py, p, nil, badGrad)
	assert.Error(t, err)

	gx, gy, err := sc.Backward(px, py, p, nil, grad)
	require.NoError(t, err)
	assert.True(t, gx.Shape().Equal(px.Shape()))
	assert.True(t, gy.Shape().Equal(py.Shape()))
}

func TestScoreRecordsOnTape(t *testing.T) {
	rng := rand.New(rand.NewSource(33))
	backend := autodiff.New(cpu.New())
	sc, err := New[float64](DefaultConfig(), backend)
	require.NoError(t, err)
	defer sc.Close()

	pxData := make([]float64, 1*5*6)
	pyData := make([]float64, 1*6*5)
	for i := range pxData {
		pxData[i] = -rng.Float64()
	}
	for i := range pyData {
		pyData[i] = -rng.Float64()
	}
	px, err := tensor.FromSlice(pxData, tensor.Shape{1, 5, 6}, backend)
	require.NoError(t, err)
	py, err := tensor.FromSlice(pyData, tensor.Shape{1, 6, 5}, backend)
	require.NoError(t, err)

	backend.Tape().StartRecording()
	scores, err := sc.Score(px, py, nil)
	require.NoError(t, err)
	backend.Tape().StopRecording()
	require.Equal(t, 1, backend.Tape().NumOps())

	grads := autodiff.Backward(scores, backend)
	require.Contains(t, grads, px.Raw())
	require.Contains(t, grads, py.Raw())

	// The tape route must agree with the explicit entry point.
	cpuScorer, cpuBackend := newTestScorer[float64](t)
	px2, err := tensor.FromSlice(pxData, tensor.Shape{1, 5, 6}, cpuBackend)
	require.NoError(t, err)
	py2, err := tensor.FromSlice(pyData, tensor.Shape{1, 6, 5}, cpuBackend)
	require.NoError(t, err)
	p, err := cpuScorer.Forward(px2, py2, nil)
	require.NoError(t, err)
	ones := tensor.Full(tensor.Shape{1}, 1.0, cpuBackend)
	wantGx, wantGy, err := cpuScorer.Backward(px2, py2, p, nil, ones)
	require.NoError(t, err)

	gotGx := grads[px.Raw()].AsFloat64()
	gotGy := grads[py.Raw()].AsFloat64()
	for i, want := range wantGx.Data() {
		assert.InDelta(t, want, gotGx[i], 1e-12, "px[%d]", i)
	}
	for i, want := range wantGy.Data() {
		assert.InDelta(t, want, gotGy[i], 1e-12, "py[%d]", i)
	}
}

func TestScoreWithoutRecordingLeavesTapeEmpty(t *testing.T) {
	backend := autodiff.New(cpu.New())
	sc, err := New[float32](DefaultConfig(), backend)
	require.NoError(t, err)
	defer sc.Close()

	px := tensor.Zeros[float32](tensor.Shape{1, 2, 3}, backend)
	py := tensor.Zeros[float32](tensor.Shape{1, 3, 2}, backend)
	_, err = sc.Score(px, py, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, backend.Tape().NumOps())
}
