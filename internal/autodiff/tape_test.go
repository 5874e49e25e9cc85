package autodiff

import (
	"testing"

	"github.com/lattice-ml/lattice/internal/backend/cpu"
	"github.com/lattice-ml/lattice/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTapeRecordingControl(t *testing.T) {
	backend := New(cpu.New())
	x, err := tensor.FromSlice([]float32{1, 2}, tensor.Shape{2}, backend)
	require.NoError(t, err)
	y, err := tensor.FromSlice([]float32{3, 4}, tensor.Shape{2}, backend)
	require.NoError(t, err)

	// Nothing is recorded until StartRecording.
	backend.Add(x.Raw(), y.Raw())
	assert.Equal(t, 0, backend.Tape().NumOps())

	backend.Tape().StartRecording()
	backend.Add(x.Raw(), y.Raw())
	assert.Equal(t, 1, backend.Tape().NumOps())

	backend.Tape().StopRecording()
	backend.Add(x.Raw(), y.Raw())
	assert.Equal(t, 1, backend.Tape().NumOps())

	backend.Tape().Clear()
	assert.Equal(t, 0, backend.Tape().NumOps())
}

func TestBackwardThroughAdd(t *testing.T) {
	backend := New(cpu.New())
	backend.Tape().StartRecording()

	x, err := tensor.FromSlice([]float32{1, 2, 3}, tensor.Shape{3}, backend)
	require.NoError(t, err)
	y, err := tensor.FromSlice([]float32{10, 20, 30}, tensor.Shape{3}, backend)
	require.NoError(t, err)

	sumRaw := backend.Add(x.Raw(), y.Raw())
	sum := tensor.New[float32](sumRaw, backend)
	backend.Tape().StopRecording()

	grads := Backward(sum, backend)
	require.Contains(t, grads, x.Raw())
	require.Contains(t, grads, y.Raw())
	assert.Equal(t, []float32{1, 1, 1}, grads[x.Raw()].AsFloat32())
	assert.Equal(t, []float32{1, 1, 1}, grads[y.Raw()].AsFloat32())
}

func TestBackwardAccumulatesSharedInput(t *testing.T) {
	// z = (x + x) + x uses x three times; its gradient must accumulate.
	backend := New(cpu.New())
	backend.Tape().StartRecording()

	x, err := tensor.FromSlice([]float32{5, 5}, tensor.Shape{2}, backend)
	require.NoError(t, err)

	two := backend.Add(x.Raw(), x.Raw())
	three := backend.Add(two, x.Raw())
	out := tensor.New[float32](three, backend)
	backend.Tape().StopRecording()

	grads := Backward(out, backend)
	assert.Equal(t, []float32{3, 3}, grads[x.Raw()].AsFloat32())
}

func TestBackwardPanicsOnEmptyTape(t *testing.T) {
	backend := New(cpu.New())
	x, err := tensor.FromSlice([]float32{1}, tensor.Shape{1}, backend)
	require.NoError(t, err)
	assert.Panics(t, func() { Backward(x, backend) })
}

func TestName(t *testing.T) {
	backend := New(cpu.New())
	assert.Equal(t, "Autodiff(CPU)", backend.Name())
	assert.Equal(t, tensor.CPU, backend.Device())
}
