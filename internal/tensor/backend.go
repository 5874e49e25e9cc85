package tensor

// Backend defines the compute operations the lattice engines and the
// gradient tape need from a device implementation.
//
// Implementations: cpu.CPUBackend (always available), webgpu.Backend
// (GPU wavefront kernels), autodiff.AutodiffBackend (tape-recording
// wrapper around either).
type Backend interface {
	// Name returns the backend identifier ("CPU", "WebGPU", ...).
	Name() string

	// Device returns the device tensors for this backend live on.
	Device() Device

	// Add performs element-wise addition of two same-shape tensors.
	// Used by the gradient tape to accumulate adjoints.
	Add(a, b *RawTensor) *RawTensor
}
