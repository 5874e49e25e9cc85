package webgpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/lattice-ml/lattice/internal/lattice"
	"github.com/lattice-ml/lattice/internal/tensor"
)

const workgroupSize = 256

// gpuTileSize is the lattice tile edge baked into the WGSL kernels as the
// workgroup dimensions. The host-side tiling configuration does not apply
// on the device.
const gpuTileSize = 16

// compileShader compiles WGSL shader code into a ShaderModule.
// Results are cached in the Backend's shaders map.
func (b *Backend) compileShader(name, code string) *wgpu.ShaderModule {
	b.mu.RLock()
	if shader, exists := b.shaders[name]; exists {
		b.mu.RUnlock()
		return shader
	}
	b.mu.RUnlock()

	shader := b.device.CreateShaderModuleWGSL(code)

	b.mu.Lock()
	b.shaders[name] = shader
	b.mu.Unlock()

	return shader
}

// getOrCreatePipeline returns a cached ComputePipeline or creates a new one.
func (b *Backend) getOrCreatePipeline(name string, shader *wgpu.ShaderModule) *wgpu.ComputePipeline {
	b.mu.RLock()
	if pipeline, exists := b.pipelines[name]; exists {
		b.mu.RUnlock()
		return pipeline
	}
	b.mu.RUnlock()

	// Auto layout (nil layout)
	pipeline := b.device.CreateComputePipelineSimple(nil, shader, "main")

	b.mu.Lock()
	b.pipelines[name] = pipeline
	b.mu.Unlock()

	return pipeline
}

// createBuffer creates a GPU buffer and uploads initial data.
func (b *Backend) createBuffer(data []byte, usage wgpu.BufferUsage) *wgpu.Buffer {
	size := uint64(len(data))

	buffer := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            usage,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})

	mappedPtr := buffer.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mappedSlice := unsafe.Slice((*byte)(mappedPtr), size)
	copy(mappedSlice, data)
	buffer.Unmap()

	return buffer
}

// createUniformBuffer creates a uniform buffer with proper alignment.
// Uniform buffers require 16-byte alignment for struct fields.
func (b *Backend) createUniformBuffer(data []byte) *wgpu.Buffer {
	size := uint64(len(data))
	alignedSize := (size + 15) &^ 15

	buffer := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		Size:             alignedSize,
		MappedAtCreation: wgpu.True,
	})

	mappedPtr := buffer.GetMappedRange(0, alignedSize)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mappedSlice := unsafe.Slice((*byte)(mappedPtr), alignedSize)
	copy(mappedSlice, data)
	buffer.Unmap()

	return buffer
}

// readBuffer reads data back from a GPU buffer to CPU memory.
// Uses a staging buffer since storage buffers can't be mapped directly.
func (b *Backend) readBuffer(srcBuffer *wgpu.Buffer, size uint64) ([]byte, error) {
	stagingBuffer := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer stagingBuffer.Release()

	encoder := b.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(srcBuffer, 0, stagingBuffer, 0, size)
	cmdBuffer := encoder.Finish(nil)
	b.queue.Submit(cmdBuffer)

	err := stagingBuffer.MapAsync(b.device, wgpu.MapModeRead, 0, size)
	if err != nil {
		return nil, fmt.Errorf("failed to map staging buffer: %w", err)
	}

	mappedPtr := stagingBuffer.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mappedSlice := unsafe.Slice((*byte)(mappedPtr), size)
	result := make([]byte, size)
	copy(result, mappedSlice)

	stagingBuffer.Unmap()

	return result, nil
}

// runAdd executes element-wise addition on GPU.
func (b *Backend) runAdd(x, y *tensor.RawTensor) (*tensor.RawTensor, error) {
	if x.DType() != tensor.Float32 {
		return nil, fmt.Errorf("webgpu: only float32 is supported, got %s", x.DType())
	}
	if !x.Shape().Equal(y.Shape()) {
		return nil, fmt.Errorf("webgpu: shape mismatch: %v vs %v", x.Shape(), y.Shape())
	}

	numElements := x.NumElements()

	shader := b.compileShader("add", addShader)
	pipeline := b.getOrCreatePipeline("add", shader)

	bufferX := b.createBuffer(x.Data(), wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc)
	defer bufferX.Release()
	bufferY := b.createBuffer(y.Data(), wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc)
	defer bufferY.Release()

	//nolint:gosec // G115: Safe conversion, ByteSize() returns non-negative int
	resultSize := uint64(x.ByteSize())
	bufferResult := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		Size:  resultSize,
	})
	defer bufferResult.Release()

	params := make([]byte, 16)
	//nolint:gosec // G115: Safe conversion, NumElements() returns non-negative int
	binary.LittleEndian.PutUint32(params[0:4], uint32(numElements))
	bufferParams := b.createUniformBuffer(params)
	defer bufferParams.Release()

	bindGroupLayout := pipeline.GetBindGroupLayout(0)
	bindGroup := b.device.CreateBindGroupSimple(bindGroupLayout, []wgpu.BindGroupEntry{
		wgpu.BufferBindingEntry(0, bufferX, 0, resultSize),
		wgpu.BufferBindingEntry(1, bufferY, 0, resultSize),
		wgpu.BufferBindingEntry(2, bufferResult, 0, resultSize),
		wgpu.BufferBindingEntry(3, bufferParams, 0, 16),
	})
	defer bindGroup.Release()

	encoder := b.device.CreateCommandEncoder(nil)
	computePass := encoder.BeginComputePass(nil)
	computePass.SetPipeline(pipeline)
	computePass.SetBindGroup(0, bindGroup, nil)
	//nolint:gosec // G115: Safe conversion, workgroup count is non-negative
	workgroups := uint32((numElements + workgroupSize - 1) / workgroupSize)
	computePass.DispatchWorkgroups(workgroups, 1, 1)
	computePass.End()

	cmdBuffer := encoder.Finish(nil)
	b.queue.Submit(cmdBuffer)

	resultData, err := b.readBuffer(bufferResult, resultSize)
	if err != nil {
		return nil, err
	}

	result, err := tensor.NewRaw(x.Shape(), x.DType(), tensor.WebGPU)
	if err != nil {
		return nil, err
	}
	copy(result.Data(), resultData)
	return result, nil
}

// latticeParams packs the per-iteration uniform block shared by both
// lattice kernels: batch, S, T, iter, lo, span, plus padding to 32 bytes.
func latticeParams(batch, s, t, iter, lo, span int) []byte {
	params := make([]byte, 32)
	//nolint:gosec // G115: Safe conversions, all values are non-negative
	for i, v := range []int{batch, s, t, iter, lo, span} {
		binary.LittleEndian.PutUint32(params[i*4:i*4+4], uint32(v))
	}
	return params
}

// encodeRegions flattens per-element regions into an (N, 4) i32 buffer in
// (sBegin, tBegin, sEnd, tEnd) row order.
func encodeRegions(regions []lattice.Region) []byte {
	buf := make([]byte, len(regions)*16)
	for i, r := range regions {
		//nolint:gosec // G115: Safe conversions, region fields fit in int32
		for j, v := range []int{r.SBegin, r.TBegin, r.SEnd, r.TEnd} {
			binary.LittleEndian.PutUint32(buf[i*16+j*4:], uint32(int32(v)))
		}
	}
	return buf
}

// negInfBytes returns n float32 -inf values as little-endian bytes.
func negInfBytes(n int) []byte {
	buf := make([]byte, n*4)
	bits := math.Float32bits(float32(math.Inf(-1)))
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:], bits)
	}
	return buf
}

// MutualInformationForward fills the log-domain path-score lattice on GPU
// and returns it as a (batch, S+1, T+1) tensor. One compute pass per tile
// anti-diagonal; the pass boundary orders the supersteps.
func (b *Backend) MutualInformationForward(px, py *tensor.RawTensor, regions []lattice.Region) (*tensor.RawTensor, error) {
	if px.DType() != tensor.Float32 || py.DType() != tensor.Float32 {
		return nil, fmt.Errorf("webgpu: only float32 is supported, got %s and %s", px.DType(), py.DType())
	}

	batch, s, t := px.Shape()[0], px.Shape()[1], px.Shape()[2]-1
	grid, err := lattice.NewGrid(s, t, lattice.Config{TileS: gpuTileSize, TileT: gpuTileSize})
	if err != nil {
		return nil, err
	}

	shader := b.compileShader("lattice_forward", latticeForwardShader)
	pipeline := b.getOrCreatePipeline("lattice_forward", shader)

	bufPx := b.createBuffer(px.Data(), wgpu.BufferUsageStorage)
	defer bufPx.Release()
	bufPy := b.createBuffer(py.Data(), wgpu.BufferUsageStorage)
	defer bufPy.Release()
	regionData := encodeRegions(regions)
	bufRegions := b.createBuffer(regionData, wgpu.BufferUsageStorage)
	defer bufRegions.Release()

	pInit := negInfBytes(batch * (s + 1) * (t + 1))
	bufP := b.createBuffer(pInit, wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc)
	defer bufP.Release()
	pSize := uint64(len(pInit))

	bindGroupLayout := pipeline.GetBindGroupLayout(0)
	var owned []interface{ Release() }
	defer func() {
		for _, o := range owned {
			o.Release()
		}
	}()

	encoder := b.device.CreateCommandEncoder(nil)
	for iter := 0; iter < grid.NumIterations(); iter++ {
		lo, hi := grid.DiagonalSpan(iter)
		span := hi - lo + 1

		bufParams := b.createUniformBuffer(latticeParams(batch, s, t, iter, lo, span))
		bindGroup := b.device.CreateBindGroupSimple(bindGroupLayout, []wgpu.BindGroupEntry{
			wgpu.BufferBindingEntry(0, bufPx, 0, uint64(px.ByteSize())),
			wgpu.BufferBindingEntry(1, bufPy, 0, uint64(py.ByteSize())),
			wgpu.BufferBindingEntry(2, bufRegions, 0, uint64(len(regionData))),
			wgpu.BufferBindingEntry(3, bufP, 0, pSize),
			wgpu.BufferBindingEntry(4, bufParams, 0, 32),
		})
		owned = append(owned, bufParams, bindGroup)

		computePass := encoder.BeginComputePass(nil)
		computePass.SetPipeline(pipeline)
		computePass.SetBindGroup(0, bindGroup, nil)
		//nolint:gosec // G115: Safe conversion, workgroup count is non-negative
		computePass.DispatchWorkgroups(uint32(batch*span), 1, 1)
		computePass.End()
	}
	cmdBuffer := encoder.Finish(nil)
	b.queue.Submit(cmdBuffer)

	resultData, err := b.readBuffer(bufP, pSize)
	if err != nil {
		return nil, err
	}

	result, err := tensor.NewRaw(tensor.Shape{batch, s + 1, t + 1}, tensor.Float32, tensor.WebGPU)
	if err != nil {
		return nil, err
	}
	copy(result.Data(), resultData)
	return result, nil
}

// MutualInformationBackward propagates an upstream gradient through a
// forward lattice on GPU. seed carries one value per batch element, placed
// at the element's terminal cell, or a full (batch, S+1, T+1) lattice of
// per-cell seeds. Tiles run over the same anti-diagonal schedule as the
// forward pass, in reverse.
func (b *Backend) MutualInformationBackward(px, py, p *tensor.RawTensor, regions []lattice.Region, seed *tensor.RawTensor) (gradPx, gradPy *tensor.RawTensor, err error) {
	if px.DType() != tensor.Float32 || py.DType() != tensor.Float32 || p.DType() != tensor.Float32 {
		return nil, nil, fmt.Errorf("webgpu: only float32 is supported")
	}

	batch, s, t := px.Shape()[0], px.Shape()[1], px.Shape()[2]-1
	grid, gridErr := lattice.NewGrid(s, t, lattice.Config{TileS: gpuTileSize, TileT: gpuTileSize})
	if gridErr != nil {
		return nil, nil, gridErr
	}

	latticeLen := batch * (s + 1) * (t + 1)
	pGradInit := make([]byte, latticeLen*4)
	switch seed.NumElements() {
	case batch:
		sv := seed.AsFloat32()
		for i, r := range regions {
			cell := (i*(s+1)+r.SEnd)*(t+1) + r.TEnd
			binary.LittleEndian.PutUint32(pGradInit[cell*4:], math.Float32bits(sv[i]))
		}
	case latticeLen:
		copy(pGradInit, seed.Data())
	default:
		return nil, nil, fmt.Errorf("webgpu: seed has %d elements, want %d or %d", seed.NumElements(), batch, latticeLen)
	}

	shader := b.compileShader("lattice_backward", latticeBackwardShader)
	pipeline := b.getOrCreatePipeline("lattice_backward", shader)

	bufPx := b.createBuffer(px.Data(), wgpu.BufferUsageStorage)
	defer bufPx.Release()
	bufPy := b.createBuffer(py.Data(), wgpu.BufferUsageStorage)
	defer bufPy.Release()
	regionData := encodeRegions(regions)
	bufRegions := b.createBuffer(regionData, wgpu.BufferUsageStorage)
	defer bufRegions.Release()
	bufP := b.createBuffer(p.Data(), wgpu.BufferUsageStorage)
	defer bufP.Release()
	bufPGrad := b.createBuffer(pGradInit, wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc)
	defer bufPGrad.Release()

	gradPxSize := uint64(px.ByteSize())
	bufGradPx := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
		Size:  gradPxSize,
	})
	defer bufGradPx.Release()
	gradPySize := uint64(py.ByteSize())
	bufGradPy := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
		Size:  gradPySize,
	})
	defer bufGradPy.Release()

	bindGroupLayout := pipeline.GetBindGroupLayout(0)
	var owned []interface{ Release() }
	defer func() {
		for _, o := range owned {
			o.Release()
		}
	}()

	encoder := b.device.CreateCommandEncoder(nil)
	for iter := grid.NumIterations() - 1; iter >= 0; iter-- {
		lo, hi := grid.DiagonalSpan(iter)
		span := hi - lo + 1

		bufParams := b.createUniformBuffer(latticeParams(batch, s, t, iter, lo, span))
		bindGroup := b.device.CreateBindGroupSimple(bindGroupLayout, []wgpu.BindGroupEntry{
			wgpu.BufferBindingEntry(0, bufPx, 0, uint64(px.ByteSize())),
			wgpu.BufferBindingEntry(1, bufPy, 0, uint64(py.ByteSize())),
			wgpu.BufferBindingEntry(2, bufRegions, 0, uint64(len(regionData))),
			wgpu.BufferBindingEntry(3, bufP, 0, uint64(p.ByteSize())),
			wgpu.BufferBindingEntry(4, bufPGrad, 0, uint64(len(pGradInit))),
			wgpu.BufferBindingEntry(5, bufGradPx, 0, gradPxSize),
			wgpu.BufferBindingEntry(6, bufGradPy, 0, gradPySize),
			wgpu.BufferBindingEntry(7, bufParams, 0, 32),
		})
		owned = append(owned, bufParams, bindGroup)

		computePass := encoder.BeginComputePass(nil)
		computePass.SetPipeline(pipeline)
		computePass.SetBindGroup(0, bindGroup, nil)
		//nolint:gosec // G115: Safe conversion, workgroup count is non-negative
		computePass.DispatchWorkgroups(uint32(batch*span), 1, 1)
		computePass.End()
	}
	cmdBuffer := encoder.Finish(nil)
	b.queue.Submit(cmdBuffer)

	gxData, err := b.readBuffer(bufGradPx, gradPxSize)
	if err != nil {
		return nil, nil, err
	}
	gyData, err := b.readBuffer(bufGradPy, gradPySize)
	if err != nil {
		return nil, nil, err
	}

	gradPx, err = tensor.NewRaw(px.Shape(), tensor.Float32, tensor.WebGPU)
	if err != nil {
		return nil, nil, err
	}
	copy(gradPx.Data(), gxData)
	gradPy, err = tensor.NewRaw(py.Shape(), tensor.Float32, tensor.WebGPU)
	if err != nil {
		return nil, nil, err
	}
	copy(gradPy.Data(), gyData)
	return gradPx, gradPy, nil
}
