//go:build windows

package webgpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/born-ml/layergraph/internal/tensor"
	"github.com/go-webgpu/webgpu/wgpu"
)

const storageUsage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst

// storage is a device buffer of 32-bit words.
type storage struct {
	backend *Backend
	buffer  *wgpu.Buffer
	words   int
	size    uint64
	pooled  bool
	once    sync.Once
}

func (s *storage) Words() int { return s.words }

func (s *storage) Release() {
	s.once.Do(func() {
		if s.pooled {
			if pool := s.backend.bufferPool; pool != nil {
				pool.Release(s.buffer, s.size, storageUsage)
				return
			}
		}
		s.buffer.Release()
		s.backend.trackBufferRelease(s.size)
	})
}

func (b *Backend) storageOf(s tensor.Storage) (*storage, error) {
	st, ok := s.(*storage)
	if !ok || st == nil {
		return nil, fmt.Errorf("webgpu: foreign storage %T", s)
	}
	if st.backend != b {
		return nil, fmt.Errorf("webgpu: storage belongs to another device")
	}
	return st, nil
}

// byteSize returns the allocation size for a word count. Zero-sized bindings
// are invalid, so empty storage still occupies one word.
func byteSize(words int) uint64 {
	if words < 1 {
		words = 1
	}
	return uint64(words) * 4 //nolint:gosec // G115: words is non-negative
}

// Alloc allocates zero-initialized storage.
func (b *Backend) Alloc(words int) (s tensor.Storage, err error) {
	defer recoverInto(&err, "alloc")
	if words < 0 {
		return nil, fmt.Errorf("webgpu: negative allocation %d", words)
	}
	size := byteSize(words)
	buffer := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: storageUsage,
		Size:  size,
	})
	b.trackBufferAllocation(size)
	return &storage{backend: b, buffer: buffer, words: words, size: size}, nil
}

// Write uploads src into the first len(src) words of dst.
func (b *Backend) Write(dst tensor.Storage, src []float32) error {
	data := make([]byte, 4*len(src))
	for i, v := range src {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return b.upload(dst, data)
}

// WriteBytes uploads raw bytes; the tail of the last word is zero-padded.
func (b *Backend) WriteBytes(dst tensor.Storage, src []byte) error {
	data := make([]byte, (len(src)+3)&^3)
	copy(data, src)
	return b.upload(dst, data)
}

func (b *Backend) upload(dst tensor.Storage, data []byte) (err error) {
	defer recoverInto(&err, "write")
	st, err := b.storageOf(dst)
	if err != nil {
		return err
	}
	if len(data) > st.words*4 {
		return fmt.Errorf("webgpu: write of %d bytes into %d words", len(data), st.words)
	}
	if len(data) == 0 {
		return nil
	}

	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	staging := b.createBuffer(data, wgpu.BufferUsageCopySrc)
	defer staging.Release()

	encoder := b.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(staging, 0, st.buffer, 0, uint64(len(data)))
	b.queue.Submit(encoder.Finish(nil))

	// Mapping the copy back forces completion before returning.
	_, err = b.readBuffer(st.buffer, 4)
	return err
}

// Read downloads the first len(dst) words of src.
func (b *Backend) Read(src tensor.Storage, dst []float32) (err error) {
	defer recoverInto(&err, "read")
	st, err := b.storageOf(src)
	if err != nil {
		return err
	}
	if len(dst) > st.words {
		return fmt.Errorf("webgpu: read of %d words from %d", len(dst), st.words)
	}
	if len(dst) == 0 {
		return nil
	}

	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	data, err := b.readBuffer(st.buffer, uint64(4*len(dst)))
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return nil
}

// pipeline returns the compiled pipeline for a kernel at a precision.
func (b *Backend) pipeline(k *tensor.Kernel, p tensor.Precision) *wgpu.ComputePipeline {
	key := pipelineKey(k, p)
	b.mu.RLock()
	if pipeline, exists := b.pipelines[key]; exists {
		b.mu.RUnlock()
		return pipeline
	}
	b.mu.RUnlock()

	shader := b.compileShader(key, Source(k, p))
	return b.getOrCreatePipeline(key, shader)
}

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

	// Auto layout: bindings the shader never touches are dropped, so every
	// kernel must reference each buffer it declares.
	pipeline := b.device.CreateComputePipelineSimple(nil, shader, "main")

	b.mu.Lock()
	b.pipelines[name] = pipeline
	b.mu.Unlock()

	return pipeline
}

// createBuffer creates a GPU buffer initialized with data.
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

// createParamsBuffer uploads kernel parameters as a read-only storage buffer.
func (b *Backend) createParamsBuffer(params []uint32) *wgpu.Buffer {
	data := make([]byte, 4*len(params))
	for i, v := range params {
		binary.LittleEndian.PutUint32(data[i*4:], v)
	}
	return b.createBuffer(data, wgpu.BufferUsageStorage)
}

// readBuffer reads data back from a GPU buffer to CPU memory.
// Uses a staging buffer since storage buffers can't be mapped directly.
// The caller must hold queueMu.
func (b *Backend) readBuffer(srcBuffer *wgpu.Buffer, size uint64) ([]byte, error) {
	stagingBuffer := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer stagingBuffer.Release()

	encoder := b.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(srcBuffer, 0, stagingBuffer, 0, size)
	b.queue.Submit(encoder.Finish(nil))

	if err := stagingBuffer.MapAsync(b.device, wgpu.MapModeRead, 0, size); err != nil {
		return nil, fmt.Errorf("webgpu: failed to map staging buffer: %w", err)
	}

	mappedPtr := stagingBuffer.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mappedSlice := unsafe.Slice((*byte)(mappedPtr), size)
	result := make([]byte, size)
	copy(result, mappedSlice)
	stagingBuffer.Unmap()

	return result, nil
}

// recoverInto turns a panic raised by the native bindings into an error.
func recoverInto(err *error, op string) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("webgpu: %s: %v", op, r)
	}
}
