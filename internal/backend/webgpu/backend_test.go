//go:build windows

package webgpu

import (
	"testing"

	"github.com/born-ml/layergraph/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	backend, err := New()
	if err != nil {
		t.Logf("WebGPU not available: %v", err)
		t.Skip("WebGPU not available on this system")
	}
	t.Cleanup(backend.Release)
	return backend
}

func TestIsAvailable(t *testing.T) {
	t.Logf("WebGPU available: %v", IsAvailable())
}

func TestNew(t *testing.T) {
	backend := newTestBackend(t)
	assert.NotEmpty(t, backend.Name())
	t.Logf("Backend name: %s", backend.Name())
}

func TestWriteRead(t *testing.T) {
	backend := newTestBackend(t)

	s, err := backend.Alloc(5)
	require.NoError(t, err)
	defer s.Release()

	zeros := make([]float32, 5)
	require.NoError(t, backend.Read(s, zeros))
	assert.Equal(t, make([]float32, 5), zeros, "fresh storage is zeroed")

	require.NoError(t, backend.Write(s, []float32{1, 2, 3, 4, 5}))
	got := make([]float32, 5)
	require.NoError(t, backend.Read(s, got))
	assert.Equal(t, []float32{1, 2, 3, 4, 5}, got)

	assert.Error(t, backend.Write(s, make([]float32, 6)))
	assert.Error(t, backend.Read(s, make([]float32, 6)))
}

func TestBatchDispatch(t *testing.T) {
	backend := newTestBackend(t)

	const n = 1000
	x, err := backend.Alloc(n)
	require.NoError(t, err)
	defer x.Release()
	y, err := backend.Alloc(n)
	require.NoError(t, err)
	defer y.Release()

	src := make([]float32, n)
	for i := range src {
		src[i] = float32(i)
	}
	require.NoError(t, backend.Write(x, src))

	batch := backend.NewBatch()
	batch.Dispatch(tensor.Dispatch{
		Kernel:  scaleKernel,
		Threads: n,
		Args:    []uint32{tensor.F(2)},
		Buffers: []tensor.Storage{x, y},
	})
	require.NoError(t, batch.Submit().Wait())

	got := make([]float32, n)
	require.NoError(t, backend.Read(y, got))
	for i := range got {
		assert.Equal(t, 2*src[i], got[i])
	}
}

func TestBatchHalfPrecision(t *testing.T) {
	backend := newTestBackend(t)

	x, err := backend.Alloc(1)
	require.NoError(t, err)
	y, err := backend.Alloc(1)
	require.NoError(t, err)
	require.NoError(t, backend.Write(x, []float32{1.0 / 3.0}))

	batch := backend.NewBatch()
	batch.Dispatch(tensor.Dispatch{
		Kernel:    scaleKernel,
		Threads:   1,
		Args:      []uint32{tensor.F(1)},
		Buffers:   []tensor.Storage{x, y},
		Precision: tensor.Float16,
	})
	require.NoError(t, batch.Submit().Wait())

	got := make([]float32, 1)
	require.NoError(t, backend.Read(y, got))
	assert.Equal(t, tensor.Float16.Round32(1.0/3.0), got[0])
}

func TestBatchErrorsSurfaceOnWait(t *testing.T) {
	backend := newTestBackend(t)

	batch := backend.NewBatch()
	batch.Dispatch(tensor.Dispatch{Kernel: scaleKernel, Threads: 1})
	err := batch.Submit().Wait()
	assert.Error(t, err)
}

func TestBatchTempIsPooled(t *testing.T) {
	backend := newTestBackend(t)

	for i := 0; i < 3; i++ {
		batch := backend.NewBatch()
		_, err := batch.Temp(100)
		require.NoError(t, err)
		require.NoError(t, batch.Submit().Wait())
	}

	stats := backend.MemoryStats()
	assert.Equal(t, uint64(1), stats.PoolMisses)
	assert.Equal(t, uint64(2), stats.PoolHits)
	assert.Equal(t, 1, stats.PooledBuffers)
}

func TestPooledSize(t *testing.T) {
	assert.Equal(t, uint64(16), pooledSize(4))
	assert.Equal(t, uint64(512), pooledSize(400))
	assert.Equal(t, uint64(512), pooledSize(512))
	assert.Equal(t, uint64(1024), pooledSize(513))
}
