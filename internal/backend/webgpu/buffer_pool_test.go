//go:build windows

package webgpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferPoolAcquireRelease(t *testing.T) {
	backend := newTestBackend(t)
	pool := NewBufferPool(backend.device)
	defer pool.Clear()

	buffer := pool.Acquire(1024, storageUsage)
	allocated, _, hits, misses, pooled := pool.Stats()
	assert.Equal(t, uint64(1), allocated)
	assert.Equal(t, uint64(0), hits)
	assert.Equal(t, uint64(1), misses)
	assert.Equal(t, 0, pooled)

	pool.Release(buffer, 1024, storageUsage)
	_, released, _, _, pooled := pool.Stats()
	assert.Equal(t, uint64(1), released)
	assert.Equal(t, 1, pooled)

	again := pool.Acquire(1024, storageUsage)
	assert.Same(t, buffer, again)
	_, _, hits, _, pooled = pool.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, 0, pooled)
	pool.Release(again, 1024, storageUsage)
}

func TestBufferPoolSizeMismatchMisses(t *testing.T) {
	backend := newTestBackend(t)
	pool := NewBufferPool(backend.device)
	defer pool.Clear()

	pool.Release(pool.Acquire(1024, storageUsage), 1024, storageUsage)
	other := pool.Acquire(2048, storageUsage)
	_, _, hits, misses, _ := pool.Stats()
	assert.Equal(t, uint64(0), hits)
	assert.Equal(t, uint64(2), misses)
	pool.Release(other, 2048, storageUsage)
}

func TestBufferPoolCategories(t *testing.T) {
	assert.Equal(t, SmallBuffer, categorize(1024))
	assert.Equal(t, MediumBuffer, categorize(64*1024))
	assert.Equal(t, LargeBuffer, categorize(4*1024*1024))
}
