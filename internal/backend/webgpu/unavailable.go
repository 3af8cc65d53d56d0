//go:build !windows

package webgpu

import (
	"errors"

	"github.com/born-ml/layergraph/internal/tensor"
)

// ErrUnavailable is returned on platforms without a bundled WebGPU runtime.
var ErrUnavailable = errors.New("webgpu: not available on this platform")

// Backend is the placeholder device on unsupported platforms. It cannot be
// constructed through New; every method fails.
type Backend struct{}

var _ tensor.Device = (*Backend)(nil)

// New always fails on this platform.
func New() (*Backend, error) {
	return nil, ErrUnavailable
}

// IsAvailable reports false on this platform.
func IsAvailable() bool { return false }

// Name returns the backend name.
func (b *Backend) Name() string { return "webgpu (unavailable)" }

// Alloc always fails.
func (b *Backend) Alloc(int) (tensor.Storage, error) { return nil, ErrUnavailable }

// Write always fails.
func (b *Backend) Write(tensor.Storage, []float32) error { return ErrUnavailable }

// WriteBytes always fails.
func (b *Backend) WriteBytes(tensor.Storage, []byte) error { return ErrUnavailable }

// Read always fails.
func (b *Backend) Read(tensor.Storage, []float32) error { return ErrUnavailable }

// NewBatch returns a batch whose fence reports ErrUnavailable.
func (b *Backend) NewBatch() tensor.Batch { return unavailableBatch{} }

// Release is a no-op.
func (b *Backend) Release() {}

type unavailableBatch struct{}

func (unavailableBatch) Dispatch(tensor.Dispatch)         {}
func (unavailableBatch) Temp(int) (tensor.Storage, error) { return nil, ErrUnavailable }
func (unavailableBatch) Submit() tensor.Fence             { return unavailableBatch{} }
func (unavailableBatch) Wait() error                      { return ErrUnavailable }
