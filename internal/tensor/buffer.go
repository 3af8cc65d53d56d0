package tensor

import (
	"errors"
	"fmt"

	"github.com/born-ml/layergraph/internal/parallel"
)

// ErrNoDevice is returned when a device operation is requested on a host-only buffer.
var ErrNoDevice = errors.New("buffer has no device storage")

// Buffer holds batch × shape scalars with a host view and an optional
// device mirror.
//
// The host view is always float64 and row-major per example:
// element k of example b lives at b*ExampleSize()+k. The device mirror holds
// the same values as 32-bit floats. Upload and Download are explicit; nothing
// keeps the two views in sync implicitly.
type Buffer struct {
	shape     Shape
	batch     int
	precision Precision
	host      []float64
	device    Device
	storage   Storage
}

// NewBuffer allocates a zeroed buffer. When device is non-nil a device mirror
// of the same length is allocated as well.
func NewBuffer(shape Shape, batch int, precision Precision, device Device) (*Buffer, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	if batch <= 0 {
		return nil, fmt.Errorf("invalid batch size %d", batch)
	}
	if device != nil && !precision.DeviceCapable() {
		return nil, fmt.Errorf("precision %s cannot be stored on %s", precision, device.Name())
	}

	b := &Buffer{
		shape:     shape.Clone(),
		precision: precision,
		device:    device,
	}
	if err := b.Resize(batch); err != nil {
		return nil, err
	}
	return b, nil
}

// Resize reallocates the buffer for a new batch size. Contents are zeroed.
// A buffer is never reinterpreted in place: a new batch size always means
// new storage.
func (b *Buffer) Resize(batch int) error {
	if batch <= 0 {
		return fmt.Errorf("invalid batch size %d", batch)
	}
	if batch == b.batch && b.host != nil {
		return nil
	}

	n := batch * b.shape.NumElements()
	var storage Storage
	if b.device != nil {
		s, err := b.device.Alloc(n)
		if err != nil {
			return fmt.Errorf("allocate %d words on %s: %w", n, b.device.Name(), err)
		}
		storage = s
	}

	if b.storage != nil {
		b.storage.Release()
	}
	b.batch = batch
	b.host = make([]float64, n)
	b.storage = storage
	return nil
}

// Shape returns the per-example shape.
func (b *Buffer) Shape() Shape { return b.shape }

// Batch returns the number of examples.
func (b *Buffer) Batch() int { return b.batch }

// ExampleSize returns the number of scalars per example.
func (b *Buffer) ExampleSize() int { return b.shape.NumElements() }

// Len returns the total number of scalars.
func (b *Buffer) Len() int { return len(b.host) }

// Precision returns the storage precision.
func (b *Buffer) Precision() Precision { return b.precision }

// Host returns the host view.
func (b *Buffer) Host() []float64 { return b.host }

// Example returns the host view of one example.
func (b *Buffer) Example(i int) []float64 {
	n := b.ExampleSize()
	return b.host[i*n : (i+1)*n]
}

// Storage returns the device mirror, or nil for host-only buffers.
func (b *Buffer) Storage() Storage { return b.storage }

// Device returns the device holding the mirror, or nil for host-only buffers.
func (b *Buffer) Device() Device { return b.device }

// OnDevice reports whether the buffer has a device mirror.
func (b *Buffer) OnDevice() bool { return b.storage != nil }

// Zero clears the host view.
func (b *Buffer) Zero() {
	clear(b.host)
}

// Round rounds the host view to the buffer precision.
func (b *Buffer) Round(cfg parallel.Config) {
	b.precision.RoundSlice(b.host, cfg)
}

// CopyFrom copies the host view of src, which must have the same length.
func (b *Buffer) CopyFrom(src *Buffer) error {
	if src.Len() != b.Len() {
		return fmt.Errorf("copy: length mismatch %d vs %d", src.Len(), b.Len())
	}
	copy(b.host, src.host)
	return nil
}

// Upload copies the host view to the device mirror, rounding to the buffer precision.
func (b *Buffer) Upload() error {
	if b.storage == nil {
		return ErrNoDevice
	}
	words := make([]float32, len(b.host))
	for i, v := range b.host {
		words[i] = b.precision.Round32(float32(v))
	}
	if err := b.device.Write(b.storage, words); err != nil {
		return fmt.Errorf("upload %s: %w", b.shape, err)
	}
	return nil
}

// Download copies the device mirror into the host view.
func (b *Buffer) Download() error {
	if b.storage == nil {
		return ErrNoDevice
	}
	words := make([]float32, len(b.host))
	if err := b.device.Read(b.storage, words); err != nil {
		return fmt.Errorf("download %s: %w", b.shape, err)
	}
	for i, v := range words {
		b.host[i] = float64(v)
	}
	return nil
}

// Release frees the device mirror and drops the host view.
func (b *Buffer) Release() {
	if b == nil {
		return
	}
	if b.storage != nil {
		b.storage.Release()
		b.storage = nil
	}
	b.host = nil
	b.batch = 0
}
