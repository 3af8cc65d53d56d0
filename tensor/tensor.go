// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"github.com/born-ml/layergraph/internal/tensor"
)

// Shape represents the per-example dimensions of a buffer.
type Shape = tensor.Shape

// Buffer holds batch × shape scalars with a host view and an optional device mirror.
type Buffer = tensor.Buffer

// Precision selects how stored values are rounded.
type Precision = tensor.Precision

// Supported precisions.
const (
	Float32 = tensor.Float32
	Float16 = tensor.Float16
	Float64 = tensor.Float64
)

// ParsePrecision looks a precision up by name ("float32", "float16" or "float64").
func ParsePrecision(name string) (Precision, error) {
	return tensor.ParsePrecision(name)
}

// Layout tags how pixel data is arranged in an external buffer.
type Layout = tensor.Layout

// Pixel layouts.
const (
	Planar      = tensor.Planar
	Interleaved = tensor.Interleaved
)

// Descriptor describes an external image batch.
type Descriptor = tensor.Descriptor

// Device stores buffers and runs kernels on an accelerator.
type Device = tensor.Device

// ErrNoDevice is returned when a device operation is requested on a host-only buffer.
var ErrNoDevice = tensor.ErrNoDevice

// NewBuffer allocates a zeroed buffer. When device is non-nil a device mirror
// of the same length is allocated as well.
//
// Example:
//
//	buf, err := tensor.NewBuffer(tensor.Shape{3, 32, 32}, 8, tensor.Float32, nil)
func NewBuffer(shape Shape, batch int, precision Precision, device Device) (*Buffer, error) {
	return tensor.NewBuffer(shape, batch, precision, device)
}
