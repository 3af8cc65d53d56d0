// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the shapes, precisions and buffers shared by the
// graph and its execution backends.
//
// # Overview
//
// Every node output, gradient and parameter is a Buffer: batch × shape
// scalars with a float64 host view and an optional device mirror. Values are
// rounded to the buffer Precision whenever they are written.
//
// Three shape ranks are used by the layer catalog:
//
//	[n]        flat features
//	[C, H, W]  planar image channels
//	[S, D]     token sequences
//
// # Precision
//
//	tensor.Float32  default, CPU and GPU
//	tensor.Float16  half precision storage, CPU and GPU
//	tensor.Float64  CPU reference precision used by gradient checking
//
// # External data
//
// Image batches are described by a Descriptor whose Layout is Planar
// ([B][C][H][W]) or Interleaved ([B][H][W][C]):
//
//	desc := tensor.Descriptor{Batch: 8, Channels: 3, Height: 32, Width: 32, Layout: tensor.Interleaved}
//	err := input.SetData(pixels, desc)
package tensor
