// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package imageio loads image files into batches for Input nodes.
//
// Example:
//
//	opts := imageio.DefaultOptions()
//	data, desc, err := imageio.LoadBatch(ctx, paths, opts)
//	if err == nil {
//	    err = input.SetData(data, desc)
//	}
//
// On the GPU target the pixels can be expanded on the device instead:
//
//	err := input.Fill(len(paths), func(dst *tensor.Buffer) error {
//	    return imageio.LoadDevice(ctx, paths, opts, dst)
//	})
package imageio

import (
	"context"

	"github.com/born-ml/layergraph/internal/imageio"
	"github.com/born-ml/layergraph/internal/tensor"
)

// ErrOptions is returned for an invalid Options value or an empty path list.
var ErrOptions = imageio.ErrOptions

// Options selects the decoded size and channel count.
type Options = imageio.Options

// DefaultOptions returns options for 32×32 RGB images.
func DefaultOptions() Options {
	return imageio.DefaultOptions()
}

// LoadBatch decodes paths into a planar float32 batch with values byte/255.
func LoadBatch(ctx context.Context, paths []string, opts Options) ([]float32, tensor.Descriptor, error) {
	return imageio.LoadBatch(ctx, paths, opts)
}

// LoadDevice decodes paths and expands them into the device mirror of dst.
func LoadDevice(ctx context.Context, paths []string, opts Options, dst *tensor.Buffer) error {
	return imageio.LoadDevice(ctx, paths, opts, dst)
}
