// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package webgpu provides the WebGPU device for GPU graph execution.
//
// WebGPU is a cross-platform graphics and compute API that works on:
//   - Windows (via Dawn/D3D12)
//   - macOS (via Dawn/Metal)
//   - Linux (via Dawn/Vulkan)
//
// On platforms without a bundled runtime New returns an error.
//
// Example:
//
//	import (
//	    "github.com/born-ml/layergraph/backend/webgpu"
//	    "github.com/born-ml/layergraph/graph"
//	)
//
//	func main() {
//	    gpu, err := webgpu.New()
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer gpu.Release()
//
//	    cfg := graph.DefaultConfig()
//	    cfg.Target, cfg.Device = graph.GPU, gpu
//	    g, err := graph.New(cfg)
//	}
package webgpu

import (
	internalwebgpu "github.com/born-ml/layergraph/internal/backend/webgpu"
	"github.com/born-ml/layergraph/tensor"
)

// Backend represents the WebGPU device.
type Backend = internalwebgpu.Backend

// Compile-time check that Backend implements tensor.Device.
var _ tensor.Device = (*Backend)(nil)

// New creates a new WebGPU backend.
//
// This function initializes the WebGPU device and returns a backend
// ready for graph execution. Call Release() when done to free GPU resources.
//
// Returns an error if WebGPU initialization fails (e.g., no compatible GPU).
func New() (*Backend, error) {
	return internalwebgpu.New()
}

// IsAvailable checks if WebGPU is available on the current system.
//
// It's useful for graceful fallback to the CPU target when GPU is not
// available.
//
// Example:
//
//	cfg := graph.DefaultConfig()
//	if webgpu.IsAvailable() {
//	    gpu, _ := webgpu.New()
//	    cfg.Target, cfg.Device = graph.GPU, gpu
//	}
func IsAvailable() bool {
	return internalwebgpu.IsAvailable()
}
