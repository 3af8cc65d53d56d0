// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package graph provides the differentiable layer graph and its pass drivers.
//
// # Overview
//
// A Graph is an arena of nodes added in topological order. Each node owns
// its output and gradient buffers and caches its output between passes:
// a node is recomputed only when it, or one of its ancestors, is Dirty.
// Loading new input data or changing a parameter marks the affected
// subgraph dirty.
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/layergraph/graph"
//	    "github.com/born-ml/layergraph/nn"
//	    "github.com/born-ml/layergraph/optim"
//	    "github.com/born-ml/layergraph/tensor"
//	)
//
//	func main() {
//	    g, _ := graph.New(graph.DefaultConfig())
//	    x, _ := nn.NewInput(g, tensor.Shape{1})
//	    y, _ := nn.NewInput(g, tensor.Shape{1})
//	    h, _ := nn.NewAffine(g, x.ID(), 5, nn.Tanh)
//	    out, _ := nn.NewAffine(g, h.ID(), 1, nn.Tanh)
//	    _, _ = nn.NewMSE(g, out.ID(), y.ID(), 1)
//
//	    opt, _ := optim.NewSGD(optim.SGDConfig{Config: optim.Config{LR: 0.05}})
//	    for range 100 {
//	        _ = g.Forward(batch, graph.Train)
//	        _ = g.Backward()
//	        _ = g.Apply(opt.Step)
//	    }
//	}
//
// # Targets
//
// Construction is identical on both targets. Set Config.Target to GPU and
// Config.Device to a WebGPU backend to run every pass on the device:
//
//	gpu, err := webgpu.New()
//	cfg := graph.DefaultConfig()
//	cfg.Target, cfg.Device = graph.GPU, gpu
//
// # Phases
//
// Train draws fresh random values for stochastic layers and updates running
// statistics. Replay reuses the draws of the last Train pass, so a perturbed
// re-evaluation sees the same function. Inference is deterministic.
package graph
