// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package optim provides optimization algorithms for training layer graphs.
//
// # Overview
//
// This package contains:
//   - SGD: Stochastic Gradient Descent with optional momentum
//   - Adam and AMSGrad: Adaptive Moment Estimation with bias correction
//   - RAdam: Adam with variance rectification during warmup
//   - AdaBound and AMSBound: Adam with dynamic step-size bounds
//   - Optimizer interface for custom optimizers
//
// Every optimizer supports coupled (L2) or decoupled weight decay.
//
// # Basic Usage
//
// Step has the signature Graph.Apply expects, so the training loop is:
//
//	optimizer, _ := optim.NewAdam(optim.AdamConfig{
//	    Config: optim.Config{LR: 0.001, WeightDecay: 1e-4, Decay: optim.Decoupled},
//	})
//
//	for epoch := range 10 {
//	    _ = g.Forward(batch, graph.Train)
//	    _ = g.Backward()
//	    _ = g.Apply(optimizer.Step)
//	}
//
// # Selecting by name
//
//	opt, err := optim.New("amsbound", optim.Config{LR: 0.001})
package optim
