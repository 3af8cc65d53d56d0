// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides the layer catalog of the differentiable graph.
//
// # Overview
//
// Every constructor validates its configuration and the shapes of its
// predecessors, then adds one node to the graph:
//   - Input: data source, loaded with SetData, SetValues or Fill
//   - Dense: Affine, AffineSeq, Conv2D, PatchEmbed
//   - Pooling: MaxPool2D, AvgPool2D, GlobalAvgPool2D, AvgPoolSeq
//   - Normalization: BatchNorm2D, InstanceNorm2D, LayerNorm2D, LayerNormSeq
//   - Attention: QuerySeq, SoftmaxSeq, ValueSeq
//   - Augmentation: Flip, Rotate, Crop, Pad, ResizeCropPad, ColorJitter, Dropout
//   - Combination: Sum, Multiply, Concat, DotProduct
//   - Vector quantization: VQ
//   - Losses: MSE, CrossEntropy
//
// # Basic Usage
//
//	g, _ := graph.New(graph.DefaultConfig())
//	x, _ := nn.NewInput(g, tensor.Shape{3, 32, 32})
//	c, _ := nn.NewConv2D(g, x.ID(), nn.ConvConfig{Filters: 16, Kernel: 3, Pad: 1, Act: nn.ReLU})
//	p, _ := nn.NewMaxPool2D(g, c.ID(), 2, 2)
//	logits, _ := nn.NewAffine(g, p.ID(), 10, nn.Identity)
//	labels, _ := nn.NewInput(g, tensor.Shape{1})
//	loss, _ := nn.NewCrossEntropy(g, logits.ID(), labels.ID())
//
// # Attention
//
// Multi-head self-attention is composed from three nodes:
//
//	scores, _ := nn.NewQuerySeq(g, q.ID(), k.ID(), heads)
//	probs, _ := nn.NewSoftmaxSeq(g, scores.ID(), heads)
//	ctx, _ := nn.NewValueSeq(g, v.ID(), probs.ID(), heads)
//
// # Errors
//
// Constructors return errors wrapping graph.ErrInvalidConfig for out-of-range
// settings and graph.ErrInvalidWiring for incompatible predecessors.
package nn
