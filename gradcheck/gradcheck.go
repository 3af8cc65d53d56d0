// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package gradcheck compares analytic gradients against central finite
// differences of the graph loss.
//
// Example:
//
//	cfg := graph.DefaultConfig()
//	cfg.Precision = tensor.Float64
//	h, err := gradcheck.Embed(cfg, tensor.Shape{3, 8, 8}, 2, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
//	    pool, err := nn.NewMaxPool2D(g, x, 2, 2)
//	    if err != nil {
//	        return 0, err
//	    }
//	    return pool.ID(), nil
//	})
//	report, err := h.CheckInput(gradcheck.DefaultOptions())
//	if err == nil {
//	    err = report.Err(1e-7)
//	}
package gradcheck

import (
	"github.com/born-ml/layergraph/internal/gradcheck"
	"github.com/born-ml/layergraph/internal/graph"
	"github.com/born-ml/layergraph/internal/nn"
	"github.com/born-ml/layergraph/internal/tensor"
)

// ErrMismatch is returned by Report.Err when the aggregate error exceeds the tolerance.
var ErrMismatch = gradcheck.ErrMismatch

// Options configures a check.
type Options = gradcheck.Options

// Result compares one coordinate.
type Result = gradcheck.Result

// Report holds the outcome of one check.
type Report = gradcheck.Report

// Builder appends the layers under test to a harness graph.
type Builder = gradcheck.Builder

// Harness embeds layers under test between learnable maps.
type Harness = gradcheck.Harness

// DefaultOptions returns a step suited to Float64 graphs.
func DefaultOptions() Options {
	return gradcheck.DefaultOptions()
}

// CheckParam checks the gradient of the loss with respect to p.
func CheckParam(g *graph.Graph, p *graph.Param, opts Options) (Report, error) {
	return gradcheck.CheckParam(g, p, opts)
}

// CheckInput checks the gradient of the loss with respect to the data of in.
func CheckInput(g *graph.Graph, in *nn.Input, opts Options) (Report, error) {
	return gradcheck.CheckInput(g, in, opts)
}

// Embed builds a harness for inputs of the given shape with random data.
func Embed(cfg graph.Config, shape tensor.Shape, batch int, build Builder) (*Harness, error) {
	return gradcheck.Embed(cfg, shape, batch, build)
}
