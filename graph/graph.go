// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package graph

import (
	"github.com/born-ml/layergraph/internal/graph"
)

// Graph owns every node, its buffers, and the pass drivers.
type Graph = graph.Graph

// ID identifies a node within its graph.
type ID = graph.ID

// Node is one layer kind of the catalog.
type Node = graph.Node

// Param is a learnable buffer with its gradient accumulator.
type Param = graph.Param

// Config configures a graph.
type Config = graph.Config

// Target selects the backend every node runs on.
type Target = graph.Target

// Execution targets.
const (
	CPU = graph.CPU
	GPU = graph.GPU
)

// Phase tells stochastic and batch-statistics layers how to behave.
type Phase = graph.Phase

// Pass phases.
const (
	Train     = graph.Train
	Replay    = graph.Replay
	Inference = graph.Inference
)

// State is the cache validity of a node's output.
type State = graph.State

// Node states.
const (
	Dirty = graph.Dirty
	Clean = graph.Clean
)

// Sentinel errors.
var (
	ErrInvalidWiring = graph.ErrInvalidWiring
	ErrInvalidConfig = graph.ErrInvalidConfig
	ErrDevice        = graph.ErrDevice
	ErrNotForwarded  = graph.ErrNotForwarded
	ErrReleased      = graph.ErrReleased
)

// DefaultConfig returns a CPU, float32 configuration with parallel CPU rules.
func DefaultConfig() Config {
	return graph.DefaultConfig()
}

// New creates an empty graph.
//
// Example:
//
//	cfg := graph.DefaultConfig()
//	cfg.Precision = tensor.Float64
//	g, err := graph.New(cfg)
func New(cfg Config) (*Graph, error) {
	return graph.New(cfg)
}
