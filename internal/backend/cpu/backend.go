// Package cpu implements the float64 reference kernels of the host execution
// path. Every function works on flat row-major slices with explicit batch and
// geometry arguments, and splits independent work with the parallel package.
//
// Forward kernels overwrite their outputs. Backward kernels accumulate into
// their gradient outputs, so several consumers can add into one gradient.
package cpu

import (
	"github.com/born-ml/layergraph/internal/parallel"
)

// CPUBackend runs the reference kernels with a fixed work-split policy.
type CPUBackend struct {
	cfg parallel.Config
}

// New creates a CPU backend that splits work according to cfg.
func New(cfg parallel.Config) *CPUBackend {
	return &CPUBackend{cfg: cfg}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// Parallel returns the work-split policy.
func (cpu *CPUBackend) Parallel() parallel.Config {
	return cpu.cfg
}
