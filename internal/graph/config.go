package graph

import (
	"fmt"
	"log/slog"

	"github.com/born-ml/layergraph/internal/parallel"
	"github.com/born-ml/layergraph/internal/tensor"
)

// Target selects the backend every node runs on.
type Target int

// Execution targets.
const (
	CPU Target = iota
	GPU
)

// String returns the target name.
func (t Target) String() string {
	switch t {
	case CPU:
		return "cpu"
	case GPU:
		return "gpu"
	default:
		return "unknown"
	}
}

// Config carries the execution switches of one graph. It replaces any
// process-wide mode: two graphs with different configs coexist.
type Config struct {
	// Target selects CPU or GPU execution. Construction is identical either way.
	Target Target

	// Precision applies to every output, gradient and parameter buffer.
	Precision tensor.Precision

	// Parallel controls the CPU work-slicer.
	Parallel parallel.Config

	// Device runs GPU passes. Required when Target is GPU.
	Device tensor.Device

	// Seed initializes parameters and random draws.
	Seed int64

	// Logger receives debug records. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a CPU float32 configuration.
func DefaultConfig() Config {
	return Config{
		Target:    CPU,
		Precision: tensor.Float32,
		Parallel:  parallel.DefaultConfig(),
		Seed:      1,
		Logger:    slog.Default(),
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if err := c.Precision.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	switch c.Target {
	case CPU:
	case GPU:
		if c.Device == nil {
			return fmt.Errorf("%w: gpu target without device", ErrInvalidConfig)
		}
		if !c.Precision.DeviceCapable() {
			return fmt.Errorf("%w: precision %s is CPU only", ErrInvalidConfig, c.Precision)
		}
	default:
		return fmt.Errorf("%w: unknown target %d", ErrInvalidConfig, int(c.Target))
	}
	return nil
}

// device returns the device buffers are mirrored on, or nil on the CPU.
func (c Config) device() tensor.Device {
	if c.Target == GPU {
		return c.Device
	}
	return nil
}
