// Package tensor provides buffers, precision handling and the device contract
// shared by both execution backends.
package tensor

import (
	"fmt"

	"github.com/born-ml/layergraph/internal/parallel"
	"github.com/x448/float16"
)

// Precision selects how stored values are rounded.
//
// Every backend keeps its arithmetic in at least 32 bits; precision only
// applies when a value is written to a buffer. Float64 is the CPU reference
// precision used by gradient checking and cannot be placed on a device.
type Precision int

// Supported precisions.
const (
	Float32 Precision = iota
	Float16
	Float64
)

// String returns a human-readable name for the precision.
func (p Precision) String() string {
	switch p {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Float64:
		return "float64"
	default:
		return "unknown"
	}
}

// ParsePrecision looks a precision up by its String name.
func ParsePrecision(name string) (Precision, error) {
	for _, p := range []Precision{Float32, Float16, Float64} {
		if p.String() == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown precision %q", name)
}

// Validate reports whether p is a known precision.
func (p Precision) Validate() error {
	switch p {
	case Float32, Float16, Float64:
		return nil
	default:
		return fmt.Errorf("unknown precision %d", int(p))
	}
}

// DeviceCapable reports whether buffers of this precision may live on a device.
func (p Precision) DeviceCapable() bool {
	return p == Float32 || p == Float16
}

// Round rounds v to the precision.
func (p Precision) Round(v float64) float64 {
	switch p {
	case Float32:
		return float64(float32(v))
	case Float16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	default:
		return v
	}
}

// Round32 rounds a float32 to the precision.
func (p Precision) Round32(v float32) float32 {
	if p == Float16 {
		return float16.Fromfloat32(v).Float32()
	}
	return v
}

// RoundSlice rounds every element of data in place.
func (p Precision) RoundSlice(data []float64, cfg parallel.Config) {
	if p == Float64 {
		return
	}
	parallel.ForRange(len(data), func(start, end int) {
		for i := start; i < end; i++ {
			data[i] = p.Round(data[i])
		}
	}, cfg)
}
