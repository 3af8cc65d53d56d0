package tensor

import (
	"fmt"
	"strings"
)

// Shape represents the per-example dimensions of a buffer.
//
// Three ranks are used by the layer catalog:
//
//	[n]        flat features
//	[C, H, W]  planar image channels
//	[S, D]     token sequences
type Shape []int

// NumElements returns the total number of elements in the shape.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 1 // Scalar has 1 element
	}
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate checks if the shape is valid (all dimensions > 0).
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim <= 0 {
			return fmt.Errorf("invalid dimension at index %d: %d (must be > 0)", i, dim)
		}
	}
	return nil
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// Is2D reports whether the shape is a [C, H, W] image.
func (s Shape) Is2D() bool { return len(s) == 3 }

// IsSeq reports whether the shape is a [S, D] sequence.
func (s Shape) IsSeq() bool { return len(s) == 2 }

// Tail returns the shape without its first dimension.
func (s Shape) Tail() Shape {
	if len(s) == 0 {
		return Shape{}
	}
	return s[1:].Clone()
}

// String formats the shape as [a b c].
func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
