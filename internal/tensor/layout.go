package tensor

import (
	"fmt"

	"github.com/born-ml/layergraph/internal/parallel"
)

// Layout tags how pixel data is arranged in an external buffer.
type Layout int

// Pixel layouts.
const (
	// Planar stores every channel as a contiguous plane: [B][C][H][W].
	Planar Layout = iota
	// Interleaved stores channels next to each other per pixel: [B][H][W][C].
	Interleaved
)

// String returns a human-readable layout name.
func (l Layout) String() string {
	switch l {
	case Planar:
		return "planar"
	case Interleaved:
		return "interleaved"
	default:
		return "unknown"
	}
}

// Descriptor describes an external image batch.
type Descriptor struct {
	Batch    int
	Channels int
	Height   int
	Width    int
	Layout   Layout
}

// Validate checks that every dimension is positive and the layout is known.
func (d Descriptor) Validate() error {
	if d.Batch <= 0 || d.Channels <= 0 || d.Height <= 0 || d.Width <= 0 {
		return fmt.Errorf("invalid descriptor %dx%dx%dx%d", d.Batch, d.Channels, d.Height, d.Width)
	}
	if d.Layout != Planar && d.Layout != Interleaved {
		return fmt.Errorf("unknown layout %d", int(d.Layout))
	}
	return nil
}

// Shape returns the per-example [C, H, W] shape.
func (d Descriptor) Shape() Shape {
	return Shape{d.Channels, d.Height, d.Width}
}

// NumElements returns the number of scalars in the whole batch.
func (d Descriptor) NumElements() int {
	return d.Batch * d.Channels * d.Height * d.Width
}

// Index returns the position of (b, c, y, x) in a buffer with this layout.
func (d Descriptor) Index(b, c, y, x int) int {
	if d.Layout == Interleaved {
		return ((b*d.Height+y)*d.Width+x)*d.Channels + c
	}
	return ((b*d.Channels+c)*d.Height+y)*d.Width + x
}

// Planarize copies src, laid out per the descriptor, into dst in planar order.
func (d Descriptor) Planarize(src []float32, dst []float64, cfg parallel.Config) error {
	n := d.NumElements()
	if len(src) != n || len(dst) != n {
		return fmt.Errorf("planarize: have %d source and %d destination scalars, want %d", len(src), len(dst), n)
	}
	hw := d.Height * d.Width
	parallel.For(n, func(i int) {
		b := i / (d.Channels * hw)
		c := (i / hw) % d.Channels
		y := (i % hw) / d.Width
		x := i % d.Width
		dst[i] = float64(src[d.Index(b, c, y, x)])
	}, cfg)
	return nil
}
