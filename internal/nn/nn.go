// Package nn implements the layer catalog of the graph engine.
//
// Every constructor validates its configuration, appends the node to the
// graph and returns it. Each kind carries a host rule running the CPU
// reference kernels over float64 views and a device rule recording WGSL
// dispatches; both compute the same function and the same analytic gradient.
//
// Example:
//
//	g, _ := graph.New(graph.DefaultConfig())
//	x, _ := nn.NewInput(g, tensor.Shape{3, 32, 32})
//	c, _ := nn.NewConv2D(g, x.ID(), nn.ConvConfig{Filters: 8, Kernel: 3, Stride: 1, Pad: 1, Act: nn.ReLU})
//	p, _ := nn.NewMaxPool2D(g, c.ID(), 2, 2)
//	y, _ := nn.NewAffine(g, p.ID(), 10, nn.Identity)
package nn

import (
	"fmt"

	"github.com/born-ml/layergraph/internal/graph"
	"github.com/born-ml/layergraph/internal/parallel"
	"github.com/born-ml/layergraph/internal/tensor"
)

// u encodes an integer kernel argument.
func u(v int) uint32 { return tensor.U(v) }

// invalid builds a construction error for a layer kind.
func invalid(kind, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", graph.ErrInvalidConfig, kind, fmt.Sprintf(format, args...))
}

// miswired builds a wiring error for a layer kind.
func miswired(kind, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", graph.ErrInvalidWiring, kind, fmt.Sprintf(format, args...))
}

// inputShapes resolves the per-example shapes of preds.
func inputShapes(g *graph.Graph, kind string, preds ...graph.ID) ([]tensor.Shape, error) {
	shapes := make([]tensor.Shape, len(preds))
	for i, id := range preds {
		s, err := g.Shape(id)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", kind, err)
		}
		shapes[i] = s
	}
	return shapes, nil
}

// spatial checks for a [C, H, W] shape.
func spatial(kind string, s tensor.Shape) (c, h, w int, err error) {
	if len(s) != 3 {
		return 0, 0, 0, miswired(kind, "input shape %s, want [C, H, W]", s)
	}
	return s[0], s[1], s[2], nil
}

// sequence checks for an [S, D] shape.
func sequence(kind string, s tensor.Shape) (seq, dim int, err error) {
	if len(s) != 2 {
		return 0, 0, miswired(kind, "input shape %s, want [S, D]", s)
	}
	return s[0], s[1], nil
}

// example returns the i-th example's slice of a flat per-example host view.
func example(data []float64, size, i int) []float64 {
	return data[i*size : (i+1)*size]
}

// parallelFor runs f over [0, n) with the pass's work-slicer policy.
func parallelFor(ctx *graph.Context, n int, f func(i int)) {
	parallel.For(n, f, ctx.Parallel())
}
