package nn

import (
	"fmt"

	"github.com/born-ml/layergraph/internal/graph"
	"github.com/born-ml/layergraph/internal/tensor"
)

// Input holds data supplied by the caller. It has no predecessors and no
// parameters; its gradient is readable through Graph.Gradient after Backward.
type Input struct {
	graph.Base
	g      *graph.Graph
	loaded int
}

// NewInput appends an input of the given per-example shape.
func NewInput(g *graph.Graph, shape tensor.Shape) (*Input, error) {
	if err := shape.Validate(); err != nil {
		return nil, invalid("input", "%v", err)
	}
	n := &Input{Base: graph.NewBase("input", shape), g: g}
	if _, err := g.Add(n); err != nil {
		return nil, err
	}
	return n, nil
}

// SetData loads an image batch laid out as desc describes. The input shape
// must be [C, H, W] matching the descriptor.
func (n *Input) SetData(data []float32, desc tensor.Descriptor) error {
	if err := desc.Validate(); err != nil {
		return fmt.Errorf("%w: input: %w", graph.ErrInvalidConfig, err)
	}
	if !desc.Shape().Equal(n.Shape()) {
		return fmt.Errorf("%w: input: descriptor shape %s, want %s", graph.ErrInvalidConfig, desc.Shape(), n.Shape())
	}
	if err := n.resize(desc.Batch); err != nil {
		return err
	}
	if err := desc.Planarize(data, n.Out().Host(), n.g.Config().Parallel); err != nil {
		return fmt.Errorf("%w: input: %w", graph.ErrInvalidConfig, err)
	}
	return n.publish(desc.Batch)
}

// SetValues loads batch examples stored back to back in planar order.
func (n *Input) SetValues(values []float64, batch int) error {
	if batch <= 0 || len(values) != batch*n.Shape().NumElements() {
		return fmt.Errorf("%w: input: %d values for batch %d of %s", graph.ErrInvalidConfig, len(values), batch, n.Shape())
	}
	if err := n.resize(batch); err != nil {
		return err
	}
	copy(n.Out().Host(), values)
	return n.publish(batch)
}

// Fill loads a batch by handing the output buffer to fill, which writes the
// device mirror directly. The host view is left stale.
func (n *Input) Fill(batch int, fill func(dst *tensor.Buffer) error) error {
	if err := n.resize(batch); err != nil {
		return err
	}
	if err := fill(n.Out()); err != nil {
		return fmt.Errorf("input: fill: %w", err)
	}
	n.loaded = batch
	n.g.MarkDirty(n.ID())
	return nil
}

// Changed publishes an in-place edit of the output's host view.
func (n *Input) Changed() error {
	return n.publish(n.Out().Batch())
}

// Values returns the host view of the loaded data.
func (n *Input) Values() []float64 { return n.Out().Host() }

func (n *Input) resize(batch int) error {
	if err := n.Out().Resize(batch); err != nil {
		return fmt.Errorf("%w: input: %w", graph.ErrDevice, err)
	}
	return nil
}

func (n *Input) publish(batch int) error {
	out := n.Out()
	out.Round(n.g.Config().Parallel)
	if out.OnDevice() {
		if err := out.Upload(); err != nil {
			return fmt.Errorf("%w: input: %w", graph.ErrDevice, err)
		}
	}
	n.loaded = batch
	n.g.MarkDirty(n.ID())
	return nil
}

// Resize implements graph.Resizer. Reallocation drops the loaded data.
func (n *Input) Resize(batch int) error {
	if batch != n.loaded {
		n.loaded = 0
	}
	return nil
}

func (n *Input) check(ctx *graph.Context) error {
	if n.loaded != ctx.BatchSize {
		return fmt.Errorf("%w: input holds batch %d, forward batch %d", graph.ErrInvalidConfig, n.loaded, ctx.BatchSize)
	}
	return nil
}

// ForwardCPU implements graph.Node.
func (n *Input) ForwardCPU(ctx *graph.Context) error { return n.check(ctx) }

// ForwardGPU implements graph.Node.
func (n *Input) ForwardGPU(ctx *graph.Context) error { return n.check(ctx) }

// BackwardCPU implements graph.Node.
func (n *Input) BackwardCPU(*graph.Context) error { return nil }

// BackwardGPU implements graph.Node.
func (n *Input) BackwardGPU(*graph.Context) error { return nil }
