package gradcheck

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/layergraph/internal/graph"
	"github.com/born-ml/layergraph/internal/nn"
	"github.com/born-ml/layergraph/internal/tensor"
)

// Builder appends the layers under test to g, reading from x, and returns
// the node whose output feeds the tail of the harness.
type Builder func(g *graph.Graph, x graph.ID) (graph.ID, error)

// Harness embeds layers under test between learnable maps:
// Input → head → layers → Affine → MSE. The head preserves the input shape
// (Affine for [N], AffineSeq for [S, D], a 1×1 Conv2D for [C, H, W]) so the
// layers receive a non-trivial upstream gradient.
type Harness struct {
	Graph  *graph.Graph
	Input  *nn.Input
	Target *nn.Input
	Loss   *nn.MSE
	Batch  int

	// Node is the output of the layers under test.
	Node graph.ID

	head graph.ID
}

// Embed builds a harness for inputs of the given shape and loads random
// inputs and targets for batch examples.
func Embed(cfg graph.Config, shape tensor.Shape, batch int, build Builder) (*Harness, error) {
	g, err := graph.New(cfg)
	if err != nil {
		return nil, err
	}
	in, err := nn.NewInput(g, shape)
	if err != nil {
		return nil, err
	}
	head, err := shapePreserving(g, in.ID(), shape)
	if err != nil {
		return nil, fmt.Errorf("harness head: %w", err)
	}
	node, err := build(g, head)
	if err != nil {
		return nil, err
	}
	tail, err := nn.NewAffine(g, node, 3, nn.Identity)
	if err != nil {
		return nil, fmt.Errorf("harness tail: %w", err)
	}
	target, err := nn.NewInput(g, tensor.Shape{3})
	if err != nil {
		return nil, err
	}
	loss, err := nn.NewMSE(g, tail.ID(), target.ID(), 1)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed + 1)) //nolint:gosec // reproducible test data
	if err := in.SetValues(randomValues(rng, batch*shape.NumElements()), batch); err != nil {
		return nil, err
	}
	if err := target.SetValues(randomValues(rng, batch*3), batch); err != nil {
		return nil, err
	}
	return &Harness{Graph: g, Input: in, Target: target, Loss: loss, Batch: batch, Node: node, head: head}, nil
}

func shapePreserving(g *graph.Graph, x graph.ID, shape tensor.Shape) (graph.ID, error) {
	switch len(shape) {
	case 1:
		n, err := nn.NewAffine(g, x, shape[0], nn.Identity)
		if err != nil {
			return 0, err
		}
		return n.ID(), nil
	case 2:
		n, err := nn.NewAffineSeq(g, x, shape[1], nn.Identity)
		if err != nil {
			return 0, err
		}
		return n.ID(), nil
	case 3:
		n, err := nn.NewConv2D(g, x, nn.ConvConfig{Filters: shape[0], Kernel: 1})
		if err != nil {
			return 0, err
		}
		return n.ID(), nil
	default:
		return 0, fmt.Errorf("%w: harness input shape %s", graph.ErrInvalidConfig, shape)
	}
}

func randomValues(rng *rand.Rand, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.Float64()*2 - 1
	}
	return out
}

// Options returns opts with the harness batch size.
func (h *Harness) Options(opts Options) Options {
	opts.Batch = h.Batch
	return opts
}

// CheckParams checks every parameter of the nodes from the layers under test
// onwards, skipping the head. It stops at the first error.
func (h *Harness) CheckParams(opts Options) ([]Report, error) {
	var reports []Report
	for _, p := range h.Graph.Params() {
		if p.Owner() <= h.head {
			continue
		}
		r, err := CheckParam(h.Graph, p, h.Options(opts))
		if err != nil {
			return reports, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// CheckInput checks the gradient with respect to the harness input.
func (h *Harness) CheckInput(opts Options) (Report, error) {
	return CheckInput(h.Graph, h.Input, h.Options(opts))
}
