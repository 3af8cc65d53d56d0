package gradcheck

import (
	"errors"
	"testing"

	"github.com/born-ml/layergraph/internal/graph"
	"github.com/born-ml/layergraph/internal/nn"
	"github.com/born-ml/layergraph/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exactConfig() graph.Config {
	cfg := graph.DefaultConfig()
	cfg.Precision = tensor.Float64
	return cfg
}

// doubled claims a gradient twice the true one.
type doubled struct {
	graph.Base
}

func (d *doubled) ForwardCPU(ctx *graph.Context) error {
	copy(d.Out().Host(), ctx.In(d, 0).Host())
	return nil
}

func (d *doubled) BackwardCPU(ctx *graph.Context) error {
	gx := ctx.InGrad(d, 0).Host()
	for i, g := range d.Grad().Host() {
		gx[i] += 2 * g
	}
	return nil
}

func (d *doubled) ForwardGPU(*graph.Context) error  { return errors.New("cpu only") }
func (d *doubled) BackwardGPU(*graph.Context) error { return errors.New("cpu only") }

func TestCheck_AffineChainPasses(t *testing.T) {
	h, err := Embed(exactConfig(), tensor.Shape{4}, 3, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
		n, err := nn.NewAffine(g, x, 5, nn.Tanh)
		if err != nil {
			return 0, err
		}
		return n.ID(), nil
	})
	require.NoError(t, err)

	opts := DefaultOptions()
	in, err := h.CheckInput(opts)
	require.NoError(t, err)
	assert.NoError(t, in.Err(1e-7))
	assert.Len(t, in.Results, 12)

	reports, err := h.CheckParams(opts)
	require.NoError(t, err)
	assert.Len(t, reports, 4, "layer weight and bias, tail weight and bias")
	for _, r := range reports {
		assert.NoError(t, r.Err(1e-7))
	}
}

func TestCheck_DetectsWrongGradient(t *testing.T) {
	h, err := Embed(exactConfig(), tensor.Shape{3}, 2, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
		shape, err := g.Shape(x)
		if err != nil {
			return 0, err
		}
		return g.Add(&doubled{Base: graph.NewBase("doubled", shape, x)})
	})
	require.NoError(t, err)

	r, err := h.CheckInput(DefaultOptions())
	require.NoError(t, err)
	err = r.Err(1e-7)
	require.ErrorIs(t, err, ErrMismatch)
	assert.InDelta(t, 1.0/3, r.Aggregate, 1e-6)
	for _, res := range r.Results {
		assert.InDelta(t, 2*res.Numeric, res.Analytic, 1e-6)
	}
}

func TestCheck_RestoresValues(t *testing.T) {
	h, err := Embed(exactConfig(), tensor.Shape{2}, 2, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
		return x, nil
	})
	require.NoError(t, err)
	before := append([]float64(nil), h.Input.Values()...)
	w := h.Graph.Params()[0]
	weights := append([]float64(nil), w.Value.Host()...)

	_, err = h.CheckInput(DefaultOptions())
	require.NoError(t, err)
	_, err = CheckParam(h.Graph, w, h.Options(DefaultOptions()))
	require.NoError(t, err)

	assert.Equal(t, before, h.Input.Values())
	assert.Equal(t, weights, w.Value.Host())
}

func TestCoordinates(t *testing.T) {
	assert.Equal(t, []int{0, 1, 2}, coordinates(3, 0))
	assert.Equal(t, []int{0, 1, 2}, coordinates(3, 5))
	assert.Equal(t, []int{0, 25, 50, 75}, coordinates(100, 4))
}

func TestOptions_Validate(t *testing.T) {
	h, err := Embed(exactConfig(), tensor.Shape{2}, 1, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
		return x, nil
	})
	require.NoError(t, err)

	for _, opts := range []Options{
		{Epsilon: 0, Batch: 1},
		{Epsilon: 1e-6, Batch: 0},
		{Epsilon: 1e-6, Batch: 1, Max: -1},
	} {
		_, err := CheckInput(h.Graph, h.Input, opts)
		assert.ErrorIs(t, err, graph.ErrInvalidConfig)
	}
}

func TestEmbed_RejectsRank4(t *testing.T) {
	_, err := Embed(exactConfig(), tensor.Shape{1, 1, 1, 1}, 1, func(g *graph.Graph, x graph.ID) (graph.ID, error) {
		return x, nil
	})
	assert.ErrorIs(t, err, graph.ErrInvalidConfig)
}
