package nn

import (
	"fmt"

	"github.com/born-ml/layergraph/internal/graph"
	"github.com/born-ml/layergraph/internal/reduce"
	"github.com/born-ml/layergraph/internal/tensor"
)

// Affine is a fully connected layer with an activation.
//
// For every row r of an example: y_r = f(W·x_r + b), with W of shape
// [units, in] and b of shape [units]. Affine treats the flattened example as
// one row; AffineSeq treats each token of an [S, D] example as a row.
//
// Weights are initialized with Xavier, biases with zeros.
type Affine struct {
	graph.Base
	act   Activation
	rows  int
	inN   int
	units int
	pre   *tensor.Buffer
	gpre  *tensor.Buffer
}

// NewAffine appends y = f(W·flatten(x) + b) with the given number of units.
func NewAffine(g *graph.Graph, x graph.ID, units int, act Activation) (*Affine, error) {
	shapes, err := inputShapes(g, "affine", x)
	if err != nil {
		return nil, err
	}
	return newAffine(g, "affine", x, 1, shapes[0].NumElements(), units, act, tensor.Shape{units})
}

// NewAffineSeq appends a per-token affine map of an [S, D] sequence,
// producing [S, units].
func NewAffineSeq(g *graph.Graph, x graph.ID, units int, act Activation) (*Affine, error) {
	const kind = "affine_seq"
	shapes, err := inputShapes(g, kind, x)
	if err != nil {
		return nil, err
	}
	seq, dim, err := sequence(kind, shapes[0])
	if err != nil {
		return nil, err
	}
	return newAffine(g, kind, x, seq, dim, units, act, tensor.Shape{seq, units})
}

func newAffine(g *graph.Graph, kind string, x graph.ID, rows, inN, units int, act Activation, shape tensor.Shape) (*Affine, error) {
	if units <= 0 {
		return nil, invalid(kind, "units must be positive, got %d", units)
	}
	if err := act.Validate(); err != nil {
		return nil, invalid(kind, "%v", err)
	}
	n := &Affine{
		Base:  graph.NewBase(kind, shape, x),
		act:   act,
		rows:  rows,
		inN:   inN,
		units: units,
	}
	_, err := g.Add(n,
		graph.ParamSpec{Name: "weight", Shape: tensor.Shape{units, inN}, Init: graph.Xavier(inN, units)},
		graph.ParamSpec{Name: "bias", Shape: tensor.Shape{units}, Init: graph.Constant(0)},
	)
	if err != nil {
		return nil, err
	}
	if n.pre, err = g.Aux(n, shape); err != nil {
		return nil, err
	}
	if n.gpre, err = g.Aux(n, shape); err != nil {
		return nil, err
	}
	return n, nil
}

// Weight returns the [units, in] weight parameter.
func (n *Affine) Weight() *graph.Param { return n.Params()[0] }

// Bias returns the bias parameter.
func (n *Affine) Bias() *graph.Param { return n.Params()[1] }

// ForwardCPU implements graph.Node.
func (n *Affine) ForwardCPU(ctx *graph.Context) error {
	m := ctx.BatchSize * n.rows
	ctx.CPU.Linear(n.pre.Host(), ctx.In(n, 0).Host(), n.Weight().Value.Host(), n.Bias().Value.Host(), m, n.inN, n.units)
	n.pre.Round(ctx.Parallel())
	ctx.CPU.Activate(n.act, n.Out().Host(), n.pre.Host())
	return nil
}

// BackwardCPU implements graph.Node.
func (n *Affine) BackwardCPU(ctx *graph.Context) error {
	m := ctx.BatchSize * n.rows
	ctx.CPU.ActivateBackward(n.act, n.gpre.Host(), n.Grad().Host(), n.pre.Host())
	ctx.CPU.LinearBackward(ctx.InGrad(n, 0).Host(), n.Weight().Grad.Host(), n.Bias().Grad.Host(),
		n.gpre.Host(), ctx.In(n, 0).Host(), n.Weight().Value.Host(), m, n.inN, n.units)
	return nil
}

// ForwardGPU implements graph.Node.
func (n *Affine) ForwardGPU(ctx *graph.Context) error {
	linearForwardGPU(ctx, n.act, ctx.In(n, 0).Storage(), n.Weight().Value.Storage(), n.Bias().Value.Storage(),
		n.pre.Storage(), n.Out().Storage(), ctx.BatchSize*n.rows, n.inN, n.units)
	return nil
}

// BackwardGPU implements graph.Node.
func (n *Affine) BackwardGPU(ctx *graph.Context) error {
	m := ctx.BatchSize * n.rows
	activateBackwardGPU(ctx, n.act, n.gpre.Storage(), n.Grad().Storage(), n.pre.Storage(), m*n.units, false)
	return linearBackwardGPU(ctx, ctx.InGrad(n, 0).Storage(), n.Weight().Grad.Storage(), n.Bias().Grad.Storage(),
		n.gpre.Storage(), ctx.In(n, 0).Storage(), n.Weight().Value.Storage(), m, n.inN, n.units)
}

var (
	linearForward = &tensor.Kernel{
		Name:    "linear_fwd",
		Buffers: []string{"x", "w", "bias", "pre", "y"},
		Body: `    let inN = pu(0u);
    let units = pu(1u);
    let m = i / units;
    let o = i % units;
    var s = bias[o];
    for (var k = 0u; k < inN; k = k + 1u) {
        s = s + w[o * inN + k] * x[m * inN + k];
    }
    let p = st(s);
    pre[i] = p;
    y[i] = st(act(p));`,
	}
	linearBackwardInput = &tensor.Kernel{
		Name:    "linear_bwd_x",
		Buffers: []string{"gpre", "w", "gx"},
		Body: `    let inN = pu(0u);
    let units = pu(1u);
    let m = i / inN;
    let k = i % inN;
    var s = 0.0;
    for (var o = 0u; o < units; o = o + 1u) {
        s = s + gpre[m * units + o] * w[o * inN + k];
    }
    gx[i] = st(gx[i] + s);`,
	}
	linearBackwardWeight = &tensor.Kernel{
		Name:    "linear_bwd_w",
		Buffers: []string{"gpre", "x", "gw"},
		Body: `    let inN = pu(0u);
    let units = pu(1u);
    let rows = pu(2u);
    let o = i / inN;
    let k = i % inN;
    var s = 0.0;
    for (var m = 0u; m < rows; m = m + 1u) {
        s = s + gpre[m * units + o] * x[m * inN + k];
    }
    gw[i] = st(gw[i] + s);`,
	}
)

// linearForwardGPU records pre = W·x + b and y = f(pre) for m rows.
func linearForwardGPU(ctx *graph.Context, a Activation, x, w, b, pre, y tensor.Storage, m, inN, units int) {
	ctx.DispatchStorage(withActivation(linearForward, a), m*units, []uint32{u(inN), u(units)}, x, w, b, pre, y)
}

// linearBackwardGPU accumulates the gradients of a linear map given the
// pre-activation gradient gpre. gx may be nil.
func linearBackwardGPU(ctx *graph.Context, gx, gw, gb, gpre, x, w tensor.Storage, m, inN, units int) error {
	if gx != nil {
		ctx.DispatchStorage(linearBackwardInput, m*inN, []uint32{u(inN), u(units)}, gpre, w, gx)
	}
	ctx.DispatchStorage(linearBackwardWeight, units*inN, []uint32{u(inN), u(units), u(m)}, gpre, x, gw)

	sums, err := ctx.Temp(units)
	if err != nil {
		return err
	}
	if err := reduce.SumGPU(ctx.Batch, gpre, m, units, sums, tensor.Float32); err != nil {
		return fmt.Errorf("bias gradient: %w", err)
	}
	ctx.Accumulate(gb, sums, units, 1)
	return nil
}
