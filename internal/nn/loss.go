package nn

import (
	"math"

	"github.com/born-ml/layergraph/internal/graph"
	"github.com/born-ml/layergraph/internal/reduce"
	"github.com/born-ml/layergraph/internal/tensor"
)

// MSE is the mean squared error between a prediction and a target of equal
// shape: L = c/(B·n) Σ (y-t)² with n values per example. Its output holds
// one loss term per example, so the graph loss is their sum.
type MSE struct {
	graph.Base
	coeff float64
}

// NewMSE appends a squared error loss scaled by coeff.
func NewMSE(g *graph.Graph, pred, target graph.ID, coeff float64) (*MSE, error) {
	const kind = "mse"
	if coeff <= 0 || math.IsNaN(coeff) || math.IsInf(coeff, 0) {
		return nil, invalid(kind, "coefficient %g must be positive", coeff)
	}
	if _, err := sameShapes(g, kind, []graph.ID{pred, target}); err != nil {
		return nil, err
	}
	n := &MSE{Base: graph.NewBase(kind, tensor.Shape{1}, pred, target), coeff: coeff}
	if _, err := g.Add(n); err != nil {
		return nil, err
	}
	return n, nil
}

// LossBuffer implements graph.Lossy.
func (n *MSE) LossBuffer() *tensor.Buffer { return n.Out() }

func (n *MSE) scale(ctx *graph.Context) float64 {
	return n.coeff / float64(ctx.BatchSize*ctx.In(n, 0).ExampleSize())
}

// ForwardCPU implements graph.Node.
func (n *MSE) ForwardCPU(ctx *graph.Context) error {
	pred, target, y := ctx.In(n, 0), ctx.In(n, 1), n.Out().Host()
	scale := n.scale(ctx)
	parallelFor(ctx, ctx.BatchSize, func(b int) {
		p, t := pred.Example(b), target.Example(b)
		s := 0.0
		for k := range p {
			d := p[k] - t[k]
			s += d * d
		}
		y[b] = scale * s
	})
	return nil
}

// BackwardCPU implements graph.Node. The loss seeds a unit gradient on every
// example on top of whatever consumers added to the output gradient.
func (n *MSE) BackwardCPU(ctx *graph.Context) error {
	pred, target, gy := ctx.In(n, 0), ctx.In(n, 1), n.Grad().Host()
	gp, gt := ctx.InGrad(n, 0), ctx.InGrad(n, 1)
	scale := 2 * n.scale(ctx)
	for b := 0; b < ctx.BatchSize; b++ {
		s := scale * (1 + gy[b])
		p, t := pred.Example(b), target.Example(b)
		dp, dt := gp.Example(b), gt.Example(b)
		for k := range p {
			d := s * (p[k] - t[k])
			dp[k] += d
			dt[k] -= d
		}
	}
	return nil
}

// ForwardGPU implements graph.Node.
func (n *MSE) ForwardGPU(ctx *graph.Context) error {
	size := ctx.In(n, 0).ExampleSize()
	tmp, err := ctx.Temp(size * ctx.BatchSize)
	if err != nil {
		return err
	}
	sums, err := ctx.Temp(ctx.BatchSize)
	if err != nil {
		return err
	}
	ctx.DispatchStorage(mseGather, size*ctx.BatchSize, []uint32{u(ctx.BatchSize), u(size)},
		ctx.In(n, 0).Storage(), ctx.In(n, 1).Storage(), tmp)
	if err := reduce.SumGPU(ctx.Batch, tmp, size, ctx.BatchSize, sums, tensor.Float32); err != nil {
		return err
	}
	ctx.DispatchStorage(scaleInto, ctx.BatchSize, []uint32{tensor.F(n.scale(ctx))}, sums, n.Out().Storage())
	return nil
}

// BackwardGPU implements graph.Node.
func (n *MSE) BackwardGPU(ctx *graph.Context) error {
	size := ctx.In(n, 0).ExampleSize()
	scale := 2 * n.scale(ctx)
	for k, sign := range []float64{1, -1} {
		ctx.Dispatch(mseBackward, size*ctx.BatchSize, []uint32{u(size), tensor.F(sign * scale)},
			ctx.In(n, 0), ctx.In(n, 1), n.Grad(), ctx.InGrad(n, k))
	}
	return nil
}

// CrossEntropy is the softmax cross entropy of logits [K] against integer
// class labels held in a [1] input, averaged over the batch. Labels receive
// no gradient.
type CrossEntropy struct {
	graph.Base
	classes int
	probs   *tensor.Buffer
}

// NewCrossEntropy appends a classification loss.
func NewCrossEntropy(g *graph.Graph, logits, labels graph.ID) (*CrossEntropy, error) {
	const kind = "cross_entropy"
	shapes, err := inputShapes(g, kind, logits, labels)
	if err != nil {
		return nil, err
	}
	if len(shapes[0]) != 1 || shapes[0][0] < 2 {
		return nil, miswired(kind, "logits shape %s, want [K] with K >= 2", shapes[0])
	}
	if !shapes[1].Equal(tensor.Shape{1}) {
		return nil, miswired(kind, "labels shape %s, want [1]", shapes[1])
	}
	n := &CrossEntropy{Base: graph.NewBase(kind, tensor.Shape{1}, logits, labels), classes: shapes[0][0]}
	if _, err := g.Add(n); err != nil {
		return nil, err
	}
	if n.probs, err = g.Aux(n, shapes[0]); err != nil {
		return nil, err
	}
	return n, nil
}

// LossBuffer implements graph.Lossy.
func (n *CrossEntropy) LossBuffer() *tensor.Buffer { return n.Out() }

// Probabilities returns the softmax of the last forward pass.
func (n *CrossEntropy) Probabilities() *tensor.Buffer { return n.probs }

// labels validates the label host view. On the GPU target the labels must
// have been loaded from the host.
func (n *CrossEntropy) labels(ctx *graph.Context) ([]int, error) {
	host := ctx.In(n, 1).Host()
	out := make([]int, ctx.BatchSize)
	for b := range out {
		v := host[b]
		if v != math.Trunc(v) || v < 0 || int(v) >= n.classes {
			return nil, invalid(n.Kind(), "label %g of example %d outside [0, %d)", v, b, n.classes)
		}
		out[b] = int(v)
	}
	return out, nil
}

// ForwardCPU implements graph.Node.
func (n *CrossEntropy) ForwardCPU(ctx *graph.Context) error {
	labels, err := n.labels(ctx)
	if err != nil {
		return err
	}
	probs, y := n.probs.Host(), n.Out().Host()
	ctx.CPU.Softmax(probs, ctx.In(n, 0).Host(), ctx.BatchSize, n.classes)
	inv := 1 / float64(ctx.BatchSize)
	for b, l := range labels {
		y[b] = -inv * math.Log(math.Max(probs[b*n.classes+l], math.SmallestNonzeroFloat64))
	}
	return nil
}

// BackwardCPU implements graph.Node.
func (n *CrossEntropy) BackwardCPU(ctx *graph.Context) error {
	labels, err := n.labels(ctx)
	if err != nil {
		return err
	}
	probs, gy, gz := n.probs.Host(), n.Grad().Host(), ctx.InGrad(n, 0).Host()
	inv := 1 / float64(ctx.BatchSize)
	parallelFor(ctx, ctx.BatchSize*n.classes, func(i int) {
		b, k := i/n.classes, i%n.classes
		d := probs[i]
		if k == labels[b] {
			d--
		}
		gz[i] += (1 + gy[b]) * inv * d
	})
	return nil
}

// ForwardGPU implements graph.Node.
func (n *CrossEntropy) ForwardGPU(ctx *graph.Context) error {
	if _, err := n.labels(ctx); err != nil {
		return err
	}
	if err := softmaxGPU(ctx, n.probs.Storage(), ctx.In(n, 0).Storage(), ctx.BatchSize, n.classes); err != nil {
		return err
	}
	args := []uint32{u(n.classes), tensor.F(1 / float64(ctx.BatchSize))}
	ctx.Dispatch(crossEntropyForward, ctx.BatchSize, args, n.probs, ctx.In(n, 1), n.Out())
	return nil
}

// BackwardGPU implements graph.Node.
func (n *CrossEntropy) BackwardGPU(ctx *graph.Context) error {
	args := []uint32{u(n.classes), tensor.F(1 / float64(ctx.BatchSize))}
	ctx.Dispatch(crossEntropyBackward, ctx.BatchSize*n.classes, args, n.probs, ctx.In(n, 1), n.Grad(), ctx.InGrad(n, 0))
	return nil
}

var (
	scaleInto = &tensor.Kernel{
		Name:    "scale_into",
		Buffers: []string{"src", "dst"},
		Body:    "    dst[i] = st(pf(0u) * src[i]);",
	}
	mseGather = &tensor.Kernel{
		Name:    "mse_gather",
		Buffers: []string{"pred", "target", "tmp"},
		Body: `    let B = pu(0u);
    let e = (i % B) * pu(1u) + i / B;
    let d = pred[e] - target[e];
    tmp[i] = d * d;`,
	}
	mseBackward = &tensor.Kernel{
		Name:    "mse_bwd",
		Buffers: []string{"pred", "target", "gy", "gx"},
		Body: `    let s = pf(1u) * (1.0 + gy[i / pu(0u)]);
    gx[i] = st(gx[i] + s * (pred[i] - target[i]));`,
	}
	crossEntropyForward = &tensor.Kernel{
		Name:    "ce_fwd",
		Buffers: []string{"probs", "labels", "y"},
		Body: `    let l = u32(labels[i]);
    y[i] = st(-pf(1u) * log(max(probs[i * pu(0u) + l], 1e-30)));`,
	}
	crossEntropyBackward = &tensor.Kernel{
		Name:    "ce_bwd",
		Buffers: []string{"probs", "labels", "gy", "gz"},
		Body: `    let K = pu(0u);
    let b = i / K;
    let hit = select(0.0, 1.0, u32(labels[b]) == i % K);
    gz[i] = st(gz[i] + (1.0 + gy[b]) * pf(1u) * (probs[i] - hit));`,
	}
)
