package nn

import (
	"math"

	"github.com/born-ml/layergraph/internal/graph"
	"github.com/born-ml/layergraph/internal/reduce"
	"github.com/born-ml/layergraph/internal/tensor"
)

// VQ replaces every input vector with its nearest codebook entry under the
// squared Euclidean distance. A [C, H, W] input holds H·W vectors over the
// channels; an [S, D] input holds S token vectors.
//
// The output uses the straight-through estimator y = x + sg(e - x), and the
// node adds the loss c·(‖sg(x) - e‖² + β‖x - sg(e)‖²) with
// c = 1/(B·positions·dim), which is (1+β)·mean‖x-e‖² at the reference point.
//
// Train and Inference passes compute the assignment and snapshot x and the
// selected entries. Replay keeps that assignment and evaluates
// y = x + e₀ - x₀ and c·(‖x₀ - e‖² + β‖x - e₀‖²), so a perturbed re-evaluation
// measures exactly the straight-through gradient.
type VQ struct {
	graph.Base
	beta float64
	geom vqGeometry

	assign *tensor.Buffer
	x0, e0 *tensor.Buffer
	loss   *tensor.Buffer
	snap   int
}

type vqGeometry struct {
	codes     int
	dim       int
	positions int
	size      int
	posStride int
	dimStride int
}

// elem returns the flat offset inside an example of component d of vector p.
func (g vqGeometry) elem(p, d int) int { return p*g.posStride + d*g.dimStride }

// locate inverts elem.
func (g vqGeometry) locate(r int) (p, d int) {
	return (r / g.posStride) % g.positions, (r / g.dimStride) % g.dim
}

// NewVQ appends a vector quantizer with codes entries and commitment
// coefficient beta.
func NewVQ(g *graph.Graph, x graph.ID, codes int, beta float64) (*VQ, error) {
	const kind = "vq"
	if codes <= 0 {
		return nil, invalid(kind, "codebook size %d must be positive", codes)
	}
	if beta < 0 || math.IsNaN(beta) || math.IsInf(beta, 0) {
		return nil, invalid(kind, "commitment %g must be non-negative", beta)
	}
	shapes, err := inputShapes(g, kind, x)
	if err != nil {
		return nil, err
	}
	s := shapes[0]
	geom := vqGeometry{codes: codes, size: s.NumElements()}
	switch len(s) {
	case 3:
		geom.dim, geom.positions = s[0], s[1]*s[2]
		geom.posStride, geom.dimStride = 1, geom.positions
	case 2:
		geom.positions, geom.dim = s[0], s[1]
		geom.posStride, geom.dimStride = geom.dim, 1
	default:
		return nil, miswired(kind, "input shape %s, want [C, H, W] or [S, D]", s)
	}

	n := &VQ{Base: graph.NewBase(kind, s, x), beta: beta, geom: geom}
	_, err = g.Add(n, graph.ParamSpec{
		Name:  "codebook",
		Shape: tensor.Shape{codes, geom.dim},
		Init:  graph.Uniform(1 / float64(codes)),
	})
	if err != nil {
		return nil, err
	}
	if n.assign, err = g.AuxExact(n, tensor.Shape{geom.positions}); err != nil {
		return nil, err
	}
	if n.x0, err = g.Aux(n, s); err != nil {
		return nil, err
	}
	if n.e0, err = g.Aux(n, s); err != nil {
		return nil, err
	}
	if n.loss, err = g.Aux(n, tensor.Shape{1}); err != nil {
		return nil, err
	}
	return n, nil
}

// Codebook returns the codebook parameter, [K, dim].
func (n *VQ) Codebook() *graph.Param { return n.Params()[0] }

// Assignment returns the host view of the codebook index chosen for every
// vector of the batch. On the GPU target it is downloaded first.
func (n *VQ) Assignment() ([]int, error) {
	if n.assign.OnDevice() {
		if err := n.assign.Download(); err != nil {
			return nil, err
		}
	}
	host := n.assign.Host()
	out := make([]int, len(host))
	for i, v := range host {
		out[i] = int(v)
	}
	return out, nil
}

// LossBuffer implements graph.Lossy.
func (n *VQ) LossBuffer() *tensor.Buffer { return n.loss }

// Resize implements graph.Resizer. Reallocated snapshots are discarded.
func (n *VQ) Resize(batch int) error {
	if batch != n.snap {
		n.snap = 0
	}
	return nil
}

// frozen reports whether the pass reuses the last snapshot.
func (n *VQ) frozen(ctx *graph.Context) bool {
	return ctx.Phase == graph.Replay && n.snap == ctx.BatchSize
}

func (n *VQ) coeff(ctx *graph.Context) float64 {
	return 1 / float64(ctx.BatchSize*n.geom.positions*n.geom.dim)
}

// ForwardCPU implements graph.Node.
func (n *VQ) ForwardCPU(ctx *graph.Context) error {
	gm := n.geom
	x, y := ctx.In(n, 0).Host(), n.Out().Host()
	code := n.Codebook().Value.Host()
	assign, x0, e0 := n.assign.Host(), n.x0.Host(), n.e0.Host()

	if n.frozen(ctx) {
		parallelFor(ctx, len(y), func(i int) {
			y[i] = x[i] + e0[i] - x0[i]
		})
	} else {
		parallelFor(ctx, ctx.BatchSize*gm.positions, func(i int) {
			b, p := i/gm.positions, i%gm.positions
			base := b * gm.size
			best, bestDist := 0, math.Inf(1)
			for k := 0; k < gm.codes; k++ {
				dist := 0.0
				for d := 0; d < gm.dim; d++ {
					diff := x[base+gm.elem(p, d)] - code[k*gm.dim+d]
					dist += diff * diff
				}
				if dist < bestDist {
					best, bestDist = k, dist
				}
			}
			assign[i] = float64(best)
			for d := 0; d < gm.dim; d++ {
				e := base + gm.elem(p, d)
				y[e] = code[best*gm.dim+d]
				x0[e], e0[e] = x[e], y[e]
			}
		})
		n.snap = ctx.BatchSize
	}

	c, loss := n.coeff(ctx), n.loss.Host()
	parallelFor(ctx, ctx.BatchSize, func(b int) {
		s := 0.0
		for r := 0; r < gm.size; r++ {
			p, d := gm.locate(r)
			i := b*gm.size + r
			e := code[int(assign[b*gm.positions+p])*gm.dim+d]
			s += sq(x0[i]-e) + n.beta*sq(x[i]-e0[i])
		}
		loss[b] = c * s
	})
	return nil
}

func sq(v float64) float64 { return v * v }

// BackwardCPU implements graph.Node.
func (n *VQ) BackwardCPU(ctx *graph.Context) error {
	gm := n.geom
	x, gx, gy := ctx.In(n, 0).Host(), ctx.InGrad(n, 0).Host(), n.Grad().Host()
	p := n.Codebook()
	code, gcode := p.Value.Host(), p.Grad.Host()
	assign, x0, e0 := n.assign.Host(), n.x0.Host(), n.e0.Host()
	c := n.coeff(ctx)

	parallelFor(ctx, len(gx), func(i int) {
		gx[i] += gy[i] + 2*n.beta*c*(x[i]-e0[i])
	})
	for b := 0; b < ctx.BatchSize; b++ {
		for r := 0; r < gm.size; r++ {
			pos, d := gm.locate(r)
			k := int(assign[b*gm.positions+pos])
			gcode[k*gm.dim+d] += 2 * c * (code[k*gm.dim+d] - x0[b*gm.size+r])
		}
	}
	return nil
}

func (n *VQ) args(ctx *graph.Context, f ...float64) []uint32 {
	gm := n.geom
	args := []uint32{u(gm.codes), u(gm.dim), u(gm.positions), u(gm.size), u(gm.posStride), u(gm.dimStride), u(ctx.BatchSize)}
	for _, v := range f {
		args = append(args, tensor.F(v))
	}
	return args
}

// ForwardGPU implements graph.Node.
func (n *VQ) ForwardGPU(ctx *graph.Context) error {
	gm := n.geom
	code := n.Codebook().Value
	total := ctx.BatchSize * gm.size
	if n.frozen(ctx) {
		ctx.Dispatch(vqReplay, total, nil, ctx.In(n, 0), n.x0, n.e0, n.Out())
	} else {
		ctx.Dispatch(vqArgmin, ctx.BatchSize*gm.positions, n.args(ctx), ctx.In(n, 0), code, n.assign)
		ctx.Dispatch(vqWrite, total, n.args(ctx), ctx.In(n, 0), code, n.assign, n.Out(), n.x0, n.e0)
		n.snap = ctx.BatchSize
	}

	tmp, err := ctx.Temp(total)
	if err != nil {
		return err
	}
	ctx.DispatchStorage(vqLossGather, total, n.args(ctx, n.coeff(ctx), n.beta),
		ctx.In(n, 0).Storage(), code.Storage(), n.assign.Storage(), n.x0.Storage(), n.e0.Storage(), tmp)
	return reduce.SumGPU(ctx.Batch, tmp, gm.size, ctx.BatchSize, n.loss.Storage(), n.loss.Precision())
}

// BackwardGPU implements graph.Node.
func (n *VQ) BackwardGPU(ctx *graph.Context) error {
	gm := n.geom
	p := n.Codebook()
	c := n.coeff(ctx)
	ctx.Dispatch(vqBackwardX, ctx.BatchSize*gm.size, []uint32{tensor.F(2 * n.beta * c)},
		ctx.In(n, 0), n.e0, n.Grad(), ctx.InGrad(n, 0))
	ctx.Dispatch(vqBackwardCodebook, gm.codes*gm.dim, n.args(ctx, 2*c), p.Value, n.assign, n.x0, p.Grad)
	return nil
}

// vqHeader decodes the geometry arguments and, for element kernels, the
// vector position p and component d of element i.
const vqHeader = `    let K = pu(0u);
    let D = pu(1u);
    let P = pu(2u);
    let size = pu(3u);
    let ps = pu(4u);
    let ds = pu(5u);
    let B = pu(6u);
`

const vqElement = `    let b = i / size;
    let r = i % size;
    let p = (r / ps) % P;
    let d = (r / ds) % D;
    let k = u32(assign[b * P + p]);
`

var (
	vqArgmin = &tensor.Kernel{
		Name:    "vq_argmin",
		Buffers: []string{"x", "code", "assign"},
		Body: vqHeader + `    let base = (i / P) * size + (i % P) * ps;
    var best = 0u;
    var bestDist = 3.4e38;
    for (var k = 0u; k < K; k = k + 1u) {
        var dist = 0.0;
        for (var d = 0u; d < D; d = d + 1u) {
            let diff = x[base + d * ds] - code[k * D + d];
            dist = dist + diff * diff;
        }
        if (dist < bestDist) {
            best = k;
            bestDist = dist;
        }
    }
    assign[i] = f32(best);`,
	}
	vqWrite = &tensor.Kernel{
		Name:    "vq_write",
		Buffers: []string{"x", "code", "assign", "y", "x0", "e0"},
		Body: vqHeader + vqElement + `    let e = st(code[k * D + d]);
    y[i] = e;
    x0[i] = x[i];
    e0[i] = e;`,
	}
	vqReplay = &tensor.Kernel{
		Name:    "vq_replay",
		Buffers: []string{"x", "x0", "e0", "y"},
		Body:    "    y[i] = st(x[i] + e0[i] - x0[i]);",
	}
	// Transposed: thread i handles element r = i / B of example b = i % B.
	vqLossGather = &tensor.Kernel{
		Name:    "vq_loss_gather",
		Buffers: []string{"x", "code", "assign", "x0", "e0", "tmp"},
		Body: vqHeader + `    let b = i % B;
    let r = i / B;
    let p = (r / ps) % P;
    let d = (r / ds) % D;
    let k = u32(assign[b * P + p]);
    let e = b * size + r;
    let a = x0[e] - code[k * D + d];
    let c = x[e] - e0[e];
    tmp[i] = pf(7u) * (a * a + pf(8u) * c * c);`,
	}
	vqBackwardX = &tensor.Kernel{
		Name:    "vq_bwd_x",
		Buffers: []string{"x", "e0", "gy", "gx"},
		Body:    "    gx[i] = st(gx[i] + gy[i] + pf(0u) * (x[i] - e0[i]));",
	}
	// Thread i owns codebook scalar (k, d) and gathers every vector
	// assigned to entry k.
	vqBackwardCodebook = &tensor.Kernel{
		Name:    "vq_bwd_codebook",
		Buffers: []string{"code", "assign", "x0", "gcode"},
		Body: vqHeader + `    let k = i / D;
    let d = i % D;
    var s = 0.0;
    for (var q = 0u; q < B * P; q = q + 1u) {
        if (u32(assign[q]) == k) {
            s = s + code[i] - x0[(q / P) * size + (q % P) * ps + d * ds];
        }
    }
    gcode[i] = st(gcode[i] + pf(7u) * s);`,
	}
)
