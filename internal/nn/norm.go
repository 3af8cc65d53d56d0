package nn

import (
	"fmt"
	"math"

	"github.com/born-ml/layergraph/internal/graph"
	"github.com/born-ml/layergraph/internal/reduce"
	"github.com/born-ml/layergraph/internal/tensor"
)

// NormMode selects the statistics groups of a Norm layer.
type NormMode int

// Normalization modes.
const (
	// BatchNorm2D normalizes each channel over batch, height and width.
	BatchNorm2D NormMode = iota
	// InstanceNorm2D normalizes each channel of each example over height and width.
	InstanceNorm2D
	// LayerNorm2D normalizes each example over channels, height and width.
	LayerNorm2D
	// LayerNormSeq normalizes each token of each example over its features.
	LayerNormSeq
)

var normKinds = map[NormMode]string{
	BatchNorm2D:    "batchnorm2d",
	InstanceNorm2D: "instancenorm2d",
	LayerNorm2D:    "layernorm2d",
	LayerNormSeq:   "layernorm_seq",
}

// String returns the layer kind of the mode.
func (m NormMode) String() string {
	if k, ok := normKinds[m]; ok {
		return k
	}
	return fmt.Sprintf("norm(%d)", int(m))
}

// NormConfig configures a Norm layer.
type NormConfig struct {
	Mode     NormMode
	Epsilon  float64 // Defaults to 1e-5.
	Momentum float64 // Running statistics momentum, defaults to 0.1.
}

// Norm normalizes groups of elements to zero mean and unit variance, then
// scales and shifts them: y = γ·(x - mean)/sqrt(var + eps) + β.
//
// Spatial modes take [C, H, W] inputs and learn γ and β per channel;
// LayerNormSeq takes [S, D] and learns them per feature. Batch norm keeps
// running statistics, updated in the Train phase and used for Inference.
type Norm struct {
	graph.Base
	g        *graph.Graph
	mode     NormMode
	a, b     int // C and H·W for spatial modes; S and D for sequences.
	eps      float64
	momentum float64

	xhat    *tensor.Buffer
	mean    *tensor.Buffer // Per group.
	invstd  *tensor.Buffer // Per group.
	runMean *tensor.Buffer
	runVar  *tensor.Buffer
}

// NewNorm appends a normalization of x.
func NewNorm(g *graph.Graph, x graph.ID, cfg NormConfig) (*Norm, error) {
	kind, ok := normKinds[cfg.Mode]
	if !ok {
		return nil, invalid("norm", "unknown mode %d", int(cfg.Mode))
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = 1e-5
	}
	if cfg.Momentum == 0 {
		cfg.Momentum = 0.1
	}
	if cfg.Epsilon < 0 || cfg.Momentum < 0 || cfg.Momentum > 1 {
		return nil, invalid(kind, "epsilon %g / momentum %g out of range", cfg.Epsilon, cfg.Momentum)
	}
	shapes, err := inputShapes(g, kind, x)
	if err != nil {
		return nil, err
	}

	n := &Norm{g: g, mode: cfg.Mode, eps: cfg.Epsilon, momentum: cfg.Momentum}
	if cfg.Mode == LayerNormSeq {
		if n.a, n.b, err = sequence(kind, shapes[0]); err != nil {
			return nil, err
		}
	} else {
		c, h, w, err := spatial(kind, shapes[0])
		if err != nil {
			return nil, err
		}
		n.a, n.b = c, h*w
	}

	n.Base = graph.NewBase(kind, shapes[0], x)
	p := tensor.Shape{n.channels()}
	_, err = g.Add(n,
		graph.ParamSpec{Name: "gamma", Shape: p, Init: graph.Constant(1)},
		graph.ParamSpec{Name: "beta", Shape: p, Init: graph.Constant(0)},
	)
	if err != nil {
		return nil, err
	}
	if n.xhat, err = g.Aux(n, shapes[0]); err != nil {
		return nil, err
	}
	if err := n.Resize(max(g.BatchSize(), 1)); err != nil {
		g.Discard(n)
		return nil, err
	}
	if cfg.Mode == BatchNorm2D {
		if err := n.initRunning(); err != nil {
			g.Discard(n)
			return nil, err
		}
	}
	return n, nil
}

// NewBatchNorm2D appends a batch normalization with default settings.
func NewBatchNorm2D(g *graph.Graph, x graph.ID) (*Norm, error) {
	return NewNorm(g, x, NormConfig{Mode: BatchNorm2D})
}

// NewInstanceNorm2D appends an instance normalization with default settings.
func NewInstanceNorm2D(g *graph.Graph, x graph.ID) (*Norm, error) {
	return NewNorm(g, x, NormConfig{Mode: InstanceNorm2D})
}

// NewLayerNorm2D appends a layer normalization of [C, H, W] examples.
func NewLayerNorm2D(g *graph.Graph, x graph.ID) (*Norm, error) {
	return NewNorm(g, x, NormConfig{Mode: LayerNorm2D})
}

// NewLayerNormSeq appends a per-token layer normalization of [S, D] examples.
func NewLayerNormSeq(g *graph.Graph, x graph.ID) (*Norm, error) {
	return NewNorm(g, x, NormConfig{Mode: LayerNormSeq})
}

func (n *Norm) initRunning() error {
	var err error
	if n.runMean, err = n.g.NewBuffer(tensor.Shape{n.a}, 1); err != nil {
		return err
	}
	if n.runVar, err = n.g.NewBuffer(tensor.Shape{n.a}, 1); err != nil {
		return err
	}
	for i := range n.runVar.Host() {
		n.runVar.Host()[i] = 1
	}
	if n.runVar.OnDevice() {
		if err := n.runVar.Upload(); err != nil {
			return fmt.Errorf("%w: %w", graph.ErrDevice, err)
		}
	}
	return nil
}

// Gamma returns the scale parameter.
func (n *Norm) Gamma() *graph.Param { return n.Params()[0] }

// Beta returns the shift parameter.
func (n *Norm) Beta() *graph.Param { return n.Params()[1] }

// Running returns the running mean and variance host views, downloading them
// on the GPU target. Both are nil unless the mode is BatchNorm2D.
func (n *Norm) Running() (mean, variance []float64, err error) {
	if n.runMean == nil {
		return nil, nil, nil
	}
	for _, b := range []*tensor.Buffer{n.runMean, n.runVar} {
		if b.OnDevice() {
			if err := b.Download(); err != nil {
				return nil, nil, fmt.Errorf("%w: %w", graph.ErrDevice, err)
			}
		}
	}
	return n.runMean.Host(), n.runVar.Host(), nil
}

// Resize implements graph.Resizer: the per-group statistics scale with the
// batch for every mode but batch norm.
func (n *Norm) Resize(batch int) error {
	groups := n.groups(batch)
	if n.mean != nil && n.mean.Len() == groups {
		return nil
	}
	n.releaseStats()
	var err error
	if n.mean, err = n.g.NewBuffer(tensor.Shape{groups}, 1); err != nil {
		return err
	}
	if n.invstd, err = n.g.NewBuffer(tensor.Shape{groups}, 1); err != nil {
		return err
	}
	return nil
}

func (n *Norm) releaseStats() {
	n.mean.Release()
	n.invstd.Release()
}

// Release frees the statistics buffers.
func (n *Norm) Release() {
	n.releaseStats()
	n.runMean.Release()
	n.runVar.Release()
}

// channels returns the number of γ/β entries.
func (n *Norm) channels() int {
	if n.mode == LayerNormSeq {
		return n.b
	}
	return n.a
}

func (n *Norm) groups(batch int) int {
	switch n.mode {
	case BatchNorm2D:
		return n.a
	case LayerNorm2D:
		return batch
	default:
		return batch * n.a
	}
}

func (n *Norm) members(batch int) int {
	switch n.mode {
	case BatchNorm2D:
		return batch * n.b
	case LayerNorm2D:
		return n.a * n.b
	default:
		return n.b
	}
}

// elem maps member m of group g to its flat element index.
func (n *Norm) elem(g, m int) int {
	switch n.mode {
	case BatchNorm2D:
		return (m/n.b)*n.a*n.b + g*n.b + m%n.b
	case LayerNorm2D:
		return g*n.a*n.b + m
	default:
		return g*n.b + m
	}
}

// param maps member m of group g to its γ/β index.
func (n *Norm) param(g, m int) int {
	switch n.mode {
	case BatchNorm2D:
		return g
	case InstanceNorm2D:
		return g % n.a
	case LayerNorm2D:
		return m / n.b
	default:
		return m
	}
}

// paramElem maps the r-th element sharing γ/β entry p to its flat index.
func (n *Norm) paramElem(p, r int) int {
	if n.mode == LayerNormSeq {
		return r*n.b + p
	}
	return (r/n.b)*n.a*n.b + p*n.b + r%n.b
}

// frozen reports whether the pass uses running statistics.
func (n *Norm) frozen(ctx *graph.Context) bool {
	return n.mode == BatchNorm2D && ctx.Phase == graph.Inference
}

// ForwardCPU implements graph.Node.
func (n *Norm) ForwardCPU(ctx *graph.Context) error {
	groups, members := n.groups(ctx.BatchSize), n.members(ctx.BatchSize)
	x, y, xh := ctx.In(n, 0).Host(), n.Out().Host(), n.xhat.Host()
	gamma, beta := n.Gamma().Value.Host(), n.Beta().Value.Host()
	mean, inv := n.mean.Host(), n.invstd.Host()
	frozen := n.frozen(ctx)

	parallelFor(ctx, groups, func(g int) {
		if frozen {
			mean[g] = n.runMean.Host()[g]
			inv[g] = 1 / math.Sqrt(n.runVar.Host()[g]+n.eps)
		} else {
			s := 0.0
			for m := 0; m < members; m++ {
				s += x[n.elem(g, m)]
			}
			mu := s / float64(members)
			v := 0.0
			for m := 0; m < members; m++ {
				d := x[n.elem(g, m)] - mu
				v += d * d
			}
			mean[g] = mu
			inv[g] = 1 / math.Sqrt(v/float64(members)+n.eps)
		}
		for m := 0; m < members; m++ {
			e, p := n.elem(g, m), n.param(g, m)
			xh[e] = (x[e] - mean[g]) * inv[g]
			y[e] = gamma[p]*xh[e] + beta[p]
		}
	})
	n.xhat.Round(ctx.Parallel())

	if n.mode == BatchNorm2D && ctx.Phase == graph.Train {
		rm, rv := n.runMean.Host(), n.runVar.Host()
		for c := range rm {
			variance := 1/(inv[c]*inv[c]) - n.eps
			if members > 1 {
				variance *= float64(members) / float64(members-1)
			}
			rm[c] = (1-n.momentum)*rm[c] + n.momentum*mean[c]
			rv[c] = (1-n.momentum)*rv[c] + n.momentum*variance
		}
	}
	return nil
}

// BackwardCPU implements graph.Node.
func (n *Norm) BackwardCPU(ctx *graph.Context) error {
	groups, members := n.groups(ctx.BatchSize), n.members(ctx.BatchSize)
	gy, gx, xh := n.Grad().Host(), ctx.InGrad(n, 0).Host(), n.xhat.Host()
	gamma, inv := n.Gamma().Value.Host(), n.invstd.Host()
	frozen := n.frozen(ctx)
	scale := 1 / float64(members)

	parallelFor(ctx, groups, func(g int) {
		if frozen {
			for m := 0; m < members; m++ {
				e := n.elem(g, m)
				gx[e] += gy[e] * gamma[n.param(g, m)] * inv[g]
			}
			return
		}
		s1, s2 := 0.0, 0.0
		for m := 0; m < members; m++ {
			e := n.elem(g, m)
			d := gy[e] * gamma[n.param(g, m)]
			s1 += d
			s2 += d * xh[e]
		}
		for m := 0; m < members; m++ {
			e := n.elem(g, m)
			d := gy[e] * gamma[n.param(g, m)]
			gx[e] += inv[g] * scale * (float64(members)*d - s1 - xh[e]*s2)
		}
	})

	ggamma, gbeta := n.Gamma().Grad.Host(), n.Beta().Grad.Host()
	shared := len(gy) / n.channels()
	parallelFor(ctx, n.channels(), func(p int) {
		for r := 0; r < shared; r++ {
			e := n.paramElem(p, r)
			ggamma[p] += gy[e] * xh[e]
			gbeta[p] += gy[e]
		}
	})
	return nil
}

func (n *Norm) args(batch int) []uint32 {
	return []uint32{
		u(int(n.mode)), u(n.a), u(n.b), u(n.groups(batch)), u(n.members(batch)),
		tensor.F(n.eps), tensor.F(n.momentum), u(n.channels()),
	}
}

// ForwardGPU implements graph.Node.
func (n *Norm) ForwardGPU(ctx *graph.Context) error {
	groups, members := n.groups(ctx.BatchSize), n.members(ctx.BatchSize)
	args := n.args(ctx.BatchSize)
	x := ctx.In(n, 0)
	total := groups * members

	if n.frozen(ctx) {
		ctx.Dispatch(normStatsRunning, groups, args, n.runMean, n.runVar, n.mean, n.invstd)
	} else {
		tmp, err := ctx.Temp(total)
		if err != nil {
			return err
		}
		sums, err := ctx.Temp(groups)
		if err != nil {
			return err
		}
		vars, err := ctx.Temp(groups)
		if err != nil {
			return err
		}
		ctx.DispatchStorage(normGather, total, args, x.Storage(), tmp)
		if err := reduce.SumGPU(ctx.Batch, tmp, members, groups, sums, tensor.Float32); err != nil {
			return err
		}
		ctx.DispatchStorage(normCenter, total, args, x.Storage(), sums, tmp)
		if err := reduce.SumGPU(ctx.Batch, tmp, members, groups, vars, tensor.Float32); err != nil {
			return err
		}
		ctx.DispatchStorage(normStats, groups, args, sums, vars, n.mean.Storage(), n.invstd.Storage())
		if n.mode == BatchNorm2D && ctx.Phase == graph.Train {
			ctx.DispatchStorage(normRunning, groups, args, n.mean.Storage(), vars, n.runMean.Storage(), n.runVar.Storage())
		}
	}
	ctx.Dispatch(normApply, total, args, x, n.mean, n.invstd, n.Gamma().Value, n.Beta().Value, n.xhat, n.Out())
	return nil
}

// BackwardGPU implements graph.Node.
func (n *Norm) BackwardGPU(ctx *graph.Context) error {
	groups, members := n.groups(ctx.BatchSize), n.members(ctx.BatchSize)
	args := n.args(ctx.BatchSize)
	total := groups * members
	gy, gamma := n.Grad(), n.Gamma().Value

	if n.frozen(ctx) {
		ctx.Dispatch(normBackwardFrozen, total, args, gy, gamma, n.invstd, ctx.InGrad(n, 0))
	} else {
		t1, err := ctx.Temp(total)
		if err != nil {
			return err
		}
		t2, err := ctx.Temp(total)
		if err != nil {
			return err
		}
		s1, err := ctx.Temp(groups)
		if err != nil {
			return err
		}
		s2, err := ctx.Temp(groups)
		if err != nil {
			return err
		}
		ctx.DispatchStorage(normBackwardGather, total, args, gy.Storage(), gamma.Storage(), n.xhat.Storage(), t1, t2)
		if err := reduce.SumGPU(ctx.Batch, t1, members, groups, s1, tensor.Float32); err != nil {
			return err
		}
		if err := reduce.SumGPU(ctx.Batch, t2, members, groups, s2, tensor.Float32); err != nil {
			return err
		}
		ctx.DispatchStorage(normBackwardInput, total, args,
			gy.Storage(), gamma.Storage(), n.xhat.Storage(), n.invstd.Storage(), s1, s2, ctx.InGrad(n, 0).Storage())
	}

	channels := n.channels()
	shared := total / channels
	t1, err := ctx.Temp(total)
	if err != nil {
		return err
	}
	t2, err := ctx.Temp(total)
	if err != nil {
		return err
	}
	sg, err := ctx.Temp(channels)
	if err != nil {
		return err
	}
	sb, err := ctx.Temp(channels)
	if err != nil {
		return err
	}
	ctx.DispatchStorage(normParamGather, total, args, gy.Storage(), n.xhat.Storage(), t1, t2)
	if err := reduce.SumGPU(ctx.Batch, t1, shared, channels, sg, tensor.Float32); err != nil {
		return err
	}
	if err := reduce.SumGPU(ctx.Batch, t2, shared, channels, sb, tensor.Float32); err != nil {
		return err
	}
	ctx.Accumulate(n.Gamma().Grad.Storage(), sg, channels, 1)
	ctx.Accumulate(n.Beta().Grad.Storage(), sb, channels, 1)
	return nil
}

// normHelpers mirror Norm.elem, Norm.param and Norm.paramElem. Args are
// mode, a, b, groups, members, eps, momentum, channels.
const normHelpers = `
fn elem(g: u32, m: u32) -> u32 {
    let mode = pu(0u);
    let A = pu(1u);
    let Bd = pu(2u);
    if (mode == 0u) {
        return (m / Bd) * A * Bd + g * Bd + m % Bd;
    }
    if (mode == 2u) {
        return g * A * Bd + m;
    }
    return g * Bd + m;
}

fn pidx(g: u32, m: u32) -> u32 {
    let mode = pu(0u);
    if (mode == 0u) {
        return g;
    }
    if (mode == 1u) {
        return g % pu(1u);
    }
    if (mode == 2u) {
        return m / pu(2u);
    }
    return m;
}

fn pelem(p: u32, r: u32) -> u32 {
    let A = pu(1u);
    let Bd = pu(2u);
    if (pu(0u) == 3u) {
        return r * Bd + p;
    }
    return (r / Bd) * A * Bd + p * Bd + r % Bd;
}
`

// Thread i of a grouped kernel handles member i / groups of group i % groups,
// so gathered temporaries are [members, groups] for column reduction.
const normIndex = `    let G = pu(3u);
    let M = pu(4u);
    let g = i % G;
    let m = i / G;
    let e = elem(g, m);
`

var (
	normGather = &tensor.Kernel{
		Name:    "norm_gather",
		Buffers: []string{"x", "tmp"},
		Helpers: normHelpers,
		Body:    normIndex + "    tmp[i] = x[e];",
	}
	normCenter = &tensor.Kernel{
		Name:    "norm_center",
		Buffers: []string{"x", "sums", "tmp"},
		Helpers: normHelpers,
		Body: normIndex + `    let d = x[e] - sums[g] / f32(M);
    tmp[i] = d * d;`,
	}
	normStats = &tensor.Kernel{
		Name:    "norm_stats",
		Buffers: []string{"sums", "vars", "mean", "invstd"},
		Body: `    let M = f32(pu(4u));
    mean[i] = sums[i] / M;
    invstd[i] = inverseSqrt(vars[i] / M + pf(5u));`,
	}
	normStatsRunning = &tensor.Kernel{
		Name:    "norm_stats_running",
		Buffers: []string{"rmean", "rvar", "mean", "invstd"},
		Body: `    mean[i] = rmean[i];
    invstd[i] = inverseSqrt(rvar[i] + pf(5u));`,
	}
	normRunning = &tensor.Kernel{
		Name:    "norm_running",
		Buffers: []string{"mean", "vars", "rmean", "rvar"},
		Body: `    let M = f32(pu(4u));
    let mom = pf(6u);
    var v = vars[i] / M;
    if (M > 1.0) {
        v = v * M / (M - 1.0);
    }
    rmean[i] = st((1.0 - mom) * rmean[i] + mom * mean[i]);
    rvar[i] = st((1.0 - mom) * rvar[i] + mom * v);`,
	}
	normApply = &tensor.Kernel{
		Name:    "norm_apply",
		Buffers: []string{"x", "mean", "invstd", "gamma", "beta", "xh", "y"},
		Helpers: normHelpers,
		Body: normIndex + `    let p = pidx(g, m);
    let h = st((x[e] - mean[g]) * invstd[g]);
    xh[e] = h;
    y[e] = st(gamma[p] * h + beta[p]);`,
	}
	normBackwardFrozen = &tensor.Kernel{
		Name:    "norm_bwd_frozen",
		Buffers: []string{"gy", "gamma", "invstd", "gx"},
		Helpers: normHelpers,
		Body:    normIndex + `    gx[e] = st(gx[e] + gy[e] * gamma[pidx(g, m)] * invstd[g]);`,
	}
	normBackwardGather = &tensor.Kernel{
		Name:    "norm_bwd_gather",
		Buffers: []string{"gy", "gamma", "xh", "t1", "t2"},
		Helpers: normHelpers,
		Body: normIndex + `    let d = gy[e] * gamma[pidx(g, m)];
    t1[i] = d;
    t2[i] = d * xh[e];`,
	}
	normBackwardInput = &tensor.Kernel{
		Name:    "norm_bwd_x",
		Buffers: []string{"gy", "gamma", "xh", "invstd", "s1", "s2", "gx"},
		Helpers: normHelpers,
		Body: normIndex + `    let d = gy[e] * gamma[pidx(g, m)];
    let mf = f32(M);
    gx[e] = st(gx[e] + invstd[g] / mf * (mf * d - s1[g] - xh[e] * s2[g]));`,
	}
	normParamGather = &tensor.Kernel{
		Name:    "norm_param_gather",
		Buffers: []string{"gy", "xh", "t1", "t2"},
		Helpers: normHelpers,
		Body: `    let P = pu(7u);
    let e = pelem(i % P, i / P);
    t1[i] = gy[e] * xh[e];
    t2[i] = gy[e];`,
	}
)
