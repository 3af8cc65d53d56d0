package nn

import (
	"math"

	"github.com/born-ml/layergraph/internal/graph"
	"github.com/born-ml/layergraph/internal/tensor"
)

// PatchEmbed cuts a [C, H, W] image into non-overlapping P×P patches and
// projects each flattened patch (channel-major, then row, then column) to
// units features, producing [(H/P)·(W/P), units].
type PatchEmbed struct {
	graph.Base
	c, h, w int
	patch   int
	units   int
	patches *tensor.Buffer
	gpatch  *tensor.Buffer
	pre     *tensor.Buffer
}

// NewPatchEmbed appends a patch embedding of the [C, H, W] node x.
func NewPatchEmbed(g *graph.Graph, x graph.ID, patch, units int) (*PatchEmbed, error) {
	const kind = "patch_embed"
	shapes, err := inputShapes(g, kind, x)
	if err != nil {
		return nil, err
	}
	c, h, w, err := spatial(kind, shapes[0])
	if err != nil {
		return nil, err
	}
	if patch <= 0 || units <= 0 {
		return nil, invalid(kind, "patch %d and units %d must be positive", patch, units)
	}
	if h%patch != 0 || w%patch != 0 {
		return nil, invalid(kind, "patch %d does not divide %dx%d", patch, h, w)
	}

	n := &PatchEmbed{c: c, h: h, w: w, patch: patch, units: units}
	tokens, width := n.tokens(), n.width()
	n.Base = graph.NewBase(kind, tensor.Shape{tokens, units}, x)
	_, err = g.Add(n,
		graph.ParamSpec{Name: "weight", Shape: tensor.Shape{units, width}, Init: graph.Xavier(width, units)},
		graph.ParamSpec{Name: "bias", Shape: tensor.Shape{units}, Init: graph.Constant(0)},
	)
	if err != nil {
		return nil, err
	}
	if n.patches, err = g.Aux(n, tensor.Shape{tokens, width}); err != nil {
		return nil, err
	}
	if n.gpatch, err = g.Aux(n, tensor.Shape{tokens, width}); err != nil {
		return nil, err
	}
	if n.pre, err = g.Aux(n, tensor.Shape{tokens, units}); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *PatchEmbed) tokens() int { return (n.h / n.patch) * (n.w / n.patch) }
func (n *PatchEmbed) width() int  { return n.c * n.patch * n.patch }

// Weight returns the [units, C·P·P] projection.
func (n *PatchEmbed) Weight() *graph.Param { return n.Params()[0] }

// Bias returns the projection bias.
func (n *PatchEmbed) Bias() *graph.Param { return n.Params()[1] }

// source returns the input index feeding patch element i.
func (n *PatchEmbed) source(i int) int {
	tokens, width, p := n.tokens(), n.width(), n.patch
	b := i / (tokens * width)
	t := (i / width) % tokens
	k := i % width
	c, py, px := k/(p*p), (k/p)%p, k%p
	cols := n.w / p
	y, x := (t/cols)*p+py, (t%cols)*p+px
	return ((b*n.c+c)*n.h+y)*n.w + x
}

// ForwardCPU implements graph.Node.
func (n *PatchEmbed) ForwardCPU(ctx *graph.Context) error {
	x, patches := ctx.In(n, 0).Host(), n.patches.Host()
	parallelFor(ctx, len(patches), func(i int) {
		patches[i] = x[n.source(i)]
	})
	ctx.CPU.Linear(n.Out().Host(), patches, n.Weight().Value.Host(), n.Bias().Value.Host(),
		ctx.BatchSize*n.tokens(), n.width(), n.units)
	return nil
}

// BackwardCPU implements graph.Node.
func (n *PatchEmbed) BackwardCPU(ctx *graph.Context) error {
	gpatch := n.gpatch.Host()
	clear(gpatch)
	ctx.CPU.LinearBackward(gpatch, n.Weight().Grad.Host(), n.Bias().Grad.Host(), n.Grad().Host(),
		n.patches.Host(), n.Weight().Value.Host(), ctx.BatchSize*n.tokens(), n.width(), n.units)
	gx := ctx.InGrad(n, 0).Host()
	parallelFor(ctx, len(gpatch), func(i int) {
		gx[n.source(i)] += gpatch[i]
	})
	return nil
}

func (n *PatchEmbed) args() []uint32 {
	return []uint32{u(n.c), u(n.h), u(n.w), u(n.patch), u(n.tokens()), u(n.width())}
}

// ForwardGPU implements graph.Node.
func (n *PatchEmbed) ForwardGPU(ctx *graph.Context) error {
	ctx.Dispatch(patchGather, n.patches.Len(), n.args(), ctx.In(n, 0), n.patches)
	linearForwardGPU(ctx, Identity, n.patches.Storage(), n.Weight().Value.Storage(), n.Bias().Value.Storage(),
		n.pre.Storage(), n.Out().Storage(), ctx.BatchSize*n.tokens(), n.width(), n.units)
	return nil
}

// BackwardGPU implements graph.Node.
func (n *PatchEmbed) BackwardGPU(ctx *graph.Context) error {
	ctx.Fill(n.gpatch.Storage(), n.gpatch.Len(), 0)
	err := linearBackwardGPU(ctx, n.gpatch.Storage(), n.Weight().Grad.Storage(), n.Bias().Grad.Storage(),
		n.Grad().Storage(), n.patches.Storage(), n.Weight().Value.Storage(), ctx.BatchSize*n.tokens(), n.width(), n.units)
	if err != nil {
		return err
	}
	ctx.Dispatch(patchScatter, n.gpatch.Len(), n.args(), n.gpatch, ctx.InGrad(n, 0))
	return nil
}

// heads validates a multi-head split of dim.
func heads(kind string, dim, heads int) error {
	if heads <= 0 || dim%heads != 0 {
		return invalid(kind, "%d heads do not divide %d features", heads, dim)
	}
	return nil
}

// QuerySeq computes scaled dot-product attention scores between the tokens
// of q and k, both [S, D], split into heads of D/heads features:
//
//	score[i, h·S + j] = q_i^h · k_j^h / sqrt(D/heads)
type QuerySeq struct {
	graph.Base
	seq, dim, heads int
}

// NewQuerySeq appends attention scores of q against k.
func NewQuerySeq(g *graph.Graph, q, k graph.ID, numHeads int) (*QuerySeq, error) {
	const kind = "query_seq"
	shapes, err := inputShapes(g, kind, q, k)
	if err != nil {
		return nil, err
	}
	seq, dim, err := sequence(kind, shapes[0])
	if err != nil {
		return nil, err
	}
	if !shapes[0].Equal(shapes[1]) {
		return nil, miswired(kind, "query %s and key %s differ", shapes[0], shapes[1])
	}
	if err := heads(kind, dim, numHeads); err != nil {
		return nil, err
	}
	n := &QuerySeq{Base: graph.NewBase(kind, tensor.Shape{seq, numHeads * seq}, q, k), seq: seq, dim: dim, heads: numHeads}
	if _, err := g.Add(n); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *QuerySeq) scale() float64 { return 1 / math.Sqrt(float64(n.dim/n.heads)) }

// ForwardCPU implements graph.Node.
func (n *QuerySeq) ForwardCPU(ctx *graph.Context) error {
	q, k, y := ctx.In(n, 0).Host(), ctx.In(n, 1).Host(), n.Out().Host()
	s, d, h := n.seq, n.dim, n.heads
	dh, scale := d/h, n.scale()
	parallelFor(ctx, len(y), func(i int) {
		j, head, t, b := i%s, (i/s)%h, (i/(s*h))%s, i/(s*h*s)
		qa := q[(b*s+t)*d+head*dh:]
		ka := k[(b*s+j)*d+head*dh:]
		sum := 0.0
		for f := 0; f < dh; f++ {
			sum += qa[f] * ka[f]
		}
		y[i] = sum * scale
	})
	return nil
}

// BackwardCPU implements graph.Node.
func (n *QuerySeq) BackwardCPU(ctx *graph.Context) error {
	q, k, gs := ctx.In(n, 0).Host(), ctx.In(n, 1).Host(), n.Grad().Host()
	gq, gk := ctx.InGrad(n, 0).Host(), ctx.InGrad(n, 1).Host()
	s, d, h := n.seq, n.dim, n.heads
	dh, scale := d/h, n.scale()

	parallelFor(ctx, len(gq), func(i int) {
		f, t, b := i%d, (i/d)%s, i/(s*d)
		row := ((b*s+t)*h + f/dh) * s
		sum := 0.0
		for j := 0; j < s; j++ {
			sum += gs[row+j] * k[(b*s+j)*d+f]
		}
		gq[i] += sum * scale
	})
	parallelFor(ctx, len(gk), func(i int) {
		f, j, b := i%d, (i/d)%s, i/(s*d)
		sum := 0.0
		for t := 0; t < s; t++ {
			sum += gs[((b*s+t)*h+f/dh)*s+j] * q[(b*s+t)*d+f]
		}
		gk[i] += sum * scale
	})
	return nil
}

func attentionArgs(seq, dim, heads int, scale float64) []uint32 {
	return []uint32{u(seq), u(dim), u(heads), u(dim / heads), tensor.F(scale)}
}

// ForwardGPU implements graph.Node.
func (n *QuerySeq) ForwardGPU(ctx *graph.Context) error {
	args := attentionArgs(n.seq, n.dim, n.heads, n.scale())
	ctx.Dispatch(queryForward, n.Out().Len(), args, ctx.In(n, 0), ctx.In(n, 1), n.Out())
	return nil
}

// BackwardGPU implements graph.Node.
func (n *QuerySeq) BackwardGPU(ctx *graph.Context) error {
	args := attentionArgs(n.seq, n.dim, n.heads, n.scale())
	ctx.Dispatch(queryBackwardQ, ctx.InGrad(n, 0).Len(), args, n.Grad(), ctx.In(n, 1), ctx.InGrad(n, 0))
	ctx.Dispatch(queryBackwardK, ctx.InGrad(n, 1).Len(), args, n.Grad(), ctx.In(n, 0), ctx.InGrad(n, 1))
	return nil
}

// SoftmaxSeq normalizes attention scores [S, heads·S] with a softmax over
// the key axis j for every query i and head h.
type SoftmaxSeq struct {
	graph.Base
	seq, heads int
}

// NewSoftmaxSeq appends a per-head softmax of the scores x.
func NewSoftmaxSeq(g *graph.Graph, x graph.ID, numHeads int) (*SoftmaxSeq, error) {
	const kind = "softmax_seq"
	shapes, err := inputShapes(g, kind, x)
	if err != nil {
		return nil, err
	}
	seq, width, err := sequence(kind, shapes[0])
	if err != nil {
		return nil, err
	}
	if numHeads <= 0 || width != numHeads*seq {
		return nil, miswired(kind, "scores %s do not hold %d heads", shapes[0], numHeads)
	}
	n := &SoftmaxSeq{Base: graph.NewBase(kind, shapes[0], x), seq: seq, heads: numHeads}
	if _, err := g.Add(n); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *SoftmaxSeq) rows(batch int) int { return batch * n.seq * n.heads }

// ForwardCPU implements graph.Node.
func (n *SoftmaxSeq) ForwardCPU(ctx *graph.Context) error {
	ctx.CPU.Softmax(n.Out().Host(), ctx.In(n, 0).Host(), n.rows(ctx.BatchSize), n.seq)
	return nil
}

// BackwardCPU implements graph.Node.
func (n *SoftmaxSeq) BackwardCPU(ctx *graph.Context) error {
	ctx.CPU.SoftmaxBackward(ctx.InGrad(n, 0).Host(), n.Grad().Host(), n.Out().Host(), n.rows(ctx.BatchSize), n.seq)
	return nil
}

// ForwardGPU implements graph.Node.
func (n *SoftmaxSeq) ForwardGPU(ctx *graph.Context) error {
	return softmaxGPU(ctx, n.Out().Storage(), ctx.In(n, 0).Storage(), n.rows(ctx.BatchSize), n.seq)
}

// BackwardGPU implements graph.Node.
func (n *SoftmaxSeq) BackwardGPU(ctx *graph.Context) error {
	return softmaxBackwardGPU(ctx, ctx.InGrad(n, 0).Storage(), n.Grad().Storage(), n.Out().Storage(), n.rows(ctx.BatchSize), n.seq)
}

// ValueSeq mixes the value tokens v [S, D] with attention weights
// [S, heads·S]:
//
//	y[i, h·dh + d] = Σ_j score[i, h·S + j] · v[j, h·dh + d]
type ValueSeq struct {
	graph.Base
	seq, dim, heads int
}

// NewValueSeq appends the attention-weighted sum of v.
func NewValueSeq(g *graph.Graph, v, score graph.ID, numHeads int) (*ValueSeq, error) {
	const kind = "value_seq"
	shapes, err := inputShapes(g, kind, v, score)
	if err != nil {
		return nil, err
	}
	seq, dim, err := sequence(kind, shapes[0])
	if err != nil {
		return nil, err
	}
	if err := heads(kind, dim, numHeads); err != nil {
		return nil, err
	}
	if want := (tensor.Shape{seq, numHeads * seq}); !shapes[1].Equal(want) {
		return nil, miswired(kind, "scores %s, want %s", shapes[1], want)
	}
	n := &ValueSeq{Base: graph.NewBase(kind, shapes[0], v, score), seq: seq, dim: dim, heads: numHeads}
	if _, err := g.Add(n); err != nil {
		return nil, err
	}
	return n, nil
}

// ForwardCPU implements graph.Node.
func (n *ValueSeq) ForwardCPU(ctx *graph.Context) error {
	v, sc, y := ctx.In(n, 0).Host(), ctx.In(n, 1).Host(), n.Out().Host()
	s, d, h := n.seq, n.dim, n.heads
	dh := d / h
	parallelFor(ctx, len(y), func(i int) {
		f, t, b := i%d, (i/d)%s, i/(s*d)
		row := ((b*s+t)*h + f/dh) * s
		sum := 0.0
		for j := 0; j < s; j++ {
			sum += sc[row+j] * v[(b*s+j)*d+f]
		}
		y[i] = sum
	})
	return nil
}

// BackwardCPU implements graph.Node.
func (n *ValueSeq) BackwardCPU(ctx *graph.Context) error {
	v, sc, gy := ctx.In(n, 0).Host(), ctx.In(n, 1).Host(), n.Grad().Host()
	gv, gs := ctx.InGrad(n, 0).Host(), ctx.InGrad(n, 1).Host()
	s, d, h := n.seq, n.dim, n.heads
	dh := d / h

	parallelFor(ctx, len(gs), func(i int) {
		j, head, t, b := i%s, (i/s)%h, (i/(s*h))%s, i/(s*h*s)
		sum := 0.0
		for f := head * dh; f < (head+1)*dh; f++ {
			sum += gy[(b*s+t)*d+f] * v[(b*s+j)*d+f]
		}
		gs[i] += sum
	})
	parallelFor(ctx, len(gv), func(i int) {
		f, j, b := i%d, (i/d)%s, i/(s*d)
		sum := 0.0
		for t := 0; t < s; t++ {
			sum += sc[((b*s+t)*h+f/dh)*s+j] * gy[(b*s+t)*d+f]
		}
		gv[i] += sum
	})
	return nil
}

// ForwardGPU implements graph.Node.
func (n *ValueSeq) ForwardGPU(ctx *graph.Context) error {
	args := attentionArgs(n.seq, n.dim, n.heads, 1)
	ctx.Dispatch(valueForward, n.Out().Len(), args, ctx.In(n, 0), ctx.In(n, 1), n.Out())
	return nil
}

// BackwardGPU implements graph.Node.
func (n *ValueSeq) BackwardGPU(ctx *graph.Context) error {
	args := attentionArgs(n.seq, n.dim, n.heads, 1)
	ctx.Dispatch(valueBackwardScore, ctx.InGrad(n, 1).Len(), args, n.Grad(), ctx.In(n, 0), ctx.InGrad(n, 1))
	ctx.Dispatch(valueBackwardV, ctx.InGrad(n, 0).Len(), args, n.Grad(), ctx.In(n, 1), ctx.InGrad(n, 0))
	return nil
}

// AvgPoolSeq averages the tokens of an [S, D] sequence into [D].
type AvgPoolSeq struct {
	graph.Base
	seq, dim int
}

// NewAvgPoolSeq appends a mean over the tokens of x.
func NewAvgPoolSeq(g *graph.Graph, x graph.ID) (*AvgPoolSeq, error) {
	const kind = "avgpool_seq"
	shapes, err := inputShapes(g, kind, x)
	if err != nil {
		return nil, err
	}
	seq, dim, err := sequence(kind, shapes[0])
	if err != nil {
		return nil, err
	}
	n := &AvgPoolSeq{Base: graph.NewBase(kind, tensor.Shape{dim}, x), seq: seq, dim: dim}
	if _, err := g.Add(n); err != nil {
		return nil, err
	}
	return n, nil
}

// ForwardCPU implements graph.Node.
func (n *AvgPoolSeq) ForwardCPU(ctx *graph.Context) error {
	x, y := ctx.In(n, 0).Host(), n.Out().Host()
	s, d := n.seq, n.dim
	parallelFor(ctx, len(y), func(i int) {
		f, b := i%d, i/d
		sum := 0.0
		for t := 0; t < s; t++ {
			sum += x[(b*s+t)*d+f]
		}
		y[i] = sum / float64(s)
	})
	return nil
}

// BackwardCPU implements graph.Node.
func (n *AvgPoolSeq) BackwardCPU(ctx *graph.Context) error {
	gx, gy := ctx.InGrad(n, 0).Host(), n.Grad().Host()
	s, d := n.seq, n.dim
	parallelFor(ctx, len(gx), func(i int) {
		gx[i] += gy[(i/(s*d))*d+i%d] / float64(s)
	})
	return nil
}

// ForwardGPU implements graph.Node.
func (n *AvgPoolSeq) ForwardGPU(ctx *graph.Context) error {
	ctx.Dispatch(avgPoolSeqForward, n.Out().Len(), []uint32{u(n.seq), u(n.dim)}, ctx.In(n, 0), n.Out())
	return nil
}

// BackwardGPU implements graph.Node.
func (n *AvgPoolSeq) BackwardGPU(ctx *graph.Context) error {
	ctx.Dispatch(avgPoolSeqBackward, ctx.InGrad(n, 0).Len(), []uint32{u(n.seq), u(n.dim)}, n.Grad(), ctx.InGrad(n, 0))
	return nil
}

const patchHeader = `    let C = pu(0u);
    let H = pu(1u);
    let W = pu(2u);
    let P = pu(3u);
    let T = pu(4u);
    let K = pu(5u);
    let b = i / (T * K);
    let t = (i / K) % T;
    let k = i % K;
    let cols = W / P;
    let y = (t / cols) * P + (k / P) % P;
    let x0 = (t % cols) * P + k % P;
    let src = ((b * C + k / (P * P)) * H + y) * W + x0;
`

const attentionHeader = `    let S = pu(0u);
    let D = pu(1u);
    let NH = pu(2u);
    let DH = pu(3u);
    let scale = pf(4u);
`

var (
	patchGather = &tensor.Kernel{
		Name:    "patch_gather",
		Buffers: []string{"x", "patches"},
		Body:    patchHeader + "    patches[i] = x[src];",
	}
	patchScatter = &tensor.Kernel{
		Name:    "patch_scatter",
		Buffers: []string{"gpatch", "gx"},
		Body:    patchHeader + "    gx[src] = st(gx[src] + gpatch[i]);",
	}
	queryForward = &tensor.Kernel{
		Name:    "query_fwd",
		Buffers: []string{"q", "k", "y"},
		Body: attentionHeader + `    let j = i % S;
    let h = (i / S) % NH;
    let t = (i / (S * NH)) % S;
    let b = i / (S * NH * S);
    let qa = (b * S + t) * D + h * DH;
    let ka = (b * S + j) * D + h * DH;
    var s = 0.0;
    for (var f = 0u; f < DH; f = f + 1u) {
        s = s + q[qa + f] * k[ka + f];
    }
    y[i] = st(s * scale);`,
	}
	queryBackwardQ = &tensor.Kernel{
		Name:    "query_bwd_q",
		Buffers: []string{"gs", "k", "gq"},
		Body: attentionHeader + `    let f = i % D;
    let t = (i / D) % S;
    let b = i / (S * D);
    let row = ((b * S + t) * NH + f / DH) * S;
    var s = 0.0;
    for (var j = 0u; j < S; j = j + 1u) {
        s = s + gs[row + j] * k[(b * S + j) * D + f];
    }
    gq[i] = st(gq[i] + s * scale);`,
	}
	queryBackwardK = &tensor.Kernel{
		Name:    "query_bwd_k",
		Buffers: []string{"gs", "q", "gk"},
		Body: attentionHeader + `    let f = i % D;
    let j = (i / D) % S;
    let b = i / (S * D);
    var s = 0.0;
    for (var t = 0u; t < S; t = t + 1u) {
        s = s + gs[((b * S + t) * NH + f / DH) * S + j] * q[(b * S + t) * D + f];
    }
    gk[i] = st(gk[i] + s * scale);`,
	}
	valueForward = &tensor.Kernel{
		Name:    "value_fwd",
		Buffers: []string{"v", "score", "y"},
		Body: attentionHeader + `    let f = i % D;
    let t = (i / D) % S;
    let b = i / (S * D);
    let row = ((b * S + t) * NH + f / DH) * S;
    var s = 0.0;
    for (var j = 0u; j < S; j = j + 1u) {
        s = s + score[row + j] * v[(b * S + j) * D + f];
    }
    y[i] = st(s * scale);`,
	}
	valueBackwardScore = &tensor.Kernel{
		Name:    "value_bwd_score",
		Buffers: []string{"gy", "v", "gs"},
		Body: attentionHeader + `    let j = i % S;
    let h = (i / S) % NH;
    let t = (i / (S * NH)) % S;
    let b = i / (S * NH * S);
    var s = 0.0;
    for (var f = h * DH; f < (h + 1u) * DH; f = f + 1u) {
        s = s + gy[(b * S + t) * D + f] * v[(b * S + j) * D + f];
    }
    gs[i] = st(gs[i] + s * scale);`,
	}
	valueBackwardV = &tensor.Kernel{
		Name:    "value_bwd_v",
		Buffers: []string{"gy", "score", "gv"},
		Body: attentionHeader + `    let f = i % D;
    let j = (i / D) % S;
    let b = i / (S * D);
    var s = 0.0;
    for (var t = 0u; t < S; t = t + 1u) {
        s = s + score[((b * S + t) * NH + f / DH) * S + j] * gy[(b * S + t) * D + f];
    }
    gv[i] = st(gv[i] + s * scale);`,
	}
	avgPoolSeqForward = &tensor.Kernel{
		Name:    "avgpool_seq_fwd",
		Buffers: []string{"x", "y"},
		Body: `    let S = pu(0u);
    let D = pu(1u);
    let b = i / D;
    let f = i % D;
    var s = 0.0;
    for (var t = 0u; t < S; t = t + 1u) {
        s = s + x[(b * S + t) * D + f];
    }
    y[i] = st(s / f32(S));`,
	}
	avgPoolSeqBackward = &tensor.Kernel{
		Name:    "avgpool_seq_bwd",
		Buffers: []string{"gy", "gx"},
		Body: `    let S = pu(0u);
    let D = pu(1u);
    gx[i] = st(gx[i] + gy[(i / (S * D)) * D + i % D] / f32(S));`,
	}
)
