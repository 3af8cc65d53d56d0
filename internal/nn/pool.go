package nn

import (
	"github.com/born-ml/layergraph/internal/backend/cpu"
	"github.com/born-ml/layergraph/internal/graph"
	"github.com/born-ml/layergraph/internal/tensor"
)

// MaxPool2D takes the maximum of each kernel×kernel window, moving by
// stride. The winning position of every window is remembered for backward;
// ties go to the first element in scan order.
type MaxPool2D struct {
	graph.Base
	geom   cpu.PoolGeometry
	argmax *tensor.Buffer
}

// NewMaxPool2D appends a max pooling of the [C, H, W] node x.
func NewMaxPool2D(g *graph.Graph, x graph.ID, kernel, stride int) (*MaxPool2D, error) {
	geom, err := poolGeometry(g, "maxpool2d", x, kernel, stride)
	if err != nil {
		return nil, err
	}
	shape := tensor.Shape{geom.C, geom.OutH(), geom.OutW()}
	n := &MaxPool2D{Base: graph.NewBase("maxpool2d", shape, x), geom: geom}
	if _, err := g.Add(n); err != nil {
		return nil, err
	}
	if n.argmax, err = g.AuxExact(n, shape); err != nil {
		return nil, err
	}
	return n, nil
}

func poolGeometry(g *graph.Graph, kind string, x graph.ID, kernel, stride int) (cpu.PoolGeometry, error) {
	shapes, err := inputShapes(g, kind, x)
	if err != nil {
		return cpu.PoolGeometry{}, err
	}
	c, h, w, err := spatial(kind, shapes[0])
	if err != nil {
		return cpu.PoolGeometry{}, err
	}
	geom := cpu.PoolGeometry{C: c, H: h, W: w, KH: kernel, KW: kernel, Stride: stride}
	if err := geom.Validate(); err != nil {
		return cpu.PoolGeometry{}, invalid(kind, "%v", err)
	}
	return geom, nil
}

func poolArgs(geom cpu.PoolGeometry) []uint32 {
	return []uint32{
		u(geom.C), u(geom.H), u(geom.W), u(geom.KH), u(geom.KW), u(geom.Stride),
		u(geom.OutH()), u(geom.OutW()), tensor.F(1 / float64(geom.KH*geom.KW)),
	}
}

// ForwardCPU implements graph.Node.
func (n *MaxPool2D) ForwardCPU(ctx *graph.Context) error {
	ctx.CPU.MaxPool2D(n.Out().Host(), n.argmax.Host(), ctx.In(n, 0).Host(), ctx.BatchSize, n.geom)
	return nil
}

// BackwardCPU implements graph.Node.
func (n *MaxPool2D) BackwardCPU(ctx *graph.Context) error {
	ctx.CPU.MaxPool2DBackward(ctx.InGrad(n, 0).Host(), n.Grad().Host(), n.argmax.Host(), ctx.BatchSize, n.geom)
	return nil
}

// ForwardGPU implements graph.Node.
func (n *MaxPool2D) ForwardGPU(ctx *graph.Context) error {
	ctx.Dispatch(maxPoolForward, n.Out().Len(), poolArgs(n.geom), ctx.In(n, 0), n.Out(), n.argmax)
	return nil
}

// BackwardGPU implements graph.Node.
func (n *MaxPool2D) BackwardGPU(ctx *graph.Context) error {
	ctx.Dispatch(maxPoolBackward, ctx.InGrad(n, 0).Len(), poolArgs(n.geom), n.Grad(), n.argmax, ctx.InGrad(n, 0))
	return nil
}

// AvgPool2D averages each kernel×kernel window, moving by stride.
type AvgPool2D struct {
	graph.Base
	geom cpu.PoolGeometry
}

// NewAvgPool2D appends an average pooling of the [C, H, W] node x.
func NewAvgPool2D(g *graph.Graph, x graph.ID, kernel, stride int) (*AvgPool2D, error) {
	geom, err := poolGeometry(g, "avgpool2d", x, kernel, stride)
	if err != nil {
		return nil, err
	}
	return addAvgPool(g, "avgpool2d", x, geom)
}

// NewGlobalAvgPool2D appends an average over each whole plane, producing
// [C, 1, 1].
func NewGlobalAvgPool2D(g *graph.Graph, x graph.ID) (*AvgPool2D, error) {
	const kind = "global_avgpool2d"
	shapes, err := inputShapes(g, kind, x)
	if err != nil {
		return nil, err
	}
	c, h, w, err := spatial(kind, shapes[0])
	if err != nil {
		return nil, err
	}
	return addAvgPool(g, kind, x, cpu.PoolGeometry{C: c, H: h, W: w, KH: h, KW: w, Stride: 1})
}

func addAvgPool(g *graph.Graph, kind string, x graph.ID, geom cpu.PoolGeometry) (*AvgPool2D, error) {
	n := &AvgPool2D{Base: graph.NewBase(kind, tensor.Shape{geom.C, geom.OutH(), geom.OutW()}, x), geom: geom}
	if _, err := g.Add(n); err != nil {
		return nil, err
	}
	return n, nil
}

// ForwardCPU implements graph.Node.
func (n *AvgPool2D) ForwardCPU(ctx *graph.Context) error {
	ctx.CPU.AvgPool2D(n.Out().Host(), ctx.In(n, 0).Host(), ctx.BatchSize, n.geom)
	return nil
}

// BackwardCPU implements graph.Node.
func (n *AvgPool2D) BackwardCPU(ctx *graph.Context) error {
	ctx.CPU.AvgPool2DBackward(ctx.InGrad(n, 0).Host(), n.Grad().Host(), ctx.BatchSize, n.geom)
	return nil
}

// ForwardGPU implements graph.Node.
func (n *AvgPool2D) ForwardGPU(ctx *graph.Context) error {
	ctx.Dispatch(avgPoolForward, n.Out().Len(), poolArgs(n.geom), ctx.In(n, 0), n.Out())
	return nil
}

// BackwardGPU implements graph.Node.
func (n *AvgPool2D) BackwardGPU(ctx *graph.Context) error {
	ctx.Dispatch(avgPoolBackward, ctx.InGrad(n, 0).Len(), poolArgs(n.geom), n.Grad(), ctx.InGrad(n, 0))
	return nil
}

const poolHeader = `    let C = pu(0u);
    let H = pu(1u);
    let W = pu(2u);
    let KH = pu(3u);
    let KW = pu(4u);
    let S = pu(5u);
    let OH = pu(6u);
    let OW = pu(7u);
    let scale = pf(8u);
`

// poolWindows finds the output windows covering input pixel i.
const poolWindows = `    let ix = i % W;
    let iy = (i / W) % H;
    let pc = i / (W * H);
    var oy0 = 0u;
    if (iy + 1u > KH) {
        oy0 = (iy + 1u - KH + S - 1u) / S;
    }
    var ox0 = 0u;
    if (ix + 1u > KW) {
        ox0 = (ix + 1u - KW + S - 1u) / S;
    }
    let oy1 = min(iy / S, OH - 1u);
    let ox1 = min(ix / S, OW - 1u);
`

var (
	maxPoolForward = &tensor.Kernel{
		Name:    "maxpool_fwd",
		Buffers: []string{"x", "y", "arg"},
		Body: poolHeader + `    let ox = i % OW;
    let oy = (i / OW) % OH;
    let base = (i / (OW * OH)) * H * W;
    var at = oy * S * W + ox * S;
    var best = x[base + at];
    for (var ky = 0u; ky < KH; ky = ky + 1u) {
        for (var kx = 0u; kx < KW; kx = kx + 1u) {
            let idx = (oy * S + ky) * W + ox * S + kx;
            let v = x[base + idx];
            if (v > best) {
                best = v;
                at = idx;
            }
        }
    }
    y[i] = st(best);
    arg[i] = f32(at);`,
	}
	maxPoolBackward = &tensor.Kernel{
		Name:    "maxpool_bwd",
		Buffers: []string{"gy", "arg", "gx"},
		Body: poolHeader + poolWindows + `    let idx = f32(iy * W + ix);
    var s = 0.0;
    for (var oy = oy0; oy <= oy1; oy = oy + 1u) {
        for (var ox = ox0; ox <= ox1; ox = ox + 1u) {
            let o = (pc * OH + oy) * OW + ox;
            if (arg[o] == idx) {
                s = s + gy[o];
            }
        }
    }
    gx[i] = st(gx[i] + s);`,
	}
	avgPoolForward = &tensor.Kernel{
		Name:    "avgpool_fwd",
		Buffers: []string{"x", "y"},
		Body: poolHeader + `    let ox = i % OW;
    let oy = (i / OW) % OH;
    let base = (i / (OW * OH)) * H * W;
    var s = 0.0;
    for (var ky = 0u; ky < KH; ky = ky + 1u) {
        for (var kx = 0u; kx < KW; kx = kx + 1u) {
            s = s + x[base + (oy * S + ky) * W + ox * S + kx];
        }
    }
    y[i] = st(s * scale);`,
	}
	avgPoolBackward = &tensor.Kernel{
		Name:    "avgpool_bwd",
		Buffers: []string{"gy", "gx"},
		Body: poolHeader + poolWindows + `    var s = 0.0;
    for (var oy = oy0; oy <= oy1; oy = oy + 1u) {
        for (var ox = ox0; ox <= ox1; ox = ox + 1u) {
            s = s + gy[(pc * OH + oy) * OW + ox];
        }
    }
    gx[i] = st(gx[i] + s * scale);`,
	}
)
