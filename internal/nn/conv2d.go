package nn

import (
	"github.com/born-ml/layergraph/internal/backend/cpu"
	"github.com/born-ml/layergraph/internal/graph"
	"github.com/born-ml/layergraph/internal/tensor"
)

// ConvConfig configures a Conv2D layer.
type ConvConfig struct {
	Filters int        // Output channels.
	Kernel  int        // Square kernel size.
	Stride  int        // Defaults to 1.
	Pad     int        // Zero padding on every side.
	Act     Activation // Applied after the bias.
}

// Conv2D is a 2D convolutional layer.
//
// Input shape:  [in_channels, height, width]
// Kernel shape: [filters, in_channels, kernel, kernel]
// Output shape: [filters, out_h, out_w]
//
// Where:
//
//	out_h = (height + 2*pad - kernel) / stride + 1
//	out_w = (width + 2*pad - kernel) / stride + 1
//
// The output is f(cross-correlation + bias).
type Conv2D struct {
	graph.Base
	geom cpu.ConvGeometry
	act  Activation
	pre  *tensor.Buffer
	gpre *tensor.Buffer
}

// NewConv2D appends a convolution of the [C, H, W] node x.
func NewConv2D(g *graph.Graph, x graph.ID, cfg ConvConfig) (*Conv2D, error) {
	const kind = "conv2d"
	shapes, err := inputShapes(g, kind, x)
	if err != nil {
		return nil, err
	}
	c, h, w, err := spatial(kind, shapes[0])
	if err != nil {
		return nil, err
	}
	if cfg.Stride == 0 {
		cfg.Stride = 1
	}
	if err := cfg.Act.Validate(); err != nil {
		return nil, invalid(kind, "%v", err)
	}
	geom := cpu.ConvGeometry{
		InC: c, H: h, W: w,
		OutC: cfg.Filters, KH: cfg.Kernel, KW: cfg.Kernel,
		Stride: cfg.Stride, Pad: cfg.Pad,
	}
	if err := geom.Validate(); err != nil {
		return nil, invalid(kind, "%v", err)
	}

	shape := tensor.Shape{geom.OutC, geom.OutH(), geom.OutW()}
	n := &Conv2D{Base: graph.NewBase(kind, shape, x), geom: geom, act: cfg.Act}
	fanIn, fanOut := geom.ColWidth(), geom.OutC*geom.KH*geom.KW
	_, err = g.Add(n,
		graph.ParamSpec{Name: "kernel", Shape: tensor.Shape{geom.OutC, c, geom.KH, geom.KW}, Init: graph.Xavier(fanIn, fanOut)},
		graph.ParamSpec{Name: "bias", Shape: tensor.Shape{geom.OutC}, Init: graph.Constant(0)},
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

// Geometry returns the convolution geometry.
func (n *Conv2D) Geometry() cpu.ConvGeometry { return n.geom }

// Kernel returns the kernel parameter.
func (n *Conv2D) Kernel() *graph.Param { return n.Params()[0] }

// Bias returns the bias parameter.
func (n *Conv2D) Bias() *graph.Param { return n.Params()[1] }

// ForwardCPU implements graph.Node.
func (n *Conv2D) ForwardCPU(ctx *graph.Context) error {
	ctx.CPU.Conv2D(n.pre.Host(), ctx.In(n, 0).Host(), n.Kernel().Value.Host(), n.Bias().Value.Host(), ctx.BatchSize, n.geom)
	n.pre.Round(ctx.Parallel())
	ctx.CPU.Activate(n.act, n.Out().Host(), n.pre.Host())
	return nil
}

// BackwardCPU implements graph.Node.
func (n *Conv2D) BackwardCPU(ctx *graph.Context) error {
	ctx.CPU.ActivateBackward(n.act, n.gpre.Host(), n.Grad().Host(), n.pre.Host())
	ctx.CPU.Conv2DInputBackward(ctx.InGrad(n, 0).Host(), n.gpre.Host(), n.Kernel().Value.Host(), ctx.BatchSize, n.geom)
	ctx.CPU.Conv2DKernelBackward(n.Kernel().Grad.Host(), n.Bias().Grad.Host(), n.gpre.Host(), ctx.In(n, 0).Host(), ctx.BatchSize, n.geom)
	return nil
}

func (n *Conv2D) args(batch int) []uint32 {
	g := n.geom
	return []uint32{
		u(g.InC), u(g.H), u(g.W), u(g.OutC), u(g.KH), u(g.KW),
		u(g.Stride), u(g.Pad), u(g.OutH()), u(g.OutW()), u(batch),
	}
}

// ForwardGPU implements graph.Node.
func (n *Conv2D) ForwardGPU(ctx *graph.Context) error {
	ctx.Dispatch(withActivation(convForward, n.act), n.Out().Len(), n.args(ctx.BatchSize),
		ctx.In(n, 0), n.Kernel().Value, n.Bias().Value, n.pre, n.Out())
	return nil
}

// BackwardGPU implements graph.Node.
func (n *Conv2D) BackwardGPU(ctx *graph.Context) error {
	args := n.args(ctx.BatchSize)
	activateBackwardGPU(ctx, n.act, n.gpre.Storage(), n.Grad().Storage(), n.pre.Storage(), n.Grad().Len(), false)
	ctx.Dispatch(convBackwardInput, ctx.InGrad(n, 0).Len(), args, n.gpre, n.Kernel().Value, ctx.InGrad(n, 0))
	ctx.Dispatch(convBackwardKernel, n.Kernel().Len(), args, n.gpre, ctx.In(n, 0), n.Kernel().Grad)
	ctx.Dispatch(convBackwardBias, n.geom.OutC, args, n.gpre, n.Bias().Grad)
	return nil
}

const convHeader = `    let C = pu(0u);
    let H = pu(1u);
    let W = pu(2u);
    let O = pu(3u);
    let KH = pu(4u);
    let KW = pu(5u);
    let S = pu(6u);
    let P = i32(pu(7u));
    let OH = pu(8u);
    let OW = pu(9u);
    let B = pu(10u);
`

var (
	convForward = &tensor.Kernel{
		Name:    "conv_fwd",
		Buffers: []string{"x", "kern", "bias", "pre", "y"},
		Body: convHeader + `    let ox = i % OW;
    let oy = (i / OW) % OH;
    let oc = (i / (OW * OH)) % O;
    let b = i / (OW * OH * O);
    var s = bias[oc];
    for (var c = 0u; c < C; c = c + 1u) {
        for (var ky = 0u; ky < KH; ky = ky + 1u) {
            let iy = i32(oy * S + ky) - P;
            if (iy < 0 || iy >= i32(H)) {
                continue;
            }
            for (var kx = 0u; kx < KW; kx = kx + 1u) {
                let ix = i32(ox * S + kx) - P;
                if (ix < 0 || ix >= i32(W)) {
                    continue;
                }
                s = s + kern[((oc * C + c) * KH + ky) * KW + kx] * x[((b * C + c) * H + u32(iy)) * W + u32(ix)];
            }
        }
    }
    let p = st(s);
    pre[i] = p;
    y[i] = st(act(p));`,
	}
	convBackwardInput = &tensor.Kernel{
		Name:    "conv_bwd_x",
		Buffers: []string{"gpre", "kern", "gx"},
		Body: convHeader + `    let ix = i32(i % W);
    let iy = i32((i / W) % H);
    let c = (i / (W * H)) % C;
    let b = i / (W * H * C);
    var s = 0.0;
    for (var oc = 0u; oc < O; oc = oc + 1u) {
        for (var ky = 0u; ky < KH; ky = ky + 1u) {
            let ty = iy + P - i32(ky);
            if (ty < 0 || ty % i32(S) != 0 || ty / i32(S) >= i32(OH)) {
                continue;
            }
            let oy = u32(ty / i32(S));
            for (var kx = 0u; kx < KW; kx = kx + 1u) {
                let tx = ix + P - i32(kx);
                if (tx < 0 || tx % i32(S) != 0 || tx / i32(S) >= i32(OW)) {
                    continue;
                }
                let ox = u32(tx / i32(S));
                s = s + gpre[((b * O + oc) * OH + oy) * OW + ox] * kern[((oc * C + c) * KH + ky) * KW + kx];
            }
        }
    }
    gx[i] = st(gx[i] + s);`,
	}
	convBackwardKernel = &tensor.Kernel{
		Name:    "conv_bwd_k",
		Buffers: []string{"gpre", "x", "gk"},
		Body: convHeader + `    let kx = i % KW;
    let ky = (i / KW) % KH;
    let c = (i / (KW * KH)) % C;
    let oc = i / (KW * KH * C);
    var s = 0.0;
    for (var b = 0u; b < B; b = b + 1u) {
        for (var oy = 0u; oy < OH; oy = oy + 1u) {
            let iy = i32(oy * S + ky) - P;
            if (iy < 0 || iy >= i32(H)) {
                continue;
            }
            for (var ox = 0u; ox < OW; ox = ox + 1u) {
                let ix = i32(ox * S + kx) - P;
                if (ix < 0 || ix >= i32(W)) {
                    continue;
                }
                s = s + gpre[((b * O + oc) * OH + oy) * OW + ox] * x[((b * C + c) * H + u32(iy)) * W + u32(ix)];
            }
        }
    }
    gk[i] = st(gk[i] + s);`,
	}
	convBackwardBias = &tensor.Kernel{
		Name:    "conv_bwd_b",
		Buffers: []string{"gpre", "gb"},
		Body: convHeader + `    let plane = OH * OW;
    var s = 0.0;
    for (var b = 0u; b < B; b = b + 1u) {
        let base = (b * O + i) * plane;
        for (var p = 0u; p < plane; p = p + 1u) {
            s = s + gpre[base + p];
        }
    }
    gb[i] = st(gb[i] + s);`,
	}
)
