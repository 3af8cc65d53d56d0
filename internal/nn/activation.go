package nn

import (
	"fmt"
	"sync"

	"github.com/born-ml/layergraph/internal/backend/cpu"
	"github.com/born-ml/layergraph/internal/graph"
	"github.com/born-ml/layergraph/internal/tensor"
)

// Activation is an elementwise nonlinearity.
type Activation = cpu.Activation

// Supported activations.
const (
	Identity  = cpu.Identity
	ReLU      = cpu.ReLU
	LeakyReLU = cpu.LeakyReLU
	Sigmoid   = cpu.Sigmoid
	Tanh      = cpu.Tanh
	GELU      = cpu.GELU
	SiLU      = cpu.SiLU
	Softplus  = cpu.Softplus
)

// ParseActivation looks an activation up by name.
func ParseActivation(name string) (Activation, error) {
	return cpu.ParseActivation(name)
}

// activationWGSL holds f(x) and f'(x) per activation.
var activationWGSL = map[Activation][2]string{
	Identity:  {"x", "1.0"},
	ReLU:      {"max(x, 0.0)", "select(0.0, 1.0, x > 0.0)"},
	LeakyReLU: {"select(0.01 * x, x, x > 0.0)", "select(0.01, 1.0, x > 0.0)"},
	Sigmoid:   {"sigm(x)", "sigm(x) * (1.0 - sigm(x))"},
	Tanh:      {"th(x)", "1.0 - th(x) * th(x)"},
	GELU:      {"0.5 * x * (1.0 + th(0.7978845608 * (x + 0.044715 * x * x * x)))", "gelu_d(x)"},
	SiLU:      {"x * sigm(x)", "sigm(x) * (1.0 + x * (1.0 - sigm(x)))"},
	Softplus:  {"max(x, 0.0) + log(1.0 + exp(-abs(x)))", "sigm(x)"},
}

const activationHelpers = `
fn sigm(x: f32) -> f32 {
    return 1.0 / (1.0 + exp(-x));
}

fn th(x: f32) -> f32 {
    return tanh(clamp(x, -15.0, 15.0));
}

fn gelu_d(x: f32) -> f32 {
    let t = th(0.7978845608 * (x + 0.044715 * x * x * x));
    return 0.5 * (1.0 + t) + 0.5 * x * (1.0 - t * t) * 0.7978845608 * (1.0 + 0.134145 * x * x);
}

fn act(x: f32) -> f32 {
    return %s;
}

fn dact(x: f32) -> f32 {
    return %s;
}
`

var activated sync.Map // kernel name → *tensor.Kernel

// withActivation returns k specialized for a: the helpers act and dact are
// defined for the body to use.
func withActivation(k *tensor.Kernel, a Activation) *tensor.Kernel {
	name := k.Name + "_" + a.String()
	if v, ok := activated.Load(name); ok {
		return v.(*tensor.Kernel)
	}
	f := activationWGSL[a]
	v, _ := activated.LoadOrStore(name, &tensor.Kernel{
		Name:    name,
		Buffers: k.Buffers,
		Helpers: fmt.Sprintf(activationHelpers, f[0], f[1]) + k.Helpers,
		Body:    k.Body,
		Main:    k.Main,
	})
	return v.(*tensor.Kernel)
}

var (
	activationForward = &tensor.Kernel{
		Name:    "act_fwd",
		Buffers: []string{"x", "y"},
		Body:    "    y[i] = st(act(x[i]));",
	}
	// activationBackward writes or, when pu(0) is 1, accumulates gy·f'(pre).
	activationBackward = &tensor.Kernel{
		Name:    "act_bwd",
		Buffers: []string{"pre", "gy", "gx"},
		Body: `    var base = 0.0;
    if (pu(0u) == 1u) {
        base = gx[i];
    }
    gx[i] = st(base + gy[i] * dact(pre[i]));`,
	}
)

// activateGPU records y = f(x) over n elements.
func activateGPU(ctx *graph.Context, a Activation, y, x tensor.Storage, n int) {
	ctx.DispatchStorage(withActivation(activationForward, a), n, nil, x, y)
}

// activateBackwardGPU records gx (+)= gy·f'(pre) over n elements.
func activateBackwardGPU(ctx *graph.Context, a Activation, gx, gy, pre tensor.Storage, n int, accumulate bool) {
	flag := 0
	if accumulate {
		flag = 1
	}
	ctx.DispatchStorage(withActivation(activationBackward, a), n, []uint32{u(flag)}, pre, gy, gx)
}

// ActivationLayer applies an activation elementwise: y = f(x).
type ActivationLayer struct {
	graph.Base
	act Activation
}

// NewActivation appends an elementwise activation of x.
func NewActivation(g *graph.Graph, x graph.ID, a Activation) (*ActivationLayer, error) {
	const kind = "activation"
	if err := a.Validate(); err != nil {
		return nil, invalid(kind, "%v", err)
	}
	shapes, err := inputShapes(g, kind, x)
	if err != nil {
		return nil, err
	}
	n := &ActivationLayer{Base: graph.NewBase(kind, shapes[0], x), act: a}
	if _, err := g.Add(n); err != nil {
		return nil, err
	}
	return n, nil
}

// Func returns the activation.
func (n *ActivationLayer) Func() Activation { return n.act }

// ForwardCPU implements graph.Node.
func (n *ActivationLayer) ForwardCPU(ctx *graph.Context) error {
	ctx.CPU.Activate(n.act, n.Out().Host(), ctx.In(n, 0).Host())
	return nil
}

// ForwardGPU implements graph.Node.
func (n *ActivationLayer) ForwardGPU(ctx *graph.Context) error {
	activateGPU(ctx, n.act, n.Out().Storage(), ctx.In(n, 0).Storage(), n.Out().Len())
	return nil
}

// BackwardCPU implements graph.Node.
func (n *ActivationLayer) BackwardCPU(ctx *graph.Context) error {
	x, gx, gy := ctx.In(n, 0).Host(), ctx.InGrad(n, 0).Host(), n.Grad().Host()
	a := n.act
	parallelFor(ctx, len(gx), func(i int) {
		gx[i] += gy[i] * a.Derivative(x[i])
	})
	return nil
}

// BackwardGPU implements graph.Node.
func (n *ActivationLayer) BackwardGPU(ctx *graph.Context) error {
	activateBackwardGPU(ctx, n.act, ctx.InGrad(n, 0).Storage(), n.Grad().Storage(), ctx.In(n, 0).Storage(), n.Grad().Len(), true)
	return nil
}
