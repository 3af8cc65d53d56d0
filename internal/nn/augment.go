package nn

import (
	"math"

	"github.com/born-ml/layergraph/internal/graph"
	"github.com/born-ml/layergraph/internal/tensor"
)

// ColorJitter rescales and shifts every example: y = s·x + o with
// s ~ U[1-contrast, 1+contrast] and o ~ U[-brightness, brightness] drawn per
// example in the Train phase. Inference is the identity.
type ColorJitter struct {
	graph.Base
	contrast   float64
	brightness float64
	drawn      []float64
	coef       *tensor.Buffer
}

// NewColorJitter appends a color jitter of x.
func NewColorJitter(g *graph.Graph, x graph.ID, contrast, brightness float64) (*ColorJitter, error) {
	const kind = "color_jitter"
	if contrast < 0 || contrast >= 1 || brightness < 0 || math.IsNaN(contrast) || math.IsNaN(brightness) {
		return nil, invalid(kind, "contrast %g must be in [0, 1) and brightness %g non-negative", contrast, brightness)
	}
	shapes, err := inputShapes(g, kind, x)
	if err != nil {
		return nil, err
	}
	n := &ColorJitter{Base: graph.NewBase(kind, shapes[0], x), contrast: contrast, brightness: brightness}
	if _, err := g.Add(n); err != nil {
		return nil, err
	}
	if n.coef, err = g.AuxExact(n, tensor.Shape{2}); err != nil {
		return nil, err
	}
	return n, nil
}

// Redraw implements graph.Stochastic.
func (n *ColorJitter) Redraw(ctx *graph.Context) error {
	n.drawn = resizeFloats(n.drawn, 2*ctx.BatchSize)
	rng := ctx.Rand()
	for b := 0; b < ctx.BatchSize; b++ {
		n.drawn[2*b] = 1 + (rng.Float64()*2-1)*n.contrast
		n.drawn[2*b+1] = (rng.Float64()*2 - 1) * n.brightness
	}
	return nil
}

func (n *ColorJitter) prepare(ctx *graph.Context) error {
	coef := n.coef.Host()
	if ctx.Phase != graph.Inference && len(n.drawn) == len(coef) {
		copy(coef, n.drawn)
	} else {
		for b := 0; b < ctx.BatchSize; b++ {
			coef[2*b], coef[2*b+1] = 1, 0
		}
	}
	if n.coef.OnDevice() {
		return ctx.Upload(n.coef)
	}
	return nil
}

// ForwardCPU implements graph.Node.
func (n *ColorJitter) ForwardCPU(ctx *graph.Context) error {
	if err := n.prepare(ctx); err != nil {
		return err
	}
	x, y, coef := ctx.In(n, 0).Host(), n.Out().Host(), n.coef.Host()
	size := n.Out().ExampleSize()
	parallelFor(ctx, len(y), func(i int) {
		b := i / size
		y[i] = coef[2*b]*x[i] + coef[2*b+1]
	})
	return nil
}

// BackwardCPU implements graph.Node.
func (n *ColorJitter) BackwardCPU(ctx *graph.Context) error {
	gx, gy, coef := ctx.InGrad(n, 0).Host(), n.Grad().Host(), n.coef.Host()
	size := n.Out().ExampleSize()
	parallelFor(ctx, len(gy), func(i int) {
		gx[i] += coef[2*(i/size)] * gy[i]
	})
	return nil
}

// ForwardGPU implements graph.Node.
func (n *ColorJitter) ForwardGPU(ctx *graph.Context) error {
	if err := n.prepare(ctx); err != nil {
		return err
	}
	ctx.Dispatch(jitterForward, n.Out().Len(), []uint32{u(n.Out().ExampleSize())}, ctx.In(n, 0), n.coef, n.Out())
	return nil
}

// BackwardGPU implements graph.Node.
func (n *ColorJitter) BackwardGPU(ctx *graph.Context) error {
	ctx.Dispatch(jitterBackward, n.Grad().Len(), []uint32{u(n.Out().ExampleSize())}, n.Grad(), n.coef, ctx.InGrad(n, 0))
	return nil
}

// Dropout zeroes each element with probability p in the Train phase and
// scales the survivors by 1/(1-p): y = m·x/(1-p). p = 0 is the identity and
// p = 1 outputs zeros. Inference is the identity.
type Dropout struct {
	graph.Base
	p     float64
	mask  *tensor.Buffer
	drawn int
}

// NewDropout appends a dropout of x with drop probability p.
func NewDropout(g *graph.Graph, x graph.ID, p float64) (*Dropout, error) {
	const kind = "dropout"
	if p < 0 || p > 1 || math.IsNaN(p) {
		return nil, invalid(kind, "probability %g outside [0, 1]", p)
	}
	shapes, err := inputShapes(g, kind, x)
	if err != nil {
		return nil, err
	}
	n := &Dropout{Base: graph.NewBase(kind, shapes[0], x), p: p}
	if _, err := g.Add(n); err != nil {
		return nil, err
	}
	if n.mask, err = g.AuxExact(n, shapes[0]); err != nil {
		return nil, err
	}
	return n, nil
}

// Resize implements graph.Resizer. The reallocated mask holds no draws.
func (n *Dropout) Resize(batch int) error {
	if batch != n.drawn {
		n.drawn = 0
	}
	return nil
}

// Redraw implements graph.Stochastic. Survivors carry the 1/(1-p) scale in
// the mask.
func (n *Dropout) Redraw(ctx *graph.Context) error {
	mask := n.mask.Host()
	keep := 0.0
	if n.p < 1 {
		keep = 1 / (1 - n.p)
	}
	rng := ctx.Rand()
	for i := range mask {
		mask[i] = 0
		if n.p == 0 || rng.Float64() >= n.p {
			mask[i] = keep
		}
	}
	n.drawn = ctx.BatchSize
	if n.mask.OnDevice() {
		return ctx.Upload(n.mask)
	}
	return nil
}

// active reports whether the pass applies the mask.
func (n *Dropout) active(ctx *graph.Context) bool {
	return ctx.Phase != graph.Inference && n.drawn == ctx.BatchSize
}

// ForwardCPU implements graph.Node.
func (n *Dropout) ForwardCPU(ctx *graph.Context) error {
	x, y := ctx.In(n, 0).Host(), n.Out().Host()
	if !n.active(ctx) {
		copy(y, x)
		return nil
	}
	mask := n.mask.Host()
	parallelFor(ctx, len(y), func(i int) {
		y[i] = mask[i] * x[i]
	})
	return nil
}

// BackwardCPU implements graph.Node.
func (n *Dropout) BackwardCPU(ctx *graph.Context) error {
	gx, gy := ctx.InGrad(n, 0).Host(), n.Grad().Host()
	if !n.active(ctx) {
		parallelFor(ctx, len(gy), func(i int) { gx[i] += gy[i] })
		return nil
	}
	mask := n.mask.Host()
	parallelFor(ctx, len(gy), func(i int) {
		gx[i] += mask[i] * gy[i]
	})
	return nil
}

// ForwardGPU implements graph.Node.
func (n *Dropout) ForwardGPU(ctx *graph.Context) error {
	if !n.active(ctx) {
		ctx.Copy(n.Out().Storage(), ctx.In(n, 0).Storage(), n.Out().Len())
		return nil
	}
	ctx.Dispatch(maskForward, n.Out().Len(), nil, ctx.In(n, 0), n.mask, n.Out())
	return nil
}

// BackwardGPU implements graph.Node.
func (n *Dropout) BackwardGPU(ctx *graph.Context) error {
	if !n.active(ctx) {
		ctx.Accumulate(ctx.InGrad(n, 0).Storage(), n.Grad().Storage(), n.Grad().Len(), 1)
		return nil
	}
	ctx.Dispatch(maskBackward, n.Grad().Len(), nil, n.Grad(), n.mask, ctx.InGrad(n, 0))
	return nil
}

var (
	jitterForward = &tensor.Kernel{
		Name:    "jitter_fwd",
		Buffers: []string{"x", "coef", "y"},
		Body: `    let b = i / pu(0u);
    y[i] = st(coef[2u * b] * x[i] + coef[2u * b + 1u]);`,
	}
	jitterBackward = &tensor.Kernel{
		Name:    "jitter_bwd",
		Buffers: []string{"gy", "coef", "gx"},
		Body: `    let b = i / pu(0u);
    gx[i] = st(gx[i] + coef[2u * b] * gy[i]);`,
	}
	maskForward = &tensor.Kernel{
		Name:    "mask_fwd",
		Buffers: []string{"x", "mask", "y"},
		Body:    "    y[i] = st(mask[i] * x[i]);",
	}
	maskBackward = &tensor.Kernel{
		Name:    "mask_bwd",
		Buffers: []string{"gy", "mask", "gx"},
		Body:    "    gx[i] = st(gx[i] + mask[i] * gy[i]);",
	}
)
