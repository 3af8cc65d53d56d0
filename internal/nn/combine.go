package nn

import (
	"github.com/born-ml/layergraph/internal/graph"
	"github.com/born-ml/layergraph/internal/tensor"
	"gonum.org/v1/gonum/floats"
)

// sameShapes checks that every input has the shape of the first.
func sameShapes(g *graph.Graph, kind string, preds []graph.ID) (tensor.Shape, error) {
	if len(preds) == 0 {
		return nil, miswired(kind, "no inputs")
	}
	shapes, err := inputShapes(g, kind, preds...)
	if err != nil {
		return nil, err
	}
	for i, s := range shapes[1:] {
		if !s.Equal(shapes[0]) {
			return nil, miswired(kind, "input %d has shape %s, want %s", i+1, s, shapes[0])
		}
	}
	return shapes[0], nil
}

// Sum adds its inputs elementwise.
type Sum struct {
	graph.Base
}

// NewSum appends the elementwise sum of inputs of equal shape.
func NewSum(g *graph.Graph, preds ...graph.ID) (*Sum, error) {
	shape, err := sameShapes(g, "sum", preds)
	if err != nil {
		return nil, err
	}
	n := &Sum{Base: graph.NewBase("sum", shape, preds...)}
	if _, err := g.Add(n); err != nil {
		return nil, err
	}
	return n, nil
}

// ForwardCPU implements graph.Node.
func (n *Sum) ForwardCPU(ctx *graph.Context) error {
	y := n.Out().Host()
	copy(y, ctx.In(n, 0).Host())
	for k := 1; k < len(n.Preds()); k++ {
		floats.Add(y, ctx.In(n, k).Host())
	}
	return nil
}

// BackwardCPU implements graph.Node.
func (n *Sum) BackwardCPU(ctx *graph.Context) error {
	for k := range n.Preds() {
		floats.Add(ctx.InGrad(n, k).Host(), n.Grad().Host())
	}
	return nil
}

// ForwardGPU implements graph.Node.
func (n *Sum) ForwardGPU(ctx *graph.Context) error {
	y, size := n.Out().Storage(), n.Out().Len()
	ctx.Copy(y, ctx.In(n, 0).Storage(), size)
	for k := 1; k < len(n.Preds()); k++ {
		ctx.Accumulate(y, ctx.In(n, k).Storage(), size, 1)
	}
	return nil
}

// BackwardGPU implements graph.Node.
func (n *Sum) BackwardGPU(ctx *graph.Context) error {
	for k := range n.Preds() {
		ctx.Accumulate(ctx.InGrad(n, k).Storage(), n.Grad().Storage(), n.Grad().Len(), 1)
	}
	return nil
}

// Multiply multiplies its inputs elementwise.
type Multiply struct {
	graph.Base
}

// NewMultiply appends the elementwise product of inputs of equal shape.
func NewMultiply(g *graph.Graph, preds ...graph.ID) (*Multiply, error) {
	shape, err := sameShapes(g, "multiply", preds)
	if err != nil {
		return nil, err
	}
	n := &Multiply{Base: graph.NewBase("multiply", shape, preds...)}
	if _, err := g.Add(n); err != nil {
		return nil, err
	}
	return n, nil
}

// ForwardCPU implements graph.Node.
func (n *Multiply) ForwardCPU(ctx *graph.Context) error {
	y := n.Out().Host()
	copy(y, ctx.In(n, 0).Host())
	for k := 1; k < len(n.Preds()); k++ {
		floats.Mul(y, ctx.In(n, k).Host())
	}
	return nil
}

// BackwardCPU implements graph.Node.
func (n *Multiply) BackwardCPU(ctx *graph.Context) error {
	gy := n.Grad().Host()
	preds := len(n.Preds())
	for k := 0; k < preds; k++ {
		gx := ctx.InGrad(n, k).Host()
		parallelFor(ctx, len(gy), func(i int) {
			p := gy[i]
			for l := 0; l < preds; l++ {
				if l != k {
					p *= ctx.In(n, l).Host()[i]
				}
			}
			gx[i] += p
		})
	}
	return nil
}

// ForwardGPU implements graph.Node.
func (n *Multiply) ForwardGPU(ctx *graph.Context) error {
	y, size := n.Out().Storage(), n.Out().Len()
	ctx.Copy(y, ctx.In(n, 0).Storage(), size)
	for k := 1; k < len(n.Preds()); k++ {
		ctx.DispatchStorage(multiplyInto, size, nil, ctx.In(n, k).Storage(), y)
	}
	return nil
}

// BackwardGPU implements graph.Node.
func (n *Multiply) BackwardGPU(ctx *graph.Context) error {
	size := n.Grad().Len()
	for k := range n.Preds() {
		partial, err := ctx.Temp(size)
		if err != nil {
			return err
		}
		ctx.Copy(partial, n.Grad().Storage(), size)
		for l := range n.Preds() {
			if l != k {
				ctx.DispatchStorage(multiplyInto, size, nil, ctx.In(n, l).Storage(), partial)
			}
		}
		ctx.Accumulate(ctx.InGrad(n, k).Storage(), partial, size, 1)
	}
	return nil
}

// Concat joins its inputs along the first axis. Every other axis must match.
type Concat struct {
	graph.Base
	sizes []int
}

// NewConcat appends the concatenation of preds along their first axis.
func NewConcat(g *graph.Graph, preds ...graph.ID) (*Concat, error) {
	const kind = "concat"
	if len(preds) == 0 {
		return nil, miswired(kind, "no inputs")
	}
	shapes, err := inputShapes(g, kind, preds...)
	if err != nil {
		return nil, err
	}
	tail := shapes[0].Tail()
	out := shapes[0].Clone()
	sizes := []int{shapes[0].NumElements()}
	for i, s := range shapes[1:] {
		if !s.Tail().Equal(tail) {
			return nil, miswired(kind, "input %d has shape %s, incompatible with %s", i+1, s, shapes[0])
		}
		out[0] += s[0]
		sizes = append(sizes, s.NumElements())
	}
	n := &Concat{Base: graph.NewBase(kind, out, preds...), sizes: sizes}
	if _, err := g.Add(n); err != nil {
		return nil, err
	}
	return n, nil
}

// ForwardCPU implements graph.Node.
func (n *Concat) ForwardCPU(ctx *graph.Context) error {
	y, total := n.Out().Host(), n.Out().ExampleSize()
	off := 0
	for k, size := range n.sizes {
		x := ctx.In(n, k).Host()
		for b := 0; b < ctx.BatchSize; b++ {
			copy(y[b*total+off:b*total+off+size], x[b*size:(b+1)*size])
		}
		off += size
	}
	return nil
}

// BackwardCPU implements graph.Node.
func (n *Concat) BackwardCPU(ctx *graph.Context) error {
	gy, total := n.Grad().Host(), n.Grad().ExampleSize()
	off := 0
	for k, size := range n.sizes {
		gx := ctx.InGrad(n, k).Host()
		for b := 0; b < ctx.BatchSize; b++ {
			floats.Add(gx[b*size:(b+1)*size], gy[b*total+off:b*total+off+size])
		}
		off += size
	}
	return nil
}

// ForwardGPU implements graph.Node.
func (n *Concat) ForwardGPU(ctx *graph.Context) error {
	total := n.Out().ExampleSize()
	off := 0
	for k, size := range n.sizes {
		ctx.Dispatch(concatForward, ctx.BatchSize*size, []uint32{u(size), u(total), u(off)}, ctx.In(n, k), n.Out())
		off += size
	}
	return nil
}

// BackwardGPU implements graph.Node.
func (n *Concat) BackwardGPU(ctx *graph.Context) error {
	total := n.Grad().ExampleSize()
	off := 0
	for k, size := range n.sizes {
		ctx.Dispatch(concatBackward, ctx.BatchSize*size, []uint32{u(size), u(total), u(off)}, n.Grad(), ctx.InGrad(n, k))
		off += size
	}
	return nil
}

// DotProduct is the inner product of two inputs of equal shape, [1] per
// example.
type DotProduct struct {
	graph.Base
}

// NewDotProduct appends the inner product of a and b.
func NewDotProduct(g *graph.Graph, a, b graph.ID) (*DotProduct, error) {
	if _, err := sameShapes(g, "dot_product", []graph.ID{a, b}); err != nil {
		return nil, err
	}
	n := &DotProduct{Base: graph.NewBase("dot_product", tensor.Shape{1}, a, b)}
	if _, err := g.Add(n); err != nil {
		return nil, err
	}
	return n, nil
}

// ForwardCPU implements graph.Node.
func (n *DotProduct) ForwardCPU(ctx *graph.Context) error {
	a, b, y := ctx.In(n, 0), ctx.In(n, 1), n.Out().Host()
	parallelFor(ctx, ctx.BatchSize, func(i int) {
		y[i] = floats.Dot(a.Example(i), b.Example(i))
	})
	return nil
}

// BackwardCPU implements graph.Node.
func (n *DotProduct) BackwardCPU(ctx *graph.Context) error {
	gy := n.Grad().Host()
	for k := 0; k < 2; k++ {
		other := ctx.In(n, 1-k)
		gx := ctx.InGrad(n, k)
		parallelFor(ctx, ctx.BatchSize, func(i int) {
			floats.AddScaled(gx.Example(i), gy[i], other.Example(i))
		})
	}
	return nil
}

// ForwardGPU implements graph.Node.
func (n *DotProduct) ForwardGPU(ctx *graph.Context) error {
	size := ctx.In(n, 0).ExampleSize()
	ctx.Dispatch(dotForward, ctx.BatchSize, []uint32{u(size)}, ctx.In(n, 0), ctx.In(n, 1), n.Out())
	return nil
}

// BackwardGPU implements graph.Node.
func (n *DotProduct) BackwardGPU(ctx *graph.Context) error {
	size := ctx.In(n, 0).ExampleSize()
	for k := 0; k < 2; k++ {
		ctx.Dispatch(dotBackward, ctx.BatchSize*size, []uint32{u(size)}, n.Grad(), ctx.In(n, 1-k), ctx.InGrad(n, k))
	}
	return nil
}

var (
	multiplyInto = &tensor.Kernel{
		Name:    "multiply_into",
		Buffers: []string{"src", "dst"},
		Body:    "    dst[i] = st(dst[i] * src[i]);",
	}
	concatForward = &tensor.Kernel{
		Name:    "concat_fwd",
		Buffers: []string{"x", "y"},
		Body: `    let n = pu(0u);
    y[(i / n) * pu(1u) + pu(2u) + i % n] = st(x[i]);`,
	}
	concatBackward = &tensor.Kernel{
		Name:    "concat_bwd",
		Buffers: []string{"gy", "gx"},
		Body: `    let n = pu(0u);
    gx[i] = st(gx[i] + gy[(i / n) * pu(1u) + pu(2u) + i % n]);`,
	}
	dotForward = &tensor.Kernel{
		Name:    "dot_fwd",
		Buffers: []string{"a", "b", "y"},
		Body: `    let n = pu(0u);
    var s = 0.0;
    for (var k = 0u; k < n; k = k + 1u) {
        s = s + a[i * n + k] * b[i * n + k];
    }
    y[i] = st(s);`,
	}
	dotBackward = &tensor.Kernel{
		Name:    "dot_bwd",
		Buffers: []string{"gy", "other", "gx"},
		Body:    "    gx[i] = st(gx[i] + gy[i / pu(0u)] * other[i]);",
	}
)
