package graph

import (
	"github.com/born-ml/layergraph/internal/tensor"
)

// ID identifies a node inside its graph's arena.
type ID int

// State is the cache validity of a node's output.
type State int

// Node states.
const (
	// Dirty marks an output that is stale or was never computed.
	Dirty State = iota
	// Clean marks an output consistent with the current predecessor outputs.
	Clean
)

// String returns the state name.
func (s State) String() string {
	if s == Clean {
		return "clean"
	}
	return "dirty"
}

// Node is one layer kind of the catalog.
//
// Forward rules read their predecessors' outputs and overwrite their own
// output buffer. Backward rules read their own output gradient and add into
// the gradient buffers of their predecessors and parameters; they never
// overwrite, since a predecessor may feed several consumers.
//
// On the GPU target, rules record dispatches on Context.Batch; the graph
// submits and waits once per pass.
type Node interface {
	Meta() *Base
	ForwardCPU(ctx *Context) error
	ForwardGPU(ctx *Context) error
	BackwardCPU(ctx *Context) error
	BackwardGPU(ctx *Context) error
}

// Stochastic is implemented by nodes that draw random values per pass.
// Redraw is called before the node's forward in the Train phase only; the
// draws stay frozen for every other phase.
type Stochastic interface {
	Node
	Redraw(ctx *Context) error
}

// Lossy is implemented by nodes that contribute to the scalar loss. The loss
// is the sum of the host view of LossBuffer after a forward pass; backward
// seeds the node's own loss gradient.
type Lossy interface {
	Node
	LossBuffer() *tensor.Buffer
}

// Resizer is implemented by nodes with per-batch state beyond the buffers
// registered with Base.
type Resizer interface {
	Node
	Resize(batch int) error
}

// Base carries the state shared by every node. Concrete kinds embed it.
type Base struct {
	id    ID
	name  string
	kind  string
	preds []ID
	shape tensor.Shape
	state State

	out    *tensor.Buffer
	grad   *tensor.Buffer
	params []*Param
	aux    []*tensor.Buffer
}

// NewBase creates the shared state for a node of the given kind with output
// shape shape per example.
func NewBase(kind string, shape tensor.Shape, preds ...ID) Base {
	return Base{
		kind:  kind,
		preds: append([]ID(nil), preds...),
		shape: shape.Clone(),
		state: Dirty,
	}
}

// Meta returns b, so that embedding Base satisfies Node.
func (b *Base) Meta() *Base { return b }

// ID returns the arena index.
func (b *Base) ID() ID { return b.id }

// Name returns the node name.
func (b *Base) Name() string { return b.name }

// Kind returns the layer kind.
func (b *Base) Kind() string { return b.kind }

// Preds returns the predecessor IDs in wiring order.
func (b *Base) Preds() []ID { return b.preds }

// Shape returns the per-example output shape.
func (b *Base) Shape() tensor.Shape { return b.shape }

// State returns the cache state.
func (b *Base) State() State { return b.state }

// Out returns the output buffer.
func (b *Base) Out() *tensor.Buffer { return b.out }

// Grad returns the output gradient buffer.
func (b *Base) Grad() *tensor.Buffer { return b.grad }

// Params returns the learnable parameters.
func (b *Base) Params() []*Param { return b.params }

// Param is a learnable buffer with its gradient accumulator. Both hold a
// single example.
type Param struct {
	Name  string
	Value *tensor.Buffer
	Grad  *tensor.Buffer
	owner ID
}

// Owner returns the node that owns the parameter.
func (p *Param) Owner() ID { return p.owner }

// Len returns the number of scalars.
func (p *Param) Len() int { return p.Value.Len() }
