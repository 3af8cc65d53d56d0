// Package graph implements the layer computation graph: an arena of nodes in
// topological order with dual CPU/GPU forward and backward drivers and
// dirty-state caching of intermediate results.
//
// Nodes reference their predecessors by ID. A node appended to the graph may
// only name nodes that are already present, so creation order is a valid
// topological order and stays fixed for the graph's lifetime.
//
// Example:
//
//	g, _ := graph.New(graph.DefaultConfig())
//	x, _ := nn.NewInput(g, tensor.Shape{1})
//	h, _ := nn.NewAffine(g, x.ID(), 5, nn.Tanh)
//	...
//	_ = g.Forward(batch, graph.Train)
//	_ = g.Backward()
package graph

import (
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/born-ml/layergraph/internal/backend/cpu"
	"github.com/born-ml/layergraph/internal/tensor"
)

// Graph owns every node, its buffers, and the pass drivers.
//
// A Graph is not safe for concurrent use; parallelism happens inside the
// node rules.
type Graph struct {
	cfg       Config
	log       *slog.Logger
	cpu       *cpu.CPUBackend
	rng       *rand.Rand
	nodes     []Node
	consumers [][]ID

	batch      int
	phase      Phase
	forwarded  bool
	released   bool
	recomputed int
}

// New creates an empty graph.
func New(cfg Config) (*Graph, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	g := &Graph{
		cfg: cfg,
		log: cfg.Logger.With("component", "graph", "target", cfg.Target.String()),
		cpu: cpu.New(cfg.Parallel),
		rng: rand.New(rand.NewSource(cfg.Seed)), //nolint:gosec // deterministic draws, not security-critical
	}
	return g, nil
}

// Config returns the graph configuration.
func (g *Graph) Config() Config { return g.cfg }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// BatchSize returns the batch size of the last forward pass.
func (g *Graph) BatchSize() int { return g.batch }

// Rand returns the graph's random source.
func (g *Graph) Rand() *rand.Rand { return g.rng }

// Recomputed returns how many nodes the last forward pass evaluated.
func (g *Graph) Recomputed() int { return g.recomputed }

// Node returns the node with the given ID.
func (g *Graph) Node(id ID) Node {
	return g.nodes[id]
}

// Lookup returns the node with the given ID, or an error when it does not
// exist.
func (g *Graph) Lookup(id ID) (Node, error) {
	if id < 0 || int(id) >= len(g.nodes) {
		return nil, fmt.Errorf("%w: unknown node %d", ErrInvalidWiring, id)
	}
	return g.nodes[id], nil
}

// Shape returns the per-example output shape of a node.
func (g *Graph) Shape(id ID) (tensor.Shape, error) {
	n, err := g.Lookup(id)
	if err != nil {
		return nil, err
	}
	return n.Meta().shape, nil
}

// Consumers returns the IDs of the nodes reading id's output.
func (g *Graph) Consumers(id ID) []ID { return g.consumers[id] }

// ParamSpec declares a parameter for Add.
type ParamSpec struct {
	Name  string
	Shape tensor.Shape
	Init  Initializer
}

// Add appends a node. Its predecessors must already be in the graph. Output,
// gradient and declared parameter buffers are allocated here; the node's
// constructor must have validated its configuration beforehand.
func (g *Graph) Add(n Node, params ...ParamSpec) (ID, error) {
	if g.released {
		return 0, ErrReleased
	}
	b := n.Meta()
	id := ID(len(g.nodes))
	for _, p := range b.preds {
		if p < 0 || p >= id {
			return 0, fmt.Errorf("%w: %s depends on unknown node %d", ErrInvalidWiring, b.kind, p)
		}
	}
	if err := b.shape.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %s output: %w", ErrInvalidWiring, b.kind, err)
	}

	b.id = id
	if b.name == "" {
		b.name = fmt.Sprintf("%s%d", b.kind, id)
	}
	batch := max(g.batch, 1)

	if err := g.allocNode(b, batch, params); err != nil {
		releaseBuffers(b)
		b.out, b.grad, b.params = nil, nil, nil
		return 0, err
	}

	g.nodes = append(g.nodes, n)
	g.consumers = append(g.consumers, nil)
	for _, p := range b.preds {
		g.consumers[p] = append(g.consumers[p], id)
	}
	g.forwarded = false

	g.log.Debug("node added", "id", id, "kind", b.kind, "shape", b.shape.String(), "params", len(b.params))
	return id, nil
}

func (g *Graph) allocNode(b *Base, batch int, params []ParamSpec) error {
	var err error
	if b.out, err = g.NewBuffer(b.shape, batch); err != nil {
		return err
	}
	if b.grad, err = g.NewBuffer(b.shape, batch); err != nil {
		return err
	}
	for _, spec := range params {
		p, err := g.newParam(b.id, spec)
		if err != nil {
			return err
		}
		b.params = append(b.params, p)
	}
	return nil
}

func (g *Graph) newParam(owner ID, spec ParamSpec) (*Param, error) {
	value, err := g.NewBuffer(spec.Shape, 1)
	if err != nil {
		return nil, fmt.Errorf("param %s: %w", spec.Name, err)
	}
	grad, err := g.NewBuffer(spec.Shape, 1)
	if err != nil {
		return nil, fmt.Errorf("param %s: %w", spec.Name, err)
	}
	if spec.Init != nil {
		spec.Init(value.Host(), g.rng)
	}
	value.Round(g.cfg.Parallel)
	p := &Param{Name: spec.Name, Value: value, Grad: grad, owner: owner}
	if value.OnDevice() {
		if err := value.Upload(); err != nil {
			return nil, fmt.Errorf("%w: param %s: %w", ErrDevice, spec.Name, err)
		}
	}
	return p, nil
}

// NewBuffer allocates a buffer at the graph's precision, mirrored on the
// device when the target is GPU.
func (g *Graph) NewBuffer(shape tensor.Shape, batch int) (*tensor.Buffer, error) {
	buf, err := tensor.NewBuffer(shape, batch, g.cfg.Precision, g.cfg.device())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDevice, err)
	}
	return buf, nil
}

// NewExactBuffer allocates a buffer that is never rounded below 32 bits, for
// indices, masks and sampling matrices.
func (g *Graph) NewExactBuffer(shape tensor.Shape, batch int) (*tensor.Buffer, error) {
	p := tensor.Float32
	if g.cfg.Target == CPU {
		p = tensor.Float64
	}
	buf, err := tensor.NewBuffer(shape, batch, p, g.cfg.device())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDevice, err)
	}
	return buf, nil
}

// Aux registers a per-example scratch buffer of node n. The graph resizes it
// together with n's output whenever the batch size changes.
//
// Constructors call Aux right after Add. On failure a freshly added n is
// removed from the graph again.
func (g *Graph) Aux(n Node, shape tensor.Shape) (*tensor.Buffer, error) {
	buf, err := g.NewBuffer(shape, max(g.batch, 1))
	if err != nil {
		g.Discard(n)
		return nil, err
	}
	b := n.Meta()
	b.aux = append(b.aux, buf)
	return buf, nil
}

// AuxExact is Aux for exact buffers, see NewExactBuffer.
func (g *Graph) AuxExact(n Node, shape tensor.Shape) (*tensor.Buffer, error) {
	buf, err := g.NewExactBuffer(shape, max(g.batch, 1))
	if err != nil {
		g.Discard(n)
		return nil, err
	}
	b := n.Meta()
	b.aux = append(b.aux, buf)
	return buf, nil
}

// Discard undoes the Add of n when n is the most recently added node and
// frees its buffers. Constructors call it when an allocation after Add fails.
func (g *Graph) Discard(n Node) {
	last := len(g.nodes) - 1
	if last < 0 || g.nodes[last] != n {
		return
	}
	b := n.Meta()
	for _, p := range b.preds {
		g.consumers[p] = removeID(g.consumers[p], b.id)
	}
	g.nodes[last] = nil
	g.nodes = g.nodes[:last]
	g.consumers = g.consumers[:last]
	releaseBuffers(b)
	if r, ok := n.(interface{ Release() }); ok {
		r.Release()
	}
	b.out, b.grad, b.aux, b.params = nil, nil, nil, nil
	g.log.Debug("node discarded", "id", b.id, "kind", b.kind)
}

func releaseBuffers(b *Base) {
	b.out.Release()
	b.grad.Release()
	for _, a := range b.aux {
		a.Release()
	}
	for _, p := range b.params {
		p.Value.Release()
		p.Grad.Release()
	}
}

// SetName renames a node.
func (g *Graph) SetName(id ID, name string) {
	g.nodes[id].Meta().name = name
}

// MarkDirty invalidates id and every node downstream of it.
func (g *Graph) MarkDirty(id ID) {
	seen := make(map[ID]bool)
	stack := []ID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		g.nodes[cur].Meta().state = Dirty
		stack = append(stack, g.consumers[cur]...)
	}
}

// MarkAllDirty invalidates every node.
func (g *Graph) MarkAllDirty() {
	for _, n := range g.nodes {
		n.Meta().state = Dirty
	}
}

// Rewire replaces the predecessors of id. The new predecessors must precede
// id and match the shapes of the ones they replace. id and its descendants
// become dirty.
func (g *Graph) Rewire(id ID, preds ...ID) error {
	n, err := g.Lookup(id)
	if err != nil {
		return err
	}
	b := n.Meta()
	if len(preds) != len(b.preds) {
		return fmt.Errorf("%w: %s takes %d inputs, got %d", ErrInvalidWiring, b.kind, len(b.preds), len(preds))
	}
	for i, p := range preds {
		if p < 0 || p >= id {
			return fmt.Errorf("%w: %s cannot depend on node %d", ErrInvalidWiring, b.kind, p)
		}
		want, have := g.nodes[b.preds[i]].Meta().shape, g.nodes[p].Meta().shape
		if !want.Equal(have) {
			return fmt.Errorf("%w: %s input %d: shape %s, want %s", ErrInvalidWiring, b.kind, i, have, want)
		}
	}

	for _, p := range b.preds {
		g.consumers[p] = removeID(g.consumers[p], id)
	}
	b.preds = append(b.preds[:0], preds...)
	for _, p := range b.preds {
		g.consumers[p] = append(g.consumers[p], id)
	}
	g.MarkDirty(id)
	return nil
}

// removeID drops one occurrence of id.
func removeID(ids []ID, id ID) []ID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// Params returns every parameter in node order.
func (g *Graph) Params() []*Param {
	var out []*Param
	for _, n := range g.nodes {
		out = append(out, n.Meta().params...)
	}
	return out
}

// ParamChanged publishes a host-side edit of p's value: the value is rounded,
// uploaded when on the device, and the owner becomes dirty.
func (g *Graph) ParamChanged(p *Param) error {
	p.Value.Round(g.cfg.Parallel)
	if p.Value.OnDevice() {
		if err := p.Value.Upload(); err != nil {
			return fmt.Errorf("%w: %w", ErrDevice, err)
		}
	}
	g.MarkDirty(p.owner)
	return nil
}

// Release frees every buffer. The graph cannot be used afterwards.
func (g *Graph) Release() {
	if g.released {
		return
	}
	for _, n := range g.nodes {
		releaseBuffers(n.Meta())
		if r, ok := n.(interface{ Release() }); ok {
			r.Release()
		}
	}
	g.nodes = nil
	g.consumers = nil
	g.released = true
}
