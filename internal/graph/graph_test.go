package graph

import (
	"errors"
	"testing"

	"github.com/born-ml/layergraph/internal/parallel"
	"github.com/born-ml/layergraph/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// source outputs fixed per-example data.
type source struct {
	Base
	data []float64
}

func (s *source) ForwardCPU(ctx *Context) error {
	for b := 0; b < ctx.BatchSize; b++ {
		copy(s.out.Example(b), s.data)
	}
	return nil
}
func (s *source) ForwardGPU(*Context) error  { return errors.New("cpu only") }
func (s *source) BackwardCPU(*Context) error { return nil }
func (s *source) BackwardGPU(*Context) error { return errors.New("cpu only") }

// scale computes y = a·x with a learnable scalar a.
type scale struct {
	Base
	forwards int
}

func (s *scale) a() float64 { return s.params[0].Value.Host()[0] }

func (s *scale) ForwardCPU(ctx *Context) error {
	s.forwards++
	x := ctx.In(s, 0).Host()
	for i, v := range x {
		s.out.Host()[i] = s.a() * v
	}
	return nil
}

func (s *scale) BackwardCPU(ctx *Context) error {
	x := ctx.In(s, 0).Host()
	gx := ctx.InGrad(s, 0).Host()
	for i, g := range s.grad.Host() {
		gx[i] += g * s.a()
		s.params[0].Grad.Host()[0] += g * x[i]
	}
	return nil
}
func (s *scale) ForwardGPU(*Context) error  { return errors.New("cpu only") }
func (s *scale) BackwardGPU(*Context) error { return errors.New("cpu only") }

// sumSquares is a terminal loss L = Σ x².
type sumSquares struct {
	Base
}

func (l *sumSquares) LossBuffer() *tensor.Buffer { return l.out }

func (l *sumSquares) ForwardCPU(ctx *Context) error {
	x := ctx.In(l, 0)
	for b := 0; b < ctx.BatchSize; b++ {
		s := 0.0
		for _, v := range x.Example(b) {
			s += v * v
		}
		l.out.Host()[b] = s
	}
	return nil
}

func (l *sumSquares) BackwardCPU(ctx *Context) error {
	x := ctx.In(l, 0).Host()
	gx := ctx.InGrad(l, 0).Host()
	for i, v := range x {
		gx[i] += 2 * v
	}
	return nil
}
func (l *sumSquares) ForwardGPU(*Context) error  { return errors.New("cpu only") }
func (l *sumSquares) BackwardGPU(*Context) error { return errors.New("cpu only") }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Precision = tensor.Float64
	cfg.Parallel = parallel.Sequential()
	return cfg
}

func addSource(t *testing.T, g *Graph, data ...float64) ID {
	t.Helper()
	s := &source{Base: NewBase("source", tensor.Shape{len(data)}), data: data}
	id, err := g.Add(s)
	require.NoError(t, err)
	return id
}

func addScale(t *testing.T, g *Graph, in ID, a float64) *scale {
	t.Helper()
	shape, err := g.Shape(in)
	require.NoError(t, err)
	s := &scale{Base: NewBase("scale", shape, in)}
	_, err = g.Add(s, ParamSpec{Name: "a", Shape: tensor.Shape{1}, Init: Constant(a)})
	require.NoError(t, err)
	return s
}

func addLoss(t *testing.T, g *Graph, in ID) ID {
	t.Helper()
	l := &sumSquares{Base: NewBase("loss", tensor.Shape{1}, in)}
	id, err := g.Add(l)
	require.NoError(t, err)
	return id
}

func TestForward_CleanNodesAreNotRecomputed(t *testing.T) {
	g, err := New(testConfig())
	require.NoError(t, err)
	src := addSource(t, g, 1, 2)
	s1 := addScale(t, g, src, 2)
	s2 := addScale(t, g, s1.ID(), 3)
	addLoss(t, g, s2.ID())

	require.NoError(t, g.Forward(2, Train))
	assert.Equal(t, 4, g.Recomputed())
	for i := 0; i < g.Len(); i++ {
		assert.Equal(t, Clean, g.Node(ID(i)).Meta().State())
	}

	require.NoError(t, g.Forward(2, Train))
	assert.Equal(t, 0, g.Recomputed())
	assert.Equal(t, 1, s1.forwards)

	// Touching s2 leaves its upstream alone.
	g.MarkDirty(s2.ID())
	assert.Equal(t, Clean, s1.State())
	require.NoError(t, g.Forward(2, Train))
	assert.Equal(t, 2, g.Recomputed())
	assert.Equal(t, 1, s1.forwards)
	assert.Equal(t, 2, s2.forwards)

	out, err := g.Output(s2.ID())
	require.NoError(t, err)
	assert.Equal(t, []float64{6, 12, 6, 12}, out)
}

func TestForward_BatchChangeRecomputesEverything(t *testing.T) {
	g, err := New(testConfig())
	require.NoError(t, err)
	src := addSource(t, g, 1)
	s := addScale(t, g, src, 2)

	require.NoError(t, g.Forward(1, Train))
	require.NoError(t, g.Forward(3, Train))
	assert.Equal(t, 2, g.Recomputed())
	assert.Equal(t, 3, s.Out().Batch())
	assert.Equal(t, 3, s.Grad().Batch())

	require.NoError(t, g.Forward(3, Inference))
	assert.Equal(t, 2, g.Recomputed(), "phase change invalidates")
}

func TestRewire_NoStaleResults(t *testing.T) {
	g, err := New(testConfig())
	require.NoError(t, err)
	a := addSource(t, g, 1, 1)
	b := addSource(t, g, 5, 7)
	s := addScale(t, g, a, 2)
	down := addScale(t, g, s.ID(), 10)

	require.NoError(t, g.Forward(1, Train))
	out, err := g.Output(down.ID())
	require.NoError(t, err)
	assert.Equal(t, []float64{20, 20}, out)

	require.NoError(t, g.Rewire(s.ID(), b))
	assert.Equal(t, Dirty, s.State())
	assert.Equal(t, Dirty, down.State())
	assert.Equal(t, []ID{s.ID()}, g.Consumers(b))
	assert.Empty(t, g.Consumers(a))

	require.NoError(t, g.Forward(1, Train))
	out, err = g.Output(down.ID())
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 140}, out)
}

func TestRewire_Invalid(t *testing.T) {
	g, err := New(testConfig())
	require.NoError(t, err)
	a := addSource(t, g, 1, 1)
	narrow := addSource(t, g, 1)
	s := addScale(t, g, a, 2)
	later := addSource(t, g, 3, 3)

	assert.ErrorIs(t, g.Rewire(s.ID(), narrow), ErrInvalidWiring)
	assert.ErrorIs(t, g.Rewire(s.ID(), later), ErrInvalidWiring)
	assert.ErrorIs(t, g.Rewire(s.ID(), a, a), ErrInvalidWiring)
	assert.ErrorIs(t, g.Rewire(99, a), ErrInvalidWiring)
}

func TestAdd_RejectsUnknownPredecessor(t *testing.T) {
	g, err := New(testConfig())
	require.NoError(t, err)
	_, err = g.Add(&scale{Base: NewBase("scale", tensor.Shape{1}, 0)})
	assert.ErrorIs(t, err, ErrInvalidWiring)
	_, err = g.Add(&source{Base: NewBase("source", tensor.Shape{0})})
	assert.ErrorIs(t, err, ErrInvalidWiring)
}

func TestBackward(t *testing.T) {
	g, err := New(testConfig())
	require.NoError(t, err)
	src := addSource(t, g, 1, 2)
	s := addScale(t, g, src, 3)
	addLoss(t, g, s.ID())

	assert.ErrorIs(t, g.Backward(), ErrNotForwarded)
	_, err = g.Loss()
	assert.ErrorIs(t, err, ErrNotForwarded)

	require.NoError(t, g.Forward(2, Train))
	loss, err := g.Loss()
	require.NoError(t, err)
	assert.Equal(t, 2*(9.0+36.0), loss)

	// dL/da = Σ 2·a·x² over both examples.
	require.NoError(t, g.Backward())
	assert.Equal(t, 2*2*3*(1.0+4.0), s.Params()[0].Grad.Host()[0])

	// Gradients are reset, not accumulated across passes.
	require.NoError(t, g.Backward())
	assert.Equal(t, 2*2*3*(1.0+4.0), s.Params()[0].Grad.Host()[0])

	gin, err := g.Gradient(src)
	require.NoError(t, err)
	assert.Equal(t, []float64{18, 36, 18, 36}, gin)
}

func TestApply_MarksOwnersDirty(t *testing.T) {
	g, err := New(testConfig())
	require.NoError(t, err)
	src := addSource(t, g, 1)
	s1 := addScale(t, g, src, 1)
	s2 := addScale(t, g, s1.ID(), 1)
	addLoss(t, g, s2.ID())

	require.NoError(t, g.Forward(1, Train))
	require.NoError(t, g.Backward())
	require.NoError(t, g.Apply(func(params []*Param) error {
		require.Len(t, params, 2)
		params[1].Value.Host()[0] = 0.5
		return nil
	}))
	assert.Equal(t, Clean, g.Node(src).Meta().State())
	assert.Equal(t, Dirty, s1.State())
	assert.Equal(t, Dirty, s2.State())

	require.NoError(t, g.Forward(1, Train))
	assert.Equal(t, 3, g.Recomputed())
	loss, err := g.Loss()
	require.NoError(t, err)
	assert.Equal(t, 0.25, loss)
}

func TestPrecisionRoundsOutputs(t *testing.T) {
	cfg := testConfig()
	cfg.Precision = tensor.Float16
	g, err := New(cfg)
	require.NoError(t, err)
	src := addSource(t, g, 1.0/3.0)
	s := addScale(t, g, src, 1)

	require.NoError(t, g.Forward(1, Train))
	assert.Equal(t, tensor.Float16.Round(1.0/3.0), s.Out().Host()[0])
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Target = GPU
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.Precision = tensor.Precision(9)
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	_, err := New(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRelease(t *testing.T) {
	g, err := New(testConfig())
	require.NoError(t, err)
	addSource(t, g, 1)
	g.Release()
	assert.ErrorIs(t, g.Forward(1, Train), ErrReleased)
	g.Release()
}

// noisy copies its input and counts redraws.
type noisy struct {
	Base
	draws int
}

func (n *noisy) Redraw(*Context) error { n.draws++; return nil }

func (n *noisy) ForwardCPU(ctx *Context) error {
	copy(n.out.Host(), ctx.In(n, 0).Host())
	return nil
}
func (n *noisy) BackwardCPU(*Context) error { return nil }
func (n *noisy) ForwardGPU(*Context) error  { return errors.New("cpu only") }
func (n *noisy) BackwardGPU(*Context) error { return errors.New("cpu only") }

// flaky fails its forward pass while fail is set.
type flaky struct {
	Base
	fail bool
}

func (f *flaky) ForwardCPU(*Context) error {
	if f.fail {
		return errors.New("flaky")
	}
	return nil
}
func (f *flaky) BackwardCPU(*Context) error { return nil }
func (f *flaky) ForwardGPU(*Context) error  { return errors.New("cpu only") }
func (f *flaky) BackwardGPU(*Context) error { return errors.New("cpu only") }

func TestForward_FailureLeavesDescendantsDirty(t *testing.T) {
	g, err := New(testConfig())
	require.NoError(t, err)
	src := addSource(t, g, 1, 2)
	n := &noisy{Base: NewBase("noisy", tensor.Shape{2}, src)}
	_, err = g.Add(n)
	require.NoError(t, err)
	f := &flaky{Base: NewBase("flaky", tensor.Shape{2}, n.ID())}
	_, err = g.Add(f)
	require.NoError(t, err)
	down := addScale(t, g, n.ID(), 2)
	loss := addLoss(t, g, down.ID())

	require.NoError(t, g.Forward(1, Train))
	f.fail = true
	require.Error(t, g.Forward(1, Train))

	assert.Equal(t, Clean, g.Node(src).Meta().State())
	for _, id := range []ID{n.ID(), f.ID(), down.ID(), loss} {
		assert.Equal(t, Dirty, g.Node(id).Meta().State(), "node %d", id)
	}

	f.fail = false
	require.NoError(t, g.Forward(1, Train))
	for i := 0; i < g.Len(); i++ {
		assert.Equal(t, Clean, g.Node(ID(i)).Meta().State())
	}
	out, err := g.Output(down.ID())
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 4}, out)
}

func TestMarkDirty_ReachesPastDirtyNodes(t *testing.T) {
	g, err := New(testConfig())
	require.NoError(t, err)
	src := addSource(t, g, 1)
	s1 := addScale(t, g, src, 1)
	s2 := addScale(t, g, s1.ID(), 1)
	require.NoError(t, g.Forward(1, Train))

	s1.state = Dirty
	g.MarkDirty(src)
	assert.Equal(t, Dirty, s2.State())
}

func TestAux_FailureDiscardsNode(t *testing.T) {
	g, err := New(testConfig())
	require.NoError(t, err)
	src := addSource(t, g, 1, 2)
	s := &scale{Base: NewBase("scale", tensor.Shape{2}, src)}
	_, err = g.Add(s, ParamSpec{Name: "a", Shape: tensor.Shape{1}, Init: Constant(1)})
	require.NoError(t, err)
	require.Equal(t, 2, g.Len())

	_, err = g.Aux(s, tensor.Shape{0})
	require.Error(t, err)
	assert.Equal(t, 1, g.Len())
	assert.Empty(t, g.Consumers(src))
	assert.Empty(t, g.Params())

	ok := addScale(t, g, src, 3)
	assert.Equal(t, ID(1), ok.ID())
	require.NoError(t, g.Forward(1, Train))
	out, err := g.Output(ok.ID())
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 6}, out)
}

func TestAdd_FailureLeavesGraphUnchanged(t *testing.T) {
	g, err := New(testConfig())
	require.NoError(t, err)
	src := addSource(t, g, 1)
	s := &scale{Base: NewBase("scale", tensor.Shape{1}, src)}
	_, err = g.Add(s, ParamSpec{Name: "a", Shape: tensor.Shape{0}})
	require.Error(t, err)
	assert.Equal(t, 1, g.Len())
	assert.Empty(t, g.Consumers(src))
	assert.Nil(t, s.Out())
}
