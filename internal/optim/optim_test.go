package optim_test

import (
	"testing"

	"github.com/born-ml/layergraph/internal/graph"
	"github.com/born-ml/layergraph/internal/nn"
	"github.com/born-ml/layergraph/internal/optim"
	"github.com/born-ml/layergraph/internal/parallel"
	"github.com/born-ml/layergraph/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newParam creates a host-only parameter holding values, with a zero gradient.
func newParam(t *testing.T, name string, values ...float64) *graph.Param {
	t.Helper()
	shape := tensor.Shape{len(values)}
	value, err := tensor.NewBuffer(shape, 1, tensor.Float64, nil)
	require.NoError(t, err)
	grad, err := tensor.NewBuffer(shape, 1, tensor.Float64, nil)
	require.NoError(t, err)
	copy(value.Host(), values)
	return &graph.Param{Name: name, Value: value, Grad: grad}
}

func setGrad(p *graph.Param, grads ...float64) { copy(p.Grad.Host(), grads) }

// TestSGD_SimpleUpdate tests SGD without momentum.
func TestSGD_SimpleUpdate(t *testing.T) {
	x := newParam(t, "x", 2.0)
	opt, err := optim.NewSGD(optim.SGDConfig{Config: optim.Config{LR: 0.1}})
	require.NoError(t, err)

	setGrad(x, 1.0)
	require.NoError(t, opt.Step([]*graph.Param{x}))

	// x_new = x_old - lr * grad = 2.0 - 0.1 * 1.0
	assert.InDelta(t, 1.9, x.Value.Host()[0], 1e-12)
	assert.Nil(t, opt.State(x), "plain SGD keeps no state")
}

// TestSGD_WithMomentum tests SGD with momentum.
func TestSGD_WithMomentum(t *testing.T) {
	x := newParam(t, "x", 1.0)
	opt, err := optim.NewSGD(optim.SGDConfig{Config: optim.Config{LR: 0.1}, Momentum: 0.9})
	require.NoError(t, err)
	params := []*graph.Param{x}

	// First step: v = 1, x = 1 - 0.1
	setGrad(x, 1.0)
	require.NoError(t, opt.Step(params))
	assert.InDelta(t, 0.9, x.Value.Host()[0], 1e-12)

	// Second step: v = 0.9*1 + 1 = 1.9, x = 0.9 - 0.19
	require.NoError(t, opt.Step(params))
	assert.InDelta(t, 0.71, x.Value.Host()[0], 1e-12)
	assert.InDelta(t, 1.9, opt.State(x)[0][0], 1e-12)
}

// TestAdam_FirstStep checks that the bias-corrected first step moves by lr.
func TestAdam_FirstStep(t *testing.T) {
	x := newParam(t, "x", 1.0)
	opt, err := optim.NewAdam(optim.AdamConfig{})
	require.NoError(t, err)
	assert.InDelta(t, 0.001, opt.LR(), 0)

	setGrad(x, 1.0)
	require.NoError(t, opt.Step([]*graph.Param{x}))
	assert.InDelta(t, 0.999, x.Value.Host()[0], 1e-9)

	state := opt.State(x)
	require.Len(t, state, 2)
	assert.InDelta(t, 0.1, state[0][0], 1e-12)
	assert.InDelta(t, 0.001, state[1][0], 1e-12)
}

// TestAdam_Timestep tests the step counter and Reset.
func TestAdam_Timestep(t *testing.T) {
	x := newParam(t, "x", 1.0)
	opt, err := optim.NewAdam(optim.AdamConfig{Config: optim.Config{LR: 0.01}})
	require.NoError(t, err)
	setGrad(x, 0.5)

	for i := 1; i <= 3; i++ {
		require.NoError(t, opt.Step([]*graph.Param{x}))
		assert.Equal(t, i, opt.Timestep())
	}

	opt.Reset()
	assert.Equal(t, 0, opt.Timestep())
	assert.Nil(t, opt.State(x))

	// After a reset the first step is bias-corrected from scratch again.
	before := x.Value.Host()[0]
	require.NoError(t, opt.Step([]*graph.Param{x}))
	assert.InDelta(t, before-0.01, x.Value.Host()[0], 1e-9)
}

func TestAMSGrad_KeepsMaximum(t *testing.T) {
	x := newParam(t, "x", 1.0)
	opt, err := optim.NewAdam(optim.AdamConfig{AMSGrad: true})
	require.NoError(t, err)
	params := []*graph.Param{x}

	setGrad(x, 1.0)
	require.NoError(t, opt.Step(params))
	setGrad(x, 0)
	require.NoError(t, opt.Step(params))

	state := opt.State(x)
	require.Len(t, state, 3)
	assert.InDelta(t, 0.000999, state[1][0], 1e-12, "v decays")
	assert.InDelta(t, 0.001, state[2][0], 1e-12, "max v does not")
}

func TestRAdam_Warmup(t *testing.T) {
	x := newParam(t, "x", 1.0)
	opt, err := optim.NewRAdam(optim.RAdamConfig{AdamConfig: optim.AdamConfig{Config: optim.Config{LR: 0.01}}})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, opt.Rho(1), 1e-9)
	assert.Less(t, opt.Rho(5), 5.0)
	assert.Greater(t, opt.Rho(6), 5.0)

	// Until rho_t passes the threshold the step is lr * m_hat, and m_hat is
	// exactly the constant gradient.
	setGrad(x, 1.0)
	for range 5 {
		require.NoError(t, opt.Step([]*graph.Param{x}))
	}
	assert.InDelta(t, 0.95, x.Value.Host()[0], 1e-12)

	require.NoError(t, opt.Step([]*graph.Param{x}))
	moved := 0.95 - x.Value.Host()[0]
	assert.Greater(t, moved, 0.0)
	assert.Less(t, moved, 0.01, "rectification shrinks the adaptive step")
}

func TestAdaBound_FirstStepMatchesAdam(t *testing.T) {
	x := newParam(t, "x", 1.0)
	opt, err := optim.NewAdaBound(optim.AdaBoundConfig{})
	require.NoError(t, err)

	setGrad(x, 1.0)
	require.NoError(t, opt.Step([]*graph.Param{x}))
	assert.InDelta(t, 0.999, x.Value.Host()[0], 1e-9)
}

func TestAdaBound_ClipsToBounds(t *testing.T) {
	x := newParam(t, "x", 1.0)
	opt, err := optim.NewAdaBound(optim.AdaBoundConfig{
		AdamConfig: optim.AdamConfig{Config: optim.Config{LR: 1e-6}},
		FinalLR:    0.1,
		Gamma:      1,
	})
	require.NoError(t, err)

	lower, upper := opt.Bounds(1)
	assert.InDelta(t, 0.05, lower, 1e-12)
	assert.InDelta(t, 0.2, upper, 1e-12)

	// The adaptive rate is about 1e-5, far below the lower bound, so the step
	// is lower * m = 0.05 * 0.1.
	setGrad(x, 1.0)
	require.NoError(t, opt.Step([]*graph.Param{x}))
	assert.InDelta(t, 0.995, x.Value.Host()[0], 1e-9)

	lower, upper = opt.Bounds(1000)
	assert.InDelta(t, 0.1, lower, 1e-3)
	assert.InDelta(t, 0.1, upper, 1e-3)
}

func TestWeightDecay_Modes(t *testing.T) {
	run := func(decay optim.Decay) float64 {
		x := newParam(t, "x", 2.0)
		opt, err := optim.NewSGD(optim.SGDConfig{
			Config:   optim.Config{LR: 0.1, WeightDecay: 0.5, Decay: decay},
			Momentum: 0.9,
		})
		require.NoError(t, err)
		setGrad(x, 1.0)
		for range 2 {
			require.NoError(t, opt.Step([]*graph.Param{x}))
		}
		return x.Value.Host()[0]
	}

	// Coupled: the decay term enters the velocity.
	//   g1 = 1 + 0.5*2 = 2,    v = 2,   x = 1.8
	//   g2 = 1 + 0.5*1.8 = 1.9, v = 3.7, x = 1.43
	assert.InDelta(t, 1.43, run(optim.Coupled), 1e-12)

	// Decoupled: the decay shrinks the weight directly.
	//   v = 1,   x = 2 - 0.1 - 0.1*0.5*2 = 1.8
	//   v = 1.9, x = 1.8 - 0.19 - 0.1*0.5*1.8 = 1.52
	assert.InDelta(t, 1.52, run(optim.Decoupled), 1e-12)
}

func TestWeightDecay_AdamNormalizesCoupledDecay(t *testing.T) {
	run := func(decay optim.Decay) []float64 {
		x := newParam(t, "x", 2, 4)
		opt, err := optim.NewAdam(optim.AdamConfig{Config: optim.Config{LR: 0.1, WeightDecay: 0.5, Decay: decay}})
		require.NoError(t, err)
		require.NoError(t, opt.Step([]*graph.Param{x}))
		return x.Value.Host()
	}
	// With a zero gradient coupled decay becomes a unit Adam step per element,
	// while decoupled decay is proportional to the weight.
	assert.InDeltaSlice(t, []float64{1.9, 3.9}, run(optim.Coupled), 1e-6)
	assert.InDeltaSlice(t, []float64{1.9, 3.8}, run(optim.Decoupled), 1e-12)
}

// TestOptimizers_Quadratic minimizes f(x) = (x - 3)² with every optimizer.
func TestOptimizers_Quadratic(t *testing.T) {
	for _, name := range []string{"sgd", "momentum", "adam", "amsgrad", "radam", "adabound", "amsbound"} {
		t.Run(name, func(t *testing.T) {
			opt, err := optim.New(name, optim.Config{LR: 0.05, Parallel: parallel.Sequential()})
			require.NoError(t, err)
			x := newParam(t, "x", 0)
			for range 1000 {
				setGrad(x, 2*(x.Value.Host()[0]-3))
				require.NoError(t, opt.Step([]*graph.Param{x}))
			}
			assert.InDelta(t, 3.0, x.Value.Host()[0], 1e-3)
		})
	}
}

// TestOptimizers_MultipleParams checks that every parameter keeps its own state.
func TestOptimizers_MultipleParams(t *testing.T) {
	a := newParam(t, "a", 1, 2, 3)
	b := newParam(t, "b", -1)
	opt, err := optim.NewAdam(optim.AdamConfig{Config: optim.Config{LR: 0.1}})
	require.NoError(t, err)

	setGrad(a, 1, 1, 1)
	setGrad(b, -1)
	require.NoError(t, opt.Step([]*graph.Param{a, b}))

	assert.InDeltaSlice(t, []float64{0.9, 1.9, 2.9}, a.Value.Host(), 1e-6)
	assert.InDelta(t, -0.9, b.Value.Host()[0], 1e-6)
	assert.Len(t, opt.State(a)[0], 3)
	assert.Len(t, opt.State(b)[0], 1)
}

func TestOptimizers_InvalidConfig(t *testing.T) {
	tests := []struct {
		name  string
		build func() error
	}{
		{"negative lr", func() error { _, err := optim.NewSGD(optim.SGDConfig{Config: optim.Config{LR: -1}}); return err }},
		{"momentum one", func() error { _, err := optim.NewSGD(optim.SGDConfig{Momentum: 1}); return err }},
		{"negative decay", func() error {
			_, err := optim.NewAdam(optim.AdamConfig{Config: optim.Config{WeightDecay: -0.1}})
			return err
		}},
		{"unknown decay mode", func() error { _, err := optim.NewAdam(optim.AdamConfig{Config: optim.Config{Decay: 7}}); return err }},
		{"beta out of range", func() error { _, err := optim.NewAdam(optim.AdamConfig{Beta1: 1}); return err }},
		{"radam warmup", func() error { _, err := optim.NewRAdam(optim.RAdamConfig{Warmup: 2}); return err }},
		{"adabound gamma", func() error { _, err := optim.NewAdaBound(optim.AdaBoundConfig{Gamma: -1}); return err }},
		{"unknown name", func() error { _, err := optim.New("lion", optim.DefaultConfig()); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.build(), graph.ErrInvalidConfig)
		})
	}
}

// TestApply_TrainsGraph fits y = 2x + 1 through Graph.Apply.
func TestApply_TrainsGraph(t *testing.T) {
	cfg := graph.DefaultConfig()
	cfg.Precision = tensor.Float64
	g, err := graph.New(cfg)
	require.NoError(t, err)

	x, err := nn.NewInput(g, tensor.Shape{1})
	require.NoError(t, err)
	y, err := nn.NewInput(g, tensor.Shape{1})
	require.NoError(t, err)
	xs := []float64{-1, -0.5, 0, 0.5, 1}
	ys := make([]float64, len(xs))
	for i, v := range xs {
		ys[i] = 2*v + 1
	}
	require.NoError(t, x.SetValues(xs, len(xs)))
	require.NoError(t, y.SetValues(ys, len(ys)))

	fit, err := nn.NewAffine(g, x.ID(), 1, nn.Identity)
	require.NoError(t, err)
	_, err = nn.NewMSE(g, fit.ID(), y.ID(), 1)
	require.NoError(t, err)

	opt, err := optim.New("momentum", optim.Config{LR: 0.1})
	require.NoError(t, err)

	var first, last float64
	for step := range 200 {
		require.NoError(t, g.Forward(len(xs), graph.Train))
		loss, err := g.Loss()
		require.NoError(t, err)
		if step == 0 {
			first = loss
		}
		last = loss
		require.NoError(t, g.Backward())
		require.NoError(t, g.Apply(opt.Step))
	}
	assert.Less(t, last, first)
	assert.Less(t, last, 1e-6)
	assert.Equal(t, 200, opt.Timestep())
}
