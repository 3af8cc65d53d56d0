// Package optim implements the optimizer engine that updates graph
// parameters from their accumulated gradients.
//
// This package provides:
//   - Optimizer interface: Base interface for all optimizers
//   - SGD: Stochastic Gradient Descent with optional momentum
//   - Adam and AMSGrad: Adaptive Moment Estimation
//   - RAdam: Adam with variance rectification
//   - AdaBound and AMSBound: Adam with dynamic step-size bounds
//
// Every optimizer supports coupled (L2) or decoupled weight decay. State
// buffers are created lazily on the first update of a parameter and live
// until Reset.
//
// Example usage:
//
//	opt, _ := optim.NewAdam(optim.AdamConfig{Config: optim.Config{LR: 0.001}})
//
//	for step := range steps {
//	    _ = g.Forward(batch, graph.Train)
//	    _ = g.Backward()
//	    _ = g.Apply(opt.Step)
//	}
package optim

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/born-ml/layergraph/internal/graph"
	"github.com/born-ml/layergraph/internal/parallel"
)

// Optimizer is the base interface for all optimization algorithms.
//
// Step has the signature Graph.Apply expects: gradients are on the host when
// it runs, and the graph publishes the updated values afterwards.
type Optimizer interface {
	// Step applies one update to every parameter and advances the step
	// counter.
	Step(params []*graph.Param) error

	// Reset drops every state buffer and rewinds the step counter.
	Reset()

	// LR returns the current learning rate.
	LR() float64

	// SetLR updates the learning rate, for scheduling.
	SetLR(lr float64)

	// Timestep returns the number of steps taken since creation or Reset.
	Timestep() int
}

// Decay selects how weight decay enters the update.
type Decay int

// Weight decay modes.
const (
	// Coupled adds λ·w to the gradient (L2 regularization).
	Coupled Decay = iota
	// Decoupled shrinks the weight directly: w -= lr·λ·w.
	Decoupled
)

// String returns the mode name.
func (d Decay) String() string {
	if d == Decoupled {
		return "decoupled"
	}
	return "coupled"
}

// Config is the base configuration for all optimizers.
type Config struct {
	LR          float64 // Learning rate.
	WeightDecay float64 // λ, zero disables decay.
	Decay       Decay

	// Parallel slices the elementwise update.
	Parallel parallel.Config

	// Logger receives one debug record per step. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the base configuration with a 0.001 learning rate.
func DefaultConfig() Config {
	return Config{
		LR:       0.001,
		Parallel: parallel.DefaultConfig(),
		Logger:   slog.Default(),
	}
}

// withDefaults fills zero fields: the learning rate with lr, the rest from
// DefaultConfig.
func (c Config) withDefaults(lr float64) Config {
	if c.LR == 0 {
		c.LR = lr
	}
	if c.Parallel == (parallel.Config{}) {
		c.Parallel = parallel.DefaultConfig()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func (c Config) validate(name string) error {
	if c.LR <= 0 || math.IsNaN(c.LR) || math.IsInf(c.LR, 0) {
		return invalid(name, "learning rate %g must be positive", c.LR)
	}
	if c.WeightDecay < 0 || math.IsNaN(c.WeightDecay) {
		return invalid(name, "weight decay %g must be non-negative", c.WeightDecay)
	}
	if c.Decay != Coupled && c.Decay != Decoupled {
		return invalid(name, "unknown decay mode %d", int(c.Decay))
	}
	return nil
}

func invalid(name, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", graph.ErrInvalidConfig, name, fmt.Sprintf(format, args...))
}

// rule returns the amount subtracted from a weight whose (decayed) gradient
// is g. slots holds the parameter's state buffers; i indexes into them.
type rule func(g float64, slots [][]float64, i int) float64

// engine carries the state shared by every optimizer: the step counter, the
// lazily created per-parameter buffers and the decay handling.
type engine struct {
	name  string
	cfg   Config
	slots int
	t     int
	state map[*graph.Param][][]float64
	log   *slog.Logger
}

func newEngine(name string, cfg Config, slots int) engine {
	return engine{
		name:  name,
		cfg:   cfg,
		slots: slots,
		state: make(map[*graph.Param][][]float64),
		log:   cfg.Logger.With("component", "optim", "optimizer", name),
	}
}

// step advances the counter and applies the rule built for it to every
// parameter.
func (e *engine) step(params []*graph.Param, build func(t int) rule) error {
	e.t++
	update := build(e.t)
	lr, lambda := e.cfg.LR, e.cfg.WeightDecay
	coupled := lambda != 0 && e.cfg.Decay == Coupled
	decoupled := lambda != 0 && e.cfg.Decay == Decoupled

	for _, p := range params {
		w, grad := p.Value.Host(), p.Grad.Host()
		if len(w) != len(grad) {
			return fmt.Errorf("%s: param %s holds %d values and %d gradients", e.name, p.Name, len(w), len(grad))
		}
		slots := e.slotsFor(p)
		parallel.For(len(w), func(i int) {
			old := w[i]
			g := grad[i]
			if coupled {
				g += lambda * old
			}
			next := old - update(g, slots, i)
			if decoupled {
				next -= lr * lambda * old
			}
			w[i] = next
		}, e.cfg.Parallel)
	}
	e.log.Debug("step", "t", e.t, "params", len(params), "lr", lr)
	return nil
}

// slotsFor returns p's state, creating zeroed buffers on first use.
func (e *engine) slotsFor(p *graph.Param) [][]float64 {
	if e.slots == 0 {
		return nil
	}
	s, ok := e.state[p]
	if !ok || len(s[0]) != p.Len() {
		s = make([][]float64, e.slots)
		for k := range s {
			s[k] = make([]float64, p.Len())
		}
		e.state[p] = s
	}
	return s
}

// Reset drops every state buffer and rewinds the step counter.
func (e *engine) Reset() {
	e.t = 0
	clear(e.state)
}

// LR returns the current learning rate.
func (e *engine) LR() float64 { return e.cfg.LR }

// SetLR updates the learning rate.
func (e *engine) SetLR(lr float64) { e.cfg.LR = lr }

// Timestep returns the number of steps taken.
func (e *engine) Timestep() int { return e.t }

// State returns the state buffers of p, or nil before its first update.
func (e *engine) State(p *graph.Param) [][]float64 { return e.state[p] }

// New creates an optimizer by name: sgd, momentum, adam, amsgrad, radam,
// adabound or amsbound. Algorithm hyperparameters take their defaults;
// momentum uses 0.9.
func New(name string, cfg Config) (Optimizer, error) {
	var (
		opt Optimizer
		err error
	)
	switch name {
	case "sgd":
		opt, err = NewSGD(SGDConfig{Config: cfg})
	case "momentum":
		opt, err = NewSGD(SGDConfig{Config: cfg, Momentum: 0.9})
	case "adam":
		opt, err = NewAdam(AdamConfig{Config: cfg})
	case "amsgrad":
		opt, err = NewAdam(AdamConfig{Config: cfg, AMSGrad: true})
	case "radam":
		opt, err = NewRAdam(RAdamConfig{AdamConfig: AdamConfig{Config: cfg}})
	case "adabound":
		opt, err = NewAdaBound(AdaBoundConfig{AdamConfig: AdamConfig{Config: cfg}})
	case "amsbound":
		opt, err = NewAdaBound(AdaBoundConfig{AdamConfig: AdamConfig{Config: cfg, AMSGrad: true}})
	default:
		return nil, invalid("optim", "unknown optimizer %q", name)
	}
	if err != nil {
		return nil, err
	}
	return opt, nil
}
