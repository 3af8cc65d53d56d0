package optim

import (
	"math"

	"github.com/born-ml/layergraph/internal/graph"
)

// AdaBound implements Adam with dynamic bounds on the per-element step size.
// The bounds start wide and converge to FinalLR, so training moves from
// Adam-like to SGD-like behavior:
//
//	lr_t  = lr * sqrt(1-beta2^t) / (1-beta1^t)
//	lower = final * (1 - 1/(gamma*t + 1))
//	upper = final * (1 + 1/(gamma*t))
//	param = param - clip(lr_t / (sqrt(v_t) + eps), lower, upper) * m_t
//
// With AMSGrad set the running maximum of v_t is used (AMSBound).
//
// Reference: "Adaptive Gradient Methods with Dynamic Bound of Learning Rate"
// (Luo et al., 2019)
type AdaBound struct {
	engine
	adamParams
	final float64
	gamma float64
}

// AdaBoundConfig holds configuration for AdaBound and AMSBound.
type AdaBoundConfig struct {
	AdamConfig
	FinalLR float64 // Step size the bounds converge to (default: 0.1)
	Gamma   float64 // Convergence speed of the bounds (default: 1e-3)
}

// NewAdaBound creates an AdaBound optimizer, or AMSBound when AMSGrad is
// set.
func NewAdaBound(config AdaBoundConfig) (*AdaBound, error) {
	name := "adabound"
	if config.AMSGrad {
		name = "amsbound"
	}
	base, p, err := config.resolve(name, 0.001)
	if err != nil {
		return nil, err
	}
	final, gamma := config.FinalLR, config.Gamma
	if final == 0 {
		final = 0.1
	}
	if gamma == 0 {
		gamma = 1e-3
	}
	if final < 0 || gamma < 0 {
		return nil, invalid(name, "final lr %g and gamma %g must be positive", final, gamma)
	}
	return &AdaBound{engine: newEngine(name, base, p.numSlots()), adamParams: p, final: final, gamma: gamma}, nil
}

// Bounds returns the step-size clipping interval for step t.
func (a *AdaBound) Bounds(t int) (lower, upper float64) {
	gt := a.gamma * float64(t)
	return a.final * (1 - 1/(gt+1)), a.final * (1 + 1/gt)
}

// Step performs a single optimization step.
func (a *AdaBound) Step(params []*graph.Param) error {
	return a.step(params, func(t int) rule {
		lrT := a.cfg.LR * math.Sqrt(1-math.Pow(a.beta2, float64(t))) / (1 - math.Pow(a.beta1, float64(t)))
		lower, upper := a.Bounds(t)
		return func(g float64, slots [][]float64, i int) float64 {
			m, v := a.moments(g, slots, i)
			eta := lrT / (math.Sqrt(v) + a.eps)
			eta = math.Min(math.Max(eta, lower), upper)
			return eta * m
		}
	})
}
