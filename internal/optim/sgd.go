package optim

import (
	"github.com/born-ml/layergraph/internal/graph"
)

// SGD implements Stochastic Gradient Descent optimizer with optional momentum.
//
// Update rule without momentum:
//
//	param = param - lr * gradient
//
// Update rule with momentum:
//
//	velocity = momentum * velocity + gradient
//	param = param - lr * velocity
//
// Momentum helps accelerate SGD in relevant directions and dampens oscillations.
//
// Example:
//
//	optimizer, _ := optim.NewSGD(optim.SGDConfig{
//	    Config:   optim.Config{LR: 0.01},
//	    Momentum: 0.9,
//	})
//
//	for epoch := range epochs {
//	    _ = g.Forward(batch, graph.Train)
//	    _ = g.Backward()
//	    _ = g.Apply(optimizer.Step)
//	}
type SGD struct {
	engine
	momentum float64
}

// SGDConfig holds configuration for SGD optimizer.
type SGDConfig struct {
	Config
	Momentum float64 // Momentum factor (default: 0.0, range: [0, 1))
}

// NewSGD creates a new SGD optimizer.
//
// Default hyperparameters:
//   - LR: 0.01
//   - Momentum: 0 (plain gradient descent)
func NewSGD(config SGDConfig) (*SGD, error) {
	config.Config = config.Config.withDefaults(0.01)
	if err := config.validate("sgd"); err != nil {
		return nil, err
	}
	if config.Momentum < 0 || config.Momentum >= 1 {
		return nil, invalid("sgd", "momentum %g outside [0, 1)", config.Momentum)
	}
	slots := 0
	if config.Momentum > 0 {
		slots = 1
	}
	return &SGD{engine: newEngine("sgd", config.Config, slots), momentum: config.Momentum}, nil
}

// Step performs a single optimization step.
//
//   - Without momentum: param -= lr * grad
//   - With momentum: velocity = momentum * velocity + grad, param -= lr * velocity
func (s *SGD) Step(params []*graph.Param) error {
	return s.step(params, func(int) rule {
		lr, mu := s.cfg.LR, s.momentum
		if mu == 0 {
			return func(g float64, _ [][]float64, _ int) float64 { return lr * g }
		}
		return func(g float64, slots [][]float64, i int) float64 {
			v := slots[0]
			v[i] = mu*v[i] + g
			return lr * v[i]
		}
	})
}

// Momentum returns the momentum factor.
func (s *SGD) Momentum() float64 { return s.momentum }
