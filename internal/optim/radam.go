package optim

import (
	"math"

	"github.com/born-ml/layergraph/internal/graph"
)

// RAdam implements Rectified Adam.
//
// RAdam keeps Adam's moments but rectifies the adaptive learning rate while
// the variance of the second moment estimate is still large:
//
//	rho_inf = 2/(1-beta2) - 1
//	rho_t   = rho_inf - 2t*beta2^t/(1-beta2^t)
//
// When rho_t exceeds the warmup threshold the step is
//
//	r_t   = sqrt((rho_t-4)(rho_t-2)rho_inf / ((rho_inf-4)(rho_inf-2)rho_t))
//	param = param - lr * r_t * m_hat / (sqrt(v_hat) + eps)
//
// otherwise it falls back to momentum SGD on the bias-corrected first moment.
//
// Reference: "On the Variance of the Adaptive Learning Rate and Beyond"
// (Liu et al., 2019)
type RAdam struct {
	engine
	adamParams
	warmup float64
}

// RAdamConfig holds configuration for RAdam.
type RAdamConfig struct {
	AdamConfig
	Warmup float64 // Minimum rho_t for the adaptive step (default: 5)
}

// NewRAdam creates a RAdam optimizer. AMSGrad is accepted and applies to the
// rectified step.
func NewRAdam(config RAdamConfig) (*RAdam, error) {
	base, p, err := config.resolve("radam", 0.001)
	if err != nil {
		return nil, err
	}
	warmup := config.Warmup
	if warmup == 0 {
		warmup = 5
	}
	if warmup < 4 {
		return nil, invalid("radam", "warmup %g below 4", warmup)
	}
	return &RAdam{engine: newEngine("radam", base, p.numSlots()), adamParams: p, warmup: warmup}, nil
}

// Rho returns rho_t for step t.
func (r *RAdam) Rho(t int) float64 {
	rhoInf := 2/(1-r.beta2) - 1
	b2t := math.Pow(r.beta2, float64(t))
	return rhoInf - 2*float64(t)*b2t/(1-b2t)
}

// Step performs a single optimization step.
func (r *RAdam) Step(params []*graph.Param) error {
	return r.step(params, func(t int) rule {
		lr := r.cfg.LR
		biasCorrection1 := 1 - math.Pow(r.beta1, float64(t))
		biasCorrection2 := 1 - math.Pow(r.beta2, float64(t))
		rhoInf := 2/(1-r.beta2) - 1
		rho := r.Rho(t)

		if rho <= r.warmup {
			return func(g float64, slots [][]float64, i int) float64 {
				m, _ := r.moments(g, slots, i)
				return lr * m / biasCorrection1
			}
		}
		rect := math.Sqrt((rho - 4) * (rho - 2) * rhoInf / ((rhoInf - 4) * (rhoInf - 2) * rho))
		return func(g float64, slots [][]float64, i int) float64 {
			m, v := r.moments(g, slots, i)
			vHat := v / biasCorrection2
			return lr * rect * (m / biasCorrection1) / (math.Sqrt(vHat) + r.eps)
		}
	})
}
