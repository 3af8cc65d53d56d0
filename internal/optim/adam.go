package optim

import (
	"math"

	"github.com/born-ml/layergraph/internal/graph"
)

// Adam implements the Adam (Adaptive Moment Estimation) optimizer.
//
// Adam combines ideas from RMSprop and momentum:
//   - Maintains exponential moving averages of gradients (first moment)
//   - Maintains exponential moving averages of squared gradients (second moment)
//   - Applies bias correction to compensate for initialization at zero
//
// Update rule:
//
//	m_t = beta1 * m_{t-1} + (1-beta1) * gradient       // First moment
//	v_t = beta2 * v_{t-1} + (1-beta2) * gradient²      // Second moment
//	m_hat = m_t / (1 - beta1^t)                        // Bias correction
//	v_hat = v_t / (1 - beta2^t)                        // Bias correction
//	param = param - lr * m_hat / (sqrt(v_hat) + eps)  // Parameter update
//
// The AMSGrad variant keeps the running maximum of v_t and uses it in place
// of v_t in the denominator, so the effective step size never grows.
//
// Reference: "Adam: A Method for Stochastic Optimization" (Kingma & Ba, 2014)
type Adam struct {
	engine
	adamParams
}

// AdamConfig holds configuration for Adam optimizer.
type AdamConfig struct {
	Config
	Beta1   float64 // First moment decay (default: 0.9)
	Beta2   float64 // Second moment decay (default: 0.999)
	Eps     float64 // Term for numerical stability (default: 1e-8)
	AMSGrad bool    // Use the running maximum of the second moment.
}

type adamParams struct {
	beta1, beta2, eps float64
	ams               bool
}

func (c AdamConfig) resolve(name string, lr float64) (Config, adamParams, error) {
	base := c.Config.withDefaults(lr)
	if err := base.validate(name); err != nil {
		return Config{}, adamParams{}, err
	}
	p := adamParams{beta1: c.Beta1, beta2: c.Beta2, eps: c.Eps, ams: c.AMSGrad}
	if p.beta1 == 0 {
		p.beta1 = 0.9
	}
	if p.beta2 == 0 {
		p.beta2 = 0.999
	}
	if p.eps == 0 {
		p.eps = 1e-8
	}
	if p.beta1 < 0 || p.beta1 >= 1 || p.beta2 < 0 || p.beta2 >= 1 {
		return Config{}, adamParams{}, invalid(name, "betas (%g, %g) outside [0, 1)", p.beta1, p.beta2)
	}
	if p.eps < 0 {
		return Config{}, adamParams{}, invalid(name, "negative epsilon %g", p.eps)
	}
	return base, p, nil
}

// numSlots returns the number of state buffers: m, v and, for the AMS
// variants, the running maximum of v.
func (p adamParams) numSlots() int {
	if p.ams {
		return 3
	}
	return 2
}

// moments updates m and v for gradient g and returns m_t and the second
// moment used in the denominator (v_t, or max v for AMS variants).
func (p adamParams) moments(g float64, slots [][]float64, i int) (m, v float64) {
	ms, vs := slots[0], slots[1]
	ms[i] = p.beta1*ms[i] + (1-p.beta1)*g
	vs[i] = p.beta2*vs[i] + (1-p.beta2)*g*g
	v = vs[i]
	if p.ams {
		vmax := slots[2]
		vmax[i] = math.Max(vmax[i], v)
		v = vmax[i]
	}
	return ms[i], v
}

// NewAdam creates a new Adam optimizer, or AMSGrad when config.AMSGrad is
// set.
//
// Default hyperparameters:
//   - LR: 0.001
//   - Beta1: 0.9
//   - Beta2: 0.999
//   - Eps: 1e-8
func NewAdam(config AdamConfig) (*Adam, error) {
	name := "adam"
	if config.AMSGrad {
		name = "amsgrad"
	}
	base, p, err := config.resolve(name, 0.001)
	if err != nil {
		return nil, err
	}
	return &Adam{engine: newEngine(name, base, p.numSlots()), adamParams: p}, nil
}

// Step performs a single optimization step using Adam algorithm.
func (a *Adam) Step(params []*graph.Param) error {
	return a.step(params, func(t int) rule {
		biasCorrection1 := 1 - math.Pow(a.beta1, float64(t))
		biasCorrection2 := 1 - math.Pow(a.beta2, float64(t))
		lr := a.cfg.LR
		return func(g float64, slots [][]float64, i int) float64 {
			m, v := a.moments(g, slots, i)
			mHat := m / biasCorrection1
			vHat := v / biasCorrection2
			return lr * mHat / (math.Sqrt(vHat) + a.eps)
		}
	})
}
