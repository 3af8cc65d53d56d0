package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/layergraph/internal/parallel"
)

// Activation is an elementwise nonlinearity.
type Activation int

// Supported activations.
const (
	Identity Activation = iota
	ReLU
	LeakyReLU
	Sigmoid
	Tanh
	GELU
	SiLU
	Softplus
)

// LeakySlope is the negative-side slope of LeakyReLU.
const LeakySlope = 0.01

const geluC = 0.7978845608028654 // sqrt(2/pi)

var activationNames = map[Activation]string{
	Identity:  "identity",
	ReLU:      "relu",
	LeakyReLU: "leaky_relu",
	Sigmoid:   "sigmoid",
	Tanh:      "tanh",
	GELU:      "gelu",
	SiLU:      "silu",
	Softplus:  "softplus",
}

// String returns the activation name.
func (a Activation) String() string {
	if name, ok := activationNames[a]; ok {
		return name
	}
	return fmt.Sprintf("activation(%d)", int(a))
}

// Validate reports whether a is a known activation.
func (a Activation) Validate() error {
	if _, ok := activationNames[a]; !ok {
		return fmt.Errorf("unknown activation %d", int(a))
	}
	return nil
}

// ParseActivation looks an activation up by name.
func ParseActivation(name string) (Activation, error) {
	for a, n := range activationNames {
		if n == name {
			return a, nil
		}
	}
	return Identity, fmt.Errorf("unknown activation %q", name)
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// Apply evaluates the activation at x.
func (a Activation) Apply(x float64) float64 {
	switch a {
	case ReLU:
		return math.Max(x, 0)
	case LeakyReLU:
		if x > 0 {
			return x
		}
		return LeakySlope * x
	case Sigmoid:
		return sigmoid(x)
	case Tanh:
		return math.Tanh(x)
	case GELU:
		return 0.5 * x * (1 + math.Tanh(geluC*(x+0.044715*x*x*x)))
	case SiLU:
		return x * sigmoid(x)
	case Softplus:
		// log(1+e^x) without overflow for large x.
		return math.Max(x, 0) + math.Log1p(math.Exp(-math.Abs(x)))
	default:
		return x
	}
}

// Derivative evaluates the derivative of the activation at the
// pre-activation x.
func (a Activation) Derivative(x float64) float64 {
	switch a {
	case ReLU:
		if x > 0 {
			return 1
		}
		return 0
	case LeakyReLU:
		if x > 0 {
			return 1
		}
		return LeakySlope
	case Sigmoid:
		s := sigmoid(x)
		return s * (1 - s)
	case Tanh:
		t := math.Tanh(x)
		return 1 - t*t
	case GELU:
		u := geluC * (x + 0.044715*x*x*x)
		t := math.Tanh(u)
		du := geluC * (1 + 3*0.044715*x*x)
		return 0.5*(1+t) + 0.5*x*(1-t*t)*du
	case SiLU:
		s := sigmoid(x)
		return s * (1 + x*(1-s))
	case Softplus:
		return sigmoid(x)
	default:
		return 1
	}
}

// Activate writes a(pre[i]) into out. out and pre may alias.
func (cpu *CPUBackend) Activate(a Activation, out, pre []float64) {
	if a == Identity {
		copy(out, pre)
		return
	}
	parallel.ForRange(len(pre), func(start, end int) {
		for i := start; i < end; i++ {
			out[i] = a.Apply(pre[i])
		}
	}, cpu.cfg)
}

// ActivateBackward writes gradOut[i]·a'(pre[i]) into gradPre.
func (cpu *CPUBackend) ActivateBackward(a Activation, gradPre, gradOut, pre []float64) {
	if a == Identity {
		copy(gradPre, gradOut)
		return
	}
	parallel.ForRange(len(pre), func(start, end int) {
		for i := start; i < end; i++ {
			gradPre[i] = gradOut[i] * a.Derivative(pre[i])
		}
	}, cpu.cfg)
}
