package graph

import (
	"math"
	"math/rand"
)

// Initializer fills a freshly allocated parameter.
type Initializer func(data []float64, rng *rand.Rand)

// Xavier (Glorot) initialization for weights.
//
// Initializes weights with values drawn from a uniform distribution:
// U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
//
// This initialization helps maintain variance of activations across layers.
func Xavier(fanIn, fanOut int) Initializer {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	return func(data []float64, rng *rand.Rand) {
		for i := range data {
			data[i] = (rng.Float64()*2.0 - 1.0) * bound
		}
	}
}

// Uniform draws from U(-bound, bound).
func Uniform(bound float64) Initializer {
	return func(data []float64, rng *rand.Rand) {
		for i := range data {
			data[i] = (rng.Float64()*2.0 - 1.0) * bound
		}
	}
}

// Constant fills every element with v. Constant(0) is the usual bias init.
func Constant(v float64) Initializer {
	return func(data []float64, _ *rand.Rand) {
		for i := range data {
			data[i] = v
		}
	}
}
