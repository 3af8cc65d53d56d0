// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package optim

import (
	"github.com/born-ml/layergraph/internal/optim"
)

// Optimizer interface defines the common interface for all optimizers.
type Optimizer = optim.Optimizer

// Config represents the base configuration for optimizers.
type Config = optim.Config

// Decay selects how weight decay enters the update.
type Decay = optim.Decay

// Weight decay modes.
const (
	Coupled   = optim.Coupled
	Decoupled = optim.Decoupled
)

// DefaultConfig returns the base configuration with a 0.001 learning rate.
func DefaultConfig() Config {
	return optim.DefaultConfig()
}

// New creates an optimizer by name: sgd, momentum, adam, amsgrad, radam,
// adabound or amsbound.
func New(name string, cfg Config) (Optimizer, error) {
	return optim.New(name, cfg)
}

// SGD (Stochastic Gradient Descent)

// SGD represents the SGD optimizer with optional momentum.
type SGD = optim.SGD

// SGDConfig contains configuration for SGD optimizer.
type SGDConfig = optim.SGDConfig

// NewSGD creates a new SGD optimizer.
//
// Example:
//
//	optimizer, err := optim.NewSGD(optim.SGDConfig{
//	    Config:   optim.Config{LR: 0.01},
//	    Momentum: 0.9,
//	})
func NewSGD(config SGDConfig) (*SGD, error) {
	return optim.NewSGD(config)
}

// Adam (Adaptive Moment Estimation)

// Adam represents the Adam optimizer, or AMSGrad.
type Adam = optim.Adam

// AdamConfig contains configuration for Adam optimizer.
type AdamConfig = optim.AdamConfig

// NewAdam creates a new Adam optimizer with bias correction.
//
// Example:
//
//	optimizer, err := optim.NewAdam(optim.AdamConfig{
//	    Config: optim.Config{LR: 0.001},
//	    Beta1:  0.9,
//	    Beta2:  0.999,
//	})
func NewAdam(config AdamConfig) (*Adam, error) {
	return optim.NewAdam(config)
}

// RAdam represents the Rectified Adam optimizer.
type RAdam = optim.RAdam

// RAdamConfig contains configuration for RAdam.
type RAdamConfig = optim.RAdamConfig

// NewRAdam creates a new RAdam optimizer.
func NewRAdam(config RAdamConfig) (*RAdam, error) {
	return optim.NewRAdam(config)
}

// AdaBound represents the AdaBound optimizer, or AMSBound.
type AdaBound = optim.AdaBound

// AdaBoundConfig contains configuration for AdaBound and AMSBound.
type AdaBoundConfig = optim.AdaBoundConfig

// NewAdaBound creates a new AdaBound optimizer.
func NewAdaBound(config AdaBoundConfig) (*AdaBound, error) {
	return optim.NewAdaBound(config)
}
