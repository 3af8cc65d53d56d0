// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package nn

import (
	"github.com/born-ml/layergraph/internal/graph"
	"github.com/born-ml/layergraph/internal/nn"
	"github.com/born-ml/layergraph/internal/tensor"
)

// Activations

// Activation is an elementwise nonlinearity.
type Activation = nn.Activation

// Supported activations.
const (
	Identity  = nn.Identity
	ReLU      = nn.ReLU
	LeakyReLU = nn.LeakyReLU
	Sigmoid   = nn.Sigmoid
	Tanh      = nn.Tanh
	GELU      = nn.GELU
	SiLU      = nn.SiLU
	Softplus  = nn.Softplus
)

// ParseActivation looks an activation up by name ("relu", "tanh", ...).
func ParseActivation(name string) (Activation, error) {
	return nn.ParseActivation(name)
}

// ActivationLayer applies an activation on its own.
type ActivationLayer = nn.ActivationLayer

// NewActivation adds a standalone activation node.
func NewActivation(g *graph.Graph, x graph.ID, a Activation) (*ActivationLayer, error) {
	return nn.NewActivation(g, x, a)
}

// Input

// Input is the data source of a graph.
type Input = nn.Input

// NewInput adds an input node with the given per-example shape.
//
// Example:
//
//	x, _ := nn.NewInput(g, tensor.Shape{1})
//	_ = x.SetValues([]float64{0.1, 0.2, 0.3}, 3)
func NewInput(g *graph.Graph, shape tensor.Shape) (*Input, error) {
	return nn.NewInput(g, shape)
}

// Dense layers

// Affine is a fully connected layer, y = f(W·x + b).
type Affine = nn.Affine

// NewAffine adds a fully connected layer over the flattened input.
func NewAffine(g *graph.Graph, x graph.ID, units int, act Activation) (*Affine, error) {
	return nn.NewAffine(g, x, units, act)
}

// NewAffineSeq adds a fully connected layer applied to every token of an [S, D] input.
func NewAffineSeq(g *graph.Graph, x graph.ID, units int, act Activation) (*Affine, error) {
	return nn.NewAffineSeq(g, x, units, act)
}

// ConvConfig configures a Conv2D layer.
type ConvConfig = nn.ConvConfig

// Conv2D is a 2D convolutional layer.
type Conv2D = nn.Conv2D

// NewConv2D adds a 2D convolution over a [C, H, W] input.
//
// Example:
//
//	conv, _ := nn.NewConv2D(g, x.ID(), nn.ConvConfig{Filters: 32, Kernel: 3, Pad: 1, Act: nn.ReLU})
func NewConv2D(g *graph.Graph, x graph.ID, cfg ConvConfig) (*Conv2D, error) {
	return nn.NewConv2D(g, x, cfg)
}

// Pooling

// MaxPool2D takes the maximum of each window.
type MaxPool2D = nn.MaxPool2D

// NewMaxPool2D adds a max pooling layer.
func NewMaxPool2D(g *graph.Graph, x graph.ID, kernel, stride int) (*MaxPool2D, error) {
	return nn.NewMaxPool2D(g, x, kernel, stride)
}

// AvgPool2D averages each window.
type AvgPool2D = nn.AvgPool2D

// NewAvgPool2D adds an average pooling layer.
func NewAvgPool2D(g *graph.Graph, x graph.ID, kernel, stride int) (*AvgPool2D, error) {
	return nn.NewAvgPool2D(g, x, kernel, stride)
}

// NewGlobalAvgPool2D averages every channel down to a single value.
func NewGlobalAvgPool2D(g *graph.Graph, x graph.ID) (*AvgPool2D, error) {
	return nn.NewGlobalAvgPool2D(g, x)
}

// Normalization

// NormMode selects the statistics groups of a Norm layer.
type NormMode = nn.NormMode

// Normalization modes.
const (
	BatchNorm2D    = nn.BatchNorm2D
	InstanceNorm2D = nn.InstanceNorm2D
	LayerNorm2D    = nn.LayerNorm2D
	LayerNormSeq   = nn.LayerNormSeq
)

// NormConfig configures a Norm layer.
type NormConfig = nn.NormConfig

// Norm normalizes groups of elements, then scales and shifts them.
type Norm = nn.Norm

// NewNorm adds a normalization layer.
func NewNorm(g *graph.Graph, x graph.ID, cfg NormConfig) (*Norm, error) {
	return nn.NewNorm(g, x, cfg)
}

// NewBatchNorm2D adds batch normalization with default settings.
func NewBatchNorm2D(g *graph.Graph, x graph.ID) (*Norm, error) {
	return nn.NewBatchNorm2D(g, x)
}

// NewInstanceNorm2D adds instance normalization with default settings.
func NewInstanceNorm2D(g *graph.Graph, x graph.ID) (*Norm, error) {
	return nn.NewInstanceNorm2D(g, x)
}

// NewLayerNorm2D adds layer normalization over [C, H, W].
func NewLayerNorm2D(g *graph.Graph, x graph.ID) (*Norm, error) {
	return nn.NewLayerNorm2D(g, x)
}

// NewLayerNormSeq adds per-token layer normalization over [S, D].
func NewLayerNormSeq(g *graph.Graph, x graph.ID) (*Norm, error) {
	return nn.NewLayerNormSeq(g, x)
}

// Augmentation

// Resampling selects the geometric augmentation of a Resample layer.
type Resampling = nn.Resampling

// Geometric augmentations.
const (
	Flip          = nn.Flip
	Rotate        = nn.Rotate
	Crop          = nn.Crop
	Pad           = nn.Pad
	ResizeCropPad = nn.ResizeCropPad
)

// ResampleConfig configures a Resample layer.
type ResampleConfig = nn.ResampleConfig

// Resample is a per-example geometric augmentation with bilinear sampling.
type Resample = nn.Resample

// NewResample adds a geometric augmentation.
func NewResample(g *graph.Graph, x graph.ID, cfg ResampleConfig) (*Resample, error) {
	return nn.NewResample(g, x, cfg)
}

// NewFlip mirrors each example with probability prob.
func NewFlip(g *graph.Graph, x graph.ID, prob float64) (*Resample, error) {
	return nn.NewFlip(g, x, prob)
}

// NewRotate rotates each example by an angle drawn from [-maxDegrees, maxDegrees].
func NewRotate(g *graph.Graph, x graph.ID, maxDegrees float64) (*Resample, error) {
	return nn.NewRotate(g, x, maxDegrees)
}

// NewCrop takes a randomly placed height×width window.
func NewCrop(g *graph.Graph, x graph.ID, height, width int) (*Resample, error) {
	return nn.NewCrop(g, x, height, width)
}

// NewPad adds a zero border of pad pixels.
func NewPad(g *graph.Graph, x graph.ID, pad int) (*Resample, error) {
	return nn.NewPad(g, x, pad)
}

// NewResizeCropPad zooms each example by a factor drawn from [minScale, maxScale].
func NewResizeCropPad(g *graph.Graph, x graph.ID, minScale, maxScale float64) (*Resample, error) {
	return nn.NewResizeCropPad(g, x, minScale, maxScale)
}

// ColorJitter scales contrast and shifts brightness per example.
type ColorJitter = nn.ColorJitter

// NewColorJitter adds a color augmentation.
func NewColorJitter(g *graph.Graph, x graph.ID, contrast, brightness float64) (*ColorJitter, error) {
	return nn.NewColorJitter(g, x, contrast, brightness)
}

// Dropout zeroes elements with probability p and rescales the survivors.
type Dropout = nn.Dropout

// NewDropout adds a dropout layer.
func NewDropout(g *graph.Graph, x graph.ID, p float64) (*Dropout, error) {
	return nn.NewDropout(g, x, p)
}

// Sequences and attention

// PatchEmbed cuts an image into patches and projects each to a token.
type PatchEmbed = nn.PatchEmbed

// NewPatchEmbed adds a patch embedding from [C, H, W] to [patches, units].
func NewPatchEmbed(g *graph.Graph, x graph.ID, patch, units int) (*PatchEmbed, error) {
	return nn.NewPatchEmbed(g, x, patch, units)
}

// QuerySeq computes scaled attention scores per head.
type QuerySeq = nn.QuerySeq

// NewQuerySeq adds the score stage of multi-head attention.
func NewQuerySeq(g *graph.Graph, q, k graph.ID, numHeads int) (*QuerySeq, error) {
	return nn.NewQuerySeq(g, q, k, numHeads)
}

// SoftmaxSeq normalizes attention scores row by row.
type SoftmaxSeq = nn.SoftmaxSeq

// NewSoftmaxSeq adds the softmax stage of multi-head attention.
func NewSoftmaxSeq(g *graph.Graph, x graph.ID, numHeads int) (*SoftmaxSeq, error) {
	return nn.NewSoftmaxSeq(g, x, numHeads)
}

// ValueSeq mixes value tokens with attention weights.
type ValueSeq = nn.ValueSeq

// NewValueSeq adds the value stage of multi-head attention.
func NewValueSeq(g *graph.Graph, v, score graph.ID, numHeads int) (*ValueSeq, error) {
	return nn.NewValueSeq(g, v, score, numHeads)
}

// AvgPoolSeq averages the tokens of a sequence.
type AvgPoolSeq = nn.AvgPoolSeq

// NewAvgPoolSeq adds a token average from [S, D] to [D].
func NewAvgPoolSeq(g *graph.Graph, x graph.ID) (*AvgPoolSeq, error) {
	return nn.NewAvgPoolSeq(g, x)
}

// Combination

// Sum adds inputs of equal shape.
type Sum = nn.Sum

// NewSum adds an elementwise sum.
func NewSum(g *graph.Graph, preds ...graph.ID) (*Sum, error) {
	return nn.NewSum(g, preds...)
}

// Multiply multiplies inputs of equal shape.
type Multiply = nn.Multiply

// NewMultiply adds an elementwise product.
func NewMultiply(g *graph.Graph, preds ...graph.ID) (*Multiply, error) {
	return nn.NewMultiply(g, preds...)
}

// Concat joins inputs along their first axis.
type Concat = nn.Concat

// NewConcat adds a concatenation.
func NewConcat(g *graph.Graph, preds ...graph.ID) (*Concat, error) {
	return nn.NewConcat(g, preds...)
}

// DotProduct reduces two inputs of equal shape to their inner product.
type DotProduct = nn.DotProduct

// NewDotProduct adds a dot product.
func NewDotProduct(g *graph.Graph, a, b graph.ID) (*DotProduct, error) {
	return nn.NewDotProduct(g, a, b)
}

// VQ replaces each vector with its nearest codebook entry.
type VQ = nn.VQ

// NewVQ adds a vector quantizer with codes entries and commitment weight beta.
func NewVQ(g *graph.Graph, x graph.ID, codes int, beta float64) (*VQ, error) {
	return nn.NewVQ(g, x, codes, beta)
}

// Losses

// MSE is the mean squared error loss.
type MSE = nn.MSE

// NewMSE adds coeff times the mean squared error between pred and target.
func NewMSE(g *graph.Graph, pred, target graph.ID, coeff float64) (*MSE, error) {
	return nn.NewMSE(g, pred, target, coeff)
}

// CrossEntropy is the softmax cross-entropy loss over integer labels.
type CrossEntropy = nn.CrossEntropy

// NewCrossEntropy adds a softmax cross-entropy loss.
func NewCrossEntropy(g *graph.Graph, logits, labels graph.ID) (*CrossEntropy, error) {
	return nn.NewCrossEntropy(g, logits, labels)
}
