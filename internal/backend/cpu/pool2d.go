package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/layergraph/internal/parallel"
)

// PoolGeometry describes a pooling window over [C, H, W] examples. Windows
// never extend past the input.
type PoolGeometry struct {
	C, H, W int
	KH, KW  int
	Stride  int
}

// OutH returns the output height.
func (g PoolGeometry) OutH() int { return (g.H-g.KH)/g.Stride + 1 }

// OutW returns the output width.
func (g PoolGeometry) OutW() int { return (g.W-g.KW)/g.Stride + 1 }

// Validate checks that at least one window fits.
func (g PoolGeometry) Validate() error {
	if g.C <= 0 || g.H <= 0 || g.W <= 0 || g.Stride <= 0 {
		return fmt.Errorf("pool2d: invalid geometry %+v", g)
	}
	if g.KH <= 0 || g.KW <= 0 || g.KH > g.H || g.KW > g.W {
		return fmt.Errorf("pool2d: window %dx%d does not fit %dx%d", g.KH, g.KW, g.H, g.W)
	}
	return nil
}

// MaxPool2D takes the maximum of each window. argmax receives, per output
// element, the flat in-plane index y*W+x of the winning input; ties go to the
// first element in scan order.
func (cpu *CPUBackend) MaxPool2D(out, argmax, x []float64, batch int, g PoolGeometry) {
	outH, outW := g.OutH(), g.OutW()
	plane, outPlane := g.H*g.W, outH*outW

	parallel.For(batch*g.C, func(pc int) {
		src := x[pc*plane : (pc+1)*plane]
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				best, at := math.Inf(-1), 0
				for ky := 0; ky < g.KH; ky++ {
					for kx := 0; kx < g.KW; kx++ {
						idx := (oy*g.Stride+ky)*g.W + ox*g.Stride + kx
						if v := src[idx]; v > best {
							best, at = v, idx
						}
					}
				}
				o := pc*outPlane + oy*outW + ox
				out[o] = best
				argmax[o] = float64(at)
			}
		}
	}, cpu.cfg)
}

// MaxPool2DBackward routes each output gradient to the input that won its window.
func (cpu *CPUBackend) MaxPool2DBackward(gradX, gradOut, argmax []float64, batch int, g PoolGeometry) {
	plane, outPlane := g.H*g.W, g.OutH()*g.OutW()
	parallel.For(batch*g.C, func(pc int) {
		for o := 0; o < outPlane; o++ {
			k := pc*outPlane + o
			gradX[pc*plane+int(argmax[k])] += gradOut[k]
		}
	}, cpu.cfg)
}

// AvgPool2D averages each window.
func (cpu *CPUBackend) AvgPool2D(out, x []float64, batch int, g PoolGeometry) {
	outH, outW := g.OutH(), g.OutW()
	plane, outPlane := g.H*g.W, outH*outW
	scale := 1 / float64(g.KH*g.KW)

	parallel.For(batch*g.C, func(pc int) {
		src := x[pc*plane : (pc+1)*plane]
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				s := 0.0
				for ky := 0; ky < g.KH; ky++ {
					row := (oy*g.Stride+ky)*g.W + ox*g.Stride
					for kx := 0; kx < g.KW; kx++ {
						s += src[row+kx]
					}
				}
				out[pc*outPlane+oy*outW+ox] = s * scale
			}
		}
	}, cpu.cfg)
}

// AvgPool2DBackward spreads each output gradient evenly over its window.
func (cpu *CPUBackend) AvgPool2DBackward(gradX, gradOut []float64, batch int, g PoolGeometry) {
	outH, outW := g.OutH(), g.OutW()
	plane, outPlane := g.H*g.W, outH*outW
	scale := 1 / float64(g.KH*g.KW)

	parallel.For(batch*g.C, func(pc int) {
		dst := gradX[pc*plane : (pc+1)*plane]
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				v := gradOut[pc*outPlane+oy*outW+ox] * scale
				for ky := 0; ky < g.KH; ky++ {
					row := (oy*g.Stride+ky)*g.W + ox*g.Stride
					for kx := 0; kx < g.KW; kx++ {
						dst[row+kx] += v
					}
				}
			}
		}
	}, cpu.cfg)
}
