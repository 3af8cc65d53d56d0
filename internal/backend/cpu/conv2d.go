package cpu

import (
	"fmt"

	"github.com/born-ml/layergraph/internal/parallel"
	"gonum.org/v1/gonum/floats"
)

// ConvGeometry describes a 2D convolution over [InC, H, W] examples with an
// [OutC, InC, KH, KW] kernel.
type ConvGeometry struct {
	InC, H, W    int
	OutC, KH, KW int
	Stride, Pad  int
}

// OutH returns the output height.
func (g ConvGeometry) OutH() int { return (g.H+2*g.Pad-g.KH)/g.Stride + 1 }

// OutW returns the output width.
func (g ConvGeometry) OutW() int { return (g.W+2*g.Pad-g.KW)/g.Stride + 1 }

// InSize returns the number of scalars per input example.
func (g ConvGeometry) InSize() int { return g.InC * g.H * g.W }

// OutSize returns the number of scalars per output example.
func (g ConvGeometry) OutSize() int { return g.OutC * g.OutH() * g.OutW() }

// ColWidth returns the length of one im2col row, which is also the length of
// one output channel's kernel.
func (g ConvGeometry) ColWidth() int { return g.InC * g.KH * g.KW }

// Validate checks that the geometry yields a non-empty output.
func (g ConvGeometry) Validate() error {
	if g.InC <= 0 || g.H <= 0 || g.W <= 0 || g.OutC <= 0 || g.KH <= 0 || g.KW <= 0 {
		return fmt.Errorf("conv2d: non-positive dimension in %+v", g)
	}
	if g.Stride <= 0 || g.Pad < 0 {
		return fmt.Errorf("conv2d: invalid stride %d / padding %d", g.Stride, g.Pad)
	}
	if g.OutH() <= 0 || g.OutW() <= 0 {
		return fmt.Errorf("conv2d: invalid output dimensions: out_h=%d, out_w=%d (check stride/padding)", g.OutH(), g.OutW())
	}
	return nil
}

// im2col unrolls one example into [OutH*OutW, ColWidth] rows; taps that fall
// into the padding are zero.
func im2col(col, x []float64, g ConvGeometry) {
	outH, outW := g.OutH(), g.OutW()
	width := g.ColWidth()
	for oy := 0; oy < outH; oy++ {
		for ox := 0; ox < outW; ox++ {
			row := col[(oy*outW+ox)*width : (oy*outW+ox+1)*width]
			k := 0
			for c := 0; c < g.InC; c++ {
				for ky := 0; ky < g.KH; ky++ {
					iy := oy*g.Stride + ky - g.Pad
					for kx := 0; kx < g.KW; kx++ {
						ix := ox*g.Stride + kx - g.Pad
						if iy >= 0 && iy < g.H && ix >= 0 && ix < g.W {
							row[k] = x[(c*g.H+iy)*g.W+ix]
						} else {
							row[k] = 0
						}
						k++
					}
				}
			}
		}
	}
}

// col2im scatters [OutH*OutW, ColWidth] rows back onto one example.
func col2im(dx, col []float64, g ConvGeometry) {
	outH, outW := g.OutH(), g.OutW()
	width := g.ColWidth()
	for oy := 0; oy < outH; oy++ {
		for ox := 0; ox < outW; ox++ {
			row := col[(oy*outW+ox)*width : (oy*outW+ox+1)*width]
			k := 0
			for c := 0; c < g.InC; c++ {
				for ky := 0; ky < g.KH; ky++ {
					iy := oy*g.Stride + ky - g.Pad
					for kx := 0; kx < g.KW; kx++ {
						ix := ox*g.Stride + kx - g.Pad
						if iy >= 0 && iy < g.H && ix >= 0 && ix < g.W {
							dx[(c*g.H+iy)*g.W+ix] += row[k]
						}
						k++
					}
				}
			}
		}
	}
}

// Conv2D performs 2D convolution using the im2col algorithm.
//
//	out[b][oc][p] = bias[oc] + Σ_k kernel[oc][k] · col_b[p][k]
//
// bias may be nil.
func (cpu *CPUBackend) Conv2D(out, x, kernel, bias []float64, batch int, g ConvGeometry) {
	positions := g.OutH() * g.OutW()
	width := g.ColWidth()
	inSize, outSize := g.InSize(), g.OutSize()

	parallel.ForRange(batch, func(start, end int) {
		col := make([]float64, positions*width)
		for b := start; b < end; b++ {
			im2col(col, x[b*inSize:(b+1)*inSize], g)
			y := out[b*outSize : (b+1)*outSize]
			for oc := 0; oc < g.OutC; oc++ {
				k := kernel[oc*width : (oc+1)*width]
				base := 0.0
				if bias != nil {
					base = bias[oc]
				}
				for p := 0; p < positions; p++ {
					y[oc*positions+p] = base + floats.Dot(k, col[p*width:(p+1)*width])
				}
			}
		}
	}, cpu.cfg)
}

// Conv2DInputBackward accumulates the input gradient (a transposed convolution).
func (cpu *CPUBackend) Conv2DInputBackward(gradX, gradOut, kernel []float64, batch int, g ConvGeometry) {
	positions := g.OutH() * g.OutW()
	width := g.ColWidth()
	inSize, outSize := g.InSize(), g.OutSize()

	parallel.ForRange(batch, func(start, end int) {
		col := make([]float64, positions*width)
		for b := start; b < end; b++ {
			clear(col)
			gy := gradOut[b*outSize : (b+1)*outSize]
			for p := 0; p < positions; p++ {
				row := col[p*width : (p+1)*width]
				for oc := 0; oc < g.OutC; oc++ {
					if v := gy[oc*positions+p]; v != 0 {
						floats.AddScaled(row, v, kernel[oc*width:(oc+1)*width])
					}
				}
			}
			col2im(gradX[b*inSize:(b+1)*inSize], col, g)
		}
	}, cpu.cfg)
}

// Conv2DKernelBackward accumulates the kernel and bias gradients. gradBias may
// be nil.
func (cpu *CPUBackend) Conv2DKernelBackward(gradKernel, gradBias, gradOut, x []float64, batch int, g ConvGeometry) {
	positions := g.OutH() * g.OutW()
	width := g.ColWidth()
	inSize, outSize := g.InSize(), g.OutSize()

	cols := make([]float64, batch*positions*width)
	parallel.For(batch, func(b int) {
		im2col(cols[b*positions*width:(b+1)*positions*width], x[b*inSize:(b+1)*inSize], g)
	}, cpu.cfg)

	parallel.For(g.OutC, func(oc int) {
		gk := gradKernel[oc*width : (oc+1)*width]
		for b := 0; b < batch; b++ {
			gy := gradOut[b*outSize+oc*positions : b*outSize+(oc+1)*positions]
			col := cols[b*positions*width:]
			for p, v := range gy {
				if gradBias != nil {
					gradBias[oc] += v
				}
				if v != 0 {
					floats.AddScaled(gk, v, col[p*width:(p+1)*width])
				}
			}
		}
	}, cpu.cfg)
}
