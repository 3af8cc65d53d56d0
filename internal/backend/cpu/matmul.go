package cpu

import (
	"github.com/born-ml/layergraph/internal/parallel"
	"gonum.org/v1/gonum/floats"
)

// Linear computes out[b][o] = bias[o] + Σ_i w[o][i]·x[b][i].
// w is [outN, inN] row-major; bias may be nil.
func (cpu *CPUBackend) Linear(out, x, w, bias []float64, batch, inN, outN int) {
	parallel.For(batch*outN, func(k int) {
		b, o := k/outN, k%outN
		v := floats.Dot(w[o*inN:(o+1)*inN], x[b*inN:(b+1)*inN])
		if bias != nil {
			v += bias[o]
		}
		out[k] = v
	}, cpu.cfg)
}

// LinearBackward accumulates the gradients of Linear. Any of gradX, gradW or
// gradBias may be nil to skip that gradient.
func (cpu *CPUBackend) LinearBackward(gradX, gradW, gradBias, gradOut, x, w []float64, batch, inN, outN int) {
	if gradX != nil {
		parallel.For(batch, func(b int) {
			gx := gradX[b*inN : (b+1)*inN]
			for o := 0; o < outN; o++ {
				if g := gradOut[b*outN+o]; g != 0 {
					floats.AddScaled(gx, g, w[o*inN:(o+1)*inN])
				}
			}
		}, cpu.cfg)
	}
	if gradW != nil || gradBias != nil {
		parallel.For(outN, func(o int) {
			for b := 0; b < batch; b++ {
				g := gradOut[b*outN+o]
				if gradBias != nil {
					gradBias[o] += g
				}
				if gradW != nil && g != 0 {
					floats.AddScaled(gradW[o*inN:(o+1)*inN], g, x[b*inN:(b+1)*inN])
				}
			}
		}, cpu.cfg)
	}
}
