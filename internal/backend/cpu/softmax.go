package cpu

import (
	"math"

	"github.com/born-ml/layergraph/internal/parallel"
	"gonum.org/v1/gonum/floats"
)

// Softmax normalizes each of rows contiguous rows of length cols.
func (cpu *CPUBackend) Softmax(out, x []float64, rows, cols int) {
	parallel.For(rows, func(r int) {
		src := x[r*cols : (r+1)*cols]
		dst := out[r*cols : (r+1)*cols]
		m := floats.Max(src)
		s := 0.0
		for i, v := range src {
			e := math.Exp(v - m)
			dst[i] = e
			s += e
		}
		floats.Scale(1/s, dst)
	}, cpu.cfg)
}

// SoftmaxBackward accumulates gradX += y ⊙ (gradOut - <gradOut, y>) per row.
func (cpu *CPUBackend) SoftmaxBackward(gradX, gradOut, y []float64, rows, cols int) {
	parallel.For(rows, func(r int) {
		gy := gradOut[r*cols : (r+1)*cols]
		yr := y[r*cols : (r+1)*cols]
		dot := floats.Dot(gy, yr)
		gx := gradX[r*cols : (r+1)*cols]
		for i := range gx {
			gx[i] += yr[i] * (gy[i] - dot)
		}
	}, cpu.cfg)
}
