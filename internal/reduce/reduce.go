// Package reduce implements column reductions over row-major [dim1, dim2]
// data: out[j] combines in[i*dim2+j] over every row i.
//
// The CPU path splits the columns across workers. The device path is a
// multi-pass workgroup tree: each pass folds blocks of WorkgroupSize rows into
// one partial row until a single row remains.
package reduce

import (
	"fmt"
	"math"

	"github.com/born-ml/layergraph/internal/parallel"
)

// Op selects the combining function.
type Op int

// Supported reductions.
const (
	OpSum Op = iota
	OpMax
)

// String returns the op name.
func (op Op) String() string {
	if op == OpMax {
		return "max"
	}
	return "sum"
}

// Sum writes the column sums of in into out[:dim2].
func Sum(in []float64, dim1, dim2 int, out []float64, cfg parallel.Config) {
	Columns(OpSum, in, dim1, dim2, out, cfg)
}

// Max writes the column maxima of in into out[:dim2].
func Max(in []float64, dim1, dim2 int, out []float64, cfg parallel.Config) {
	Columns(OpMax, in, dim1, dim2, out, cfg)
}

// Columns reduces every column of in with op.
func Columns(op Op, in []float64, dim1, dim2 int, out []float64, cfg parallel.Config) {
	if dim1 <= 0 || dim2 <= 0 {
		panic(fmt.Sprintf("reduce: invalid dimensions %dx%d", dim1, dim2))
	}
	if len(in) < dim1*dim2 || len(out) < dim2 {
		panic(fmt.Sprintf("reduce: %dx%d does not fit input %d / output %d", dim1, dim2, len(in), len(out)))
	}

	parallel.For(dim2, func(j int) {
		switch op {
		case OpMax:
			m := math.Inf(-1)
			for i := 0; i < dim1; i++ {
				m = math.Max(m, in[i*dim2+j])
			}
			out[j] = m
		default:
			s := 0.0
			for i := 0; i < dim1; i++ {
				s += in[i*dim2+j]
			}
			out[j] = s
		}
	}, cfg)
}
