package nn

import (
	"github.com/born-ml/layergraph/internal/graph"
	"github.com/born-ml/layergraph/internal/reduce"
	"github.com/born-ml/layergraph/internal/tensor"
)

// softmaxGPU records y = softmax(x) over rows of cols values. Row maxima and
// sums use the column reductions on a transposed copy.
func softmaxGPU(ctx *graph.Context, y, x tensor.Storage, rows, cols int) error {
	n := rows * cols
	args := []uint32{u(rows), u(cols)}
	tmp, err := ctx.Temp(n)
	if err != nil {
		return err
	}
	mx, err := ctx.Temp(rows)
	if err != nil {
		return err
	}
	sm, err := ctx.Temp(rows)
	if err != nil {
		return err
	}
	ctx.DispatchStorage(softmaxGather, n, args, x, tmp)
	if err := reduce.MaxGPU(ctx.Batch, tmp, cols, rows, mx, tensor.Float32); err != nil {
		return err
	}
	ctx.DispatchStorage(softmaxExp, n, args, x, mx, tmp)
	if err := reduce.SumGPU(ctx.Batch, tmp, cols, rows, sm, tensor.Float32); err != nil {
		return err
	}
	ctx.DispatchStorage(softmaxNormalize, n, args, x, mx, sm, y)
	return nil
}

// softmaxBackwardGPU records gx += y·(gy - Σ_j gy_j·y_j) per row.
func softmaxBackwardGPU(ctx *graph.Context, gx, gy, y tensor.Storage, rows, cols int) error {
	n := rows * cols
	args := []uint32{u(rows), u(cols)}
	tmp, err := ctx.Temp(n)
	if err != nil {
		return err
	}
	dot, err := ctx.Temp(rows)
	if err != nil {
		return err
	}
	ctx.DispatchStorage(softmaxBackwardGather, n, args, gy, y, tmp)
	if err := reduce.SumGPU(ctx.Batch, tmp, cols, rows, dot, tensor.Float32); err != nil {
		return err
	}
	ctx.DispatchStorage(softmaxBackward, n, args, gy, y, dot, gx)
	return nil
}

// Transposed kernels: thread i handles column i / rows of row i % rows.
const softmaxTransposed = `    let R = pu(0u);
    let cols = pu(1u);
    let r = i % R;
    let e = r * cols + i / R;
`

// Flat kernels: thread i handles element i of row i / cols.
const softmaxFlat = `    let R = pu(0u);
    let r = i / pu(1u);
`

var (
	softmaxGather = &tensor.Kernel{
		Name:    "softmax_gather",
		Buffers: []string{"x", "tmp"},
		Body:    softmaxTransposed + "    tmp[i] = x[e];",
	}
	softmaxExp = &tensor.Kernel{
		Name:    "softmax_exp",
		Buffers: []string{"x", "mx", "tmp"},
		Body:    softmaxTransposed + "    tmp[i] = exp(x[e] - mx[r]);",
	}
	softmaxNormalize = &tensor.Kernel{
		Name:    "softmax_norm",
		Buffers: []string{"x", "mx", "sm", "y"},
		Body:    softmaxFlat + "    y[i] = st(exp(x[i] - mx[r]) / sm[r]);",
	}
	softmaxBackwardGather = &tensor.Kernel{
		Name:    "softmax_bwd_gather",
		Buffers: []string{"gy", "y", "tmp"},
		Body:    softmaxTransposed + "    tmp[i] = gy[e] * y[e];",
	}
	softmaxBackward = &tensor.Kernel{
		Name:    "softmax_bwd",
		Buffers: []string{"gy", "y", "dot", "gx"},
		Body:    softmaxFlat + "    gx[i] = st(gx[i] + y[i] * (gy[i] - dot[r]));",
	}
)
