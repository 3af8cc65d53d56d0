package reduce

import (
	"fmt"
	"strings"

	"github.com/born-ml/layergraph/internal/tensor"
)

// maxColumnsPerPass is the workgroup grid limit along y.
const maxColumnsPerPass = 65535

const treeMain = `
var<workgroup> partial: array<f32, 256>;

@compute @workgroup_size(256)
fn main(@builtin(local_invocation_id) lid: vec3<u32>, @builtin(workgroup_id) wid: vec3<u32>) {
    let rows = pu(0u);
    let cols = pu(1u);
    let j = wid.y + pu(2u);
    let base = wid.x * 256u;
    let r = base + lid.x;
    var v = IDENTITY;
    if (r < rows) {
        v = src[r * cols + j];
    }
    partial[lid.x] = v;
    workgroupBarrier();
    for (var s = 128u; s > 0u; s = s >> 1u) {
        if (lid.x < s) {
            partial[lid.x] = COMBINE;
        }
        workgroupBarrier();
    }
    if (lid.x == 0u) {
        dst[wid.x * cols + j] = st(partial[0]);
    }
}
`

func treeKernel(name, identity, combine string) *tensor.Kernel {
	return &tensor.Kernel{
		Name:    name,
		Buffers: []string{"src", "dst"},
		Main:    strings.NewReplacer("IDENTITY", identity, "COMBINE", combine).Replace(treeMain),
	}
}

var (
	// Out-of-range rows contribute 0 to a sum and repeat the block's first
	// row for a max, so the padding never changes the result.
	sumKernel = treeKernel("reduce_sum", "0.0", "partial[lid.x] + partial[lid.x + s]")
	maxKernel = treeKernel("reduce_max", "src[base * cols + j]", "max(partial[lid.x], partial[lid.x + s])")

	copyKernel = &tensor.Kernel{
		Name:    "reduce_copy",
		Buffers: []string{"src", "dst"},
		Body:    "    dst[i] = st(src[i]);",
	}
)

// SumGPU records the column sums of in into out on batch.
func SumGPU(batch tensor.Batch, in tensor.Storage, dim1, dim2 int, out tensor.Storage, p tensor.Precision) error {
	return ColumnsGPU(batch, OpSum, in, dim1, dim2, out, p)
}

// MaxGPU records the column maxima of in into out on batch.
func MaxGPU(batch tensor.Batch, in tensor.Storage, dim1, dim2 int, out tensor.Storage, p tensor.Precision) error {
	return ColumnsGPU(batch, OpMax, in, dim1, dim2, out, p)
}

// ColumnsGPU records a column reduction on batch. Intermediate partial rows
// live in batch scratch storage at full 32-bit precision; only the values
// written to out are rounded to p. out receives exactly dim2 values.
func ColumnsGPU(batch tensor.Batch, op Op, in tensor.Storage, dim1, dim2 int, out tensor.Storage, p tensor.Precision) error {
	if dim1 <= 0 || dim2 <= 0 {
		return fmt.Errorf("reduce: invalid dimensions %dx%d", dim1, dim2)
	}
	if in.Words() < dim1*dim2 || out.Words() < dim2 {
		return fmt.Errorf("reduce: %dx%d does not fit input %d / output %d words", dim1, dim2, in.Words(), out.Words())
	}

	if dim1 == 1 {
		batch.Dispatch(tensor.Dispatch{
			Kernel:    copyKernel,
			Threads:   dim2,
			Buffers:   []tensor.Storage{in, out},
			Precision: p,
		})
		return nil
	}

	kernel := sumKernel
	if op == OpMax {
		kernel = maxKernel
	}

	src, rows := in, dim1
	for rows > 1 {
		groups := (rows + tensor.WorkgroupSize - 1) / tensor.WorkgroupSize
		dst, prec := out, p
		if groups > 1 {
			tmp, err := batch.Temp(groups * dim2)
			if err != nil {
				return fmt.Errorf("reduce: scratch for %d partial rows: %w", groups, err)
			}
			dst, prec = tmp, tensor.Float32
		}
		for off := 0; off < dim2; off += maxColumnsPerPass {
			cols := min(dim2-off, maxColumnsPerPass)
			batch.Dispatch(tensor.Dispatch{
				Kernel:    kernel,
				Groups:    [2]int{groups, cols},
				Args:      []uint32{tensor.U(rows), tensor.U(dim2), tensor.U(off)},
				Buffers:   []tensor.Storage{src, dst},
				Precision: prec,
			})
		}
		src, rows = dst, groups
	}
	return nil
}
