// Package webgpu implements the accelerated device on top of WebGPU.
// Uses go-webgpu (github.com/go-webgpu/webgpu) for zero-CGO WebGPU bindings.
//
// Every kernel is written in WGSL against a small generated prelude, see
// Source. The prelude and grid helpers are portable; the device itself is only
// built where the native library is shipped.
package webgpu

import (
	"fmt"
	"strings"

	"github.com/born-ml/layergraph/internal/tensor"
)

// maxGroupsPerDim is the WebGPU limit on workgroups along one grid axis.
const maxGroupsPerDim = 65535

const paramsBinding = "@group(0) @binding(0) var<storage, read> params: array<u32>;\n"

const argHelpers = `
fn pu(k: u32) -> u32 {
    return params[k + 1u];
}

fn pf(k: u32) -> f32 {
    return bitcast<f32>(params[k + 1u]);
}
`

const storeFull = `
fn st(v: f32) -> f32 {
    return v;
}
`

// storeHalf rounds through a packed half to emulate 16-bit storage.
const storeHalf = `
fn st(v: f32) -> f32 {
    return unpack2x16float(pack2x16float(vec2<f32>(v, 0.0))).x;
}
`

const entryTemplate = `
@compute @workgroup_size(%d)
fn main(@builtin(global_invocation_id) gid: vec3<u32>, @builtin(num_workgroups) nwg: vec3<u32>) {
    let i = gid.x + gid.y * nwg.x * %du;
    if (i >= params[0]) {
        return;
    }
%s
}
`

// Source assembles the complete WGSL module for a kernel at a precision.
func Source(k *tensor.Kernel, p tensor.Precision) string {
	var sb strings.Builder
	sb.WriteString(paramsBinding)
	for i, name := range k.Buffers {
		fmt.Fprintf(&sb, "@group(0) @binding(%d) var<storage, read_write> %s: array<f32>;\n", i+1, name)
	}
	sb.WriteString(argHelpers)
	if p == tensor.Float16 {
		sb.WriteString(storeHalf)
	} else {
		sb.WriteString(storeFull)
	}
	if k.Helpers != "" {
		sb.WriteString("\n")
		sb.WriteString(k.Helpers)
	}
	if k.Main != "" {
		sb.WriteString("\n")
		sb.WriteString(k.Main)
		return sb.String()
	}
	fmt.Fprintf(&sb, entryTemplate, tensor.WorkgroupSize, tensor.WorkgroupSize, k.Body)
	return sb.String()
}

// Grid returns the workgroup grid for a flat invocation count. Grids larger
// than one axis allows wrap into a second dimension; the generated entry point
// folds them back into a flat index.
func Grid(threads int) (x, y int) {
	if threads <= 0 {
		return 0, 0
	}
	groups := (threads + tensor.WorkgroupSize - 1) / tensor.WorkgroupSize
	if groups <= maxGroupsPerDim {
		return groups, 1
	}
	return maxGroupsPerDim, (groups + maxGroupsPerDim - 1) / maxGroupsPerDim
}

// pipelineKey identifies a compiled kernel variant.
func pipelineKey(k *tensor.Kernel, p tensor.Precision) string {
	if p == tensor.Float16 {
		return k.Name + "/f16"
	}
	return k.Name
}

// validateDispatch checks a dispatch before it is encoded.
func validateDispatch(d *tensor.Dispatch) error {
	if d.Kernel == nil {
		return fmt.Errorf("webgpu: dispatch without kernel")
	}
	if len(d.Buffers) != len(d.Kernel.Buffers) {
		return fmt.Errorf("webgpu: kernel %s binds %d buffers, got %d",
			d.Kernel.Name, len(d.Kernel.Buffers), len(d.Buffers))
	}
	for i, s := range d.Buffers {
		if s == nil {
			return fmt.Errorf("webgpu: kernel %s: buffer %s is nil", d.Kernel.Name, d.Kernel.Buffers[i])
		}
	}
	if d.Kernel.Main != "" && d.Groups[0] <= 0 {
		return fmt.Errorf("webgpu: kernel %s needs an explicit grid", d.Kernel.Name)
	}
	if d.Groups[0] > maxGroupsPerDim || d.Groups[1] > maxGroupsPerDim {
		return fmt.Errorf("webgpu: kernel %s: grid %v exceeds device limits", d.Kernel.Name, d.Groups)
	}
	return nil
}

// encodeParams packs the thread count and the arguments into the params array.
func encodeParams(threads int, args []uint32) []uint32 {
	out := make([]uint32, 0, len(args)+1)
	out = append(out, tensor.U(threads))
	return append(out, args...)
}
