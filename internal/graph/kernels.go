package graph

import (
	"github.com/born-ml/layergraph/internal/tensor"
)

// Generic device kernels shared by the drivers and the layer catalog.
var (
	fillKernel = &tensor.Kernel{
		Name:    "fill",
		Buffers: []string{"dst"},
		Body:    "    dst[i] = st(pf(0u));",
	}
	copyKernel = &tensor.Kernel{
		Name:    "copy",
		Buffers: []string{"src", "dst"},
		Body:    "    dst[i] = st(src[i]);",
	}
	accumulateKernel = &tensor.Kernel{
		Name:    "accumulate",
		Buffers: []string{"src", "dst"},
		Body:    "    dst[i] = st(dst[i] + pf(0u) * src[i]);",
	}
)

// Fill records dst[:n] = v.
func (ctx *Context) Fill(dst tensor.Storage, n int, v float64) {
	ctx.DispatchStorage(fillKernel, n, []uint32{tensor.F(v)}, dst)
}

// Copy records dst[:n] = src[:n].
func (ctx *Context) Copy(dst, src tensor.Storage, n int) {
	ctx.DispatchStorage(copyKernel, n, nil, src, dst)
}

// Accumulate records dst[:n] += scale·src[:n].
func (ctx *Context) Accumulate(dst, src tensor.Storage, n int, scale float64) {
	ctx.DispatchStorage(accumulateKernel, n, []uint32{tensor.F(scale)}, src, dst)
}
