package nn

import (
	"math"
	"math/rand"

	"github.com/born-ml/layergraph/internal/graph"
	"github.com/born-ml/layergraph/internal/tensor"
)

// Resampling selects the geometric augmentation of a Resample layer.
type Resampling int

// Geometric augmentations.
const (
	Flip Resampling = iota
	Rotate
	Crop
	Pad
	ResizeCropPad
)

var resamplingKinds = map[Resampling]string{
	Flip:          "flip",
	Rotate:        "rotate",
	Crop:          "crop",
	Pad:           "pad",
	ResizeCropPad: "resize_crop_pad",
}

// String returns the layer kind of the augmentation.
func (r Resampling) String() string { return resamplingKinds[r] }

// ResampleConfig configures a Resample layer. Only the fields of the chosen
// Op are read.
type ResampleConfig struct {
	Op Resampling

	Prob     float64 // Flip: probability of mirroring an example.
	Vertical bool    // Flip: mirror rows instead of columns.

	MaxDegrees float64 // Rotate: angles are drawn from [-MaxDegrees, MaxDegrees].

	Height, Width int // Crop: output size.

	Pad int // Pad: zero border added on every side.

	MinScale, MaxScale float64 // ResizeCropPad: zoom factor range.
}

// matrixLen is the number of sampling coefficients per example: the 2×2
// destination→source matrix A, the offset t, the inverse of A and the
// inverse's row norms.
const matrixLen = 12

// Resample maps every destination pixel d of an example to the source
// position A·d + t and samples it bilinearly, reading zero outside the
// input. Each example draws its own map in the Train phase; Inference uses
// the deterministic map (no flip, no rotation, centered crop, unit scale).
type Resample struct {
	graph.Base
	cfg     ResampleConfig
	c, h, w int
	oh, ow  int
	drawn   []float64
	mats    *tensor.Buffer
}

// NewResample appends a geometric augmentation of the [C, H, W] node x.
func NewResample(g *graph.Graph, x graph.ID, cfg ResampleConfig) (*Resample, error) {
	kind, ok := resamplingKinds[cfg.Op]
	if !ok {
		return nil, invalid("resample", "unknown op %d", int(cfg.Op))
	}
	shapes, err := inputShapes(g, kind, x)
	if err != nil {
		return nil, err
	}
	c, h, w, err := spatial(kind, shapes[0])
	if err != nil {
		return nil, err
	}
	oh, ow := h, w
	switch cfg.Op {
	case Flip:
		if cfg.Prob < 0 || cfg.Prob > 1 || math.IsNaN(cfg.Prob) {
			return nil, invalid(kind, "probability %g outside [0, 1]", cfg.Prob)
		}
	case Rotate:
		if cfg.MaxDegrees < 0 || cfg.MaxDegrees > 180 {
			return nil, invalid(kind, "max angle %g outside [0, 180]", cfg.MaxDegrees)
		}
	case Crop:
		if cfg.Height < 1 || cfg.Width < 1 || cfg.Height > h || cfg.Width > w {
			return nil, invalid(kind, "crop %dx%d does not fit %dx%d", cfg.Height, cfg.Width, h, w)
		}
		oh, ow = cfg.Height, cfg.Width
	case Pad:
		if cfg.Pad < 0 {
			return nil, invalid(kind, "negative padding %d", cfg.Pad)
		}
		oh, ow = h+2*cfg.Pad, w+2*cfg.Pad
	case ResizeCropPad:
		if cfg.MinScale <= 0 || cfg.MaxScale < cfg.MinScale {
			return nil, invalid(kind, "scale range [%g, %g]", cfg.MinScale, cfg.MaxScale)
		}
	}

	n := &Resample{Base: graph.NewBase(kind, tensor.Shape{c, oh, ow}, x), cfg: cfg, c: c, h: h, w: w, oh: oh, ow: ow}
	if _, err := g.Add(n); err != nil {
		return nil, err
	}
	if n.mats, err = g.AuxExact(n, tensor.Shape{matrixLen}); err != nil {
		return nil, err
	}
	return n, nil
}

// NewFlip appends a random horizontal mirror with probability prob.
func NewFlip(g *graph.Graph, x graph.ID, prob float64) (*Resample, error) {
	return NewResample(g, x, ResampleConfig{Op: Flip, Prob: prob})
}

// NewRotate appends a random rotation about the image center.
func NewRotate(g *graph.Graph, x graph.ID, maxDegrees float64) (*Resample, error) {
	return NewResample(g, x, ResampleConfig{Op: Rotate, MaxDegrees: maxDegrees})
}

// NewCrop appends a random height×width crop.
func NewCrop(g *graph.Graph, x graph.ID, height, width int) (*Resample, error) {
	return NewResample(g, x, ResampleConfig{Op: Crop, Height: height, Width: width})
}

// NewPad appends a zero border of pad pixels.
func NewPad(g *graph.Graph, x graph.ID, pad int) (*Resample, error) {
	return NewResample(g, x, ResampleConfig{Op: Pad, Pad: pad})
}

// NewResizeCropPad appends a random zoom about the center that keeps the
// image size, cropping when zooming in and padding when zooming out.
func NewResizeCropPad(g *graph.Graph, x graph.ID, minScale, maxScale float64) (*Resample, error) {
	return NewResample(g, x, ResampleConfig{Op: ResizeCropPad, MinScale: minScale, MaxScale: maxScale})
}

// Redraw implements graph.Stochastic.
func (n *Resample) Redraw(ctx *graph.Context) error {
	n.drawn = resizeFloats(n.drawn, ctx.BatchSize*matrixLen)
	for b := 0; b < ctx.BatchSize; b++ {
		n.draw(example(n.drawn, matrixLen, b), ctx.Rand())
	}
	return nil
}

// draw fills one example's coefficients; rng is nil for the deterministic map.
func (n *Resample) draw(m []float64, rng *rand.Rand) {
	a := [4]float64{1, 0, 0, 1}
	var tx, ty float64
	cx, cy := float64(n.w-1)/2, float64(n.h-1)/2

	switch n.cfg.Op {
	case Flip:
		if rng != nil && rng.Float64() < n.cfg.Prob {
			if n.cfg.Vertical {
				a[3], ty = -1, float64(n.h-1)
			} else {
				a[0], tx = -1, float64(n.w-1)
			}
		}
	case Rotate:
		theta := 0.0
		if rng != nil {
			theta = (rng.Float64()*2 - 1) * n.cfg.MaxDegrees * math.Pi / 180
		}
		sin, cos := math.Sincos(theta)
		a = [4]float64{cos, -sin, sin, cos}
		tx = cx - (cos*cx - sin*cy)
		ty = cy - (sin*cx + cos*cy)
	case Crop:
		if rng != nil {
			tx = float64(rng.Intn(n.w - n.ow + 1))
			ty = float64(rng.Intn(n.h - n.oh + 1))
		} else {
			tx = float64((n.w - n.ow) / 2)
			ty = float64((n.h - n.oh) / 2)
		}
	case Pad:
		tx, ty = -float64(n.cfg.Pad), -float64(n.cfg.Pad)
	case ResizeCropPad:
		scale := 1.0
		if rng != nil {
			scale = n.cfg.MinScale + rng.Float64()*(n.cfg.MaxScale-n.cfg.MinScale)
		}
		a = [4]float64{1 / scale, 0, 0, 1 / scale}
		tx, ty = cx-cx/scale, cy-cy/scale
	}

	det := a[0]*a[3] - a[1]*a[2]
	inv := [4]float64{a[3] / det, -a[1] / det, -a[2] / det, a[0] / det}
	copy(m, []float64{
		a[0], a[1], a[2], a[3], tx, ty,
		inv[0], inv[1], inv[2], inv[3],
		math.Abs(inv[0]) + math.Abs(inv[1]), math.Abs(inv[2]) + math.Abs(inv[3]),
	})
}

// prepare writes the maps of the pass into the exact buffer.
func (n *Resample) prepare(ctx *graph.Context) error {
	mats := n.mats.Host()
	if ctx.Phase != graph.Inference && len(n.drawn) == len(mats) {
		copy(mats, n.drawn)
	} else {
		for b := 0; b < ctx.BatchSize; b++ {
			n.draw(example(mats, matrixLen, b), nil)
		}
	}
	if n.mats.OnDevice() {
		return ctx.Upload(n.mats)
	}
	return nil
}

// ForwardCPU implements graph.Node.
func (n *Resample) ForwardCPU(ctx *graph.Context) error {
	if err := n.prepare(ctx); err != nil {
		return err
	}
	x, y, mats := ctx.In(n, 0).Host(), n.Out().Host(), n.mats.Host()
	inPlane, outPlane := n.h*n.w, n.oh*n.ow
	parallelFor(ctx, ctx.BatchSize*n.c, func(pc int) {
		m := example(mats, matrixLen, pc/n.c)
		src := x[pc*inPlane : (pc+1)*inPlane]
		dst := y[pc*outPlane : (pc+1)*outPlane]
		for dy := 0; dy < n.oh; dy++ {
			for dx := 0; dx < n.ow; dx++ {
				s := 0.0
				n.taps(m, dx, dy, func(idx int, wt float64) { s += wt * src[idx] })
				dst[dy*n.ow+dx] = s
			}
		}
	})
	return nil
}

// BackwardCPU implements graph.Node.
func (n *Resample) BackwardCPU(ctx *graph.Context) error {
	gx, gy, mats := ctx.InGrad(n, 0).Host(), n.Grad().Host(), n.mats.Host()
	inPlane, outPlane := n.h*n.w, n.oh*n.ow
	parallelFor(ctx, ctx.BatchSize*n.c, func(pc int) {
		m := example(mats, matrixLen, pc/n.c)
		dst := gx[pc*inPlane : (pc+1)*inPlane]
		src := gy[pc*outPlane : (pc+1)*outPlane]
		for dy := 0; dy < n.oh; dy++ {
			for dx := 0; dx < n.ow; dx++ {
				g := src[dy*n.ow+dx]
				n.taps(m, dx, dy, func(idx int, wt float64) { dst[idx] += wt * g })
			}
		}
	})
	return nil
}

// taps visits the in-range bilinear neighbors of the source position of
// destination pixel (dx, dy) with their weights.
func (n *Resample) taps(m []float64, dx, dy int, visit func(idx int, wt float64)) {
	px := m[0]*float64(dx) + m[1]*float64(dy) + m[4]
	py := m[2]*float64(dx) + m[3]*float64(dy) + m[5]
	x0, y0 := math.Floor(px), math.Floor(py)
	fx, fy := px-x0, py-y0
	ix, iy := int(x0), int(y0)
	for j := 0; j < 2; j++ {
		sy := iy + j
		if sy < 0 || sy >= n.h {
			continue
		}
		wy := 1 - fy
		if j == 1 {
			wy = fy
		}
		for i := 0; i < 2; i++ {
			sx := ix + i
			if sx < 0 || sx >= n.w {
				continue
			}
			wx := 1 - fx
			if i == 1 {
				wx = fx
			}
			if wt := wx * wy; wt != 0 {
				visit(sy*n.w+sx, wt)
			}
		}
	}
}

func (n *Resample) args() []uint32 {
	return []uint32{u(n.c), u(n.h), u(n.w), u(n.oh), u(n.ow)}
}

// ForwardGPU implements graph.Node.
func (n *Resample) ForwardGPU(ctx *graph.Context) error {
	if err := n.prepare(ctx); err != nil {
		return err
	}
	ctx.Dispatch(resampleForward, n.Out().Len(), n.args(), ctx.In(n, 0), n.mats, n.Out())
	return nil
}

// BackwardGPU implements graph.Node.
func (n *Resample) BackwardGPU(ctx *graph.Context) error {
	ctx.Dispatch(resampleBackward, ctx.InGrad(n, 0).Len(), n.args(), n.Grad(), n.mats, ctx.InGrad(n, 0))
	return nil
}

// resizeFloats returns s with length n, reusing its backing array.
func resizeFloats(s []float64, n int) []float64 {
	if cap(s) >= n {
		return s[:n]
	}
	return make([]float64, n)
}

const resampleHeader = `    let C = pu(0u);
    let H = pu(1u);
    let W = pu(2u);
    let OH = pu(3u);
    let OW = pu(4u);
`

const resampleHelpers = `
fn tent(d: f32) -> f32 {
    return max(0.0, 1.0 - abs(d));
}
`

var (
	resampleForward = &tensor.Kernel{
		Name:    "resample_fwd",
		Buffers: []string{"x", "mats", "y"},
		Helpers: resampleHelpers,
		Body: resampleHeader + `    let dx = f32(i % OW);
    let dy = f32((i / OW) % OH);
    let pc = i / (OW * OH);
    let m = (pc / C) * 12u;
    let px = mats[m] * dx + mats[m + 1u] * dy + mats[m + 4u];
    let py = mats[m + 2u] * dx + mats[m + 3u] * dy + mats[m + 5u];
    let x0 = i32(floor(px));
    let y0 = i32(floor(py));
    var s = 0.0;
    for (var j = 0; j < 2; j = j + 1) {
        let sy = y0 + j;
        if (sy < 0 || sy >= i32(H)) {
            continue;
        }
        for (var k = 0; k < 2; k = k + 1) {
            let sx = x0 + k;
            if (sx < 0 || sx >= i32(W)) {
                continue;
            }
            let wt = tent(px - f32(sx)) * tent(py - f32(sy));
            s = s + wt * x[(pc * H + u32(sy)) * W + u32(sx)];
        }
    }
    y[i] = st(s);`,
	}
	// resampleBackward gathers, for each source pixel, the destination
	// pixels whose source position lies within one pixel of it.
	resampleBackward = &tensor.Kernel{
		Name:    "resample_bwd",
		Buffers: []string{"gy", "mats", "gx"},
		Helpers: resampleHelpers,
		Body: resampleHeader + `    let sx = f32(i % W);
    let sy = f32((i / W) % H);
    let pc = i / (W * H);
    let m = (pc / C) * 12u;
    let rx = sx - mats[m + 4u];
    let ry = sy - mats[m + 5u];
    let cx = mats[m + 6u] * rx + mats[m + 7u] * ry;
    let cy = mats[m + 8u] * rx + mats[m + 9u] * ry;
    let dx0 = max(i32(floor(cx - mats[m + 10u])) - 1, 0);
    let dx1 = min(i32(ceil(cx + mats[m + 10u])) + 1, i32(OW) - 1);
    let dy0 = max(i32(floor(cy - mats[m + 11u])) - 1, 0);
    let dy1 = min(i32(ceil(cy + mats[m + 11u])) + 1, i32(OH) - 1);
    var s = 0.0;
    for (var dy = dy0; dy <= dy1; dy = dy + 1) {
        for (var dx = dx0; dx <= dx1; dx = dx + 1) {
            let fx = f32(dx);
            let fy = f32(dy);
            let px = mats[m] * fx + mats[m + 1u] * fy + mats[m + 4u];
            let py = mats[m + 2u] * fx + mats[m + 3u] * fy + mats[m + 5u];
            let wt = tent(px - sx) * tent(py - sy);
            if (wt > 0.0) {
                s = s + wt * gy[(pc * OH + u32(dy)) * OW + u32(dx)];
            }
        }
    }
    gx[i] = st(gx[i] + s);`,
	}
)
