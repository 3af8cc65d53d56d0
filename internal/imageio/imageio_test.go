package imageio_test

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/layergraph/internal/backend/webgpu"
	"github.com/born-ml/layergraph/internal/graph"
	"github.com/born-ml/layergraph/internal/imageio"
	"github.com/born-ml/layergraph/internal/nn"
	"github.com/born-ml/layergraph/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writePNG stores an opaque w×h image whose pixel (x, y) is pixel(x, y).
func writePNG(t *testing.T, dir, name string, w, h int, pixel func(x, y int) color.RGBA) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetRGBA(x, y, pixel(x, y))
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func gradient(seed int) func(x, y int) color.RGBA {
	return func(x, y int) color.RGBA {
		return color.RGBA{R: uint8(seed + 10*x), G: uint8(200 - 7*y), B: uint8(seed * 3), A: 255}
	}
}

func opts(w, h, c int) imageio.Options {
	o := imageio.DefaultOptions()
	o.Width, o.Height, o.Channels = w, h, c
	return o
}

func TestLoadBatch_PlanarValues(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writePNG(t, dir, "a.png", 3, 2, gradient(1)),
		writePNG(t, dir, "b.png", 3, 2, gradient(40)),
	}

	data, desc, err := imageio.LoadBatch(context.Background(), paths, opts(3, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, tensor.Descriptor{Batch: 2, Channels: 3, Height: 2, Width: 3, Layout: tensor.Planar}, desc)
	require.Len(t, data, desc.NumElements())

	for b, seed := range []int{1, 40} {
		px := gradient(seed)
		for y := range 2 {
			for x := range 3 {
				c := px(x, y)
				for ch, v := range []uint8{c.R, c.G, c.B} {
					assert.Equal(t, float32(v)/255, data[desc.Index(b, ch, y, x)], "b=%d c=%d (%d,%d)", b, ch, x, y)
				}
			}
		}
	}
}

func TestLoadBatch_Grayscale(t *testing.T) {
	dir := t.TempDir()
	path := writePNG(t, dir, "gray.png", 2, 2, func(x, y int) color.RGBA {
		v := uint8(60 * (x + 2*y))
		return color.RGBA{R: v, G: v, B: v, A: 255}
	})

	data, desc, err := imageio.LoadBatch(context.Background(), []string{path}, opts(2, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, desc.Channels)
	assert.Equal(t, []float32{0, 60.0 / 255, 120.0 / 255, 180.0 / 255}, data)
}

func TestLoadBatch_Resizes(t *testing.T) {
	dir := t.TempDir()
	solid := func(int, int) color.RGBA { return color.RGBA{R: 51, G: 102, B: 204, A: 255} }
	path := writePNG(t, dir, "big.png", 8, 6, solid)

	data, _, err := imageio.LoadBatch(context.Background(), []string{path}, opts(4, 3, 3))
	require.NoError(t, err)
	require.Len(t, data, 3*4*3)
	for i, v := range data {
		want := []float32{51.0 / 255, 102.0 / 255, 204.0 / 255}[i/12]
		assert.Equal(t, want, v, "index %d", i)
	}
}

func TestLoadBatch_Errors(t *testing.T) {
	dir := t.TempDir()
	good := writePNG(t, dir, "ok.png", 2, 2, gradient(0))
	junk := filepath.Join(dir, "junk.png")
	require.NoError(t, os.WriteFile(junk, []byte("not an image"), 0o600))

	ctx := context.Background()
	_, _, err := imageio.LoadBatch(ctx, nil, opts(2, 2, 3))
	assert.ErrorIs(t, err, imageio.ErrOptions)
	_, _, err = imageio.LoadBatch(ctx, []string{good}, opts(2, 2, 4))
	assert.ErrorIs(t, err, imageio.ErrOptions)
	_, _, err = imageio.LoadBatch(ctx, []string{good}, opts(0, 2, 3))
	assert.ErrorIs(t, err, imageio.ErrOptions)

	_, _, err = imageio.LoadBatch(ctx, []string{good, filepath.Join(dir, "missing.png")}, opts(2, 2, 3))
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, _, err = imageio.LoadBatch(ctx, []string{junk}, opts(2, 2, 3))
	assert.ErrorIs(t, err, image.ErrFormat)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, _, err = imageio.LoadBatch(cancelled, []string{good}, opts(2, 2, 3))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadBatch_FeedsInput(t *testing.T) {
	dir := t.TempDir()
	path := writePNG(t, dir, "a.png", 2, 2, gradient(5))
	data, desc, err := imageio.LoadBatch(context.Background(), []string{path}, opts(2, 2, 3))
	require.NoError(t, err)

	g, err := graph.New(graph.DefaultConfig())
	require.NoError(t, err)
	in, err := nn.NewInput(g, desc.Shape())
	require.NoError(t, err)
	require.NoError(t, in.SetData(data, desc))
	for i, v := range in.Values() {
		assert.InDelta(t, float64(data[i]), v, 0)
	}
}

func TestLoadDevice_MatchesHost(t *testing.T) {
	dev, err := webgpu.New()
	if err != nil {
		t.Skipf("WebGPU not available: %v", err)
	}
	t.Cleanup(dev.Release)

	dir := t.TempDir()
	paths := []string{
		writePNG(t, dir, "a.png", 5, 4, gradient(7)),
		writePNG(t, dir, "b.png", 5, 4, gradient(130)),
	}
	o := opts(5, 4, 3)
	want, _, err := imageio.LoadBatch(context.Background(), paths, o)
	require.NoError(t, err)

	dst, err := tensor.NewBuffer(o.Shape(), len(paths), tensor.Float32, dev)
	require.NoError(t, err)
	t.Cleanup(dst.Release)
	require.NoError(t, imageio.LoadDevice(context.Background(), paths, o, dst))
	require.NoError(t, dst.Download())

	for i, v := range dst.Host() {
		assert.Equal(t, float64(want[i]), v, "index %d", i)
	}

	wrong, err := tensor.NewBuffer(o.Shape(), 1, tensor.Float32, dev)
	require.NoError(t, err)
	t.Cleanup(wrong.Release)
	assert.ErrorIs(t, imageio.LoadDevice(context.Background(), paths, o, wrong), imageio.ErrOptions)
}

func TestLoadDevice_HostOnlyBuffer(t *testing.T) {
	dir := t.TempDir()
	path := writePNG(t, dir, "a.png", 2, 2, gradient(0))
	o := opts(2, 2, 3)
	dst, err := tensor.NewBuffer(o.Shape(), 1, tensor.Float32, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, imageio.LoadDevice(context.Background(), []string{path}, o, dst), tensor.ErrNoDevice)
}
