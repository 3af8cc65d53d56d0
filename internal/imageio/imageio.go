// Package imageio loads image files into batches for Input nodes.
//
// Two paths produce identical values, byte/255 per channel:
//
//	LoadBatch   decodes on the host and returns planar float32 data with its
//	            tensor.Descriptor, ready for Input.SetData.
//	LoadDevice  decodes on the host, uploads packed pixel bytes and expands
//	            them into a device buffer with a kernel, for Input.Fill.
//
// Files are decoded in parallel and resized to the requested size with
// bilinear interpolation. PNG, JPEG, GIF, BMP, TIFF and WebP are recognized.
package imageio

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // GIF decoder.
	_ "image/jpeg" // JPEG decoder.
	_ "image/png"  // PNG decoder.
	"log/slog"
	"os"
	"runtime"
	"time"

	_ "golang.org/x/image/bmp" // BMP decoder.
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // TIFF decoder.
	_ "golang.org/x/image/webp" // WebP decoder.
	"golang.org/x/sync/errgroup"

	"github.com/born-ml/layergraph/internal/tensor"
)

// ErrOptions is returned for an invalid Options value or an empty path list.
var ErrOptions = errors.New("imageio: invalid options")

// Options selects the decoded size and channel count.
type Options struct {
	Width    int
	Height   int
	Channels int // 1 (luminance) or 3 (RGB).

	// Workers bounds concurrent decodes. Zero means runtime.NumCPU().
	Workers int

	// Logger receives a debug record per load. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns options for 32×32 RGB images.
func DefaultOptions() Options {
	return Options{Width: 32, Height: 32, Channels: 3}
}

// Shape returns the per-example [C, H, W] shape of a loaded batch.
func (o Options) Shape() tensor.Shape {
	return tensor.Shape{o.Channels, o.Height, o.Width}
}

func (o Options) validate(paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("%w: no paths", ErrOptions)
	}
	if o.Width <= 0 || o.Height <= 0 {
		return fmt.Errorf("%w: size %dx%d", ErrOptions, o.Width, o.Height)
	}
	if o.Channels != 1 && o.Channels != 3 {
		return fmt.Errorf("%w: %d channels, want 1 or 3", ErrOptions, o.Channels)
	}
	return nil
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// scale maps every byte to its float32 value byte/255. Both load paths
// read from this table.
var scale = func() [256]float32 {
	var t [256]float32
	for i := range t {
		t[i] = float32(i) / 255
	}
	return t
}()

// LoadBatch decodes paths into a planar float32 batch.
func LoadBatch(ctx context.Context, paths []string, opts Options) ([]float32, tensor.Descriptor, error) {
	desc := tensor.Descriptor{
		Batch:    len(paths),
		Channels: opts.Channels,
		Height:   opts.Height,
		Width:    opts.Width,
		Layout:   tensor.Planar,
	}
	if err := opts.validate(paths); err != nil {
		return nil, desc, err
	}

	hw := opts.Height * opts.Width
	data := make([]float32, desc.NumElements())
	err := decodeAll(ctx, paths, opts, func(i int, px []byte) {
		for c := range opts.Channels {
			plane := data[(i*opts.Channels+c)*hw : (i*opts.Channels+c+1)*hw]
			for p := range plane {
				plane[p] = scale[px[p*opts.Channels+c]]
			}
		}
	})
	if err != nil {
		return nil, desc, err
	}
	return data, desc, nil
}

// decodeAll decodes every path concurrently and hands visit the interleaved
// channel bytes of image i. visit calls for different images may run
// concurrently.
func decodeAll(ctx context.Context, paths []string, opts Options, visit func(i int, px []byte)) error {
	start := time.Now()
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			px, err := decodeFile(path, opts)
			if err != nil {
				return err
			}
			visit(i, px)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	opts.logger().Debug("images decoded",
		"component", "imageio",
		"count", len(paths),
		"size", fmt.Sprintf("%dx%dx%d", opts.Channels, opts.Height, opts.Width),
		"elapsed", time.Since(start))
	return nil
}

// decodeFile returns the image at path resized to the requested size, as
// Height×Width×Channels interleaved bytes.
func decodeFile(path string, opts Options) ([]byte, error) {
	f, err := os.Open(path) //nolint:gosec // G304: loading caller-chosen files is the purpose
	if err != nil {
		return nil, fmt.Errorf("imageio: %w", err)
	}
	defer func() { _ = f.Close() }()

	src, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("imageio: decode %s: %w", path, err)
	}

	rect := image.Rect(0, 0, opts.Width, opts.Height)
	var dst draw.Image
	if opts.Channels == 1 {
		dst = image.NewGray(rect)
	} else {
		dst = image.NewRGBA(rect)
	}
	if src.Bounds().Size() == rect.Size() {
		draw.Draw(dst, rect, src, src.Bounds().Min, draw.Src)
	} else {
		draw.BiLinear.Scale(dst, rect, src, src.Bounds(), draw.Src, nil)
	}
	opts.logger().Debug("image decoded", "component", "imageio", "path", path, "format", format, "bounds", src.Bounds())

	if gray, ok := dst.(*image.Gray); ok {
		return gray.Pix, nil
	}
	rgba := dst.(*image.RGBA)
	px := make([]byte, 3*opts.Width*opts.Height)
	for p := range opts.Width * opts.Height {
		copy(px[3*p:3*p+3], rgba.Pix[4*p:4*p+3])
	}
	return px, nil
}
