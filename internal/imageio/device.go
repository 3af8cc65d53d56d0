package imageio

import (
	"context"
	"fmt"

	"github.com/born-ml/layergraph/internal/tensor"
)

// packBias is the high byte of every packed word. It keeps the f32 view of
// each word a normal number, so loads never flush or canonicalize the bits.
const packBias = 0x4B

// expandKernel unpacks one channel byte per invocation into planar order.
// Arguments: height*width, channels.
var expandKernel = &tensor.Kernel{
	Name:    "imageio_expand",
	Buffers: []string{"packed", "table", "dst"},
	Body: `    let hw = pu(0u);
    let channels = pu(1u);
    let b = i / (channels * hw);
    let c = (i / hw) % channels;
    let word = bitcast<u32>(packed[b * hw + i % hw]);
    dst[i] = st(table[(word >> (8u * c)) & 255u]);`,
}

// LoadDevice decodes paths on the host and expands them on dst's device.
// dst must have the [C, H, W] shape of opts and one example per path. Only
// the device mirror is written; the host view is left stale.
func LoadDevice(ctx context.Context, paths []string, opts Options, dst *tensor.Buffer) error {
	if err := opts.validate(paths); err != nil {
		return err
	}
	dev := dst.Device()
	if dev == nil || !dst.OnDevice() {
		return fmt.Errorf("imageio: %w", tensor.ErrNoDevice)
	}
	if !dst.Shape().Equal(opts.Shape()) || dst.Batch() != len(paths) {
		return fmt.Errorf("%w: destination %s×%d, images %s×%d", ErrOptions, dst.Shape(), dst.Batch(), opts.Shape(), len(paths))
	}

	hw := opts.Height * opts.Width
	packed := make([]byte, 4*len(paths)*hw)
	err := decodeAll(ctx, paths, opts, func(i int, px []byte) {
		words := packed[4*i*hw : 4*(i+1)*hw]
		for p := range hw {
			copy(words[4*p:4*p+3], px[p*opts.Channels:(p+1)*opts.Channels])
			words[4*p+3] = packBias
		}
	})
	if err != nil {
		return err
	}

	src, err := dev.Alloc(len(paths) * hw)
	if err != nil {
		return fmt.Errorf("imageio: %w", err)
	}
	defer src.Release()
	table, err := dev.Alloc(len(scale))
	if err != nil {
		return fmt.Errorf("imageio: %w", err)
	}
	defer table.Release()

	if err := dev.WriteBytes(src, packed); err != nil {
		return fmt.Errorf("imageio: upload pixels: %w", err)
	}
	if err := dev.Write(table, scale[:]); err != nil {
		return fmt.Errorf("imageio: upload table: %w", err)
	}

	batch := dev.NewBatch()
	batch.Dispatch(tensor.Dispatch{
		Kernel:    expandKernel,
		Threads:   dst.Len(),
		Args:      []uint32{tensor.U(hw), tensor.U(opts.Channels)},
		Buffers:   []tensor.Storage{src, table, dst.Storage()},
		Precision: dst.Precision(),
	})
	if err := batch.Submit().Wait(); err != nil {
		return fmt.Errorf("imageio: expand: %w", err)
	}
	return nil
}
