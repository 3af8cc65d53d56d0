package graph

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/layergraph/internal/backend/cpu"
	"github.com/born-ml/layergraph/internal/parallel"
	"github.com/born-ml/layergraph/internal/tensor"
)

// Phase tells stochastic and batch-statistics layers how to behave.
type Phase int

// Pass phases.
const (
	// Train draws fresh random values and updates running statistics.
	Train Phase = iota
	// Replay reuses the draws and snapshots of the last Train pass, so a
	// perturbed re-evaluation sees the same function.
	Replay
	// Inference disables stochastic layers and uses running statistics.
	Inference
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case Train:
		return "train"
	case Replay:
		return "replay"
	case Inference:
		return "inference"
	default:
		return "unknown"
	}
}

// Context is handed to every forward and backward rule of one pass.
type Context struct {
	Graph     *Graph
	Config    Config
	Phase     Phase
	BatchSize int

	// CPU runs the host reference kernels.
	CPU *cpu.CPUBackend

	// Batch records device work; nil on the CPU target.
	Batch tensor.Batch
}

// Parallel returns the work-slicer policy.
func (ctx *Context) Parallel() parallel.Config { return ctx.Config.Parallel }

// Rand returns the graph's random source.
func (ctx *Context) Rand() *rand.Rand { return ctx.Graph.rng }

// In returns the output buffer of the i-th predecessor of n.
func (ctx *Context) In(n Node, i int) *tensor.Buffer {
	return ctx.Graph.nodes[n.Meta().preds[i]].Meta().out
}

// InGrad returns the gradient buffer of the i-th predecessor of n.
func (ctx *Context) InGrad(n Node, i int) *tensor.Buffer {
	return ctx.Graph.nodes[n.Meta().preds[i]].Meta().grad
}

// InShape returns the per-example shape of the i-th predecessor of n.
func (ctx *Context) InShape(n Node, i int) tensor.Shape {
	return ctx.Graph.nodes[n.Meta().preds[i]].Meta().shape
}

// Dispatch records a flat kernel launch at the graph precision.
func (ctx *Context) Dispatch(k *tensor.Kernel, threads int, args []uint32, bufs ...*tensor.Buffer) {
	storages := make([]tensor.Storage, len(bufs))
	for i, b := range bufs {
		storages[i] = b.Storage()
	}
	ctx.DispatchStorage(k, threads, args, storages...)
}

// DispatchStorage is Dispatch for raw storage such as batch temporaries.
func (ctx *Context) DispatchStorage(k *tensor.Kernel, threads int, args []uint32, storages ...tensor.Storage) {
	if threads <= 0 {
		return
	}
	ctx.Batch.Dispatch(tensor.Dispatch{
		Kernel:    k,
		Threads:   threads,
		Args:      args,
		Buffers:   storages,
		Precision: ctx.Config.Precision,
	})
}

// Temp allocates pass-scoped device scratch storage.
func (ctx *Context) Temp(words int) (tensor.Storage, error) {
	s, err := ctx.Batch.Temp(words)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDevice, err)
	}
	return s, nil
}

// Upload copies b's host view to the device.
func (ctx *Context) Upload(b *tensor.Buffer) error {
	if err := b.Upload(); err != nil {
		return fmt.Errorf("%w: %w", ErrDevice, err)
	}
	return nil
}
