package graph

import (
	"fmt"

	"github.com/born-ml/layergraph/internal/tensor"
)

// Forward evaluates every dirty node for a batch of batchSize examples.
//
// Changing the batch size reallocates every per-example buffer and
// invalidates the whole graph, as does changing the phase. In the Train
// phase stochastic nodes redraw first, which invalidates them and their
// descendants. Clean nodes are not recomputed.
func (g *Graph) Forward(batchSize int, phase Phase) error {
	if g.released {
		return ErrReleased
	}
	if batchSize <= 0 {
		return fmt.Errorf("%w: batch size %d", ErrInvalidConfig, batchSize)
	}
	if err := g.resize(batchSize); err != nil {
		return err
	}
	if phase != g.phase {
		g.MarkAllDirty()
		g.phase = phase
	}

	ctx := g.newContext(phase)
	g.forwarded = false
	g.recomputed = 0
	recomputed := make([]bool, len(g.nodes))

	for i, n := range g.nodes {
		b := n.Meta()
		if s, ok := n.(Stochastic); ok && phase == Train {
			if err := s.Redraw(ctx); err != nil {
				g.abort(recomputed, i)
				return fmt.Errorf("%s: redraw: %w", b.name, err)
			}
			b.state = Dirty
		}
		if b.state == Clean && !anyRecomputed(b.preds, recomputed) {
			continue
		}

		var err error
		if ctx.Batch != nil {
			err = n.ForwardGPU(ctx)
		} else {
			err = n.ForwardCPU(ctx)
			b.out.Round(g.cfg.Parallel)
		}
		if err != nil {
			g.abort(recomputed, i)
			return fmt.Errorf("%s: forward: %w", b.name, err)
		}
		recomputed[i] = true
		g.recomputed++
	}

	if err := g.finish(ctx); err != nil {
		g.abort(recomputed, len(g.nodes)-1)
		return err
	}
	for i, n := range g.nodes {
		if recomputed[i] {
			n.Meta().state = Clean
		}
	}
	g.forwarded = true
	g.log.Debug("forward", "phase", phase.String(), "batch", batchSize, "recomputed", g.recomputed, "nodes", len(g.nodes))
	return nil
}

// abort runs after a forward pass failed at node failed. Every node at or
// before it that is dirty or was recomputed invalidates its descendants, so
// no node downstream of a partial result reports Clean.
func (g *Graph) abort(recomputed []bool, failed int) {
	for i := 0; i <= failed; i++ {
		if recomputed[i] || i == failed || g.nodes[i].Meta().state == Dirty {
			g.MarkDirty(ID(i))
		}
	}
}

func anyRecomputed(preds []ID, recomputed []bool) bool {
	for _, p := range preds {
		if recomputed[p] {
			return true
		}
	}
	return false
}

// Backward propagates gradients of the loss through the graph in reverse
// order. Every output and parameter gradient is reset first, so after
// Backward each parameter gradient holds the batch-summed gradient of the
// loss of the last forward pass.
func (g *Graph) Backward() error {
	if g.released {
		return ErrReleased
	}
	if !g.forwarded {
		return ErrNotForwarded
	}
	ctx := g.newContext(g.phase)
	g.zeroGrads(ctx)

	reached := make([]bool, len(g.nodes))
	for i := len(g.nodes) - 1; i >= 0; i-- {
		n := g.nodes[i]
		b := n.Meta()
		if _, lossy := n.(Lossy); !lossy && !reached[i] {
			continue
		}

		var err error
		if ctx.Batch != nil {
			err = n.BackwardGPU(ctx)
		} else {
			err = n.BackwardCPU(ctx)
			g.roundGrads(b)
		}
		if err != nil {
			return fmt.Errorf("%s: backward: %w", b.name, err)
		}
		for _, p := range b.preds {
			reached[p] = true
		}
	}

	if err := g.finish(ctx); err != nil {
		return err
	}
	g.log.Debug("backward", "batch", g.batch, "nodes", len(g.nodes))
	return nil
}

func (g *Graph) zeroGrads(ctx *Context) {
	for _, n := range g.nodes {
		b := n.Meta()
		if ctx.Batch != nil {
			ctx.Fill(b.grad.Storage(), b.grad.Len(), 0)
			for _, p := range b.params {
				ctx.Fill(p.Grad.Storage(), p.Grad.Len(), 0)
			}
			continue
		}
		b.grad.Zero()
		for _, p := range b.params {
			p.Grad.Zero()
		}
	}
}

// roundGrads stores the gradients a CPU backward rule touched at the graph
// precision.
func (g *Graph) roundGrads(b *Base) {
	if g.cfg.Precision == tensor.Float64 {
		return
	}
	for _, p := range b.preds {
		g.nodes[p].Meta().grad.Round(g.cfg.Parallel)
	}
	for _, p := range b.params {
		p.Grad.Round(g.cfg.Parallel)
	}
}

// Loss returns the scalar loss of the last forward pass: the sum of every
// Lossy node's loss buffer.
func (g *Graph) Loss() (float64, error) {
	if !g.forwarded {
		return 0, ErrNotForwarded
	}
	total := 0.0
	for _, n := range g.nodes {
		l, ok := n.(Lossy)
		if !ok {
			continue
		}
		buf := l.LossBuffer()
		if buf.OnDevice() {
			if err := buf.Download(); err != nil {
				return 0, fmt.Errorf("%w: %w", ErrDevice, err)
			}
		}
		for _, v := range buf.Host() {
			total += v
		}
	}
	return total, nil
}

// Output returns the host view of a node's output, downloading it from the
// device first on the GPU target.
func (g *Graph) Output(id ID) ([]float64, error) {
	n, err := g.Lookup(id)
	if err != nil {
		return nil, err
	}
	return g.hostView(n.Meta().out)
}

// Gradient returns the host view of a node's output gradient.
func (g *Graph) Gradient(id ID) ([]float64, error) {
	n, err := g.Lookup(id)
	if err != nil {
		return nil, err
	}
	return g.hostView(n.Meta().grad)
}

// SyncParamGrads downloads every parameter gradient to the host.
func (g *Graph) SyncParamGrads() error {
	for _, p := range g.Params() {
		if _, err := g.hostView(p.Grad); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) hostView(b *tensor.Buffer) ([]float64, error) {
	if b.OnDevice() {
		if err := b.Download(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDevice, err)
		}
	}
	return b.Host(), nil
}

// Apply runs an update rule over every parameter. Gradients are synchronized
// to the host first; updated values are rounded, uploaded and their owners
// marked dirty.
func (g *Graph) Apply(step func(params []*Param) error) error {
	if err := g.SyncParamGrads(); err != nil {
		return err
	}
	params := g.Params()
	if err := step(params); err != nil {
		return err
	}
	for _, p := range params {
		if err := g.ParamChanged(p); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) newContext(phase Phase) *Context {
	ctx := &Context{
		Graph:     g,
		Config:    g.cfg,
		Phase:     phase,
		BatchSize: g.batch,
		CPU:       g.cpu,
	}
	if g.cfg.Target == GPU {
		ctx.Batch = g.cfg.Device.NewBatch()
	}
	return ctx
}

// finish submits the pass's device work and waits for it.
func (g *Graph) finish(ctx *Context) error {
	if ctx.Batch == nil {
		return nil
	}
	if err := ctx.Batch.Submit().Wait(); err != nil {
		return fmt.Errorf("%w: %w", ErrDevice, err)
	}
	return nil
}

// resize reallocates every per-example buffer for a new batch size.
func (g *Graph) resize(batch int) error {
	if batch == g.batch {
		return nil
	}
	for _, n := range g.nodes {
		b := n.Meta()
		if err := b.out.Resize(batch); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrDevice, b.name, err)
		}
		if err := b.grad.Resize(batch); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrDevice, b.name, err)
		}
		for _, a := range b.aux {
			if err := a.Resize(batch); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrDevice, b.name, err)
			}
		}
		if r, ok := n.(Resizer); ok {
			if err := r.Resize(batch); err != nil {
				return fmt.Errorf("%s: resize: %w", b.name, err)
			}
		}
	}
	g.log.Debug("resized", "from", g.batch, "to", batch)
	g.batch = batch
	g.forwarded = false
	g.MarkAllDirty()
	return nil
}
