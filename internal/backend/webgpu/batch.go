//go:build windows

package webgpu

import (
	"errors"
	"fmt"

	"github.com/born-ml/layergraph/internal/tensor"
	"github.com/go-webgpu/webgpu/wgpu"
)

// CommandBatch accumulates kernel dispatches for a single queue submission.
// Every dispatch is encoded as its own compute pass, so later passes observe
// the writes of earlier ones.
type CommandBatch struct {
	backend *Backend
	encoder *wgpu.CommandEncoder
	count   int
	err     error

	// Released once the submission completed.
	temps    []tensor.Storage
	releases []func()
	last     *storage
}

// NewBatch creates a new command batch.
func (b *Backend) NewBatch() tensor.Batch {
	batch := &CommandBatch{backend: b}
	func() {
		defer recoverInto(&batch.err, "new batch")
		batch.encoder = b.device.CreateCommandEncoder(nil)
	}()
	return batch
}

// Dispatch encodes one kernel invocation grid. Errors are deferred to Submit.
func (batch *CommandBatch) Dispatch(d tensor.Dispatch) {
	if batch.err != nil {
		return
	}
	if err := batch.encode(&d); err != nil {
		name := "<nil>"
		if d.Kernel != nil {
			name = d.Kernel.Name
		}
		batch.err = fmt.Errorf("%s: %w", name, err)
	}
}

func (batch *CommandBatch) encode(d *tensor.Dispatch) (err error) {
	defer recoverInto(&err, "dispatch")
	if err := validateDispatch(d); err != nil {
		return err
	}

	gx, gy := d.Groups[0], d.Groups[1]
	if d.Kernel.Main == "" {
		gx, gy = Grid(d.Threads)
	}
	if gx == 0 {
		return nil
	}
	if gy == 0 {
		gy = 1
	}

	b := batch.backend
	pipeline := b.pipeline(d.Kernel, d.Precision)

	params := b.createParamsBuffer(encodeParams(d.Threads, d.Args))
	entries := make([]wgpu.BindGroupEntry, 0, len(d.Buffers)+1)
	entries = append(entries, wgpu.BufferBindingEntry(0, params, 0, uint64(4*(len(d.Args)+1))))
	for i, s := range d.Buffers {
		st, err := b.storageOf(s)
		if err != nil {
			params.Release()
			return err
		}
		entries = append(entries, wgpu.BufferBindingEntry(uint32(i+1), st.buffer, 0, st.size)) //nolint:gosec // G115: binding index is small
		batch.last = st
	}

	bindGroup := b.device.CreateBindGroupSimple(pipeline.GetBindGroupLayout(0), entries)
	batch.releases = append(batch.releases, params.Release, bindGroup.Release)

	pass := batch.encoder.BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(uint32(gx), uint32(gy), 1) //nolint:gosec // G115: grid validated against device limits
	pass.End()

	batch.count++
	return nil
}

// Temp allocates pooled scratch storage that lives until the batch completed.
// Contents are undefined.
func (batch *CommandBatch) Temp(words int) (s tensor.Storage, err error) {
	defer recoverInto(&err, "temp")
	b := batch.backend
	size := pooledSize(byteSize(words))
	buffer := b.bufferPool.Acquire(size, storageUsage)
	st := &storage{backend: b, buffer: buffer, words: words, size: size, pooled: true}
	batch.temps = append(batch.temps, st)
	return st, nil
}

// Count returns the number of dispatches in the batch.
func (batch *CommandBatch) Count() int {
	return batch.count
}

// Submit hands the batch to the queue. The batch cannot be reused.
func (batch *CommandBatch) Submit() tensor.Fence {
	f := &fence{batch: batch, err: batch.err}
	if f.err != nil || batch.count == 0 {
		return f
	}
	func() {
		defer recoverInto(&f.err, "submit")
		b := batch.backend
		b.queueMu.Lock()
		defer b.queueMu.Unlock()
		b.queue.Submit(batch.encoder.Finish(nil))
		f.submitted = true
	}()
	return f
}

func (batch *CommandBatch) cleanup() {
	for _, release := range batch.releases {
		release()
	}
	batch.releases = nil
	for _, t := range batch.temps {
		t.Release()
	}
	batch.temps = nil
}

type fence struct {
	batch     *CommandBatch
	submitted bool
	done      bool
	err       error
}

var errFenceReused = errors.New("webgpu: fence already waited on")

// Wait blocks until the queue drained past the batch and frees its scratch storage.
func (f *fence) Wait() (err error) {
	if f.done {
		return errFenceReused
	}
	f.done = true
	defer f.batch.cleanup()
	if f.err != nil || !f.submitted || f.batch.last == nil {
		return f.err
	}

	defer recoverInto(&err, "wait")
	b := f.batch.backend
	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	// The queue runs in order: once a copy recorded after the batch is
	// mapped, every dispatch of the batch has finished.
	_, err = b.readBuffer(f.batch.last.buffer, 4)
	return err
}
