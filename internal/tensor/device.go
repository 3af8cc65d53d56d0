package tensor

import "math"

// Storage is a device-resident array of 32-bit words.
type Storage interface {
	// Words returns the capacity in 32-bit words.
	Words() int
	// Release frees the device memory. Safe to call more than once.
	Release()
}

// Device stores buffers and runs kernels on an accelerator.
//
// Write, WriteBytes and Read are synchronous: they block until the data is
// resident and never overtake work that was submitted before them.
type Device interface {
	Name() string
	Alloc(words int) (Storage, error)
	Write(dst Storage, src []float32) error
	WriteBytes(dst Storage, src []byte) error
	Read(src Storage, dst []float32) error
	NewBatch() Batch
	Release()
}

// Batch records kernel dispatches for a single queue submission.
//
// Dispatches execute in the order they were added. Errors raised while
// encoding are kept and reported by the Fence returned from Submit.
type Batch interface {
	Dispatch(d Dispatch)
	// Temp allocates scratch storage released once the batch completed.
	Temp(words int) (Storage, error)
	Submit() Fence
}

// Fence is the handle of a submitted batch.
type Fence interface {
	// Wait blocks until every dispatch of the batch finished.
	Wait() error
}

// Kernel is a WGSL compute kernel.
//
// The device generates the bindings: a read-only `params` array followed by
// one read_write `array<f32>` per name in Buffers, plus the helpers
//
//	pu(k) -> u32   k-th argument as an integer
//	pf(k) -> f32   k-th argument as a float
//	st(v) -> f32   v rounded to the dispatch precision
//
// Body is the per-invocation code; `i` holds the flat invocation index and
// invocations beyond Dispatch.Threads return early. Main replaces the
// generated entry point for kernels that manage their own workgroups.
type Kernel struct {
	Name    string
	Buffers []string
	Helpers string
	Body    string
	Main    string
}

// WorkgroupSize is the number of invocations per workgroup for every kernel.
const WorkgroupSize = 256

// Dispatch is one kernel invocation grid.
type Dispatch struct {
	Kernel    *Kernel
	Threads   int    // Flat invocation count, used when Groups is zero.
	Groups    [2]int // Explicit workgroup grid for kernels with a Main.
	Args      []uint32
	Buffers   []Storage
	Precision Precision
}

// U encodes an integer kernel argument.
func U(v int) uint32 {
	return uint32(v) //nolint:gosec // G115: kernel arguments are non-negative sizes
}

// F encodes a float kernel argument.
func F(v float64) uint32 {
	return math.Float32bits(float32(v))
}
