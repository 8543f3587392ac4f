// Package device is an emulated GPU runtime that runs kernels on the CPU.
//
// Kernels are plain Go functions receiving a Thread. A launch runs every
// thread of every block; threads of one block execute sequentially on the
// same goroutine, so block-shared memory needs no locking, while different
// blocks run concurrently.
//
//	dev := device.New()
//	defer dev.Close()
//
//	buf, _ := dev.Malloc(n * 4)
//	dev.Launch(device.D1(blocks), device.D1(threads), func(t device.Thread) {
//		buf.Uint32()[t.GlobalIdx()]++
//	})
//	dev.Synchronize()
package device

import (
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Dim3 is a launch dimension. Zero Y or Z are treated as 1.
type Dim3 struct {
	X, Y, Z int
}

// D1 returns a one-dimensional Dim3.
func D1(x int) Dim3 {
	return Dim3{X: x, Y: 1, Z: 1}
}

func (d Dim3) norm() Dim3 {
	if d.Y == 0 {
		d.Y = 1
	}
	if d.Z == 0 {
		d.Z = 1
	}
	return d
}

// Size returns X*Y*Z.
func (d Dim3) Size() int {
	n := d.norm()
	return n.X * n.Y * n.Z
}

func (d Dim3) String() string {
	n := d.norm()
	return fmt.Sprintf("(%d,%d,%d)", n.X, n.Y, n.Z)
}

func linearTo3D(linear int, dim Dim3) Dim3 {
	z := linear / (dim.X * dim.Y)
	y := (linear % (dim.X * dim.Y)) / dim.X
	x := linear % dim.X
	return Dim3{X: x, Y: y, Z: z}
}

// Thread identifies one executing device thread.
type Thread struct {
	BlockIdx  Dim3
	ThreadIdx Dim3
	BlockDim  Dim3
	GridDim   Dim3

	shared *Shared
}

// LinearBlockIdx flattens BlockIdx in x-major order.
func (t Thread) LinearBlockIdx() int {
	return t.BlockIdx.X + t.BlockIdx.Y*t.GridDim.X + t.BlockIdx.Z*t.GridDim.X*t.GridDim.Y
}

// LinearThreadIdx flattens ThreadIdx in x-major order.
func (t Thread) LinearThreadIdx() int {
	return t.ThreadIdx.X + t.ThreadIdx.Y*t.BlockDim.X + t.ThreadIdx.Z*t.BlockDim.X*t.BlockDim.Y
}

// GlobalIdx is the thread's index across the whole grid.
func (t Thread) GlobalIdx() int {
	return t.LinearBlockIdx()*t.BlockDim.Size() + t.LinearThreadIdx()
}

// Shared returns the block's shared memory.
func (t Thread) Shared() *Shared {
	return t.shared
}

// Shared is the memory shared by the threads of one block. It lives for the
// duration of the block.
type Shared struct {
	regions map[string][]uint32
}

// Uint32 returns the named region, allocating n zeroed cells on first use.
// Later calls in the same block return the same region.
func (s *Shared) Uint32(name string, n int) []uint32 {
	if r, ok := s.regions[name]; ok {
		return r
	}
	if s.regions == nil {
		s.regions = make(map[string][]uint32)
	}
	r := make([]uint32, n)
	s.regions[name] = r
	return r
}

// Kernel is a function launched on the device.
type Kernel func(t Thread)

// Device is one emulated GPU.
type Device struct {
	ID      int
	Name    string
	Workers int

	logger   *zap.Logger
	memLimit int64

	mu        sync.Mutex
	allocs    map[uint64]*allocation
	nextID    uint64
	allocated int64
	peak      int64
	streams   []*Stream
	null      *Stream
	closed    bool
}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger used for debug tracing of runtime calls.
func WithLogger(l *zap.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithWorkers caps the number of goroutines executing blocks.
func WithWorkers(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.Workers = n
		}
	}
}

// WithMemoryLimit makes Malloc fail once more than limit bytes are in use.
func WithMemoryLimit(limit int64) Option {
	return func(d *Device) {
		d.memLimit = limit
	}
}

// New creates a device with its null stream running.
func New(opts ...Option) *Device {
	d := &Device{
		Name:    "cpu",
		Workers: runtime.NumCPU(),
		logger:  zap.NewNop(),
		allocs:  make(map[uint64]*allocation),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.null = newStream(0)
	d.streams = append(d.streams, d.null)
	return d
}

// NewStream creates an independent in-order queue of device work.
func (d *Device) NewStream() (*Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, newError("NewStream", StatusDeinitialized, "device %d is closed", d.ID)
	}
	s := newStream(len(d.streams))
	d.streams = append(d.streams, s)
	return s, nil
}

// Launch queues kernel on the null stream.
func (d *Device) Launch(grid, block Dim3, kernel Kernel) error {
	return d.LaunchOn(nil, grid, block, kernel)
}

// LaunchOn queues kernel on stream, or on the null stream when stream is nil.
// Errors raised while the kernel runs are reported by the next
// synchronization of that stream.
func (d *Device) LaunchOn(stream *Stream, grid, block Dim3, kernel Kernel) error {
	grid, block = grid.norm(), block.norm()
	if grid.Size() <= 0 || block.Size() <= 0 {
		return newError("Launch", StatusInvalidValue, "empty launch geometry grid=%s block=%s", grid, block)
	}
	if kernel == nil {
		return newError("Launch", StatusInvalidValue, "nil kernel")
	}
	if stream == nil {
		stream = d.null
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return newError("Launch", StatusDeinitialized, "device %d is closed", d.ID)
	}

	d.logger.Debug("launch",
		zap.Stringer("grid", grid),
		zap.Stringer("block", block),
		zap.Int("stream", stream.id))

	stream.submit(func() error {
		return d.execute(kernel, grid, block)
	})
	return nil
}

// execute runs all blocks of a launch, spreading them over the workers.
func (d *Device) execute(kernel Kernel, grid, block Dim3) error {
	gridSize := grid.Size()
	blockSize := block.Size()

	numWorkers := d.Workers
	if gridSize < numWorkers {
		numWorkers = gridSize
	}
	blocksPerWorker := (gridSize + numWorkers - 1) / numWorkers

	var g errgroup.Group
	for w := 0; w < numWorkers; w++ {
		start := w * blocksPerWorker
		end := min(start+blocksPerWorker, gridSize)

		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = newError("Launch", StatusLaunchFailure, "kernel panicked: %v", r)
				}
			}()

			for b := start; b < end; b++ {
				shared := &Shared{}
				blockIdx := linearTo3D(b, grid)
				for i := 0; i < blockSize; i++ {
					kernel(Thread{
						BlockIdx:  blockIdx,
						ThreadIdx: linearTo3D(i, block),
						BlockDim:  block,
						GridDim:   grid,
						shared:    shared,
					})
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Synchronize waits for all streams to drain and returns the first error
// raised by queued work.
func (d *Device) Synchronize() error {
	d.mu.Lock()
	streams := append([]*Stream(nil), d.streams...)
	d.mu.Unlock()

	var first error
	for _, s := range streams {
		if err := s.Synchronize(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close drains and stops all streams and releases every allocation.
func (d *Device) Close() error {
	err := d.Synchronize()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return err
	}
	d.closed = true
	for _, s := range d.streams {
		s.stop()
	}
	d.allocs = make(map[uint64]*allocation)
	d.allocated = 0
	return err
}
