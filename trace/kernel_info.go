// Package trace is the runtime side of basic-block instrumentation: the
// counter buffer of one kernel launch, the helpers instrumented kernels call,
// the trace files, and the reduction of raw counts into dynamic metrics.
//
// Counters live in a flat buffer with one cell per (block, thread, basic
// block) triple, at block*ThreadsPerBlock*BasicBlocks + thread*BasicBlocks +
// bblock. No two device threads ever write the same cell, so counting needs
// no atomics.
package trace

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/napolitain/bbtrace/device"
)

// ErrInvalidKernelInfo is returned for a kernel shape that cannot index a
// counter buffer.
var ErrInvalidKernelInfo = errors.New("invalid kernel info")

// KernelInfo describes the shape of one instrumented kernel launch.
type KernelInfo struct {
	Name            string `json:"name"`
	TotalBlocks     int    `json:"total_blocks"`
	ThreadsPerBlock int    `json:"threads_per_block"`
	BasicBlocks     int    `json:"basic_blocks"`
	InstrSize       int    `json:"instr_size"`
}

// NewKernelInfo describes a launch of name over grid and block.
func NewKernelInfo(name string, basicBlocks int, grid, block device.Dim3) (*KernelInfo, error) {
	ki := &KernelInfo{
		Name:            name,
		TotalBlocks:     grid.Size(),
		ThreadsPerBlock: block.Size(),
		BasicBlocks:     basicBlocks,
	}
	ki.InstrSize = ki.TotalBlocks * ki.ThreadsPerBlock * ki.BasicBlocks
	if err := ki.Validate(); err != nil {
		return nil, err
	}
	return ki, nil
}

// MustKernelInfo is NewKernelInfo for generated code; it panics on error.
func MustKernelInfo(name string, basicBlocks int, grid, block device.Dim3) *KernelInfo {
	ki, err := NewKernelInfo(name, basicBlocks, grid, block)
	if err != nil {
		panic(err)
	}
	return ki
}

// Validate checks that every dimension is positive and that InstrSize is
// their product.
func (ki *KernelInfo) Validate() error {
	if ki.TotalBlocks <= 0 || ki.ThreadsPerBlock <= 0 || ki.BasicBlocks <= 0 {
		return fmt.Errorf("%w: %s has shape %dx%dx%d", ErrInvalidKernelInfo,
			ki.Name, ki.TotalBlocks, ki.ThreadsPerBlock, ki.BasicBlocks)
	}
	if ki.TotalBlocks > math.MaxInt32/ki.ThreadsPerBlock/ki.BasicBlocks {
		return fmt.Errorf("%w: %s needs more than %d counters", ErrInvalidKernelInfo, ki.Name, math.MaxInt32)
	}
	if want := ki.TotalBlocks * ki.ThreadsPerBlock * ki.BasicBlocks; ki.InstrSize != want {
		return fmt.Errorf("%w: %s has instr size %d, want %d", ErrInvalidKernelInfo, ki.Name, ki.InstrSize, want)
	}
	return nil
}

// Index is the flat counter cell of (block, thread, bblock).
func (ki *KernelInfo) Index(block, thread, bblock int) int {
	return block*ki.ThreadsPerBlock*ki.BasicBlocks + thread*ki.BasicBlocks + bblock
}

// Geometry is the shape passed to the reduction kernels.
func (ki *KernelInfo) Geometry() LaunchGeometry {
	return LaunchGeometry{
		ThreadsPerBlock: uint32(ki.ThreadsPerBlock),
		TotalBlocks:     uint32(ki.TotalBlocks),
		BasicBlocks:     uint32(ki.BasicBlocks),
	}
}

// Dump writes a human readable description of ki.
func (ki *KernelInfo) Dump(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Kernel info (%s) :\n"+
		"\tTotal blocks : %d\n"+
		"\tTotal threads : %d\n"+
		"\tBasic blocks : %d\n"+
		"\tInstr size : %d\n",
		ki.Name, ki.TotalBlocks, ki.ThreadsPerBlock, ki.BasicBlocks, ki.InstrSize)
	return err
}
