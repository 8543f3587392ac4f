package trace

import "github.com/napolitain/bbtrace/device"

const sharedCounters = "bbtrace.counters"

// SharedCounters returns the block-shared counter table of an instrumented
// kernel with basicBlocks blocks, along with the number of threads per block
// and the calling thread's index in it. The table holds one column per
// thread; cell bb*threads+tid belongs to thread tid alone.
func SharedCounters(t device.Thread, basicBlocks int) (threads, tid int, counters []uint32) {
	threads = t.BlockDim.Size()
	tid = t.LinearThreadIdx()
	counters = t.Shared().Uint32(sharedCounters, basicBlocks*threads)
	return threads, tid, counters
}

// Commit adds the calling thread's column of counters to its cells of the
// global buffer. Instrumented kernels defer it at entry.
func Commit(t device.Thread, buf device.Ptr, counters []uint32, basicBlocks int) {
	cells := buf.Uint32()
	threads := t.BlockDim.Size()
	tid := t.LinearThreadIdx()

	base := t.LinearBlockIdx()*threads*basicBlocks + tid*basicBlocks
	for bb := 0; bb < basicBlocks; bb++ {
		cells[base+bb] += counters[bb*threads+tid]
	}
}
