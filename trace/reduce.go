package trace

import (
	"context"
	"errors"
	"fmt"

	"github.com/napolitain/bbtrace/blockdb"
	"github.com/napolitain/bbtrace/device"
	"go.uber.org/multierr"
)

// The reduction grid is fixed, independent of the reduced kernel's launch.
const (
	ReductionBlocks  = 128
	ReductionThreads = 128
)

// ErrEmptyBlockDatabase is returned when reducing against no static costs.
var ErrEmptyBlockDatabase = errors.New("empty block database")

// BlockUsage is the reduction of one basic block within one bucket. Flops
// holds the weighted cost of whichever metric is reduced.
type BlockUsage struct {
	Count uint64
	Flops uint64
}

// LaunchGeometry is the shape of the raw counter buffer.
type LaunchGeometry struct {
	ThreadsPerBlock uint32
	TotalBlocks     uint32
	BasicBlocks     uint32
}

func (g LaunchGeometry) cells() int {
	return int(g.TotalBlocks) * int(g.ThreadsPerBlock) * int(g.BasicBlocks)
}

// ReduceFlops returns the dynamic floating point operation count of the
// launch whose counters are at ptr. With a nil stream the whole device is
// synchronized before and after the reduction; otherwise only stream is.
func (i *Instrumenter) ReduceFlops(ctx context.Context, dev *device.Device, ptr device.Ptr, db *blockdb.Database, stream *device.Stream) (uint64, error) {
	return i.reduceMetric(ctx, dev, ptr, db, blockdb.MetricFlops, stream)
}

// ReduceLoads returns the dynamic number of bytes loaded.
func (i *Instrumenter) ReduceLoads(ctx context.Context, dev *device.Device, ptr device.Ptr, db *blockdb.Database, stream *device.Stream) (uint64, error) {
	return i.reduceMetric(ctx, dev, ptr, db, blockdb.MetricLoads, stream)
}

// ReduceStores returns the dynamic number of bytes stored.
func (i *Instrumenter) ReduceStores(ctx context.Context, dev *device.Device, ptr device.Ptr, db *blockdb.Database, stream *device.Stream) (uint64, error) {
	return i.reduceMetric(ctx, dev, ptr, db, blockdb.MetricStores, stream)
}

func (i *Instrumenter) reduceMetric(ctx context.Context, dev *device.Device, ptr device.Ptr, db *blockdb.Database, m blockdb.Metric, stream *device.Stream) (uint64, error) {
	if db.Empty() {
		return 0, ErrEmptyBlockDatabase
	}
	costs, err := db.Costs(i.Info.BasicBlocks, m)
	if err != nil {
		return 0, fmt.Errorf("%s costs: %w", m, err)
	}
	return Reduce(ctx, dev, ptr, i.Info.Geometry(), costs, stream)
}

// Reduce weighs every raw count at ptr by the cost of its basic block and
// returns the sum.
func Reduce(ctx context.Context, dev *device.Device, ptr device.Ptr, geom LaunchGeometry, costs []uint32, stream *device.Stream) (uint64, error) {
	usage, err := ReduceUsage(ctx, dev, ptr, geom, costs, stream)
	if err != nil {
		return 0, err
	}
	return FoldUsage(usage), nil
}

// ReduceUsage runs the device phase of the reduction and returns the
// ReductionBlocks*BasicBlocks partial results, bucket major.
func ReduceUsage(ctx context.Context, dev *device.Device, ptr device.Ptr, geom LaunchGeometry, costs []uint32, stream *device.Stream) (usage []BlockUsage, err error) {
	bb := int(geom.BasicBlocks)
	if len(costs) == 0 {
		return nil, ErrEmptyBlockDatabase
	}
	if len(costs) != bb {
		return nil, fmt.Errorf("%d costs for %d basic blocks", len(costs), bb)
	}
	if ptr.Size() < geom.cells()*counterSize {
		return nil, fmt.Errorf("counter buffer of %d bytes is too small for %d cells", ptr.Size(), geom.cells())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	const usageSize = 16
	buffer, err := dev.Malloc(ReductionBlocks * ReductionThreads * bb * usageSize)
	if err != nil {
		return nil, err
	}
	defer func() { multierr.AppendInto(&err, dev.Free(buffer)) }()

	output, err := dev.Malloc(ReductionBlocks * bb * usageSize)
	if err != nil {
		return nil, err
	}
	defer func() { multierr.AppendInto(&err, dev.Free(output)) }()

	costPtr, err := dev.Malloc(bb * counterSize)
	if err != nil {
		return nil, err
	}
	defer func() { multierr.AppendInto(&err, dev.Free(costPtr)) }()

	if err := device.Upload(dev, costPtr, costs); err != nil {
		return nil, err
	}

	if stream == nil {
		if err := dev.Synchronize(); err != nil {
			return nil, err
		}
	}

	grid, block := device.D1(ReductionBlocks), device.D1(ReductionThreads)
	if err := dev.LaunchOn(stream, grid, block, partialKernel(ptr, geom, costPtr, buffer)); err != nil {
		return nil, err
	}
	if err := dev.LaunchOn(stream, grid, block, foldKernel(geom, buffer, output)); err != nil {
		return nil, err
	}

	if stream == nil {
		err = dev.Synchronize()
	} else {
		err = stream.Synchronize()
	}
	if err != nil {
		return nil, err
	}

	usage = make([]BlockUsage, ReductionBlocks*bb)
	if err := device.Download(dev, usage, output); err != nil {
		return nil, err
	}
	return usage, nil
}

// partialKernel strides each reduction thread over the raw cells and
// accumulates count and weighted cost into the thread's own slots of buffer,
// laid out [bucket][thread][basic block].
func partialKernel(raw device.Ptr, geom LaunchGeometry, costs, buffer device.Ptr) device.Kernel {
	return func(t device.Thread) {
		counts := raw.Uint32()
		cost := costs.Uint32()
		slots := device.Slice[BlockUsage](buffer)

		bb := int(geom.BasicBlocks)
		base := (t.LinearBlockIdx()*ReductionThreads + t.LinearThreadIdx()) * bb
		own := slots[base : base+bb]
		for j := range own {
			own[j] = BlockUsage{}
		}

		stride := ReductionBlocks * ReductionThreads
		for idx := t.GlobalIdx(); idx < geom.cells(); idx += stride {
			n := uint64(counts[idx])
			b := idx % bb
			own[b].Count += n
			own[b].Flops += n * uint64(cost[b])
		}
	}
}

// foldKernel gives each (bucket, basic block) pair to one thread, which sums
// the bucket's thread slots into output[bucket*BasicBlocks+bb].
func foldKernel(geom LaunchGeometry, buffer, output device.Ptr) device.Kernel {
	return func(t device.Thread) {
		slots := device.Slice[BlockUsage](buffer)
		out := device.Slice[BlockUsage](output)

		nbb := int(geom.BasicBlocks)
		bucket := t.LinearBlockIdx()
		for b := t.LinearThreadIdx(); b < nbb; b += ReductionThreads {
			var acc BlockUsage
			for th := 0; th < ReductionThreads; th++ {
				s := slots[(bucket*ReductionThreads+th)*nbb+b]
				acc.Count += s.Count
				acc.Flops += s.Flops
			}
			out[bucket*nbb+b] = acc
		}
	}
}

// FoldUsage is the host phase: the sum of Flops over all partial results.
func FoldUsage(usage []BlockUsage) uint64 {
	var total uint64
	for _, u := range usage {
		total += u.Flops
	}
	return total
}

// PerBlock folds partial results across buckets into one BlockUsage per basic
// block.
func PerBlock(usage []BlockUsage, basicBlocks int) []BlockUsage {
	out := make([]BlockUsage, basicBlocks)
	for j, u := range usage {
		b := j % basicBlocks
		out[b].Count += u.Count
		out[b].Flops += u.Flops
	}
	return out
}
