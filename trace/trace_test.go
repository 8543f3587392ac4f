package trace

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/napolitain/bbtrace/blockdb"
	"github.com/napolitain/bbtrace/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newDevice(t *testing.T) *device.Device {
	t.Helper()
	dev := device.New(device.WithLogger(zaptest.NewLogger(t)), device.WithWorkers(4))
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func shape(blocks, threads, bb int) *KernelInfo {
	return &KernelInfo{
		Name:            "kern",
		TotalBlocks:     blocks,
		ThreadsPerBlock: threads,
		BasicBlocks:     bb,
		InstrSize:       blocks * threads * bb,
	}
}

func TestKernelInfo(t *testing.T) {
	ki, err := NewKernelInfo("vecAdd", 3, device.D1(4), device.Dim3{X: 8, Y: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, ki.TotalBlocks)
	assert.Equal(t, 16, ki.ThreadsPerBlock)
	assert.Equal(t, 4*16*3, ki.InstrSize)
	assert.Equal(t, LaunchGeometry{ThreadsPerBlock: 16, TotalBlocks: 4, BasicBlocks: 3}, ki.Geometry())

	_, err = NewKernelInfo("vecAdd", 0, device.D1(4), device.D1(4))
	assert.ErrorIs(t, err, ErrInvalidKernelInfo)

	bad := shape(2, 2, 2)
	bad.InstrSize = 7
	assert.ErrorIs(t, bad.Validate(), ErrInvalidKernelInfo)

	assert.Panics(t, func() { MustKernelInfo("k", 1, device.D1(0), device.D1(1)) })

	var buf bytes.Buffer
	require.NoError(t, ki.Dump(&buf))
	assert.Contains(t, buf.String(), "Kernel info (vecAdd)")
	assert.Contains(t, buf.String(), "Instr size : 192")
}

func TestDumpCsv_Scenario(t *testing.T) {
	instr := NewInstrumenter(shape(2, 2, 2))
	copy(instr.Counters(), []uint32{1, 0, 1, 1, 0, 0, 1, 1})

	path, err := instr.DumpCsv(filepath.Join(t.TempDir(), "trace.csv"))
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 9)
	assert.Equal(t, []string{"block", "thread", "bblock", "count"}, rows[0])
	// index 1*2*2 + 0*2 + 1 = 5
	assert.Equal(t, []string{"1", "0", "1", "0"}, rows[1+5])
	assert.Equal(t, []string{"1", "1", "1", "1"}, rows[8])
	assert.Equal(t, uint32(0), instr.Count(1, 0, 1))
}

func TestDump_DefaultNames(t *testing.T) {
	t.Chdir(t.TempDir())
	instr := NewInstrumenter(shape(1, 1, 1))

	csvPath, err := instr.DumpCsv("")
	require.NoError(t, err)
	binPath, err := instr.DumpBin("")
	require.NoError(t, err)

	assert.Equal(t, instr.Prefix()+".csv", csvPath)
	assert.Equal(t, instr.Prefix()+".hiptrace", binPath)
	assert.True(t, strings.HasPrefix(csvPath, "kern_"))
	assert.FileExists(t, csvPath)
	assert.FileExists(t, binPath)
}

func TestDumpBin_RoundTrip(t *testing.T) {
	ki := shape(2, 3, 2)
	instr := NewInstrumenter(ki)
	for j := range instr.Counters() {
		instr.Counters()[j] = uint32(j * 7)
	}

	path := filepath.Join(t.TempDir(), instr.Prefix()+".hiptrace")
	_, err := instr.DumpBin(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, data, ki.InstrSize*4, "no header")
	assert.Equal(t, []byte{7, 0, 0, 0}, data[4:8])

	back, err := LoadBin(path, ki)
	require.NoError(t, err)
	assert.Equal(t, instr.Counters(), back.Counters())
	assert.Equal(t, instr.Stamp, back.Stamp)

	_, err = LoadBin(path, shape(1, 1, 1))
	assert.Error(t, err)
}

func TestToDeviceFromDevice(t *testing.T) {
	dev := newDevice(t)
	instr := NewInstrumenter(shape(1, 2, 2))

	ptr, err := instr.ToDevice(dev)
	require.NoError(t, err)
	assert.Equal(t, 16, ptr.Size())

	copy(ptr.Uint32(), []uint32{4, 3, 2, 1})
	require.NoError(t, instr.FromDevice(dev, ptr))
	assert.Equal(t, []uint32{4, 3, 2, 1}, instr.Counters())

	require.NoError(t, dev.Free(ptr))
	err = instr.FromDevice(dev, ptr)
	assert.ErrorIs(t, err, device.ErrDeviceOperation)
	assert.Equal(t, device.StatusInvalidDevicePointer, device.StatusOf(err))

	assert.PanicsWithError(t, err.Error(), func() { instr.MustFromDevice(dev, ptr) })
}

func TestToDevice_OutOfMemory(t *testing.T) {
	dev := device.New(device.WithMemoryLimit(8))
	defer dev.Close()

	instr := NewInstrumenter(shape(2, 2, 2))
	_, err := instr.ToDevice(dev)
	assert.Equal(t, device.StatusOutOfMemory, device.StatusOf(err))
	assert.Panics(t, func() { instr.MustToDevice(dev) })
}

// counted is what the instrumentation pass makes of
//
//	func counted(t device.Thread, data device.Ptr, n int) {
//		i := t.GlobalIdx()
//		if i >= n {
//			return
//		}
//		data.Uint32()[i] = uint32(i)
//	}
func counted(t device.Thread, data device.Ptr, n int, _instrPtr device.Ptr) {
	_bbThreads, _bbTid, _bbCounters := SharedCounters(t, 3)
	defer Commit(t, _instrPtr, _bbCounters, 3)

	/* BB 0 (3) */ _bbCounters[0*_bbThreads+_bbTid]++; i := t.GlobalIdx()
	if i >= n {
		/* BB 1 (3) */ _bbCounters[1*_bbThreads+_bbTid]++; return
	}
	/* BB 2 (3) */ _bbCounters[2*_bbThreads+_bbTid]++; data.Uint32()[i] = uint32(i)
}

func runCounted(t *testing.T, dev *device.Device) (*Instrumenter, device.Ptr) {
	t.Helper()
	const n = 6
	grid, block := device.D1(2), device.D1(4)

	data, err := dev.Malloc(8 * 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Free(data) })

	instr := NewInstrumenter(MustKernelInfo("counted", 3, grid, block))
	ptr := instr.MustToDevice(dev)
	require.NoError(t, dev.Launch(grid, block, func(th device.Thread) {
		counted(th, data, n, ptr)
	}))
	instr.MustFromDevice(dev, ptr)
	return instr, ptr
}

func TestInstrumentedKernel_CountsPerCell(t *testing.T) {
	dev := newDevice(t)
	instr, ptr := runCounted(t, dev)
	defer dev.Free(ptr)

	for block := 0; block < 2; block++ {
		for thread := 0; thread < 4; thread++ {
			i := block*4 + thread
			assert.Equal(t, uint32(1), instr.Count(block, thread, 0), "entry of thread %d", i)
			if i >= 6 {
				assert.Equal(t, uint32(1), instr.Count(block, thread, 1))
				assert.Equal(t, uint32(0), instr.Count(block, thread, 2))
			} else {
				assert.Equal(t, uint32(0), instr.Count(block, thread, 1))
				assert.Equal(t, uint32(1), instr.Count(block, thread, 2))
			}
		}
	}
	assert.Equal(t, []uint64{8, 2, 6}, instr.BlockCounts())
}

func TestReduce_InstrumentedKernel(t *testing.T) {
	dev := newDevice(t)
	instr, ptr := runCounted(t, dev)
	defer dev.Free(ptr)

	db, err := blockdb.FromRecords([]blockdb.Record{
		{ID: 2, Flops: 2, Stores: 4},
		{ID: 0, Flops: 1, Loads: 8},
		{ID: 1, Flops: 0},
	})
	require.NoError(t, err)

	ctx := context.Background()
	flops, err := instr.ReduceFlops(ctx, dev, ptr, db, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(8*1+6*2), flops)

	loads, err := instr.ReduceLoads(ctx, dev, ptr, db, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(8*8), loads)

	stores, err := instr.ReduceStores(ctx, dev, ptr, db, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(6*4), stores)
}

func upload(t *testing.T, dev *device.Device, counts []uint32) device.Ptr {
	t.Helper()
	ptr, err := dev.Malloc(len(counts) * 4)
	require.NoError(t, err)
	require.NoError(t, device.Upload(dev, ptr, counts))
	t.Cleanup(func() { _ = dev.Free(ptr) })
	return ptr
}

func TestReduce_Scenario(t *testing.T) {
	dev := newDevice(t)
	// (block0,bb0)=4, (block0,bb1)=2, (block1,bb0)=1, (block1,bb1)=0
	ptr := upload(t, dev, []uint32{4, 2, 1, 0})
	geom := LaunchGeometry{ThreadsPerBlock: 1, TotalBlocks: 2, BasicBlocks: 2}

	got, err := Reduce(context.Background(), dev, ptr, geom, []uint32{3, 5}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(25), got)
}

func TestReduce_Linear(t *testing.T) {
	dev := newDevice(t)
	geom := LaunchGeometry{ThreadsPerBlock: 37, TotalBlocks: 300, BasicBlocks: 5}
	costs := []uint32{1, 4, 0, 9, 2}

	counts := make([]uint32, 300*37*5)
	for j := range counts {
		counts[j] = uint32((j*31 + 7) % 11)
	}
	base, err := Reduce(context.Background(), dev, upload(t, dev, counts), geom, costs, nil)
	require.NoError(t, err)

	var want uint64
	for j, c := range counts {
		want += uint64(c) * uint64(costs[j%5])
	}
	assert.Equal(t, want, base)

	for _, k := range []uint32{0, 1, 3} {
		scaled := make([]uint32, len(counts))
		for j, c := range counts {
			scaled[j] = k * c
		}
		got, err := Reduce(context.Background(), dev, upload(t, dev, scaled), geom, costs, nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(k)*base, got, "k=%d", k)
	}
}

func TestReduce_ZeroCounts(t *testing.T) {
	dev := newDevice(t)
	geom := LaunchGeometry{ThreadsPerBlock: 64, TotalBlocks: 8, BasicBlocks: 3}
	ptr := upload(t, dev, make([]uint32, 64*8*3))

	got, err := Reduce(context.Background(), dev, ptr, geom, []uint32{100, 200, 300}, nil)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestReduce_PastUint32(t *testing.T) {
	dev := newDevice(t)
	geom := LaunchGeometry{ThreadsPerBlock: 1, TotalBlocks: 1, BasicBlocks: 1}

	got, err := Reduce(context.Background(), dev, upload(t, dev, []uint32{1 << 30}), geom, []uint32{4}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1)<<32, got)

	half, err := Reduce(context.Background(), dev, upload(t, dev, []uint32{1 << 29}), geom, []uint32{4}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2*half, got)

	// many threads folding into one bucket
	wide := LaunchGeometry{ThreadsPerBlock: 256, TotalBlocks: 128, BasicBlocks: 1}
	counts := make([]uint32, 256*128)
	for j := range counts {
		counts[j] = 1 << 31
	}
	got, err = Reduce(context.Background(), dev, upload(t, dev, counts), wide, []uint32{1 << 8}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(256*128)<<39, got)
}

func TestReduce_OnStream(t *testing.T) {
	dev := newDevice(t)
	stream, err := dev.NewStream()
	require.NoError(t, err)

	ptr := upload(t, dev, []uint32{4, 2, 1, 0})
	geom := LaunchGeometry{ThreadsPerBlock: 1, TotalBlocks: 2, BasicBlocks: 2}
	got, err := Reduce(context.Background(), dev, ptr, geom, []uint32{3, 5}, stream)
	require.NoError(t, err)
	assert.Equal(t, uint64(25), got)
}

func TestReduce_FreesDeviceMemory(t *testing.T) {
	dev := newDevice(t)
	ptr := upload(t, dev, []uint32{4, 2, 1, 0})
	before, _ := dev.MemStats()

	geom := LaunchGeometry{ThreadsPerBlock: 1, TotalBlocks: 2, BasicBlocks: 2}
	_, err := Reduce(context.Background(), dev, ptr, geom, []uint32{3, 5}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Reduce(ctx, dev, ptr, geom, []uint32{3, 5}, nil)
	assert.ErrorIs(t, err, context.Canceled)

	after, _ := dev.MemStats()
	assert.Equal(t, before, after)
}

func TestReduce_Errors(t *testing.T) {
	dev := newDevice(t)
	instr := NewInstrumenter(shape(2, 1, 2))
	ptr := instr.MustToDevice(dev)
	defer dev.Free(ptr)

	_, err := instr.ReduceFlops(context.Background(), dev, ptr, blockdb.New(), nil)
	assert.ErrorIs(t, err, ErrEmptyBlockDatabase)

	db, err := blockdb.FromRecords([]blockdb.Record{{ID: 5, Flops: 1}})
	require.NoError(t, err)
	_, err = instr.ReduceFlops(context.Background(), dev, ptr, db, nil)
	assert.Error(t, err, "block id past the kernel's basic blocks")

	geom := LaunchGeometry{ThreadsPerBlock: 1, TotalBlocks: 4, BasicBlocks: 2}
	_, err = Reduce(context.Background(), dev, ptr, geom, []uint32{1, 1}, nil)
	assert.Error(t, err, "buffer smaller than the geometry")
}

func TestFoldUsage(t *testing.T) {
	usage := []BlockUsage{{Count: 4, Flops: 12}, {Count: 2, Flops: 10}, {Count: 1, Flops: 3}, {}}
	assert.Equal(t, uint64(25), FoldUsage(usage))
	assert.Zero(t, FoldUsage(nil))
	assert.Equal(t, []BlockUsage{{Count: 5, Flops: 15}, {Count: 2, Flops: 10}}, PerBlock(usage, 2))
}
