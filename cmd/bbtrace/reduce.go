package main

import (
	"context"
	"fmt"

	"github.com/napolitain/bbtrace/blockdb"
	"github.com/napolitain/bbtrace/device"
	"github.com/napolitain/bbtrace/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Report is the reduction of one saved trace.
type Report struct {
	Path   string
	Info   *trace.KernelInfo
	Flops  uint64
	Loads  uint64
	Stores uint64
	// Blocks holds the executions of each basic block over all threads.
	Blocks []uint64
}

// Executions is the total number of basic block executions.
func (r Report) Executions() uint64 {
	var n uint64
	for _, c := range r.Blocks {
		n += c
	}
	return n
}

// Intensity is flops per byte moved, 0 when nothing was moved.
func (r Report) Intensity() float64 {
	moved := r.Loads + r.Stores
	if moved == 0 {
		return 0
	}
	return float64(r.Flops) / float64(moved)
}

// reduceDir reduces every trace saved in dir, keeping only kernel's when it
// is set.
func reduceDir(ctx context.Context, logger *zap.Logger, dir, dbPath, kernel string) (reports []Report, err error) {
	db, err := blockdb.Load(dbPath)
	if err != nil {
		return nil, err
	}
	paths, err := trace.Saved(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no traces saved in %s", dir)
	}

	dev := device.New(device.WithLogger(logger))
	defer func() { multierr.AppendInto(&err, dev.Close()) }()

	for _, path := range paths {
		session, err := trace.LoadSaved(path)
		if err != nil {
			return nil, err
		}
		if kernel != "" && session.Info.Name != kernel {
			continue
		}
		r, err := reduceSession(ctx, dev, session, db)
		if err != nil {
			return nil, fmt.Errorf("reduce %s: %w", path, err)
		}
		r.Path = path
		logger.Debug("reduced trace",
			zap.String("kernel", r.Info.Name),
			zap.String("path", path),
			zap.Uint64("flops", r.Flops))
		reports = append(reports, r)
	}
	return reports, nil
}

// reduceSession uploads the counters of session and runs the flop, load and
// store reductions on them.
func reduceSession(ctx context.Context, dev *device.Device, session *trace.Instrumenter, db *blockdb.Database) (r Report, err error) {
	ptr, err := session.ToDevice(dev)
	if err != nil {
		return r, err
	}
	defer func() { multierr.AppendInto(&err, dev.Free(ptr)) }()

	stream, err := dev.NewStream()
	if err != nil {
		return r, err
	}

	r.Info = session.Info
	if r.Flops, err = session.ReduceFlops(ctx, dev, ptr, db, nil); err != nil {
		return r, err
	}
	if r.Loads, err = session.ReduceLoads(ctx, dev, ptr, db, stream); err != nil {
		return r, err
	}
	if r.Stores, err = session.ReduceStores(ctx, dev, ptr, db, stream); err != nil {
		return r, err
	}
	r.Blocks = session.BlockCounts()
	return r, nil
}
