// Command bbtrace counts basic block executions of device kernels.
//
// It builds the static cost database of a kernel (-analyze), writes an
// instrumented copy of the kernel's file (default), reduces saved traces
// against the database (-reduce), or does all three on a package and runs it
// (-run).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/napolitain/bbtrace/analysis"
	"github.com/napolitain/bbtrace/blockdb"
	"github.com/napolitain/bbtrace/instr"
	"github.com/napolitain/bbtrace/internal/logutil"
	"go.uber.org/zap"
)

var (
	kernel   = flag.String("kernel", "", "kernel function to analyze or instrument")
	output   = flag.String("o", "", "output file (default <file>.bbtrace.go, or the -db path with -analyze)")
	dbPath   = flag.String("db", blockdb.DefaultPath, "block cost database")
	analyze  = flag.Bool("analyze", false, "write the block cost database of the kernel")
	reduce   = flag.Bool("reduce", false, "reduce the saved traces in <dir> against the database")
	traceDir = flag.String("trace", "", "directory for saved traces in run mode (default: temporary)")
	runMode  = flag.Bool("run", false, "instrument, build and run the package in <dir>")
	pmu      = flag.Bool("pmu", false, "collect hardware counters in run mode (Linux only)")
	goMod    = flag.String("gomod", "", "local bbtrace module root used in run mode")
	pkgPath  = flag.String("pkg", instr.DefaultTracePkg, "trace package import path")
	verbose  = flag.Bool("v", false, "verbose output")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n"+
			"  bbtrace -kernel K [-o out.go] <file.go>\n"+
			"  bbtrace -analyze -kernel K [-db bbtrace.json] <dir>\n"+
			"  bbtrace -reduce [-kernel K] [-db bbtrace.json] <dir>\n"+
			"  bbtrace -run -kernel K [-pmu] <dir> [-- args...]\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}
	target := flag.Arg(0)

	logger := logutil.Must(*verbose)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch {
	case *runMode:
		err = RunInstrumented(ctx, logger, target, flag.Args()[1:])
	case *reduce:
		var reports []Report
		reports, err = reduceDir(ctx, logger, target, *dbPath, *kernel)
		if err == nil {
			PrintReport(os.Stdout, reports)
		}
	case *analyze:
		out := *output
		if out == "" {
			out = *dbPath
		}
		_, err = analyzeKernel(ctx, logger, target, *kernel, out)
	default:
		_, err = instrumentFile(ctx, logger, target, *kernel, *output)
	}
	if err != nil {
		fatal(logger, err)
	}
}

// analyzeKernel writes the block cost database of kernel, found in the
// package at dir, to out.
func analyzeKernel(ctx context.Context, logger *zap.Logger, dir, kernel, out string) (*blockdb.Database, error) {
	if kernel == "" {
		return nil, errors.New("-kernel is required")
	}
	prog, err := analysis.New(analysis.Config{}, logger).Load(ctx, dir)
	if err != nil {
		return nil, err
	}
	db, err := prog.Analyze(kernel)
	if err != nil {
		return nil, err
	}
	if err := blockdb.Save(out, db); err != nil {
		return nil, err
	}

	if callers, err := prog.Callers(kernel); err == nil {
		logger.Debug("kernel callers", zap.String("kernel", kernel), zap.Strings("callers", callers))
	}
	logger.Info("wrote block database",
		zap.String("kernel", kernel),
		zap.Int("blocks", db.Len()),
		zap.Uint64("flops", db.Total(blockdb.MetricFlops)),
		zap.String("path", out))
	return db, nil
}

// instrumentFile writes the instrumented copy of path. The copy goes to out,
// or next to path as <name>.bbtrace.go.
func instrumentFile(ctx context.Context, logger *zap.Logger, path, kernel, out string) (instr.Result, error) {
	if kernel == "" {
		return instr.Result{}, errors.New("-kernel is required")
	}
	if out == "" {
		out = strings.TrimSuffix(path, ".go") + ".bbtrace.go"
	}
	fe, err := instr.ParseFile(path, nil)
	if err != nil {
		return instr.Result{}, err
	}
	res, err := instr.NewPass(logger).Run(ctx, fe, instr.Options{
		Kernel:   kernel,
		Output:   out,
		TracePkg: *pkgPath,
	})
	if err != nil {
		return res, err
	}
	switch res.Outcome {
	case instr.OutcomeKernelNotFound:
		return res, fmt.Errorf("%w: %s in %s", analysis.ErrKernelNotFound, kernel, path)
	case instr.OutcomeNoEdits:
		logger.Warn("no block of the kernel can be counted", zap.String("kernel", kernel))
	}
	for _, s := range res.Skipped {
		logger.Debug("skipped block", zap.Int("block", s.ID), zap.String("reason", s.Reason))
	}
	return res, nil
}

// findKernelFile returns the non-test Go file of dir that declares kernel.
func findKernelFile(dir, kernel string) (string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.go"))
	if err != nil {
		return "", err
	}
	for _, path := range paths {
		if strings.HasSuffix(path, "_test.go") {
			continue
		}
		fe, err := instr.ParseFile(path, nil)
		if err != nil {
			return "", err
		}
		if _, ok := fe.FindFunction(kernel); ok {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s in %s", analysis.ErrKernelNotFound, kernel, dir)
}

func fatal(logger *zap.Logger, err error) {
	logger.Error("bbtrace failed", zap.Error(err))
	_ = logger.Sync()
	os.Exit(1)
}
