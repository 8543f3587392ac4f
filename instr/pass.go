// Package instr rewrites a kernel so that every execution of each of its basic
// blocks is counted per (block, thread, basic block) cell.
//
// The pass works on source text: it asks a Frontend for the kernel's CFG,
// collects zero-length insertions in an EditSet and writes an instrumented
// copy of the file. The input file is never modified.
package instr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

var (
	// ErrNoThreadParam is returned for a kernel without a named device.Thread
	// parameter.
	ErrNoThreadParam = errors.New("kernel has no named device.Thread parameter")

	// ErrAlreadyInstrumented is returned when the kernel already takes the
	// counter buffer parameter.
	ErrAlreadyInstrumented = errors.New("file is already instrumented")

	// ErrSameOutput is returned when the output path is the input file.
	ErrSameOutput = errors.New("output path is the input file")
)

// Outcome tags the result of a pass run.
type Outcome int

const (
	OutcomeInstrumented Outcome = iota
	OutcomeKernelNotFound
	OutcomeNoEdits
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInstrumented:
		return "instrumented"
	case OutcomeKernelNotFound:
		return "kernel not found"
	case OutcomeNoEdits:
		return "no edits"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Options configures one run.
type Options struct {
	Kernel string
	Output string
	// TracePkg overrides DefaultTracePkg in the generated import.
	TracePkg string
}

// SkippedBlock is a block that gets no counter because its first element is
// not a plain statement.
type SkippedBlock struct {
	ID     int
	Reason string
}

type Result struct {
	Outcome     Outcome
	Kernel      string
	Blocks      int
	Inserted    int
	Skipped     []SkippedBlock
	LaunchSites int
	// Output is the written file, empty unless Outcome is OutcomeInstrumented.
	Output string
}

type Pass struct {
	logger *zap.Logger
}

func NewPass(logger *zap.Logger) *Pass {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pass{logger: logger}
}

// Run instruments opts.Kernel. A missing kernel or a kernel with no block to
// count is reported through Result.Outcome; errors leave no file behind.
func (p *Pass) Run(ctx context.Context, fe Frontend, opts Options) (Result, error) {
	res := Result{Kernel: opts.Kernel}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if opts.Output == "" {
		return res, errors.New("no output path")
	}
	if samePath(opts.Output, fe.Path()) {
		return res, fmt.Errorf("%w: %s", ErrSameOutput, opts.Output)
	}

	fn, ok := fe.FindFunction(opts.Kernel)
	if !ok {
		p.logger.Warn("kernel not found",
			zap.String("kernel", opts.Kernel),
			zap.String("file", fe.Path()))
		res.Outcome = OutcomeKernelNotFound
		return res, nil
	}
	if fn.Thread == "" {
		return res, fmt.Errorf("%s: %w", opts.Kernel, ErrNoThreadParam)
	}

	gen := Generator{
		Kernel:    fn.Name,
		Thread:    fn.Thread,
		DevicePkg: fn.DevicePkg,
		TracePkg:  opts.TracePkg,
	}
	if fn.Instrumented {
		return res, fmt.Errorf("%s: %s: %w", fe.Path(), fn.Name, ErrAlreadyInstrumented)
	}

	blocks := fe.BuildCFG(fn)
	gen.BlockCount = len(blocks)
	res.Blocks = len(blocks)

	edits := NewEditSet()
	entry := ""
	for _, b := range blocks {
		if !b.First.Plain {
			res.Skipped = append(res.Skipped, SkippedBlock{ID: b.ID, Reason: b.First.Kind})
			p.logger.Debug("skipping block",
				zap.String("kernel", fn.Name),
				zap.Int("block", b.ID),
				zap.String("first", b.First.Kind))
			continue
		}
		code := gen.BlockCode(b.ID)
		if b.First.Offset == fn.BodyStart {
			// the entry locals share this offset; the counter follows them
			if entry != "" {
				return res, &EditConflictError{Offset: fn.BodyStart, Existing: entry, Rejected: code}
			}
			entry = code
			res.Inserted++
			continue
		}
		if err := edits.Add(b.First.Offset, code); err != nil {
			return res, err
		}
		res.Inserted++
	}

	if res.Inserted == 0 {
		p.logger.Warn("no block to instrument", zap.String("kernel", fn.Name))
		res.Outcome = OutcomeNoEdits
		return res, nil
	}

	if err := p.kernelEdits(edits, fe, fn, gen, entry); err != nil {
		return res, err
	}

	sites := fe.LaunchSites(fn)
	for i, site := range sites {
		g := gen.AtLaunch(i, site)
		if err := edits.Add(site.Start, g.InstrumentationInit()); err != nil {
			return res, err
		}
		if err := edits.Add(site.ArgEnd, g.InstrumentationLaunchParams()); err != nil {
			return res, err
		}
		if err := edits.Add(site.End, g.InstrumentationFinalize()); err != nil {
			return res, err
		}
	}
	res.LaunchSites = len(sites)

	out, err := edits.Apply(fe.Source())
	if err != nil {
		return res, err
	}
	if err := writeFile(opts.Output, out); err != nil {
		return res, err
	}

	res.Outcome = OutcomeInstrumented
	res.Output = opts.Output
	p.logger.Info("instrumented kernel",
		zap.String("kernel", fn.Name),
		zap.String("output", opts.Output),
		zap.Int("blocks", res.Blocks),
		zap.Int("inserted", res.Inserted),
		zap.Int("skipped", len(res.Skipped)),
		zap.Int("launch_sites", res.LaunchSites))
	return res, nil
}

// kernelEdits adds the parameter, the entry locals with the deferred commit,
// and the import unless the file already has it under the trace alias.
// entry is the counter of a block starting right at the opening brace, if any.
func (p *Pass) kernelEdits(edits *EditSet, fe Frontend, fn Function, gen Generator, entry string) error {
	if err := edits.Add(fn.ParamsEnd, gen.InstrumentationParams()); err != nil {
		return err
	}
	if err := edits.Add(fn.BodyStart, gen.InstrumentationLocals()+gen.InstrumentationCommit()+entry); err != nil {
		return err
	}
	if fe.ImportName(gen.tracePkg()) == traceAlias {
		return nil
	}
	return edits.Add(fe.ImportOffset(), gen.Includes())
}

// writeFile writes data next to path and renames it into place, so a failed
// write leaves no partial file.
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".bbtrace-*.go")
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func samePath(a, b string) bool {
	if a == b {
		return true
	}
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}
