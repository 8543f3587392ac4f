// Package analysis computes the static cost of each basic block of a kernel:
// floating point operations and bytes loaded and stored.
//
// Costs are read from the SSA form of the kernel and attributed to the blocks
// of its go/cfg graph, which is the graph the instrumentation pass counts, so
// the IDs in the resulting database match the dynamic counters.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/token"
	"go/types"
	"path/filepath"
	"strings"

	"github.com/napolitain/bbtrace/blockdb"
	"github.com/napolitain/bbtrace/internal/kernelcfg"
	"go.uber.org/zap"
	"golang.org/x/tools/go/cfg"
	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

// ErrKernelNotFound is returned when no loaded package declares the kernel.
var ErrKernelNotFound = errors.New("kernel not found")

// Config selects what the analyzer loads.
type Config struct {
	// Patterns are go/packages patterns relative to the directory; "." when empty.
	Patterns []string
	Tests    bool
}

type Analyzer struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = []string{"."}
	}
	return &Analyzer{cfg: cfg, logger: logger}
}

// Program is a loaded and SSA-built set of packages.
type Program struct {
	SSA  *ssa.Program
	Fset *token.FileSet

	pkgs   []*packages.Package
	logger *zap.Logger
}

// Kernel is a located kernel function.
type Kernel struct {
	Name string
	File string
	Decl *ast.FuncDecl
	Func *ssa.Function
}

// Analyze loads the packages in dir and computes the block database of kernel.
func (a *Analyzer) Analyze(ctx context.Context, dir, kernel string) (*blockdb.Database, error) {
	prog, err := a.Load(ctx, dir)
	if err != nil {
		return nil, err
	}
	return prog.Analyze(kernel)
}

// Load type-checks the configured packages and builds their SSA form.
func (a *Analyzer) Load(ctx context.Context, dir string) (*Program, error) {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedCompiledGoFiles |
			packages.NeedImports | packages.NeedDeps | packages.NeedTypes |
			packages.NeedSyntax | packages.NeedTypesInfo,
		Context: ctx,
		Dir:     dir,
		Tests:   a.cfg.Tests,
	}

	pkgs, err := packages.Load(cfg, a.cfg.Patterns...)
	if err != nil {
		return nil, fmt.Errorf("load packages: %w", err)
	}

	var errs []string
	packages.Visit(pkgs, nil, func(pkg *packages.Package) {
		for _, err := range pkg.Errors {
			errs = append(errs, err.Error())
		}
	})
	if len(errs) > 0 {
		return nil, fmt.Errorf("package errors: %s", strings.Join(errs, "; "))
	}
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("no packages found in %s", dir)
	}

	prog, _ := ssautil.AllPackages(pkgs, ssa.SanityCheckFunctions)
	prog.Build()

	a.logger.Debug("loaded packages",
		zap.String("dir", dir),
		zap.Int("packages", len(pkgs)))

	return &Program{
		SSA:    prog,
		Fset:   prog.Fset,
		pkgs:   pkgs,
		logger: a.logger,
	}, nil
}

// Locate finds the top-level function named name in the root packages.
func (p *Program) Locate(name string) (*Kernel, error) {
	for _, pkg := range p.pkgs {
		for _, file := range pkg.Syntax {
			decl := kernelcfg.FindFunc(file, name)
			if decl == nil {
				continue
			}
			obj, ok := pkg.TypesInfo.Defs[decl.Name].(*types.Func)
			if !ok {
				continue
			}
			fn := p.SSA.FuncValue(obj)
			if fn == nil {
				return nil, fmt.Errorf("no SSA form for %s", name)
			}
			return &Kernel{
				Name: name,
				File: p.Fset.Position(decl.Pos()).Filename,
				Decl: decl,
				Func: fn,
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrKernelNotFound, name)
}

// Analyze computes the block database of the named kernel.
func (p *Program) Analyze(name string) (*blockdb.Database, error) {
	k, err := p.Locate(name)
	if err != nil {
		return nil, err
	}
	db, err := AnalyzeFunction(k.Func, k.Decl, p.Fset)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("analyzed kernel",
		zap.String("kernel", name),
		zap.String("file", k.File),
		zap.Int("blocks", db.Len()),
		zap.Uint64("flops", db.Total(blockdb.MetricFlops)))
	return db, nil
}

// AnalyzeFunction attributes the SSA instructions of fn to the go/cfg blocks
// of decl and counts each block's costs. Blocks appear in CFG order.
func AnalyzeFunction(fn *ssa.Function, decl *ast.FuncDecl, fset *token.FileSet) (*blockdb.Database, error) {
	if decl.Body == nil {
		return nil, fmt.Errorf("%s has no body", decl.Name.Name)
	}
	g := kernelcfg.New(decl.Body)
	spans := newSpanIndex(decl.Body, g.Blocks)

	perBlock := make([][]ssa.Instruction, len(g.Blocks))
	for _, b := range fn.Blocks {
		prev := -1
		for _, instr := range b.Instrs {
			idx := prev
			if pos := instr.Pos(); pos.IsValid() {
				idx = spans.find(pos)
				if idx >= 0 {
					prev = idx
				}
			}
			if idx >= 0 {
				perBlock[idx] = append(perBlock[idx], instr)
			}
		}
	}

	db := blockdb.New()
	for _, blk := range g.Blocks {
		c := NewCounters()
		c.Visit(perBlock[blk.Index])

		rec := blockdb.Record{
			ID:     uint32(blk.Index),
			Flops:  uint32(c.Flops.Count()),
			Loads:  uint32(c.Loads.Count()),
			Stores: uint32(c.Stores.Count()),
		}
		if n := len(blk.Nodes); n > 0 {
			_, end := kernelcfg.NodeRange(decl.Body, blk.Nodes[n-1])
			rec.Begin = location(fset, blk.Nodes[0].Pos())
			rec.End = location(fset, end)
		}
		if err := db.Append(rec); err != nil {
			return nil, err
		}
	}
	return db, nil
}

type span struct {
	pos, end token.Pos
	block    int
}

// spanIndex maps source positions to the CFG block whose node most tightly
// encloses them.
type spanIndex []span

func newSpanIndex(body *ast.BlockStmt, blocks []*cfg.Block) spanIndex {
	var idx spanIndex
	for _, b := range blocks {
		for _, n := range b.Nodes {
			pos, end := kernelcfg.NodeRange(body, n)
			idx = append(idx, span{pos: pos, end: end, block: int(b.Index)})
		}
	}
	return idx
}

func (idx spanIndex) find(pos token.Pos) int {
	best := -1
	var width token.Pos
	for _, s := range idx {
		if pos < s.pos || pos >= s.end {
			continue
		}
		if w := s.end - s.pos; best < 0 || w < width {
			best, width = s.block, w
		}
	}
	return best
}

func location(fset *token.FileSet, pos token.Pos) string {
	p := fset.Position(pos)
	if !p.IsValid() {
		return ""
	}
	return fmt.Sprintf("%s:%d:%d", filepath.Base(p.Filename), p.Line, p.Column)
}
