package instr

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/napolitain/bbtrace/internal/kernelcfg"
)

// Frontend is what the pass needs from a compiler front-end: the source,
// function lookup, and the CFG and launch sites of a function.
type Frontend interface {
	Path() string
	Source() []byte
	FindFunction(name string) (Function, bool)
	BuildCFG(fn Function) []Block
	LaunchSites(fn Function) []LaunchSite
	// ImportOffset is where a new import declaration can be inserted.
	ImportOffset() int
	// ImportName is the name the file binds the package at path to, or
	// empty if the file does not import it.
	ImportName(path string) string
}

// Function is a located kernel. Offsets are byte offsets into the source.
type Function struct {
	Name string
	// Thread names the device.Thread parameter; empty if there is none.
	Thread    string
	DevicePkg string
	// ParamsEnd is the end of the last parameter.
	ParamsEnd int
	// BodyStart is just past the opening brace.
	BodyStart int
	// Instrumented is set when the kernel already takes the counter buffer.
	Instrumented bool

	Decl *ast.FuncDecl
}

// Block is one CFG block as seen by the pass.
type Block struct {
	ID    int
	First Element
	Live  bool
}

// Element is the first node of a block. Plain elements are statements of a
// statement list, before which another statement can be inserted.
type Element struct {
	Offset int
	Plain  bool
	Kind   string
}

// LaunchSite is a statement launching the kernel on a device.
type LaunchSite struct {
	Device      string
	Grid, Block string
	// Start and End delimit the launch statement.
	Start, End int
	// ArgEnd is the end of the kernel call's last argument.
	ArgEnd int
}

// GoFrontend implements Frontend for one Go source file.
type GoFrontend struct {
	path       string
	src        []byte
	fset       *token.FileSet
	file       *ast.File
	devicePath string

	// plain holds the statements that are direct members of a statement list,
	// and the statements of labels that are.
	plain map[ast.Stmt]bool
}

// ParseFile parses filename. When src is nil the file is read from disk.
func ParseFile(filename string, src []byte) (*GoFrontend, error) {
	if src == nil {
		var err error
		src, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, src, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}

	f := &GoFrontend{
		path:       filename,
		src:        src,
		fset:       fset,
		file:       file,
		devicePath: DefaultDevicePkg,
		plain:      make(map[ast.Stmt]bool),
	}
	f.markPlain()
	return f, nil
}

// SetDevicePath changes the import path recognized as the device package.
func (f *GoFrontend) SetDevicePath(p string) {
	f.devicePath = p
}

func (f *GoFrontend) markPlain() {
	ast.Inspect(f.file, func(n ast.Node) bool {
		var list []ast.Stmt
		switch s := n.(type) {
		case *ast.BlockStmt:
			list = s.List
		case *ast.CaseClause:
			list = s.Body
		case *ast.CommClause:
			list = s.Body
		case *ast.LabeledStmt:
			if f.plain[s] {
				f.plain[s.Stmt] = true
			}
		}
		for _, stmt := range list {
			f.plain[stmt] = true
		}
		return true
	})
}

func (f *GoFrontend) Path() string   { return f.path }
func (f *GoFrontend) Source() []byte { return f.src }

func (f *GoFrontend) offset(pos token.Pos) int {
	return f.fset.Position(pos).Offset
}

func (f *GoFrontend) text(n ast.Node) string {
	return string(f.src[f.offset(n.Pos()):f.offset(n.End())])
}

// ImportOffset is the start of the line after the package clause.
func (f *GoFrontend) ImportOffset() int {
	off := f.offset(f.file.Name.End())
	for off < len(f.src) && f.src[off] != '\n' {
		off++
	}
	if off < len(f.src) {
		off++
	}
	return off
}

func (f *GoFrontend) ImportName(p string) string {
	for _, imp := range f.file.Imports {
		v, err := strconv.Unquote(imp.Path.Value)
		if err != nil || v != p {
			continue
		}
		if imp.Name != nil {
			return imp.Name.Name
		}
		return path.Base(v)
	}
	return ""
}

func (f *GoFrontend) FindFunction(name string) (Function, bool) {
	decl := kernelcfg.FindFunc(f.file, name)
	if decl == nil {
		return Function{}, false
	}

	fn := Function{
		Name:      name,
		DevicePkg: f.ImportName(f.devicePath),
		BodyStart: f.offset(decl.Body.Lbrace) + 1,
		Decl:      decl,
	}

	params := decl.Type.Params
	if n := len(params.List); n > 0 {
		fn.ParamsEnd = f.offset(params.List[n-1].End())
	} else {
		fn.ParamsEnd = f.offset(params.Closing)
	}

	for _, field := range params.List {
		for _, n := range field.Names {
			if n.Name == instrParam {
				fn.Instrumented = true
			}
		}
	}

	for _, field := range params.List {
		sel, ok := field.Type.(*ast.SelectorExpr)
		if !ok || sel.Sel.Name != "Thread" {
			continue
		}
		if pkg, ok := sel.X.(*ast.Ident); !ok || pkg.Name != fn.DevicePkg {
			continue
		}
		if len(field.Names) > 0 && field.Names[0].Name != "_" {
			fn.Thread = field.Names[0].Name
		}
		break
	}
	return fn, true
}

func (f *GoFrontend) BuildCFG(fn Function) []Block {
	body := fn.Decl.Body
	g := kernelcfg.New(body)

	blocks := make([]Block, len(g.Blocks))
	for i, b := range g.Blocks {
		blocks[i] = Block{ID: int(b.Index), Live: b.Live}
		if len(b.Nodes) == 0 {
			blocks[i].First = Element{Kind: "empty"}
			continue
		}

		n := b.Nodes[0]
		el := Element{Offset: f.offset(n.Pos()), Kind: strings.TrimPrefix(fmt.Sprintf("%T", n), "*ast.")}
		if kernelcfg.IsImplicitReturn(body, n) {
			el.Kind = "implicit return"
		} else if s, ok := n.(ast.Stmt); ok && f.plain[s] {
			el.Plain = true
		}
		blocks[i].First = el
	}
	return blocks
}

// LaunchSites finds the statements of the file that launch fn through
// X.Launch(grid, block, func(t device.Thread) { fn(t, ...) }) or
// X.LaunchOn(stream, grid, block, ...). Launches returned directly are left
// out.
func (f *GoFrontend) LaunchSites(fn Function) []LaunchSite {
	var sites []LaunchSite
	var stack []ast.Node

	ast.Inspect(f.file, func(n ast.Node) bool {
		if n == nil {
			stack = stack[:len(stack)-1]
			return true
		}
		stack = append(stack, n)

		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		site, ok := f.launchSite(call, fn.Name)
		if !ok {
			return true
		}
		for i := len(stack) - 2; i >= 0; i-- {
			if s, ok := stack[i].(ast.Stmt); ok && f.plain[s] {
				// Nothing can follow a return to read the counters back.
				if _, ok := s.(*ast.ReturnStmt); ok {
					break
				}
				site.Start = f.offset(s.Pos())
				site.End = f.offset(s.End())
				sites = append(sites, site)
				break
			}
		}
		return true
	})
	return sites
}

func (f *GoFrontend) launchSite(call *ast.CallExpr, kernel string) (LaunchSite, bool) {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok {
		return LaunchSite{}, false
	}

	var first int
	switch sel.Sel.Name {
	case "Launch":
		first = 0
	case "LaunchOn":
		first = 1
	default:
		return LaunchSite{}, false
	}
	if len(call.Args) != first+3 {
		return LaunchSite{}, false
	}
	lit, ok := call.Args[first+2].(*ast.FuncLit)
	if !ok {
		return LaunchSite{}, false
	}

	var kcall *ast.CallExpr
	ast.Inspect(lit.Body, func(n ast.Node) bool {
		if kcall != nil {
			return false
		}
		if c, ok := n.(*ast.CallExpr); ok {
			if id, ok := c.Fun.(*ast.Ident); ok && id.Name == kernel && len(c.Args) > 0 {
				kcall = c
				return false
			}
		}
		return true
	})
	if kcall == nil {
		return LaunchSite{}, false
	}

	return LaunchSite{
		Device: f.text(sel.X),
		Grid:   f.text(call.Args[first]),
		Block:  f.text(call.Args[first+1]),
		ArgEnd: f.offset(kcall.Args[len(kcall.Args)-1].End()),
	}, true
}
