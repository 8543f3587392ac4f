// Package kernelcfg builds the control-flow graph of a kernel body. The
// instrumentation pass and the static analyzer both go through it, so a
// block index means the same block to each of them.
package kernelcfg

import (
	"go/ast"
	"go/token"

	"golang.org/x/tools/go/cfg"
)

// New builds the CFG of body.
func New(body *ast.BlockStmt) *cfg.CFG {
	return cfg.New(body, MayReturn)
}

// MayReturn reports whether call can return to its caller.
func MayReturn(call *ast.CallExpr) bool {
	id, ok := ast.Unparen(call.Fun).(*ast.Ident)
	return !ok || id.Name != "panic"
}

// FindFunc returns the top-level function named name, ignoring methods.
func FindFunc(file *ast.File, name string) *ast.FuncDecl {
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv != nil || fn.Body == nil {
			continue
		}
		if fn.Name.Name == name {
			return fn
		}
	}
	return nil
}

// NodeRange is the source extent of one CFG node, clamped to the body.
// The builder synthesizes an implicit return whose End lies past the
// closing brace.
func NodeRange(body *ast.BlockStmt, n ast.Node) (token.Pos, token.Pos) {
	pos, end := n.Pos(), n.End()
	if end > body.End() {
		end = body.End()
	}
	return pos, end
}

// IsImplicitReturn reports whether n is the return the builder adds when
// control falls off the end of body.
func IsImplicitReturn(body *ast.BlockStmt, n ast.Node) bool {
	ret, ok := n.(*ast.ReturnStmt)
	return ok && ret.Return == body.Rbrace && len(ret.Results) == 0
}
