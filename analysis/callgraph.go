package analysis

import (
	"fmt"
	"go/types"
	"sort"
	"strings"

	"golang.org/x/tools/go/callgraph"
	"golang.org/x/tools/go/callgraph/cha"
	"golang.org/x/tools/go/ssa"
)

// Callers lists every function from which kernel is reachable, nearest
// first. Host code that launches the kernel shows up here even when it
// lives outside the kernel's file.
func Callers(prog *ssa.Program, kernel string) ([]string, error) {
	return walk(cha.CallGraph(prog), kernel, func(n *callgraph.Node) []*callgraph.Edge { return n.In },
		func(e *callgraph.Edge) *callgraph.Node { return e.Caller })
}

// Callees lists every function the kernel may call. Their blocks are not
// counted by the instrumentation, which only rewrites the kernel body.
func Callees(prog *ssa.Program, kernel string) ([]string, error) {
	return walk(cha.CallGraph(prog), kernel, func(n *callgraph.Node) []*callgraph.Edge { return n.Out },
		func(e *callgraph.Edge) *callgraph.Node { return e.Callee })
}

// Callers lists the functions from which the kernel is reachable.
func (p *Program) Callers(kernel string) ([]string, error) {
	return Callers(p.SSA, kernel)
}

// Callees lists the functions the kernel may call.
func (p *Program) Callees(kernel string) ([]string, error) {
	return Callees(p.SSA, kernel)
}

// walk runs a breadth-first search from the nodes of target along edges,
// returning the names reached in visiting order, target excluded.
func walk(graph *callgraph.Graph, target string,
	edges func(*callgraph.Node) []*callgraph.Edge,
	next func(*callgraph.Edge) *callgraph.Node,
) ([]string, error) {
	start := findFunctionNodes(graph, target)
	if len(start) == 0 {
		return nil, fmt.Errorf("%w: %q not in call graph", ErrKernelNotFound, target)
	}

	var names []string
	seen := make(map[string]bool)
	visited := make(map[*callgraph.Node]bool)
	queue := make([]*callgraph.Node, 0, len(start))
	for _, node := range start {
		queue = append(queue, node)
		visited[node] = true
		seen[formatFuncName(node.Func)] = true
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, edge := range edges(current) {
			n := next(edge)
			if n == nil || visited[n] {
				continue
			}
			visited[n] = true
			queue = append(queue, n)

			name := formatFuncName(n.Func)
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	return names, nil
}

// findFunctionNodes returns the graph nodes for target, in a stable order.
// Supports "fn", "Type.Method" and "pkg.fn".
func findFunctionNodes(graph *callgraph.Graph, target string) []*callgraph.Node {
	var nodes []*callgraph.Node
	for fn, node := range graph.Nodes {
		if fn != nil && matchesFunctionName(fn, target) {
			nodes = append(nodes, node)
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Func.String() < nodes[j].Func.String()
	})
	return nodes
}

func matchesFunctionName(fn *ssa.Function, target string) bool {
	name := fn.Name()
	if name == target {
		return true
	}

	if recv := fn.Signature.Recv(); recv != nil {
		full := typeName(recv.Type()) + "." + name
		if full == target || "*"+full == target {
			return true
		}
	}

	if fn.Pkg != nil && fn.Pkg.Pkg.Name()+"."+name == target {
		return true
	}
	return false
}

func typeName(t types.Type) string {
	switch typ := t.(type) {
	case *types.Pointer:
		return typeName(typ.Elem())
	case *types.Named:
		return typ.Obj().Name()
	default:
		return t.String()
	}
}

// formatFuncName names fn as "Type.Method" or "fn"; synthetic wrappers and
// package initializers have no name.
func formatFuncName(fn *ssa.Function) string {
	if fn == nil {
		return ""
	}
	name := fn.Name()
	if strings.HasPrefix(name, "$") || name == "init" || strings.HasPrefix(name, "init#") {
		return ""
	}
	if recv := fn.Signature.Recv(); recv != nil {
		return typeName(recv.Type()) + "." + name
	}
	return name
}
