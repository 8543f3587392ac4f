package analysis

import (
	"go/token"
	"go/types"
	"runtime"

	"golang.org/x/tools/go/ssa"
)

// Counter accumulates one static cost over the instructions of the blocks it
// visits. The total is never reset: use a fresh Counter per basic block.
type Counter interface {
	Visit(instrs []ssa.Instruction) uint64
	Count() uint64
}

// Counters is the triple run over every basic block.
type Counters struct {
	Flops  *FlopCounter
	Loads  *LoadCounter
	Stores *StoreCounter
}

// NewCounters returns zeroed counters.
func NewCounters() Counters {
	return Counters{
		Flops:  &FlopCounter{},
		Loads:  &LoadCounter{},
		Stores: &StoreCounter{},
	}
}

// Visit runs all three counters over instrs.
func (c Counters) Visit(instrs []ssa.Instruction) {
	c.Flops.Visit(instrs)
	c.Loads.Visit(instrs)
	c.Stores.Visit(instrs)
}

// FlopCounter counts floating point operations: arithmetic and comparisons
// on float or complex operands, and conversions to or from a float.
type FlopCounter struct {
	count uint64
}

func (c *FlopCounter) Visit(instrs []ssa.Instruction) uint64 {
	for _, instr := range instrs {
		switch v := instr.(type) {
		case *ssa.BinOp:
			if isFloat(v.X.Type()) && (isArith(v.Op) || isCompare(v.Op)) {
				c.count++
			}
		case *ssa.Convert:
			if isFloat(v.Type()) || isFloat(v.X.Type()) {
				c.count++
			}
		}
	}
	return c.count
}

func (c *FlopCounter) Count() uint64 { return c.count }

// StoreCounter counts bytes written through pointers.
type StoreCounter struct {
	count uint64
}

func (c *StoreCounter) Visit(instrs []ssa.Instruction) uint64 {
	for _, instr := range instrs {
		if st, ok := instr.(*ssa.Store); ok {
			c.count += bitWidth(pointee(st.Addr.Type())) / 8
		}
	}
	return c.count
}

func (c *StoreCounter) Count() uint64 { return c.count }

// LoadCounter counts bytes read through pointers. Element and field address
// computations count as reads of the addressed element.
type LoadCounter struct {
	count uint64
}

func (c *LoadCounter) Visit(instrs []ssa.Instruction) uint64 {
	for _, instr := range instrs {
		switch v := instr.(type) {
		case *ssa.UnOp:
			if v.Op == token.MUL {
				c.count += bitWidth(pointee(v.X.Type())) / 8
			}
		case *ssa.IndexAddr:
			c.count += bitWidth(pointee(v.Type())) / 8
		case *ssa.FieldAddr:
			c.count += bitWidth(pointee(v.Type())) / 8
		}
	}
	return c.count
}

func (c *LoadCounter) Count() uint64 { return c.count }

var sizes = types.SizesFor("gc", runtime.GOARCH)

// bitWidth is the storage size of t in bits. Types without a static size
// (type parameters) count as zero.
func bitWidth(t types.Type) uint64 {
	if hasTypeParam(t) {
		return 0
	}
	return uint64(sizes.Sizeof(t)) * 8
}

func hasTypeParam(t types.Type) bool {
	switch t := t.(type) {
	case *types.TypeParam:
		return true
	case *types.Pointer:
		return hasTypeParam(t.Elem())
	case *types.Slice:
		return hasTypeParam(t.Elem())
	case *types.Array:
		return hasTypeParam(t.Elem())
	case *types.Named:
		return containsTypeParamArg(t)
	}
	return false
}

func containsTypeParamArg(t *types.Named) bool {
	args := t.TypeArgs()
	for i := 0; i < args.Len(); i++ {
		if hasTypeParam(args.At(i)) {
			return true
		}
	}
	return false
}

func pointee(t types.Type) types.Type {
	switch u := t.Underlying().(type) {
	case *types.Pointer:
		return u.Elem()
	case *types.Slice:
		return u.Elem()
	}
	return t
}

func isFloat(t types.Type) bool {
	b, ok := t.Underlying().(*types.Basic)
	return ok && b.Info()&(types.IsFloat|types.IsComplex) != 0
}

func isArith(op token.Token) bool {
	switch op {
	case token.ADD, token.SUB, token.MUL, token.QUO, token.REM:
		return true
	}
	return false
}

func isCompare(op token.Token) bool {
	switch op {
	case token.EQL, token.NEQ, token.LSS, token.LEQ, token.GTR, token.GEQ:
		return true
	}
	return false
}
