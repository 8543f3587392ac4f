package instr

import (
	"context"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const kernelFile = `package kern

import "github.com/napolitain/bbtrace/device"

func vecAdd(t device.Thread, a, b, c device.Ptr, n int) {
	i := t.GlobalIdx()
	if i >= n {
		return
	}
	x, y := a.Float32(), b.Float32()
	var tmp float32
	tmp = x[i] + y[i]
	c.Float32()[i] = tmp
}

func retry(t device.Thread, n int) {
	k := 0
again:
	k++
	if k < n {
		goto again
	}
	switch {
	case k > 3:
		k--
	default:
	}
}

func tight(t device.Thread) {k := 0; _ = k}

func host(dev *device.Device, a, b, c device.Ptr, n int) error {
	grid, block := device.D1((n+63)/64), device.D1(64)
	if err := dev.Launch(grid, block, func(t device.Thread) {
		vecAdd(t, a, b, c, n)
	}); err != nil {
		return err
	}
	return dev.Synchronize()
}
`

func newFrontend(t *testing.T) *GoFrontend {
	t.Helper()
	fe, err := ParseFile("kern.go", []byte(kernelFile))
	require.NoError(t, err)
	return fe
}

func run(t *testing.T, fe Frontend, kernel string) (Result, string, error) {
	t.Helper()
	out := filepath.Join(t.TempDir(), "kern_instrumented.go")
	res, err := NewPass(zaptest.NewLogger(t)).Run(context.Background(), fe, Options{Kernel: kernel, Output: out})
	return res, out, err
}

func TestGenerator_Deterministic(t *testing.T) {
	g1 := Generator{Kernel: "vecAdd", BlockCount: 4, Thread: "t", DevicePkg: "device"}
	g2 := Generator{Kernel: "vecAdd", BlockCount: 4, Thread: "t", DevicePkg: "device"}

	assert.Equal(t, g1.Includes(), g2.Includes())
	assert.Equal(t, g1.InstrumentationLocals(), g2.InstrumentationLocals())
	assert.Equal(t, g1.BlockCode(2), g2.BlockCode(2))
	assert.Equal(t, g1.InstrumentationCommit(), g2.InstrumentationCommit())

	assert.Equal(t, "/* BB 2 (4) */ _bbCounters[2*_bbThreads+_bbTid]++; ", g1.BlockCode(2))
	assert.Equal(t, ", _instrPtr device.Ptr", g1.InstrumentationParams())
	assert.Contains(t, g1.Includes(), `import bbtrace "github.com/napolitain/bbtrace/trace"`)
	assert.Contains(t, g1.InstrumentationLocals(), "bbtrace.SharedCounters(t, 4)")
	assert.Contains(t, g1.InstrumentationCommit(), "defer bbtrace.Commit(t, _instrPtr, _bbCounters, 4)")
}

func TestGenerator_LaunchFragments(t *testing.T) {
	g := Generator{Kernel: "vecAdd", BlockCount: 3, Thread: "t"}
	site := LaunchSite{Device: "dev", Grid: "device.D1(4)", Block: "device.D1(64)"}

	first := g.AtLaunch(0, site)
	assert.Equal(t, ", _vecAdd_ptr", first.InstrumentationLaunchParams())
	assert.Contains(t, first.InstrumentationInit(),
		`_vecAdd_instr := bbtrace.NewInstrumenter(bbtrace.MustKernelInfo("vecAdd", 3, device.D1(4), device.D1(64)))`)
	assert.Contains(t, first.InstrumentationInit(), "_vecAdd_ptr := _vecAdd_instr.MustToDevice(dev)")
	assert.Contains(t, first.InstrumentationFinalize(), "_vecAdd_instr.MustFromDevice(dev, _vecAdd_ptr)")

	second := g.AtLaunch(1, site)
	assert.Equal(t, ", _vecAdd_ptr1", second.InstrumentationLaunchParams())
	assert.NotEqual(t, first.InstrumentationInit(), second.InstrumentationInit())
}

func TestEditSet(t *testing.T) {
	src := []byte("abcdef")
	s := NewEditSet()
	require.NoError(t, s.Add(3, "X"))
	require.NoError(t, s.Add(0, "<"))
	require.NoError(t, s.Add(6, ">"))

	err := s.Add(3, "Y")
	require.ErrorIs(t, err, ErrIncompatibleEdit)
	var conflict *EditConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 3, conflict.Offset)
	assert.Equal(t, "X", conflict.Existing)

	out, err := s.Apply(src)
	require.NoError(t, err)
	assert.Equal(t, "<abcXdef>", string(out))
	assert.Equal(t, "abcdef", string(src))

	require.NoError(t, s.Add(7, "!"))
	_, err = s.Apply(src)
	assert.Error(t, err)
}

func TestGoFrontend_FindFunction(t *testing.T) {
	fe := newFrontend(t)

	fn, ok := fe.FindFunction("vecAdd")
	require.True(t, ok)
	assert.Equal(t, "t", fn.Thread)
	assert.Equal(t, "device", fn.DevicePkg)
	assert.Equal(t, "{", string(fe.Source()[fn.BodyStart-1]))
	assert.Equal(t, ") {", string(fe.Source()[fn.ParamsEnd:fn.ParamsEnd+3]))

	_, ok = fe.FindFunction("missing")
	assert.False(t, ok)
	assert.False(t, fn.Instrumented)
	assert.Equal(t, "device", fe.ImportName(DefaultDevicePkg))
	assert.Empty(t, fe.ImportName(DefaultTracePkg))
	assert.True(t, strings.HasPrefix(string(fe.Source()[fe.ImportOffset():]), "\nimport"))
}

func TestGoFrontend_BuildCFG(t *testing.T) {
	fe := newFrontend(t)
	fn, ok := fe.FindFunction("vecAdd")
	require.True(t, ok)

	blocks := fe.BuildCFG(fn)
	require.NotEmpty(t, blocks)
	assert.Equal(t, 0, blocks[0].ID)
	assert.True(t, blocks[0].First.Plain)
	assert.True(t, strings.HasPrefix(kernelFile[blocks[0].First.Offset:], "i := t.GlobalIdx()"))

	var plain int
	for _, b := range blocks {
		if b.First.Plain {
			plain++
			continue
		}
		assert.NotEmpty(t, b.First.Kind)
	}
	assert.GreaterOrEqual(t, plain, 3)
}

func TestGoFrontend_LabeledStatement(t *testing.T) {
	fe := newFrontend(t)
	fn, ok := fe.FindFunction("retry")
	require.True(t, ok)

	var found bool
	for _, b := range fe.BuildCFG(fn) {
		if b.First.Plain && strings.HasPrefix(kernelFile[b.First.Offset:], "k++") {
			found = true
		}
	}
	assert.True(t, found, "the statement after the label starts a counted block")
}

func TestGoFrontend_LaunchSites(t *testing.T) {
	fe := newFrontend(t)
	fn, ok := fe.FindFunction("vecAdd")
	require.True(t, ok)

	sites := fe.LaunchSites(fn)
	require.Len(t, sites, 1)
	site := sites[0]
	assert.Equal(t, "dev", site.Device)
	assert.Equal(t, "grid", site.Grid)
	assert.Equal(t, "block", site.Block)
	assert.True(t, strings.HasPrefix(kernelFile[site.Start:], "if err := dev.Launch("))
	assert.True(t, strings.HasSuffix(kernelFile[:site.End], "return err\n\t}"))
	assert.True(t, strings.HasSuffix(kernelFile[:site.ArgEnd], "vecAdd(t, a, b, c, n"))
}

func TestGoFrontend_LaunchSites_SkipsReturnedLaunch(t *testing.T) {
	src := `package kern

import "github.com/napolitain/bbtrace/device"

func k(t device.Thread, n int) {}

func host(dev *device.Device, s *device.Stream) error {
	return dev.LaunchOn(s, device.D1(1), device.D1(1), func(t device.Thread) { k(t, 1) })
}
`
	fe, err := ParseFile("kern.go", []byte(src))
	require.NoError(t, err)
	fn, ok := fe.FindFunction("k")
	require.True(t, ok)
	assert.Empty(t, fe.LaunchSites(fn))
}

func TestPass_InstrumentsKernel(t *testing.T) {
	fe := newFrontend(t)
	res, out, err := run(t, fe, "vecAdd")
	require.NoError(t, err)

	assert.Equal(t, OutcomeInstrumented, res.Outcome)
	assert.Equal(t, out, res.Output)
	assert.Equal(t, 1, res.LaunchSites)
	assert.LessOrEqual(t, res.Inserted, res.Blocks)
	assert.Equal(t, res.Blocks, res.Inserted+len(res.Skipped))

	text, err := os.ReadFile(out)
	require.NoError(t, err)
	src := string(text)

	_, err = parser.ParseFile(token.NewFileSet(), out, text, parser.ParseComments)
	require.NoError(t, err, src)

	assert.Contains(t, src, `import bbtrace "github.com/napolitain/bbtrace/trace"`)
	assert.Contains(t, src, "n int, _instrPtr device.Ptr) {")
	assert.Contains(t, src, "/* BB 0 (")
	assert.Contains(t, src, "vecAdd(t, a, b, c, n, _vecAdd_ptr)")
	assert.Contains(t, src, "_vecAdd_instr.MustFromDevice(dev, _vecAdd_ptr)")
	assert.Equal(t, res.Inserted, strings.Count(src, "/* BB "))

	// the input is untouched
	assert.Equal(t, kernelFile, string(fe.Source()))
}

func TestPass_KernelNotFound(t *testing.T) {
	res, out, err := run(t, newFrontend(t), "missing")
	require.NoError(t, err)
	assert.Equal(t, OutcomeKernelNotFound, res.Outcome)
	assert.Empty(t, res.Output)
	assert.NoFileExists(t, out)
}

func TestPass_EntryBlockAtBrace(t *testing.T) {
	// "{k := 0" puts the first statement right after the brace, where the
	// entry locals go.
	res, out, err := run(t, newFrontend(t), "tight")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInstrumented, res.Outcome)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, res.Blocks, res.Inserted+len(res.Skipped))

	text, err := os.ReadFile(out)
	require.NoError(t, err)
	src := string(text)
	_, err = parser.ParseFile(token.NewFileSet(), out, text, parser.ParseComments)
	require.NoError(t, err, src)

	// locals, then the commit, then the block counter, then the body
	commit := strings.Index(src, "defer bbtrace.Commit(t, _instrPtr, _bbCounters, ")
	counter := strings.Index(src, "/* BB 0 (")
	require.GreaterOrEqual(t, commit, 0)
	assert.Greater(t, counter, commit)
	assert.Contains(t, src, "_bbCounters[0*_bbThreads+_bbTid]++; k := 0; _ = k}")
	assert.Equal(t, 1, strings.Count(src, "/* BB "))
}

func TestPass_TraceImportIsNotInstrumentation(t *testing.T) {
	src := strings.Replace(kernelFile,
		`import "github.com/napolitain/bbtrace/device"`,
		`import (
	"github.com/napolitain/bbtrace/device"
	"github.com/napolitain/bbtrace/trace"
)`, 1) + "\nfunc report() { trace.PrintSummary() }\n"
	fe, err := ParseFile("kern.go", []byte(src))
	require.NoError(t, err)
	assert.Equal(t, "trace", fe.ImportName(DefaultTracePkg))

	res, out, err := run(t, fe, "vecAdd")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInstrumented, res.Outcome)

	text, err := os.ReadFile(out)
	require.NoError(t, err)
	_, err = parser.ParseFile(token.NewFileSet(), out, text, 0)
	require.NoError(t, err, string(text))
	assert.Contains(t, string(text), `import bbtrace "github.com/napolitain/bbtrace/trace"`)
	assert.Contains(t, string(text), "trace.PrintSummary()")
}

func TestPass_InstrumentedKernelIsRefused(t *testing.T) {
	_, out, err := run(t, newFrontend(t), "vecAdd")
	require.NoError(t, err)
	text, err := os.ReadFile(out)
	require.NoError(t, err)

	fe, err := ParseFile(out, text)
	require.NoError(t, err)
	fn, ok := fe.FindFunction("vecAdd")
	require.True(t, ok)
	assert.True(t, fn.Instrumented)
	assert.Equal(t, traceAlias, fe.ImportName(DefaultTracePkg))

	_, again, err := run(t, fe, "vecAdd")
	require.ErrorIs(t, err, ErrAlreadyInstrumented)
	assert.NoFileExists(t, again)

	// another kernel of the same file is still fair game, and reuses the import
	res, again, err := run(t, fe, "retry")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInstrumented, res.Outcome)
	text, err = os.ReadFile(again)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(text), `import bbtrace "github.com/napolitain/bbtrace/trace"`))
	_, err = parser.ParseFile(token.NewFileSet(), again, text, 0)
	require.NoError(t, err, string(text))
}

func TestPass_RefusesToOverwriteInput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kern.go")
	require.NoError(t, os.WriteFile(path, []byte(kernelFile), 0644))

	fe, err := ParseFile(path, nil)
	require.NoError(t, err)
	_, err = NewPass(nil).Run(context.Background(), fe, Options{Kernel: "vecAdd", Output: path})
	require.ErrorIs(t, err, ErrSameOutput)

	text, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, kernelFile, string(text))
}

type fakeFrontend struct {
	src    []byte
	fn     Function
	found  bool
	blocks []Block
	sites  []LaunchSite
	alias  string
}

func (f *fakeFrontend) Path() string   { return "fake.go" }
func (f *fakeFrontend) Source() []byte { return f.src }
func (f *fakeFrontend) FindFunction(name string) (Function, bool) {
	return f.fn, f.found && name == f.fn.Name
}
func (f *fakeFrontend) BuildCFG(Function) []Block          { return f.blocks }
func (f *fakeFrontend) LaunchSites(Function) []LaunchSite { return f.sites }
func (f *fakeFrontend) ImportOffset() int                  { return 0 }
func (f *fakeFrontend) ImportName(string) string           { return f.alias }

func newFake(blocks ...Block) *fakeFrontend {
	return &fakeFrontend{
		src:    []byte(strings.Repeat(" ", 64)),
		fn:     Function{Name: "k", Thread: "t", ParamsEnd: 4, BodyStart: 8},
		found:  true,
		blocks: blocks,
	}
}

func plainAt(id, off int) Block {
	return Block{ID: id, First: Element{Offset: off, Plain: true}, Live: true}
}

func TestPass_InsertionsEqualBlocksWhenAllPlain(t *testing.T) {
	fe := newFake(plainAt(0, 10), plainAt(1, 20), plainAt(2, 30))
	res, out, err := run(t, fe, "k")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Blocks)
	assert.Equal(t, res.Blocks, res.Inserted)
	assert.Empty(t, res.Skipped)
	assert.FileExists(t, out)
}

func TestPass_NonPlainBlocksAreSkipped(t *testing.T) {
	fe := newFake(
		plainAt(0, 10),
		Block{ID: 1, First: Element{Offset: 20, Kind: "ValueSpec"}},
		Block{ID: 2, First: Element{Kind: "empty"}},
		plainAt(3, 30),
	)
	res, _, err := run(t, fe, "k")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Less(t, res.Inserted, res.Blocks)
	assert.Equal(t, []SkippedBlock{{ID: 1, Reason: "ValueSpec"}, {ID: 2, Reason: "empty"}}, res.Skipped)
}

func TestPass_NoPlainBlocks(t *testing.T) {
	fe := newFake(Block{ID: 0, First: Element{Kind: "empty"}})
	res, out, err := run(t, fe, "k")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoEdits, res.Outcome)
	assert.NoFileExists(t, out)
}

func TestPass_BlockAtBodyStartJoinsEntry(t *testing.T) {
	fe := newFake(plainAt(0, 8), plainAt(1, 20))
	res, out, err := run(t, fe, "k")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)

	text, err := os.ReadFile(out)
	require.NoError(t, err)
	entry := strings.Index(string(text), "defer bbtrace.Commit(")
	first := strings.Index(string(text), "/* BB 0 ")
	require.GreaterOrEqual(t, entry, 0)
	assert.Greater(t, first, entry)

	_, out, err = run(t, newFake(plainAt(0, 8), plainAt(1, 8)), "k")
	require.ErrorIs(t, err, ErrIncompatibleEdit)
	var conflict *EditConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 8, conflict.Offset)
	assert.NoFileExists(t, out)
}

func TestPass_TwoBlocksAtOneOffset(t *testing.T) {
	fe := newFake(plainAt(0, 10), plainAt(1, 10))
	_, out, err := run(t, fe, "k")
	require.ErrorIs(t, err, ErrIncompatibleEdit)
	assert.NoFileExists(t, out)
}

func TestPass_LaunchSiteConflict(t *testing.T) {
	fe := newFake(plainAt(0, 10))
	fe.sites = []LaunchSite{{Device: "dev", Grid: "g", Block: "b", Start: 10, End: 40, ArgEnd: 30}}
	_, out, err := run(t, fe, "k")
	require.ErrorIs(t, err, ErrIncompatibleEdit)
	assert.NoFileExists(t, out)
}

func TestPass_Errors(t *testing.T) {
	fe := newFake(plainAt(0, 10))
	fe.fn.Instrumented = true
	_, out, err := run(t, fe, "k")
	assert.ErrorIs(t, err, ErrAlreadyInstrumented)
	assert.NoFileExists(t, out)

	fe = newFake(plainAt(0, 10))
	fe.fn.Thread = ""
	_, _, err = run(t, fe, "k")
	assert.ErrorIs(t, err, ErrNoThreadParam)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewPass(nil).Run(ctx, newFake(plainAt(0, 10)), Options{Kernel: "k", Output: "x.go"})
	assert.ErrorIs(t, err, context.Canceled)
}
