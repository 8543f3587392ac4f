package instr

import "fmt"

const (
	// DefaultTracePkg is the import path of the counter runtime the
	// generated code calls.
	DefaultTracePkg = "github.com/napolitain/bbtrace/trace"

	// DefaultDevicePkg is the import path of the device runtime kernels
	// are written against.
	DefaultDevicePkg = "github.com/napolitain/bbtrace/device"

	traceAlias = "bbtrace"
	instrParam = "_instrPtr"
)

// Generator produces the source fragments injected into a kernel and its
// launch sites. All methods are pure: equal generators give byte-identical
// text.
type Generator struct {
	Kernel     string
	BlockCount int

	// Thread is the name of the kernel's device.Thread parameter.
	Thread string
	// DevicePkg is the local name of the device package in the kernel's file.
	DevicePkg string
	// TracePkg is the import path of the counter runtime.
	TracePkg string

	// Launch site, set by AtLaunch.
	Site        int
	Device      string
	Grid, Block string
}

// AtLaunch returns the generator for the site-th launch of the kernel.
func (g Generator) AtLaunch(site int, l LaunchSite) Generator {
	g.Site = site
	g.Device = l.Device
	g.Grid = l.Grid
	g.Block = l.Block
	return g
}

func (g Generator) tracePkg() string {
	if g.TracePkg == "" {
		return DefaultTracePkg
	}
	return g.TracePkg
}

func (g Generator) devicePkg() string {
	if g.DevicePkg == "" {
		return "device"
	}
	return g.DevicePkg
}

func (g Generator) suffix() string {
	if g.Site == 0 {
		return ""
	}
	return fmt.Sprint(g.Site)
}

func (g Generator) instrVar() string {
	return "_" + g.Kernel + "_instr" + g.suffix()
}

func (g Generator) ptrVar() string {
	return "_" + g.Kernel + "_ptr" + g.suffix()
}

// Includes imports the counter runtime. It goes after the package clause.
func (g Generator) Includes() string {
	return fmt.Sprintf("\nimport %s %q\n", traceAlias, g.tracePkg())
}

// InstrumentationParams is the extra kernel parameter receiving the device
// counter buffer.
func (g Generator) InstrumentationParams() string {
	return fmt.Sprintf(", %s %s.Ptr", instrParam, g.devicePkg())
}

// InstrumentationLocals declares the block-shared counter table, one column
// of BlockCount cells per thread of the launch.
func (g Generator) InstrumentationLocals() string {
	return fmt.Sprintf("\n\t_bbThreads, _bbTid, _bbCounters := %s.SharedCounters(%s, %d)\n",
		traceAlias, g.Thread, g.BlockCount)
}

// BlockCode counts one execution of block id by the current thread.
func (g Generator) BlockCode(id int) string {
	return fmt.Sprintf("/* BB %d (%d) */ _bbCounters[%d*_bbThreads+_bbTid]++; ",
		id, g.BlockCount, id)
}

// InstrumentationCommit copies the thread's column into the global buffer
// when the kernel returns.
func (g Generator) InstrumentationCommit() string {
	return fmt.Sprintf("\tdefer %s.Commit(%s, %s, _bbCounters, %d)\n",
		traceAlias, g.Thread, instrParam, g.BlockCount)
}

// InstrumentationInit builds the kernel info and instrumenter and uploads
// the zeroed counters. It goes before the launch statement.
func (g Generator) InstrumentationInit() string {
	return fmt.Sprintf("%s := %s.NewInstrumenter(%s.MustKernelInfo(%q, %d, %s, %s)); %s := %s.MustToDevice(%s); ",
		g.instrVar(), traceAlias, traceAlias, g.Kernel, g.BlockCount, g.Grid, g.Block,
		g.ptrVar(), g.instrVar(), g.Device)
}

// InstrumentationLaunchParams passes the device buffer to the kernel call.
func (g Generator) InstrumentationLaunchParams() string {
	return ", " + g.ptrVar()
}

// InstrumentationFinalize downloads the counters after the launch statement
// and hands them to the runtime collector.
func (g Generator) InstrumentationFinalize() string {
	return fmt.Sprintf("; %s.MustFromDevice(%s, %s); %s.Collect(%s, %s, %s)",
		g.instrVar(), g.Device, g.ptrVar(), traceAlias, g.Device, g.ptrVar(), g.instrVar())
}
