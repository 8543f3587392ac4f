//go:build linux

package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PMUGroup is a group of perf event descriptors, led by the first one.
type PMUGroup struct {
	fds    []int
	leader int
}

var pmuCounterConfigs = []struct {
	name   string
	config uint64
}{
	{"cpu_cycles", unix.PERF_COUNT_HW_CPU_CYCLES},
	{"instructions", unix.PERF_COUNT_HW_INSTRUCTIONS},
	{"cache_references", unix.PERF_COUNT_HW_CACHE_REFERENCES},
	{"cache_misses", unix.PERF_COUNT_HW_CACHE_MISSES},
	{"branch_misses", unix.PERF_COUNT_HW_BRANCH_MISSES},
}

// hardwareAttr describes a user-space hardware counter that starts disabled,
// is inherited by children and is enabled by their exec.
func hardwareAttr(config uint64) unix.PerfEventAttr {
	return unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_HARDWARE,
		Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config: config,
		Bits: unix.PerfBitDisabled | unix.PerfBitInherit |
			unix.PerfBitExcludeKernel | unix.PerfBitExcludeHv | unix.PerfBitEnableOnExec,
	}
}

// SetupPMU opens the hardware counters for pid (0 = calling process). The
// counters are inherited by children and start at their exec. It returns nil
// when -pmu is not set.
func SetupPMU(pid int) (*PMUGroup, error) {
	if !*pmu {
		return nil, nil
	}

	group := &PMUGroup{
		fds:    make([]int, 0, len(pmuCounterConfigs)),
		leader: -1,
	}
	for i, cfg := range pmuCounterConfigs {
		attr := hardwareAttr(cfg.config)

		groupFD := -1
		if i > 0 {
			groupFD = group.leader
		}
		fd, err := unix.PerfEventOpen(&attr, pid, -1, groupFD, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			group.Close()
			return nil, fmt.Errorf("perf_event_open for %s: %w (try: sudo sysctl kernel.perf_event_paranoid=-1)", cfg.name, err)
		}
		if i == 0 {
			group.leader = fd
		}
		group.fds = append(group.fds, fd)
	}
	return group, nil
}

// Read returns the current counter values.
func (g *PMUGroup) Read() (PMUCounters, error) {
	var counters PMUCounters
	if g == nil {
		return counters, nil
	}

	buf := make([]byte, 8)
	fields := []*uint64{
		&counters.CPUCycles,
		&counters.Instructions,
		&counters.CacheReferences,
		&counters.CacheMisses,
		&counters.BranchMisses,
	}
	for i, fd := range g.fds {
		n, err := unix.Read(fd, buf)
		if err != nil {
			return counters, fmt.Errorf("read counter %s: %w", pmuCounterConfigs[i].name, err)
		}
		if n != len(buf) {
			return counters, fmt.Errorf("short read: got %d bytes", n)
		}
		*fields[i] = binary.NativeEndian.Uint64(buf)
	}
	return counters, nil
}

// Close closes all descriptors of the group.
func (g *PMUGroup) Close() {
	if g == nil {
		return
	}
	for _, fd := range g.fds {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}
	g.fds = nil
}

// PMUEnabled reports whether -pmu is set.
func PMUEnabled() bool {
	return *pmu
}

var childPMU *PMUGroup

// InitPMUForChild opens counters on this process for the next child to
// inherit.
func InitPMUForChild() error {
	var err error
	childPMU, err = SetupPMU(0)
	return err
}

// ReadAndClosePMU reads the counters opened by InitPMUForChild and closes
// them.
func ReadAndClosePMU() PMUCounters {
	if childPMU == nil {
		return PMUCounters{}
	}
	counters, err := childPMU.Read()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bbtrace: failed to read PMU counters: %v\n", err)
	}
	childPMU.Close()
	childPMU = nil
	return counters
}
