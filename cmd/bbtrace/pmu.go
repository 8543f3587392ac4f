package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
)

// PMUCounters holds hardware performance counter values.
type PMUCounters struct {
	CPUCycles       uint64
	Instructions    uint64
	CacheReferences uint64
	CacheMisses     uint64
	BranchMisses    uint64
}

// IPC is instructions per cycle.
func (c PMUCounters) IPC() float64 {
	if c.CPUCycles == 0 {
		return 0
	}
	return float64(c.Instructions) / float64(c.CPUCycles)
}

// MissRate is the percentage of cache references that missed.
func (c PMUCounters) MissRate() float64 {
	if c.CacheReferences == 0 {
		return 0
	}
	return float64(c.CacheMisses) / float64(c.CacheReferences) * 100
}

// PrintPMUSummary writes the counters when -pmu is set.
func PrintPMUSummary(w io.Writer, c PMUCounters) {
	if !PMUEnabled() {
		return
	}

	var sb strings.Builder
	sb.WriteString("\n" + titleStyle.Render("Hardware counters (process total)") + "\n")
	line := func(label, value, extra string) {
		sb.WriteString(fmt.Sprintf("  %s %15s  %s\n", labelStyle.Render(fmt.Sprintf("%-18s", label)), valueStyle.Render(value), dimStyle.Render(extra)))
	}
	line("CPU cycles:", humanize.Comma(int64(c.CPUCycles)), "")
	line("Instructions:", humanize.Comma(int64(c.Instructions)), fmt.Sprintf("(%.2f IPC)", c.IPC()))
	line("Cache references:", humanize.Comma(int64(c.CacheReferences)), "")
	line("Cache misses:", humanize.Comma(int64(c.CacheMisses)), fmt.Sprintf("(%.2f%% miss rate)", c.MissRate()))
	line("Branch misses:", humanize.Comma(int64(c.BranchMisses)), "")
	fmt.Fprint(w, sb.String())
}
