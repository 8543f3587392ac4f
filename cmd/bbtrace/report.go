package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4")).BorderStyle(lipgloss.DoubleBorder()).BorderForeground(lipgloss.Color("#7D56F4")).Padding(0, 1)
	kernelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#4ECDC4"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFE66D"))
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F38181"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
)

// PrintReport writes one section per reduced trace.
func PrintReport(w io.Writer, reports []Report) {
	if len(reports) == 0 {
		fmt.Fprintln(w, "No traces to report")
		return
	}

	var sb strings.Builder
	sb.WriteString("\n" + titleStyle.Render("bbtrace report") + "\n\n")

	for _, r := range reports {
		ki := r.Info
		sb.WriteString(fmt.Sprintf("  %s %s\n",
			kernelStyle.Render(ki.Name),
			dimStyle.Render(fmt.Sprintf("grid=%d block=%d bb=%d", ki.TotalBlocks, ki.ThreadsPerBlock, ki.BasicBlocks))))

		row := func(label, value string) {
			sb.WriteString(fmt.Sprintf("    %s %s\n", labelStyle.Render(fmt.Sprintf("%-12s", label)), valueStyle.Render(value)))
		}
		row("executions", humanize.Comma(int64(r.Executions())))
		row("flops", humanize.Comma(int64(r.Flops)))
		row("loaded", humanize.IBytes(r.Loads))
		row("stored", humanize.IBytes(r.Stores))
		row("intensity", fmt.Sprintf("%.3f flop/B", r.Intensity()))
		if r.Path != "" {
			sb.WriteString("    " + dimStyle.Render(r.Path) + "\n")
		}
		sb.WriteString("\n")
	}
	fmt.Fprint(w, sb.String())
}
