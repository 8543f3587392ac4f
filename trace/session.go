package trace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"
	"github.com/napolitain/bbtrace/device"
)

// EnvDir names the directory collected sessions are saved to. Unset, they
// are only kept in memory.
const EnvDir = "BBTRACE_DIR"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Styles using lipgloss
var (
	kernelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#4ECDC4"))
	countStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F38181"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
	hotStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4")).BorderStyle(lipgloss.DoubleBorder()).BorderForeground(lipgloss.Color("#7D56F4")).Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFE66D"))
)

var (
	mu       sync.Mutex
	sessions []*Instrumenter
	outDir   string
	colorize = true
	// summaryOut receives PrintSummary.
	summaryOut io.Writer = os.Stdout
)

func init() {
	outDir = os.Getenv(EnvDir)
	if os.Getenv("NO_COLOR") != "" {
		colorize = false
	}
}

// Collect ends a session started by the generated launch code: it frees the
// device counters, keeps the session for PrintSummary and, when an output
// directory is set, saves it there. A device failure panics with the
// *device.Error.
func Collect(dev *device.Device, ptr device.Ptr, instr *Instrumenter) {
	if err := dev.Free(ptr); err != nil {
		panic(err)
	}

	mu.Lock()
	sessions = append(sessions, instr)
	dir := outDir
	mu.Unlock()

	if dir == "" {
		return
	}
	if _, err := instr.Save(dir); err != nil {
		fmt.Fprintf(os.Stderr, "bbtrace: %v\n", err)
	}
}

// Collected returns the sessions collected so far, oldest first.
func Collected() []*Instrumenter {
	mu.Lock()
	defer mu.Unlock()
	cp := make([]*Instrumenter, len(sessions))
	copy(cp, sessions)
	return cp
}

// Reset forgets all collected sessions.
func Reset() {
	mu.Lock()
	sessions = sessions[:0]
	mu.Unlock()
}

// SetOutputDir overrides EnvDir.
func SetOutputDir(dir string) {
	mu.Lock()
	outDir = dir
	mu.Unlock()
}

// SetColorize enables/disables color output
func SetColorize(enabled bool) {
	mu.Lock()
	colorize = enabled
	mu.Unlock()
}

// Save writes the binary trace and its kernel info to dir and returns the
// trace path. The kernel info goes next to the trace, as {prefix}.json.
func (i *Instrumenter) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create trace dir: %w", err)
	}
	prefix := filepath.Join(dir, i.Prefix())

	info, err := json.MarshalIndent(i.Info, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode kernel info: %w", err)
	}
	if err := os.WriteFile(prefix+".json", info, 0644); err != nil {
		return "", fmt.Errorf("write kernel info: %w", err)
	}
	return i.DumpBin(prefix + ".hiptrace")
}

// LoadSaved reads a trace written by Save.
func LoadSaved(path string) (*Instrumenter, error) {
	text, err := os.ReadFile(strings.TrimSuffix(path, filepath.Ext(path)) + ".json")
	if err != nil {
		return nil, fmt.Errorf("read kernel info: %w", err)
	}
	var info KernelInfo
	if err := json.Unmarshal(text, &info); err != nil {
		return nil, fmt.Errorf("decode kernel info: %w", err)
	}
	return LoadBin(path, &info)
}

// Saved lists the traces saved in dir, oldest first.
func Saved(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.hiptrace"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// PrintSummary shows the collected sessions on stdout.
func PrintSummary() {
	mu.Lock()
	w := summaryOut
	mu.Unlock()
	FprintSummary(w, Collected())
}

// FprintSummary writes, per session, the kernel shape, the total number of
// block executions, and the most executed basic blocks.
func FprintSummary(w io.Writer, list []*Instrumenter) {
	mu.Lock()
	color := colorize
	mu.Unlock()
	render := func(s lipgloss.Style, text string) string {
		if !color {
			return text
		}
		return s.Render(text)
	}

	if len(list) == 0 {
		fmt.Fprintln(w, "No kernel launches collected")
		return
	}

	var sb strings.Builder
	sb.WriteString("\n" + render(titleStyle, "bbtrace summary") + "\n\n")

	for _, instr := range list {
		ki := instr.Info
		perBlock := instr.BlockCounts()

		var total uint64
		for _, c := range perBlock {
			total += c
		}

		sb.WriteString(fmt.Sprintf("  %s %s  %s executions\n",
			render(kernelStyle, ki.Name),
			render(dimStyle, fmt.Sprintf("grid=%d block=%d bb=%d", ki.TotalBlocks, ki.ThreadsPerBlock, ki.BasicBlocks)),
			render(countStyle, humanize.Comma(int64(total)))))

		sb.WriteString(render(headerStyle, "    hottest basic blocks") + "\n")
		for rank, b := range hottest(perBlock, 5) {
			line := fmt.Sprintf("    %2d. BB %-4d %12s", rank+1, b, humanize.Comma(int64(perBlock[b])))
			if rank == 0 && perBlock[b] > 0 {
				line = render(hotStyle, line)
			}
			sb.WriteString(line + "\n")
		}
		sb.WriteString("\n")
	}
	fmt.Fprint(w, sb.String())
}

// BlockCounts sums the counters of each basic block over all threads.
func (i *Instrumenter) BlockCounts() []uint64 {
	out := make([]uint64, i.Info.BasicBlocks)
	for j, c := range i.counters {
		out[j%i.Info.BasicBlocks] += uint64(c)
	}
	return out
}

func hottest(counts []uint64, n int) []int {
	ids := make([]int, len(counts))
	for j := range ids {
		ids[j] = j
	}
	sort.SliceStable(ids, func(a, b int) bool {
		return counts[ids[a]] > counts[ids[b]]
	})
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids
}
