package trace

import (
	"bytes"
	"testing"
)

// summaryText runs PrintSummary with its output sent to a buffer instead
// of stdout.
func summaryText(t *testing.T) string {
	t.Helper()

	var buf bytes.Buffer
	mu.Lock()
	old := summaryOut
	summaryOut = &buf
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		summaryOut = old
		mu.Unlock()
	})

	PrintSummary()
	return buf.String()
}
