package instr

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
)

// ErrIncompatibleEdit matches every *EditConflictError.
var ErrIncompatibleEdit = errors.New("incompatible edit")

// EditConflictError reports a second insertion at an occupied offset.
type EditConflictError struct {
	Offset   int
	Existing string
	Rejected string
}

func (e *EditConflictError) Error() string {
	return fmt.Sprintf("incompatible edit at offset %d: %q collides with %q", e.Offset, e.Rejected, e.Existing)
}

func (e *EditConflictError) Is(target error) bool {
	return target == ErrIncompatibleEdit
}

// insertion represents a text insertion at a specific byte position
type insertion struct {
	pos  int
	text string
}

// EditSet collects zero-length insertions, at most one per offset.
type EditSet struct {
	byPos map[int]string
	edits []insertion
}

func NewEditSet() *EditSet {
	return &EditSet{byPos: make(map[int]string)}
}

// Add records text to insert at offset.
func (s *EditSet) Add(offset int, text string) error {
	if offset < 0 {
		return fmt.Errorf("negative edit offset %d", offset)
	}
	if prev, ok := s.byPos[offset]; ok {
		return &EditConflictError{Offset: offset, Existing: prev, Rejected: text}
	}
	s.byPos[offset] = text
	s.edits = append(s.edits, insertion{pos: offset, text: text})
	return nil
}

func (s *EditSet) Len() int {
	return len(s.edits)
}

// Apply returns a copy of src with every insertion made. src is not modified.
func (s *EditSet) Apply(src []byte) ([]byte, error) {
	sorted := make([]insertion, len(s.edits))
	copy(sorted, s.edits)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].pos < sorted[j].pos
	})

	var buf bytes.Buffer
	buf.Grow(len(src) + s.size())
	last := 0
	for _, ins := range sorted {
		if ins.pos > len(src) {
			return nil, fmt.Errorf("edit offset %d past end of source (%d bytes)", ins.pos, len(src))
		}
		buf.Write(src[last:ins.pos])
		buf.WriteString(ins.text)
		last = ins.pos
	}
	buf.Write(src[last:])
	return buf.Bytes(), nil
}

func (s *EditSet) size() int {
	n := 0
	for _, ins := range s.edits {
		n += len(ins.text)
	}
	return n
}
