// Package blockdb stores the static cost of every basic block of a kernel.
//
// A Database is produced ahead of time by the static analyzer and loaded in
// full before any reduction. Block order is preserved exactly as produced;
// it follows the CFG builder's iteration order and need not match ID order.
package blockdb

import (
	"errors"
	"fmt"
)

// DefaultPath is the database file used when none is given.
const DefaultPath = "bbtrace.json"

// ErrDuplicateID is returned when two blocks share an ID.
var ErrDuplicateID = errors.New("duplicate basic block id")

// locRef indexes the database's location arena.
type locRef uint32

// BasicBlock is one static block of a kernel's CFG. Its source locations are
// held in the owning Database; use Database.Begin and Database.End.
type BasicBlock struct {
	ID     uint32
	Flops  uint32
	Loads  uint32
	Stores uint32

	begin, end locRef
}

// Record is the self-contained form of a block, as persisted.
type Record struct {
	ID     uint32 `json:"id"`
	Flops  uint32 `json:"flops"`
	Loads  uint32 `json:"loads,omitempty"`
	Stores uint32 `json:"stores,omitempty"`
	Begin  string `json:"begin"`
	End    string `json:"end"`
}

// Metric selects which static cost of a block to use.
type Metric int

const (
	MetricFlops Metric = iota
	MetricLoads
	MetricStores
)

func (m Metric) String() string {
	switch m {
	case MetricFlops:
		return "flops"
	case MetricLoads:
		return "loads"
	case MetricStores:
		return "stores"
	default:
		return fmt.Sprintf("metric(%d)", int(m))
	}
}

// Cost returns the block's static cost for m.
func (b BasicBlock) Cost(m Metric) uint32 {
	switch m {
	case MetricLoads:
		return b.Loads
	case MetricStores:
		return b.Stores
	default:
		return b.Flops
	}
}

// Database is an ordered set of blocks with unique IDs. All location
// strings live in one arena shared by the blocks.
type Database struct {
	Blocks []BasicBlock

	locs   []string
	intern map[string]locRef
	byID   map[uint32]int
}

// New returns an empty database.
func New() *Database {
	return &Database{
		locs:   []string{""},
		intern: map[string]locRef{"": 0},
		byID:   make(map[uint32]int),
	}
}

func (db *Database) ref(s string) locRef {
	if r, ok := db.intern[s]; ok {
		return r
	}
	r := locRef(len(db.locs))
	db.locs = append(db.locs, s)
	db.intern[s] = r
	return r
}

// Append adds a block at the end of the database.
func (db *Database) Append(r Record) error {
	if _, ok := db.byID[r.ID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateID, r.ID)
	}
	db.byID[r.ID] = len(db.Blocks)
	db.Blocks = append(db.Blocks, BasicBlock{
		ID:     r.ID,
		Flops:  r.Flops,
		Loads:  r.Loads,
		Stores: r.Stores,
		begin:  db.ref(r.Begin),
		end:    db.ref(r.End),
	})
	return nil
}

// FromRecords builds a database preserving the order of records.
func FromRecords(records []Record) (*Database, error) {
	db := New()
	for _, r := range records {
		if err := db.Append(r); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// Len returns the number of blocks.
func (db *Database) Len() int {
	return len(db.Blocks)
}

// Empty reports whether the database holds no block.
func (db *Database) Empty() bool {
	return db == nil || len(db.Blocks) == 0
}

// Begin returns the source location where b starts.
func (db *Database) Begin(b BasicBlock) string {
	return db.locs[b.begin]
}

// End returns the source location where b ends.
func (db *Database) End(b BasicBlock) string {
	return db.locs[b.end]
}

// Lookup finds a block by ID.
func (db *Database) Lookup(id uint32) (BasicBlock, bool) {
	i, ok := db.byID[id]
	if !ok {
		return BasicBlock{}, false
	}
	return db.Blocks[i], true
}

// Record returns the i-th block in self-contained form.
func (db *Database) Record(i int) Record {
	b := db.Blocks[i]
	return Record{
		ID:     b.ID,
		Flops:  b.Flops,
		Loads:  b.Loads,
		Stores: b.Stores,
		Begin:  db.Begin(b),
		End:    db.End(b),
	}
}

// Records returns all blocks in database order.
func (db *Database) Records() []Record {
	out := make([]Record, len(db.Blocks))
	for i := range db.Blocks {
		out[i] = db.Record(i)
	}
	return out
}

// Normalized returns the blocks as a dense slice of length n indexed by ID.
// IDs with no block get zero cost; an ID outside [0, n) is an error.
func (db *Database) Normalized(n int) ([]BasicBlock, error) {
	out := make([]BasicBlock, n)
	for i := range out {
		out[i].ID = uint32(i)
	}
	for _, b := range db.Blocks {
		if int(b.ID) >= n {
			return nil, fmt.Errorf("block id %d out of range for %d basic blocks", b.ID, n)
		}
		out[b.ID] = b
	}
	return out, nil
}

// Costs returns the dense per-ID cost vector for m.
func (db *Database) Costs(n int, m Metric) ([]uint32, error) {
	blocks, err := db.Normalized(n)
	if err != nil {
		return nil, err
	}
	costs := make([]uint32, n)
	for i, b := range blocks {
		costs[i] = b.Cost(m)
	}
	return costs, nil
}

// Total returns the sum of m over all blocks.
func (db *Database) Total(m Metric) uint64 {
	var total uint64
	for _, b := range db.Blocks {
		total += uint64(b.Cost(m))
	}
	return total
}
