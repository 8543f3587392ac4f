package blockdb

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrParse matches every *ParseError.
	ErrParse = errors.New("malformed block database")

	// ErrDatabaseMissing is returned by Load when the file does not exist.
	ErrDatabaseMissing = errors.New("block database not found")
)

// ParseError reports text that is not a valid block database.
type ParseError struct {
	Source string // file name, empty for in-memory text
	Err    error
}

func (e *ParseError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("parse block database %s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("parse block database: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

// Serialize encodes db as a JSON array, in database order.
func Serialize(db *Database) ([]byte, error) {
	records := db.Records()
	return json.Marshal(records)
}

// Deserialize decodes a JSON array of blocks.
func Deserialize(text []byte) (*Database, error) {
	if len(bytes.TrimSpace(text)) == 0 {
		return nil, &ParseError{Err: errors.New("empty input")}
	}
	var records []Record
	if err := json.Unmarshal(text, &records); err != nil {
		return nil, &ParseError{Err: err}
	}
	db, err := FromRecords(records)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	return db, nil
}

// SerializeBlock encodes a single block.
func SerializeBlock(r Record) ([]byte, error) {
	return json.Marshal(r)
}

// DeserializeBlock decodes a single block.
func DeserializeBlock(text []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(text, &r); err != nil {
		return Record{}, &ParseError{Err: err}
	}
	return r, nil
}

// Load reads a database file. A missing file yields ErrDatabaseMissing,
// malformed content a *ParseError; Load never regenerates the database.
func Load(path string) (*Database, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrDatabaseMissing, err)
		}
		return nil, fmt.Errorf("read block database: %w", err)
	}

	db, err := Deserialize(text)
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			perr.Source = path
		}
		return nil, err
	}
	return db, nil
}

// Save writes db to path as indented JSON.
func Save(path string, db *Database) error {
	text, err := json.MarshalIndent(db.Records(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode block database: %w", err)
	}
	text = append(text, '\n')
	return os.WriteFile(path, text, 0644)
}
