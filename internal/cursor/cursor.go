// Package cursor implements the monotonic, lexicographically-sortable cursor
// generator used by the event log (C2). Cursors are ULIDs: a cursor minted
// later in the same process always compares greater than one minted earlier,
// even within the same millisecond, because entropy is drawn from a single
// mutex-guarded monotonic reader.
package cursor

import (
	"github.com/catbird/mls-ds/internal/models"
)

// Cursor is an opaque, strictly-increasing, time-prefixed identifier. Two
// cursors minted from the same Generator compare correctly with standard
// string comparison: a < b iff a was minted before b.
type Cursor string

// Zero is the smallest possible cursor, useful as a "from the beginning"
// resume point.
const Zero Cursor = ""

// Generator mints cursors. It has no persisted state of its own — durability
// lives in the event log, which stores the cursor string alongside each row.
type Generator struct{}

// NewGenerator returns a cursor Generator. There is no configuration: the
// monotonic entropy source backing models.NewID is process-wide so that
// cursors minted from different Generator values in the same process still
// agree on ordering.
func NewGenerator() *Generator {
	return &Generator{}
}

// Next mints a new cursor. Safe for concurrent use.
func (g *Generator) Next() Cursor {
	return Cursor(models.NewID().String())
}

// Less reports whether a sorts strictly before b.
func Less(a, b Cursor) bool {
	return string(a) < string(b)
}

// Valid reports whether s parses as a well-formed cursor.
func Valid(s string) bool {
	if s == "" {
		return true
	}
	_, err := models.ParseID(s)
	return err == nil
}
