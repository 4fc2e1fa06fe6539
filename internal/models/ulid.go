// Package models defines the shared data types for conversations, members,
// messages, key packages, welcomes, events, and the federation tables. Types
// carry JSON tags for XRPC serialization and match the Postgres schema in
// internal/database/migrations exactly.
package models

import (
	"crypto/rand"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// idEntropy is a thread-safe entropy source for ULID generation. It wraps a
// monotonic reader backed by crypto/rand so that IDs minted in the same
// millisecond from the same process still sort strictly after one another.
var idEntropy = &lockedMonotonicReader{
	r: ulid.Monotonic(rand.Reader, 0),
}

type lockedMonotonicReader struct {
	mu sync.Mutex
	r  io.Reader
}

func (lr *lockedMonotonicReader) Read(p []byte) (int, error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.r.Read(p)
}

// ID is a wrapper around oklog/ulid.ULID used for every row identifier in the
// store (conversations, members, messages, welcomes, outbound queue items;
// key packages are keyed by owner and hash instead). It provides JSON marshaling and SQL scanning so it can be
// used directly as a struct field.
type ID struct {
	ulid.ULID
}

// NewID generates a new identifier using the current time and thread-safe
// monotonic entropy. Safe for concurrent use from multiple goroutines.
func NewID() ID {
	return ID{ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy)}
}

// NewIDWithTime generates a new identifier using the specified time. Useful
// for tests and backfills where timestamps must be controlled.
func NewIDWithTime(t time.Time) ID {
	return ID{ulid.MustNew(ulid.Timestamp(t), idEntropy)}
}

// ParseID parses an identifier from its canonical string form.
func ParseID(s string) (ID, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("parsing id %q: %w", s, err)
	}
	return ID{id}, nil
}

// MustParseID parses an identifier and panics on error. Use only in tests or
// initialization code.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// IsZero reports whether the identifier is the zero value.
func (u ID) IsZero() bool {
	return u.ULID.Compare(ulid.ULID{}) == 0
}

// Time returns the timestamp encoded in the identifier.
func (u ID) Time() time.Time {
	return ulid.Time(u.ULID.Time())
}

// String returns the canonical string representation.
func (u ID) String() string {
	return u.ULID.String()
}

// MarshalJSON implements json.Marshaler.
func (u ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (u *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshaling id JSON: %w", err)
	}
	if s == "" {
		*u = ID{}
		return nil
	}
	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Scan implements database/sql.Scanner for reading identifiers from Postgres
// TEXT columns.
func (u *ID) Scan(src interface{}) error {
	if src == nil {
		*u = ID{}
		return nil
	}
	switch v := src.(type) {
	case string:
		parsed, err := ParseID(v)
		if err != nil {
			return err
		}
		*u = parsed
		return nil
	case []byte:
		parsed, err := ParseID(string(v))
		if err != nil {
			return err
		}
		*u = parsed
		return nil
	default:
		return fmt.Errorf("unsupported id scan source type: %T", src)
	}
}

// Value implements database/sql/driver.Valuer for writing identifiers to
// Postgres TEXT columns.
func (u ID) Value() (driver.Value, error) {
	if u.IsZero() {
		return nil, nil
	}
	return u.String(), nil
}
