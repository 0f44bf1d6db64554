// Package queue implements the durable, priority-aware two-stage
// queue (C6): OriginalQueue holds items awaiting decomposition,
// FragmentQueue holds items awaiting execution against the dataset.
// Both stages share the same non-blocking claim protocol and
// priority-bump-on-duplicate semantics.
package queue

import (
	"fmt"

	"github.com/jackc/pgx/v5"
)

const maxIdentifierLength = 63

// SchemaName is a validated Postgres schema identifier, in the same
// domain-typed-identifier idiom used throughout the store back-ends.
type SchemaName string

func (s SchemaName) Valid() bool {
	str := string(s)
	if str == "" || len(str) > maxIdentifierLength {
		return false
	}
	first := str[0]
	return (first >= 'a' && first <= 'z') || (first >= 'A' && first <= 'Z') || first == '_'
}

func (s SchemaName) Sanitize() string { return pgx.Identifier{string(s)}.Sanitize() }

func (s SchemaName) String() string { return string(s) }

// PushStatus is the outcome of a push_* call (spec §4.6 table).
type PushStatus string

const (
	Inserted         PushStatus = "inserted"
	Bumped           PushStatus = "bumped"
	SkippedLocked    PushStatus = "skipped_locked"
	SkippedConcurrent PushStatus = "skipped_concurrent"
)

// OriginalItem is a query awaiting decomposition.
type OriginalItem struct {
	QueryText    string
	PartitionKey string
	Datatype     string // empty if not yet known
	Priority     int
}

// FragmentItem is a canonical fragment awaiting execution.
type FragmentItem struct {
	QueryText    string
	FragmentHash string
	PartitionKey string
	Datatype     string
	Priority     int
}

// Lengths reports the current unclaimed item counts of both stages.
type Lengths struct {
	Original int
	Fragment int
}

func (l Lengths) String() string {
	return fmt.Sprintf("original=%d fragment=%d", l.Original, l.Fragment)
}
