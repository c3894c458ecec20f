package docstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/suprimo/suprimo/pkg/types"
)

// Document is the generic record shape used by queries and change streams.
// Values follow JSON decoding conventions (numbers are float64).
type Document map[string]any

// Decode converts a Document into a typed struct via JSON round-trip
func (d Document) Decode(out any) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	return json.Unmarshal(data, out)
}

// ID returns the document id field, if present
func (d Document) ID() string {
	if id, ok := d["id"].(string); ok {
		return id
	}
	return ""
}

// FilterOp is a comparison operator for queries
type FilterOp string

const (
	OpEq  FilterOp = "=="
	OpNeq FilterOp = "!="
	OpLt  FilterOp = "<"
	OpLte FilterOp = "<="
	OpGt  FilterOp = ">"
	OpGte FilterOp = ">="
	OpIn  FilterOp = "in"
)

// Filter restricts a query to documents whose field satisfies the operator
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// Where is shorthand for building a filter
func Where(field string, op FilterOp, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// Query describes a filtered, ordered, paginated read of one collection
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
	// Cursor is the id of the last document of the previous page
	Cursor string
}

// Page is one query result page
type Page struct {
	Docs []Document
	// NextCursor continues the query; empty when the result set is exhausted
	NextCursor string
}

// WriteKind discriminates batch operations
type WriteKind string

const (
	WriteSet    WriteKind = "set"
	WriteUpdate WriteKind = "update"
	WriteDelete WriteKind = "delete"
)

// WriteOp is one operation of an atomic batch
type WriteOp struct {
	Kind       WriteKind
	Collection string
	ID         string
	Doc        any            // for WriteSet
	Patch      map[string]any // for WriteUpdate
}

// MaxBatchSize bounds a single BatchWrite
const MaxBatchSize = 500

// ChangeKind classifies a change-stream event
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// ChangeMetadata distinguishes local-cache reads from server-confirmed ones
type ChangeMetadata struct {
	FromCache        bool `json:"fromCache"`
	HasPendingWrites bool `json:"hasPendingWrites"`
}

// ChangeEvent is one observed document change
type ChangeEvent struct {
	Kind       ChangeKind
	Collection string
	ID         string
	// Doc is nil for ChangeRemoved
	Doc      Document
	Metadata ChangeMetadata
}

// Txn is the operation surface available inside RunInTransaction. Reads see
// a consistent snapshot; writes become visible atomically on commit.
type Txn interface {
	Get(collection, id string, out any) error
	Set(collection, id string, doc any) error
	Update(collection, id string, patch map[string]any) error
	Delete(collection, id string) error
	Query(q Query) ([]Document, error)
}

// Store is the typed, transactional interface the core consumes. Transient
// failures carry types.CodeTransient; NotFound, AlreadyExists-style failures
// are terminal to the caller.
type Store interface {
	Get(ctx context.Context, collection, id string, out any) error
	Set(ctx context.Context, collection, id string, doc any) error
	Update(ctx context.Context, collection, id string, patch map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, q Query) (*Page, error)
	RunInTransaction(ctx context.Context, fn func(tx Txn) error) error
	BatchWrite(ctx context.Context, ops []WriteOp) error
	Watch(ctx context.Context, q Query) (*Subscription, error)
	Close() error
}

// NotFound builds the standard missing-document error
func NotFound(collection, id string) error {
	return types.Errorf(types.CodeNotFound, "%s/%s not found", collection, id)
}

// IsNotFound reports whether err is a missing-document error
func IsNotFound(err error) bool {
	return types.IsCode(err, types.CodeNotFound)
}
