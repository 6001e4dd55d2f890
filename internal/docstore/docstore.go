// Package docstore defines the document store contract the mail engine runs on:
// schemaless documents grouped in collections, one-shot and live filtered
// queries, and partial updates with atomic set-membership primitives.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Collection names used by the webmail engine.
const (
	Users    = "users"
	Messages = "messages"
)

// TimeLayout is the fixed-width UTC encoding used for time values, so that
// lexical and chronological ordering agree in every backend.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Common errors
var (
	ErrNotFound     = errors.New("document not found")
	ErrUnavailable  = errors.New("store unavailable")
	ErrClosed       = fmt.Errorf("%w: store is closed", ErrUnavailable)
	ErrInvalidField = errors.New("invalid field name")
)

// Fields is the content of a document keyed by field name.
type Fields map[string]any

// Document is a stored document with its store-assigned identifier.
type Document struct {
	ID     string
	Fields Fields
}

// Op is a predicate operator.
type Op int

const (
	// OpEqual matches when the field equals the value.
	OpEqual Op = iota
	// OpArrayContains matches when the list field contains the value.
	OpArrayContains
	// OpIsEmpty matches when the field is absent, an empty string or an empty list.
	OpIsEmpty
)

func (o Op) String() string {
	switch o {
	case OpEqual:
		return "=="
	case OpArrayContains:
		return "array-contains"
	case OpIsEmpty:
		return "is-empty"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Predicate is a single filter condition. Predicates in a query are ANDed.
type Predicate struct {
	Field string
	Op    Op
	Value any
}

// Eq returns a predicate matching field == value.
func Eq(field string, value any) Predicate {
	return Predicate{Field: field, Op: OpEqual, Value: value}
}

// ArrayContains returns a predicate matching list fields containing value.
func ArrayContains(field string, value string) Predicate {
	return Predicate{Field: field, Op: OpArrayContains, Value: value}
}

// IsEmpty returns a predicate matching absent or empty fields.
func IsEmpty(field string) Predicate {
	return Predicate{Field: field, Op: OpIsEmpty}
}

// OrderBy sorts query results by a single field.
type OrderBy struct {
	Field string
	Desc  bool
}

// Asc orders by field ascending.
func Asc(field string) *OrderBy { return &OrderBy{Field: field} }

// Desc orders by field descending.
func Desc(field string) *OrderBy { return &OrderBy{Field: field, Desc: true} }

// SetOp is an update value that adds or removes members of a list field
// without rewriting the rest of the list.
type SetOp struct {
	Remove bool
	Values []string
}

// ArrayUnion adds values to a list field, skipping ones already present.
func ArrayUnion(values ...string) SetOp {
	return SetOp{Values: values}
}

// ArrayRemove removes every occurrence of values from a list field.
func ArrayRemove(values ...string) SetOp {
	return SetOp{Remove: true, Values: values}
}

// Snapshot is the full result of a live query at one point in time.
type Snapshot struct {
	Collection string
	Docs       []*Document
}

// Unsubscribe tears down a live subscription. It is safe to call more than once.
type Unsubscribe func()

// Store is implemented by every document store backend.
type Store interface {
	// Create stores a new document and returns its generated id.
	Create(ctx context.Context, collection string, fields Fields) (string, error)
	// Set creates or replaces the document with the given id.
	Set(ctx context.Context, collection, id string, fields Fields) error
	// Get returns a document by id, or ErrNotFound.
	Get(ctx context.Context, collection, id string) (*Document, error)
	// Query returns all documents matching every predicate.
	Query(ctx context.Context, collection string, where []Predicate, order *OrderBy) ([]*Document, error)
	// Update merges fields into an existing document. SetOp values are
	// applied atomically with respect to concurrent updates.
	Update(ctx context.Context, collection, id string, fields Fields) error
	// Subscribe delivers an initial snapshot before returning and a fresh
	// snapshot after every change to the collection, until unsubscribed or
	// ctx is done.
	Subscribe(ctx context.Context, collection string, where []Predicate, order *OrderBy,
		onSnapshot func(Snapshot), onError func(error)) (Unsubscribe, error)
	// Hub returns the change hub backing live subscriptions.
	Hub() *ChangeHub
	// Close releases the backend.
	Close() error
}

// String returns a string field, or "" when absent or of another type.
func (d *Document) String(field string) string {
	s, _ := d.Fields[field].(string)
	return s
}

// Strings returns a list field as strings. A non-empty string value is
// treated as a one-element list.
func (d *Document) Strings(field string) []string {
	return toStrings(d.Fields[field])
}

// Time returns a time field, or the zero time when absent or unparsable.
func (d *Document) Time(field string) time.Time {
	switch v := d.Fields[field].(type) {
	case time.Time:
		return v
	case string:
		t, err := time.Parse(TimeLayout, v)
		if err != nil {
			t, err = time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return time.Time{}
			}
		}
		return t
	default:
		return time.Time{}
	}
}

// Bool returns a boolean field.
func (d *Document) Bool(field string) bool {
	b, _ := d.Fields[field].(bool)
	return b
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	return &Document{ID: d.ID, Fields: CloneFields(d.Fields)}
}

// FormatTime encodes t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
