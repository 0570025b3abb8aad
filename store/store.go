// Package store implements the local persistence layer: a registry of
// versioned databases made of named collections, and a record API
// (get, getAll, upsert) over id-keyed JSON documents.
package store

import (
	"context"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

var (
	// ErrStorageUnavailable is returned when no persistent backend can be
	// created. It is fatal for the caller that opened the store.
	ErrStorageUnavailable = errors.New("storage unavailable")

	ErrRecordNotFound    = errors.New("record not found")
	ErrUnknownCollection = errors.New("unknown collection")
	ErrInvalidID         = errors.New("record id must be a non-empty string")
	ErrVersionConflict   = errors.New("requested version is older than stored version")
	ErrInvalidRecord     = errors.New("record failed validation")
	ErrClosed            = errors.New("database is closed")

	errReadOnly = errors.New("transaction is read only")
)

// IDField is the primary key field carried by every record.
const IDField = "id"

// Record is a JSON object stored in a collection. A stored record always
// carries its key under IDField.
type Record map[string]any

// ID returns the record's id, or "" if it has none.
func (r Record) ID() string {
	id, _ := r[IDField].(string)
	return id
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		out := make(Record, len(r))
		for k, v := range r {
			out[k] = v
		}
		return out
	}
	var out Record
	_ = json.Unmarshal(b, &out)
	return out
}

// Merge applies a shallow field-level merge of changes over existing and
// stamps the result with id. Neither argument is modified.
func Merge(existing, changes Record, id string) Record {
	out := make(Record, len(existing)+len(changes)+1)
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range changes {
		out[k] = v
	}
	out[IDField] = id
	return out
}

// Meta is the schema state persisted by a backend.
type Meta struct {
	Version     int      `json:"version"`
	Collections []string `json:"collections"`
}

func (m Meta) has(collection string) bool {
	for _, c := range m.Collections {
		if c == collection {
			return true
		}
	}
	return false
}

// Tx is a transaction against a backend. Reads inside an Update see the
// transaction's own writes.
type Tx interface {
	// Get returns the record, or nil if it does not exist.
	Get(collection, id string) (Record, error)

	// All returns every record of a collection, sorted by id.
	All(collection string) ([]Record, error)

	// Put inserts or replaces a record.
	Put(collection, id string, rec Record) error

	// Delete removes a record. Returns true if it existed.
	Delete(collection, id string) (bool, error)
}

// Backend is a persistent-store capability. Update runs fn inside one
// read-write transaction and commits only if fn returns nil.
type Backend interface {
	Meta(ctx context.Context) (Meta, error)
	SetMeta(ctx context.Context, m Meta) error
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Validator checks a merged record before it is written.
type Validator interface {
	Validate(doc map[string]any) error
}

func encodeRecord(r Record) ([]byte, error) {
	return json.Marshal(r)
}

func decodeRecord(b []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return r, nil
}
