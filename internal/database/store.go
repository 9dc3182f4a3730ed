// Package database provides document storage backends for the reader.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// ErrNotFound is returned when a document id does not exist in a collection.
var ErrNotFound = errors.New("document not found")

// Store defines the document operations the application needs.
// SQLite, PostgreSQL and Badger implementations satisfy this interface.
//
// Documents are JSON objects grouped into named collections and addressed by id.
// Ids are assigned by the store on Add, or chosen by the caller on Set.
type Store interface {
	Close() error

	// DatabaseType returns the name of the backend ("SQLite", "PostgreSQL" or "Badger").
	DatabaseType() string

	// Add stores doc under a new store-assigned id and returns the id.
	Add(ctx context.Context, collection string, doc any) (string, error)
	// Set creates or replaces the document with the given id.
	Set(ctx context.Context, collection, id string, doc any) error
	// Get decodes the document into dst. Returns ErrNotFound if absent.
	Get(ctx context.Context, collection, id string, dst any) error
	// Update merges top-level fields into an existing document.
	// Returns ErrNotFound if absent.
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error
	// Query returns the documents of a collection matching q.
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
}

// Document is a stored JSON object and its id.
type Document struct {
	ID   string
	Data json.RawMessage
}

// Decode unmarshals the document body into dst.
func (d Document) Decode(dst any) error {
	if err := json.Unmarshal(d.Data, dst); err != nil {
		return fmt.Errorf("decode document %s: %w", d.ID, err)
	}
	return nil
}

// Filter is an equality condition on a top-level string field.
type Filter struct {
	Field string
	Value string
}

// Query selects documents by equality filters with optional ordering.
// Without OrderBy, documents come back in creation order.
type Query struct {
	Where      []Filter
	OrderBy    string
	Descending bool
}

// Where returns a query with a single equality filter.
func Where(field, value string) Query {
	return Query{Where: []Filter{{Field: field, Value: value}}}
}

// OrderedBy returns a copy of q ordered by field.
func (q Query) OrderedBy(field string, descending bool) Query {
	q.OrderBy = field
	q.Descending = descending
	return q
}

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (q Query) validate() error {
	for _, f := range q.Where {
		if !fieldName.MatchString(f.Field) {
			return fmt.Errorf("invalid filter field %q", f.Field)
		}
	}
	if q.OrderBy != "" && !fieldName.MatchString(q.OrderBy) {
		return fmt.Errorf("invalid order field %q", q.OrderBy)
	}
	return nil
}

func encode(doc any) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("encode document: not a JSON object")
	}
	return data, nil
}

// mergeFields applies fields on top of the stored object.
func mergeFields(data []byte, fields map[string]any) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("decode stored document: %w", err)
	}
	if obj == nil {
		obj = make(map[string]json.RawMessage)
	}
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %s: %w", k, err)
		}
		obj[k] = raw
	}
	return json.Marshal(obj)
}

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

// Open returns the Store for driver. dsn is a file path for SQLite, a
// connection string for PostgreSQL and a directory for Badger.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		db, err := New(dsn)
		if err != nil {
			return nil, err
		}
		return db, nil
	case DriverPostgres:
		db, err := NewPostgres(dsn)
		if err != nil {
			return nil, err
		}
		return db, nil
	case DriverBadger:
		db, err := NewBadger(dsn)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}
