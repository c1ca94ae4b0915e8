// Package docstore is the persistence boundary: collections of JSON
// documents addressed by collection name and document id.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrNotFound is returned by Get and Update for a missing document.
	ErrNotFound = errors.New("document not found")
	// ErrExists is returned by Create when the id is already taken.
	ErrExists = errors.New("document already exists")
	// ErrInvalidField is returned for query field names that are not plain identifiers.
	ErrInvalidField = errors.New("invalid field name")
)

// Doc is a schemaless document. Values are plain JSON types once read back
// from a store (numbers come back as float64).
type Doc map[string]any

// Filter is an equality predicate on a top-level field.
type Filter struct {
	Field string
	Value any
}

// Eq builds an equality filter.
func Eq(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

// Query selects documents of one collection.
type Query struct {
	Collection string
	Where      []Filter
	OrderBy    string
	Desc       bool
	Limit      int
}

// Store is implemented by every backend.
type Store interface {
	Get(ctx context.Context, collection, id string) (Doc, error)
	// Set replaces the whole document.
	Set(ctx context.Context, collection, id string, doc Doc) error
	// Create inserts only when no document exists at id.
	Create(ctx context.Context, collection, id string, doc Doc) error
	// Update merges top-level fields into an existing document.
	Update(ctx context.Context, collection, id string, patch Doc) error
	// Delete removes the document; a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, q Query) ([]Doc, error)
	Ping(ctx context.Context) error
}

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validField(name string) error {
	if !fieldPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidField, name)
	}
	return nil
}

func (q Query) validate() error {
	if q.Collection == "" {
		return errors.New("query collection required")
	}
	for _, f := range q.Where {
		if err := validField(f.Field); err != nil {
			return err
		}
	}
	if q.OrderBy != "" {
		return validField(q.OrderBy)
	}
	return nil
}

// Encode converts a tagged struct into a Doc.
func Encode(v any) (Doc, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var doc Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return doc, nil
}

// Decode fills v from doc using v's json tags.
func Decode(doc Doc, v any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// normalize returns a deep copy of doc holding only plain JSON types, so
// every backend hands out values of the same shape.
func normalize(doc Doc) (Doc, error) {
	if doc == nil {
		return Doc{}, nil
	}
	return Encode(doc)
}

func normalizeValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
