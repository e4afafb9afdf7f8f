// Package store defines the document store primitives the data layer consumes.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trafflux/petdb/internal/data"
	"github.com/trafflux/petdb/internal/query"
)

var ErrNotFound = errors.New("document not found")
var ErrStoreClosed = errors.New("store already closed")
var ErrInvalidDocument = errors.New("invalid document")

// UpdateOptions control FindOneAndUpdate.
type UpdateOptions struct {
	// Upsert inserts a new document when nothing matches.
	Upsert bool
	// ReturnUpdated returns the document after the update instead of before it.
	ReturnUpdated bool
}

// Collection is a named set of documents.
type Collection interface {
	Name() string
	// FindOne returns the first matching document or ErrNotFound.
	FindOne(ctx context.Context, q *query.Query) (data.M, error)
	Find(ctx context.Context, q *query.Query) ([]data.M, error)
	// FindOneAndUpdate sets the fields of update on the first matching document.
	// A nil document with a nil error is returned for an upsert insert when
	// ReturnUpdated is false.
	FindOneAndUpdate(ctx context.Context, q *query.Query, update data.M, opts UpdateOptions) (data.M, error)
	// Remove deletes every matching document and reports how many were removed.
	Remove(ctx context.Context, q *query.Query) (int64, error)
	// Create inserts doc, assigning an id when it has none, and returns the stored document.
	Create(ctx context.Context, doc data.M) (data.M, error)
	// Latest returns up to n documents ordered by field, descending.
	Latest(ctx context.Context, field string, n int) ([]data.M, error)
}

// Store is an open connection to a document store.
type Store interface {
	Collection(name string) Collection
	// Ensure materializes a collection and its secondary keys.
	Ensure(ctx context.Context, name string, keys ...string) error
	Close(ctx context.Context) error
}

// Connector opens a Store. It is called at most once per coordinator.
type Connector interface {
	Connect(ctx context.Context) (Store, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (Store, error)

func (fn ConnectorFunc) Connect(ctx context.Context) (Store, error) {
	return fn(ctx)
}

// Collections holds the collection names for one environment.
type Collections struct {
	Records string
	Models  map[string]string
}

// NewCollections names the record collection and one model collection per species.
func NewCollections(species []string, development bool) Collections {
	env := "production"
	if development {
		env = "test"
	}

	c := Collections{
		Records: fmt.Sprintf("pets_%s", env),
		Models:  make(map[string]string, len(species)),
	}
	for _, s := range species {
		c.Models[s] = fmt.Sprintf("pets_model_%s_%s", s, env)
	}

	return c
}

// Upserted builds the document inserted by an upsert: the equality filters of
// q, then the fields of update, with the query id when there is one.
func Upserted(q *query.Query, update data.M) data.M {
	doc := data.M{}
	if q != nil {
		if q.HasID() {
			doc[data.IDKey] = fmt.Sprint(q.ID)
		} else {
			if q.Species != "" {
				doc[data.SpeciesKey] = q.Species
			}
			for _, f := range q.Filters {
				if !f.IsPattern() {
					doc[f.Field] = f.Value
				}
			}
		}
	}

	for k, v := range update {
		if k == data.IDKey {
			continue
		}
		doc[k] = v
	}

	return doc
}

// NewID returns a 32 character hex identifier, matching the word-only id form clients send back.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
