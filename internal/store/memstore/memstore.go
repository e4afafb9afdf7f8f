// Package memstore is an embedded document store. Documents are kept as JSON
// in a btree ordered by id and matched with gjson.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/tidwall/btree"
	"github.com/tidwall/gjson"

	"github.com/trafflux/petdb/internal/data"
	"github.com/trafflux/petdb/internal/query"
	"github.com/trafflux/petdb/internal/store"
)

const castPanic = "how could a collection item not be of type *entry"

type entry struct {
	id    string
	value []byte
}

func byID(a, b interface{}) bool {
	return a.(*entry).id < b.(*entry).id
}

// Store holds every collection in memory.
type Store struct {
	mu          sync.Mutex
	collections map[string]*Collection
	closed      bool
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{collections: make(map[string]*Collection)}
}

// Connector returns a connector that always hands out s.
func Connector(s *Store) store.Connector {
	return store.ConnectorFunc(func(ctx context.Context) (store.Store, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return s, nil
	})
}

func (s *Store) Collection(name string) store.Collection {
	return s.collection(name)
}

func (s *Store) collection(name string) *Collection {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		c = &Collection{name: name, docs: btree.NewNonConcurrent(byID)}
		s.collections[name] = c
	}

	return c
}

// Ensure creates the collection. Secondary keys are not indexed; every query scans.
func (s *Store) Ensure(ctx context.Context, name string, _ ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.collection(name)
	return nil
}

func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrStoreClosed
	}
	s.closed = true
	return nil
}

// Collection is a btree of JSON documents keyed by _id.
type Collection struct {
	name string
	mu   sync.RWMutex
	docs *btree.BTree
}

var _ store.Collection = (*Collection)(nil)

func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.docs.Len()
}

func (c *Collection) FindOne(ctx context.Context, q *query.Query) (data.M, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ent, err := c.firstUnderLock(ctx, q)
	if err != nil {
		return nil, err
	}

	return decode(ent.value)
}

func (c *Collection) Find(ctx context.Context, q *query.Query) ([]data.M, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var docs []data.M
	var decodeErr error
	err := c.scanUnderLock(ctx, q, func(ent *entry) bool {
		doc, err := decode(ent.value)
		if err != nil {
			decodeErr = err
			return false
		}
		docs = append(docs, doc)
		return true
	})
	if err != nil {
		return nil, err
	}

	return docs, decodeErr
}

func (c *Collection) FindOneAndUpdate(
	ctx context.Context,
	q *query.Query,
	update data.M,
	opts store.UpdateOptions,
) (data.M, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, err := c.firstUnderLock(ctx, q)
	if errors.Is(err, store.ErrNotFound) {
		if !opts.Upsert {
			return nil, err
		}

		created, err := c.insertUnderLock(store.Upserted(q, update))
		if err != nil {
			return nil, err
		}
		if !opts.ReturnUpdated {
			return nil, nil
		}
		return created, nil
	}
	if err != nil {
		return nil, err
	}

	before, err := decode(ent.value)
	if err != nil {
		return nil, err
	}

	after := before.Clone()
	for k, v := range update {
		if k == data.IDKey {
			continue
		}
		after[k] = v
	}

	b, err := json.Marshal(after)
	if err != nil {
		return nil, errors.Wrapf(store.ErrInvalidDocument, "could not marshal document %s: %v", ent.id, err)
	}
	c.docs.Set(&entry{id: ent.id, value: b})

	if !opts.ReturnUpdated {
		return before, nil
	}

	return decode(b)
}

func (c *Collection) Remove(ctx context.Context, q *query.Query) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []string
	if err := c.scanUnderLock(ctx, q, func(ent *entry) bool {
		ids = append(ids, ent.id)
		return true
	}); err != nil {
		return 0, err
	}

	for _, id := range ids {
		c.docs.Delete(&entry{id: id})
	}

	return int64(len(ids)), nil
}

func (c *Collection) Create(ctx context.Context, doc data.M) (data.M, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.insertUnderLock(doc)
}

func (c *Collection) Latest(ctx context.Context, field string, n int) ([]data.M, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ents []*entry
	if err := c.scanUnderLock(ctx, nil, func(ent *entry) bool {
		if gjson.GetBytes(ent.value, field).Exists() {
			ents = append(ents, ent)
		}
		return true
	}); err != nil {
		return nil, err
	}

	sort.SliceStable(ents, func(i, j int) bool {
		return gjson.GetBytes(ents[i].value, field).Float() > gjson.GetBytes(ents[j].value, field).Float()
	})

	if n > 0 && len(ents) > n {
		ents = ents[:n]
	}

	docs := make([]data.M, 0, len(ents))
	for _, ent := range ents {
		doc, err := decode(ent.value)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	return docs, nil
}

func (c *Collection) insertUnderLock(doc data.M) (data.M, error) {
	stored := doc.Clone()
	if stored == nil {
		stored = data.M{}
	}

	id := fmt.Sprint(stored[data.IDKey])
	if stored[data.IDKey] == nil || id == "" {
		id = store.NewID()
	}
	stored[data.IDKey] = id

	if c.docs.Get(&entry{id: id}) != nil {
		return nil, errors.Wrapf(store.ErrInvalidDocument, "id %s already exists in %s", id, c.name)
	}

	b, err := json.Marshal(stored)
	if err != nil {
		return nil, errors.Wrapf(store.ErrInvalidDocument, "could not marshal document: %v", err)
	}

	c.docs.Set(&entry{id: id, value: b})

	return decode(b)
}

func (c *Collection) firstUnderLock(ctx context.Context, q *query.Query) (*entry, error) {
	if q != nil && q.HasID() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found := c.docs.Get(&entry{id: fmt.Sprint(q.ID)})
		if found == nil {
			return nil, errors.Wrapf(store.ErrNotFound, "%s in %s", q, c.name)
		}
		return found.(*entry), nil
	}

	var first *entry
	if err := c.scanUnderLock(ctx, q, func(ent *entry) bool {
		first = ent
		return false
	}); err != nil {
		return nil, err
	}

	if first == nil {
		return nil, errors.Wrapf(store.ErrNotFound, "%s in %s", q, c.name)
	}

	return first, nil
}

// scanUnderLock walks matching entries in id order. A nil query matches everything.
func (c *Collection) scanUnderLock(ctx context.Context, q *query.Query, it func(ent *entry) bool) error {
	c.docs.Ascend(nil, func(item interface{}) bool {
		if ctx.Err() != nil {
			return false
		}

		ent, ok := item.(*entry)
		if !ok {
			panic(castPanic)
		}

		if q != nil && !q.MatchJSON(ent.value) {
			return true
		}

		return it(ent)
	})

	return ctx.Err()
}

func decode(b []byte) (data.M, error) {
	var doc data.M
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, errors.Wrapf(store.ErrInvalidDocument, "could not unmarshal %s: %v", string(b), err)
	}
	return doc, nil
}
