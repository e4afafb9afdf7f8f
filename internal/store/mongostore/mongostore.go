// Package mongostore is the MongoDB transport of the store contract.
package mongostore

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/trafflux/petdb/internal/data"
	"github.com/trafflux/petdb/internal/query"
	"github.com/trafflux/petdb/internal/store"
)

// Connector dials MongoDB on Connect.
type Connector struct {
	URI      string
	Database string
	Logger   *log.Logger
}

var _ store.Connector = Connector{}

func (c Connector) Connect(ctx context.Context) (store.Store, error) {
	logger := c.Logger
	if logger == nil {
		logger = log.Default()
	}

	client, err := mongo.Connect(options.Client().ApplyURI(c.URI))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to MongoDB")
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "failed to ping MongoDB")
	}

	logger.Info("connected to MongoDB", "database", c.Database)

	return &Store{client: client, db: client.Database(c.Database), logger: logger}, nil
}

// Store wraps one MongoDB database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *log.Logger
}

var _ store.Store = (*Store)(nil)

func (s *Store) Collection(name string) store.Collection {
	return &Collection{coll: s.db.Collection(name)}
}

// Ensure creates one ascending index per key. MongoDB creates the collection on first index.
func (s *Store) Ensure(ctx context.Context, name string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	models := make([]mongo.IndexModel, 0, len(keys))
	for _, k := range keys {
		models = append(models, mongo.IndexModel{Keys: bson.D{{Key: k, Value: 1}}})
	}

	if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
		return errors.Wrapf(err, "could not create indexes on %s", name)
	}

	s.logger.Debug("ensured collection", "collection", name, "keys", keys)
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return errors.Wrap(err, "could not disconnect from MongoDB")
	}
	return nil
}

// Collection adapts a mongo collection.
type Collection struct {
	coll *mongo.Collection
}

var _ store.Collection = (*Collection)(nil)

func (c *Collection) Name() string {
	return c.coll.Name()
}

func (c *Collection) FindOne(ctx context.Context, q *query.Query) (data.M, error) {
	var doc bson.M
	err := c.coll.FindOne(ctx, Filter(q)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Wrapf(store.ErrNotFound, "%s in %s", q, c.Name())
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not find %s in %s", q, c.Name())
	}
	return Normalize(doc), nil
}

func (c *Collection) Find(ctx context.Context, q *query.Query) ([]data.M, error) {
	cursor, err := c.coll.Find(ctx, Filter(q))
	if err != nil {
		return nil, errors.Wrapf(err, "could not find %s in %s", q, c.Name())
	}
	return decodeAll(ctx, cursor)
}

func (c *Collection) FindOneAndUpdate(
	ctx context.Context,
	q *query.Query,
	update data.M,
	opts store.UpdateOptions,
) (data.M, error) {
	fo := options.FindOneAndUpdate().SetUpsert(opts.Upsert)
	if opts.ReturnUpdated {
		fo.SetReturnDocument(options.After)
	}

	u := Update(update)
	if opts.Upsert {
		u = append(u, InsertID(q)...)
	}

	var doc bson.M
	err := c.coll.FindOneAndUpdate(ctx, Filter(q), u, fo).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if opts.Upsert {
			return nil, nil
		}
		return nil, errors.Wrapf(store.ErrNotFound, "%s in %s", q, c.Name())
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not update %s in %s", q, c.Name())
	}

	return Normalize(doc), nil
}

func (c *Collection) Remove(ctx context.Context, q *query.Query) (int64, error) {
	res, err := c.coll.DeleteMany(ctx, Filter(q))
	if err != nil {
		return 0, errors.Wrapf(err, "could not remove %s from %s", q, c.Name())
	}
	return res.DeletedCount, nil
}

func (c *Collection) Create(ctx context.Context, doc data.M) (data.M, error) {
	stored := doc.Clone()
	if stored == nil {
		stored = data.M{}
	}
	if v, ok := stored[data.IDKey]; !ok || v == nil || v == "" {
		stored[data.IDKey] = store.NewID()
	}

	if _, err := c.coll.InsertOne(ctx, bson.M(stored)); err != nil {
		return nil, errors.Wrapf(err, "could not insert into %s", c.Name())
	}

	return stored, nil
}

func (c *Collection) Latest(ctx context.Context, field string, n int) ([]data.M, error) {
	fo := options.Find().SetSort(bson.D{{Key: field, Value: -1}})
	if n > 0 {
		fo.SetLimit(int64(n))
	}

	cursor, err := c.coll.Find(ctx, bson.D{{Key: field, Value: bson.D{{Key: "$exists", Value: true}}}}, fo)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read latest from %s", c.Name())
	}
	return decodeAll(ctx, cursor)
}

func decodeAll(ctx context.Context, cursor *mongo.Cursor) ([]data.M, error) {
	var raw []bson.M
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, errors.Wrap(err, "could not decode cursor")
	}

	docs := make([]data.M, 0, len(raw))
	for _, r := range raw {
		docs = append(docs, Normalize(r))
	}
	return docs, nil
}

var objectIDHex = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)

// Filter translates a query into a BSON filter. Ids that look like ObjectIDs
// match both the ObjectID and the plain string form.
func Filter(q *query.Query) bson.D {
	if q == nil {
		return bson.D{}
	}

	if q.HasID() {
		id := fmt.Sprint(q.ID)
		if oid, ok := objectID(id); ok {
			return bson.D{{Key: data.IDKey, Value: bson.D{{Key: "$in", Value: bson.A{oid, id}}}}}
		}
		return bson.D{{Key: data.IDKey, Value: id}}
	}

	filter := bson.D{}
	if q.Species != "" {
		filter = append(filter, bson.E{
			Key:   data.SpeciesKey,
			Value: bson.Regex{Pattern: "^" + regexp.QuoteMeta(q.Species) + "$", Options: "i"},
		})
	}

	for _, f := range q.Filters {
		if !f.IsPattern() {
			filter = append(filter, bson.E{Key: f.Field, Value: f.Value})
			continue
		}

		opts := ""
		if f.IgnoreCase {
			opts = "i"
		}
		filter = append(filter, bson.E{Key: f.Field, Value: bson.Regex{Pattern: f.Pattern(), Options: opts}})
	}

	return filter
}

func objectID(id string) (bson.ObjectID, bool) {
	if !objectIDHex.MatchString(id) {
		return bson.ObjectID{}, false
	}
	oid, err := bson.ObjectIDFromHex(id)
	return oid, err == nil
}

// InsertID pins the id of a document an upsert creates. MongoDB takes the id
// of an upsert from an equality filter only, so the $in form of an ObjectID
// lookup needs an explicit $setOnInsert.
func InsertID(q *query.Query) bson.D {
	if q == nil || !q.HasID() {
		return nil
	}
	oid, ok := objectID(fmt.Sprint(q.ID))
	if !ok {
		return nil
	}
	return bson.D{{Key: "$setOnInsert", Value: bson.M{data.IDKey: oid}}}
}

// Update renders a $set of every field except the id.
func Update(update data.M) bson.D {
	set := bson.M{}
	for k, v := range update {
		if k == data.IDKey {
			continue
		}
		set[k] = v
	}
	return bson.D{{Key: "$set", Value: set}}
}

// Normalize converts decoded BSON into plain document values.
func Normalize(doc bson.M) data.M {
	out := make(data.M, len(doc))
	for k, v := range doc {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch typed := v.(type) {
	case bson.M:
		return Normalize(typed)
	case bson.D:
		m := make(data.M, len(typed))
		for _, e := range typed {
			m[e.Key] = normalizeValue(e.Value)
		}
		return m
	case bson.A:
		out := make([]interface{}, len(typed))
		for i := range typed {
			out[i] = normalizeValue(typed[i])
		}
		return out
	case bson.ObjectID:
		return typed.Hex()
	case bson.DateTime:
		return typed.Time().UTC()
	case time.Time:
		return typed.UTC()
	case int32:
		return int64(typed)
	}
	return v
}
