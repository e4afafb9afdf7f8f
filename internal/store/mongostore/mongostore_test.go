package mongostore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/trafflux/petdb/internal/data"
	"github.com/trafflux/petdb/internal/query"
)

func TestFilter(t *testing.T) {
	t.Run("nil query matches everything", func(t *testing.T) {
		assert.Equal(t, bson.D{}, Filter(nil))
	})

	t.Run("plain id", func(t *testing.T) {
		assert.Equal(t, bson.D{{Key: "_id", Value: "abc"}}, Filter(&query.Query{ID: "abc"}))
	})

	t.Run("object id hex matches both forms", func(t *testing.T) {
		hex := "5f1a2b3c4d5e6f7081920a1b"
		oid, err := bson.ObjectIDFromHex(hex)
		require.NoError(t, err)

		assert.Equal(t,
			bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: bson.A{oid, hex}}}}},
			Filter(&query.Query{ID: hex}),
		)
	})

	t.Run("species and filters", func(t *testing.T) {
		q := &query.Query{Species: "dog", Filters: []query.Filter{
			{Field: "age", Value: 3.0},
			{Field: "petName", Value: "Rex", Prefix: true},
			{Field: "color", Value: "a.b", Suffix: true, IgnoreCase: true},
		}}

		assert.Equal(t, bson.D{
			{Key: "species", Value: bson.Regex{Pattern: "^dog$", Options: "i"}},
			{Key: "age", Value: 3.0},
			{Key: "petName", Value: bson.Regex{Pattern: "^Rex", Options: ""}},
			{Key: "color", Value: bson.Regex{Pattern: `a\.b$`, Options: "i"}},
		}, Filter(q))
	})
}

func TestUpdate(t *testing.T) {
	assert.Equal(t,
		bson.D{{Key: "$set", Value: bson.M{"petName": "Rex", "age": 3.0}}},
		Update(data.M{"_id": "x", "petName": "Rex", "age": 3.0}),
	)
}

func TestInsertID(t *testing.T) {
	hex := "5f1a2b3c4d5e6f7081920a1b"
	oid, err := bson.ObjectIDFromHex(hex)
	require.NoError(t, err)

	assert.Equal(t,
		bson.D{{Key: "$setOnInsert", Value: bson.M{"_id": oid}}},
		InsertID(&query.Query{ID: hex}),
	)

	assert.Nil(t, InsertID(&query.Query{ID: "abc"}), "equality filters already carry the id")
	assert.Nil(t, InsertID(&query.Query{Species: "dog"}))
	assert.Nil(t, InsertID(nil))

	upsert := append(Update(data.M{"petName": "Rex"}), InsertID(&query.Query{ID: hex})...)
	assert.Equal(t, bson.D{
		{Key: "$set", Value: bson.M{"petName": "Rex"}},
		{Key: "$setOnInsert", Value: bson.M{"_id": oid}},
	}, upsert)
}

func TestNormalize(t *testing.T) {
	oid := bson.NewObjectID()
	when := time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC)

	doc := Normalize(bson.M{
		"_id":        oid,
		"intakeDate": bson.NewDateTimeFromTime(when),
		"age":        int32(4),
		"petName":    bson.D{{Key: "label", Value: "Name"}},
		"images":     bson.A{"a.png", bson.M{"src": "b.png"}},
	})

	assert.Equal(t, oid.Hex(), doc["_id"])
	assert.True(t, when.Equal(doc["intakeDate"].(time.Time)))
	assert.Equal(t, int64(4), doc["age"])
	assert.Equal(t, data.M{"label": "Name"}, doc["petName"])
	assert.Equal(t, []interface{}{"a.png", data.M{"src": "b.png"}}, doc["images"])
}
