package sanitize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafflux/petdb/internal/data"
	"github.com/trafflux/petdb/internal/schema"
)

type staticModels map[string]data.Fields

func (s staticModels) Fields(species string) data.Fields {
	return s[species]
}

func registry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.Bundled("dog")
	require.NoError(t, err)
	return reg
}

func TestInput(t *testing.T) {
	reg := registry(t)

	out := Input(reg, data.M{
		"species":      "Cat",
		"petName":      data.M{"val": "Tom", "label": "Name"},
		"age":          "4",
		"weight":       "heavy",
		"lat":          42.36,
		"intakeDate":   "2021-03-04",
		"lastUpdated":  "not a date",
		"declawed":     true,
		"houseTrained": true,
		"nickname":     "Tommy",
	})

	assert.Equal(t, data.M{
		"species":    "cat",
		"petName":    "Tom",
		"age":        4.0,
		"weight":     -1.0,
		"lat":        42.36,
		"intakeDate": time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC),
		"declawed":   true,
	}, out)
}

func TestInput_DefaultsSpecies(t *testing.T) {
	reg := registry(t)

	for _, props := range []data.M{
		{},
		{"species": "ferret"},
		{"species": 7},
	} {
		out := Input(reg, props)
		assert.Equal(t, "dog", out["species"])
	}
}

func TestInput_ZeroIsNotAParseFailure(t *testing.T) {
	out := Input(registry(t), data.M{"age": "0"})
	assert.Equal(t, 0.0, out["age"])
}

func TestSearchParams(t *testing.T) {
	tt := []struct {
		name  string
		props data.M
		want  data.M
	}{
		{
			"word id wins",
			data.M{"petId": "5f1a2b", "petName": "Rex", "age": 3},
			data.M{"_id": "5f1a2b"},
		},
		{
			"non word id falls back to name",
			data.M{"petId": "5f-1a", "petName": "Rex"},
			data.M{"petName": "Rex"},
		},
		{
			"name only",
			data.M{"petName": "Rex", "species": "cat", "breed": "x"},
			data.M{"petName": "Rex", "species": "cat"},
		},
		{
			"wrapped id",
			data.M{"petId": data.M{"val": "abc"}, "species": data.M{"val": "cat"}},
			data.M{"_id": "abc", "species": data.M{"val": "cat"}},
		},
		{
			"neither passes through",
			data.M{"breed": "lab", "species": "dog"},
			data.M{"breed": "lab", "species": "dog"},
		},
		{
			"empty values pass through",
			data.M{"petName": "", "breed": "lab"},
			data.M{"petName": "", "breed": "lab"},
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SearchParams(tc.props))
		})
	}
}

func TestRecord(t *testing.T) {
	reg := registry(t)
	models := staticModels{
		"dog": {
			"petName":    {"label": "Name", "defaultVal": ""},
			"age":        {"label": "Age"},
			"breed":      {"label": "Breed"},
			"intakeDate": {"label": "Intake"},
		},
	}

	out := Record(reg, models, data.M{
		"_id":        "a1",
		"species":    "dog",
		"petName":    "Rex",
		"age":        3.0,
		"color":      "brown",
		"intakeDate": "2021-03-04T00:00:00Z",
	})

	assert.Equal(t, data.Fields{
		"petName":    {"label": "Name", "defaultVal": "", "val": "Rex"},
		"age":        {"label": "Age", "val": 3.0},
		"intakeDate": {"label": "Intake", "val": time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC)},
		"petId":      {"val": "a1"},
	}, out)

	_, hasVal := models["dog"]["petName"]["val"]
	assert.False(t, hasVal, "the model is not mutated")
}

func TestRecord_RoundTrip(t *testing.T) {
	reg := registry(t)

	models := staticModels{}
	for _, species := range reg.Species() {
		fields := data.Fields{}
		for _, name := range reg.For(species).Names() {
			fields[name] = data.M{"label": name}
		}
		models[species] = fields
	}

	records := []data.M{
		{"species": "dog", "petName": "Rex", "age": 3.0, "weight": 21.5, "breed": "lab", "lat": 1.5, "lon": -2.5},
		{"species": "cat", "petName": "Tom", "declawed": "no", "intakeDate": time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)},
	}

	for _, record := range records {
		stored := Input(reg, record)
		stored["_id"] = "x1"
		out := Record(reg, models, stored)

		for name, v := range record {
			require.Contains(t, out, name)
			assert.Equal(t, v, out[name]["val"], name)
		}
		assert.Equal(t, "x1", out["petId"]["val"])
	}
}

func TestModel(t *testing.T) {
	out := Model(data.M{
		"__v":       0,
		"_id":       "m1",
		"timestamp": int64(123),
		"petName":   map[string]interface{}{"label": "Name"},
		"species":   data.M{"defaultVal": "dog"},
		"stray":     "value",
	})

	assert.Equal(t, data.Fields{
		"petName": {"label": "Name"},
		"species": {"defaultVal": "dog"},
	}, out)
}
