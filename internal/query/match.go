package query

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/trafflux/petdb/internal/data"
)

// MatchJSON evaluates the query against a JSON encoded document.
func (q *Query) MatchJSON(doc []byte) bool {
	if q.HasID() {
		id := gjson.GetBytes(doc, path(data.IDKey))
		return id.Exists() && id.String() == fmt.Sprint(q.ID)
	}

	if q.Species != "" {
		species := gjson.GetBytes(doc, path(data.SpeciesKey))
		if !strings.EqualFold(species.String(), q.Species) {
			return false
		}
	}

	for _, f := range q.Filters {
		if !f.MatchJSON(doc) {
			return false
		}
	}

	return true
}

// MatchJSON evaluates a single filter against a JSON encoded document.
func (f Filter) MatchJSON(doc []byte) bool {
	res := gjson.GetBytes(doc, path(f.Field))
	if !res.Exists() {
		return false
	}

	if f.IsPattern() {
		return f.Regexp().MatchString(res.String())
	}

	return equalJSON(res, f.Value)
}

func equalJSON(res gjson.Result, v interface{}) bool {
	b, err := json.Marshal(v)
	if err != nil {
		return false
	}

	return reflect.DeepEqual(res.Value(), gjson.ParseBytes(b).Value())
}

var pathEscaper = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)

// path escapes gjson path syntax in a field name.
func path(field string) string {
	return pathEscaper.Replace(field)
}
