package data

import (
	"sort"
	"strings"
)

// Keys used by stored documents.
const (
	IDKey        = "_id"
	VersionKey   = "__v"
	TimestampKey = "timestamp"
	SpeciesKey   = "species"
	ValKey       = "val"
	DefaultKey   = "defaultVal"
)

// M is a loosely typed document as submitted by clients or returned by a store.
type M map[string]interface{}

// Fields maps a field name to its descriptor. Output records and models share this shape.
type Fields map[string]M

// Model is the versioned presentation metadata of a species.
type Model struct {
	Species   string
	Timestamp int64
	Fields    Fields
}

func (m M) Has(k string) bool {
	_, ok := m[k]
	return ok
}

func (m M) String(k string) string {
	v, ok := m[k].(string)
	if !ok {
		return ""
	}
	return v
}

func (m M) HasString(k string) bool {
	_, ok := m[k].(string)
	return ok
}

func (m M) Float(k string) float64 {
	switch v := m[k].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func (m M) Int64(k string) int64 {
	switch v := m[k].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Strings returns the value under k as a string slice, ignoring non-string items.
func (m M) Strings(k string) []string {
	switch v := m[k].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

// Keys returns the map keys in lexical order.
func (m M) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone deep copies nested maps and slices; scalar values are shared.
func (m M) Clone() M {
	if m == nil {
		return nil
	}
	out := make(M, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch typed := v.(type) {
	case M:
		return typed.Clone()
	case map[string]interface{}:
		return M(typed).Clone()
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i := range typed {
			out[i] = cloneValue(typed[i])
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	}
	return v
}

// Unwrap returns the inner val of a model-shaped value ({val: x}), or v itself.
func Unwrap(v interface{}) interface{} {
	if inner, ok := AsM(v); ok {
		if val, has := inner[ValKey]; has {
			return val
		}
	}
	return v
}

// AsM converts the map shapes produced by decoders into M.
func AsM(v interface{}) (M, bool) {
	switch typed := v.(type) {
	case M:
		return typed, true
	case map[string]interface{}:
		return M(typed), true
	}
	return nil, false
}

// Lower is a case-insensitive string view of v used for species lookups.
func Lower(v interface{}) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return strings.ToLower(strings.TrimSpace(s)), true
}

func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v.Clone()
	}
	return out
}

// Names returns field names in lexical order.
func (f Fields) Names() []string {
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Document flattens the model into its stored form.
func (mdl Model) Document() M {
	doc := make(M, len(mdl.Fields)+1)
	for k, v := range mdl.Fields {
		doc[k] = v.Clone()
	}
	doc[TimestampKey] = mdl.Timestamp
	return doc
}

func (mdl Model) Clone() Model {
	return Model{Species: mdl.Species, Timestamp: mdl.Timestamp, Fields: mdl.Fields.Clone()}
}
