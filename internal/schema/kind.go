package schema

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind is the storage type of a schema field.
type Kind uint8

const (
	Text Kind = iota
	Number
	Float
	Location
	Date
)

// ParseKind maps a valType tag to a Kind. Unknown tags are Text.
func ParseKind(tag string) Kind {
	switch strings.TrimSpace(tag) {
	case "Number":
		return Number
	case "Float":
		return Float
	case "Location":
		return Location
	case "Date":
		return Date
	default:
		return Text
	}
}

func (k Kind) String() string {
	switch k {
	case Number:
		return "Number"
	case Float:
		return "Float"
	case Location:
		return "Location"
	case Date:
		return "Date"
	case Text:
		return "Text"
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Numeric reports whether values of the kind are stored as float64.
func (k Kind) Numeric() bool {
	return k == Number || k == Float || k == Location
}

// Coerce converts v to the storage type of the kind.
// ok is false when v cannot be converted; Text always succeeds.
func (k Kind) Coerce(v interface{}) (interface{}, bool) {
	switch k {
	case Number, Float, Location:
		f, ok := parseFloat(v)
		return f, ok
	case Date:
		t, ok := parseDate(v)
		return t, ok
	case Text:
		return v, true
	}
	panic("schema: unhandled kind " + k.String())
}

func parseFloat(v interface{}) (float64, bool) {
	var f float64
	switch typed := v.(type) {
	case float64:
		f = typed
	case float32:
		f = float64(typed)
	case int:
		f = float64(typed)
	case int32:
		f = float64(typed)
	case int64:
		f = float64(typed)
	case uint:
		f = float64(typed)
	case uint32:
		f = float64(typed)
	case uint64:
		f = float64(typed)
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"2006",
}

func parseDate(v interface{}) (time.Time, bool) {
	switch typed := v.(type) {
	case time.Time:
		return typed.UTC(), true
	case string:
		s := strings.TrimSpace(typed)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), true
		}
		return time.Time{}, false
	}

	if ms, ok := parseFloat(v); ok {
		return time.UnixMilli(int64(ms)).UTC(), true
	}
	return time.Time{}, false
}
