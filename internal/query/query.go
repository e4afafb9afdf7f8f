package query

import (
	"fmt"
	"regexp"

	"github.com/trafflux/petdb/internal/data"
	"github.com/trafflux/petdb/internal/schema"
)

// Modifier lists recognized on a query input.
const (
	MatchStartFor = "matchStartFor"
	MatchEndFor   = "matchEndFor"
	IgnoreCaseFor = "ignoreCaseFor"
)

// IDAliases are the identity fields of a record, in precedence order.
var IDAliases = []string{data.IDKey, "id", "petId", "hashId"}

// Filter is a single field condition.
type Filter struct {
	Field      string
	Value      interface{}
	Prefix     bool
	Suffix     bool
	IgnoreCase bool
}

// IsPattern reports whether the filter is a pattern match rather than equality.
func (f Filter) IsPattern() bool {
	return f.Prefix || f.Suffix || f.IgnoreCase
}

// Pattern renders the regular expression source without flags.
func (f Filter) Pattern() string {
	p := regexp.QuoteMeta(fmt.Sprint(f.Value))
	if f.Prefix {
		p = "^" + p
	}
	if f.Suffix {
		p += "$"
	}
	return p
}

// Regexp compiles the pattern, case-insensitive when requested.
func (f Filter) Regexp() *regexp.Regexp {
	p := f.Pattern()
	if f.IgnoreCase {
		p = "(?i)" + p
	}
	// the pattern is quoted literal text plus anchors
	return regexp.MustCompile(p)
}

func (f Filter) String() string {
	if !f.IsPattern() {
		return fmt.Sprintf("%s=%v", f.Field, f.Value)
	}
	flags := ""
	if f.IgnoreCase {
		flags = "i"
	}
	return fmt.Sprintf("%s=/%s/%s", f.Field, f.Pattern(), flags)
}

// Query is a store-agnostic description of which records to select.
type Query struct {
	ID      interface{}
	Species string
	Filters []Filter
}

// HasID reports whether the query is an identity lookup.
func (q *Query) HasID() bool {
	return q.ID != nil
}

// Unrestricted reports a query that selects every record of its species.
func (q *Query) Unrestricted() bool {
	return !q.HasID() && len(q.Filters) == 0
}

func (q *Query) String() string {
	if q.HasID() {
		return fmt.Sprintf("{_id: %v}", q.ID)
	}
	s := fmt.Sprintf("{species: %s", q.Species)
	for _, f := range q.Filters {
		s += ", " + f.String()
	}
	return s + "}"
}

// IDFrom returns the first identity alias present in props.
func IDFrom(props data.M) (interface{}, bool) {
	for _, alias := range IDAliases {
		v, ok := props[alias]
		if !ok {
			continue
		}
		v = data.Unwrap(v)
		if v == nil || v == "" {
			continue
		}
		return v, true
	}
	return nil, false
}

// Build turns a loosely shaped record into a query against its species.
func Build(reg *schema.Registry, props data.M) *Query {
	species := reg.Resolve(props)

	if id, ok := IDFrom(props); ok {
		return &Query{ID: id}
	}

	q := &Query{Species: species}
	sch := reg.For(species)
	starts := set(props.Strings(MatchStartFor))
	ends := set(props.Strings(MatchEndFor))
	folds := set(props.Strings(IgnoreCaseFor))

	for _, name := range props.Keys() {
		if name == data.SpeciesKey {
			continue
		}

		field, ok := sch[name]
		if !ok {
			continue
		}

		f := Filter{
			Field:      name,
			Value:      data.Unwrap(props[name]),
			Prefix:     starts[name],
			Suffix:     ends[name],
			IgnoreCase: folds[name],
		}

		if !f.IsPattern() {
			if coerced, ok := field.Kind.Coerce(f.Value); ok {
				f.Value = coerced
			}
		}

		q.Filters = append(q.Filters, f)
	}

	return q
}

func set(names []string) map[string]bool {
	s := make(map[string]bool, len(names))
	for _, n := range names {
		s[n] = true
	}
	return s
}
