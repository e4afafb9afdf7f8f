// Package sanitize converts between client-shaped records, stored documents
// and model-shaped responses.
package sanitize

import (
	"fmt"
	"regexp"

	"github.com/trafflux/petdb/internal/data"
	"github.com/trafflux/petdb/internal/schema"
)

// Output keys of the identity field.
const (
	PetIDKey   = "petId"
	PetNameKey = "petName"
)

// NumericFallback replaces numeric input that cannot be parsed.
const NumericFallback = -1.0

var wordID = regexp.MustCompile(`^\w+$`)

// ModelSource yields the current model fields of a species.
type ModelSource interface {
	Fields(species string) data.Fields
}

// Input turns a raw record into a storable document of its species. Unknown
// fields are dropped and the resolved species is always set.
func Input(reg *schema.Registry, props data.M) data.M {
	species := reg.Resolve(props)
	sch := reg.For(species)

	out := make(data.M, len(props)+1)
	for name, raw := range props {
		field, ok := sch[name]
		if !ok {
			continue
		}

		v := data.Unwrap(raw)
		coerced, ok := field.Kind.Coerce(v)
		switch {
		case ok:
			out[name] = coerced
		case field.Kind.Numeric():
			out[name] = NumericFallback
		case field.Kind == schema.Date:
			// unparseable dates are not stored
		default:
			out[name] = v
		}
	}
	out[data.SpeciesKey] = species

	return out
}

// SearchParams narrows a save or remove request to its identity. A word-only
// petId wins, then petName; otherwise props are returned as given.
func SearchParams(props data.M) data.M {
	name, hasName := present(props, PetNameKey)
	id, hasID := present(props, PetIDKey)
	if !hasName && !hasID {
		return props
	}

	out := data.M{}
	if hasID && wordID.MatchString(fmt.Sprint(id)) {
		out[data.IDKey] = id
	} else {
		out[PetNameKey] = name
	}

	if species, ok := props[data.SpeciesKey]; ok {
		out[data.SpeciesKey] = species
	}

	return out
}

// Record projects a stored document through the current model of its species.
func Record(reg *schema.Registry, models ModelSource, doc data.M) data.Fields {
	species := reg.Resolve(doc)
	sch := reg.For(species)
	model := models.Fields(species)

	out := make(data.Fields, len(model)+1)
	for name, desc := range model {
		v, ok := doc[name]
		if !ok || v == nil {
			continue
		}

		if field, known := sch[name]; known && field.Kind == schema.Date {
			if t, ok := schema.Date.Coerce(v); ok {
				v = t
			}
		}

		projected := desc.Clone()
		if projected == nil {
			projected = data.M{}
		}
		projected[data.ValKey] = v
		out[name] = projected
	}
	out[PetIDKey] = data.M{data.ValKey: doc[data.IDKey]}

	return out
}

// Model strips storage bookkeeping from a stored model document and keeps
// descriptor-shaped entries.
func Model(doc data.M) data.Fields {
	out := make(data.Fields, len(doc))
	for name, v := range doc {
		switch name {
		case data.VersionKey, data.IDKey, data.TimestampKey:
			continue
		}

		if desc, ok := data.AsM(v); ok {
			out[name] = desc.Clone()
		}
	}
	return out
}

func present(props data.M, key string) (interface{}, bool) {
	v := data.Unwrap(props[key])
	if v == nil || v == "" {
		return nil, false
	}
	return v, true
}
