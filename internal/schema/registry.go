package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/trafflux/petdb/internal/data"
)

//go:embed schema.json
var bundled []byte

var ErrNoSchemas = errors.New("no species schemas defined")
var ErrUnknownDefaultSpecies = errors.New("default species has no schema")

// Field describes how a record field is stored.
type Field struct {
	Name    string
	Kind    Kind
	Default interface{}
	Extra   data.M
}

// Schema is the immutable field set of one species.
type Schema map[string]Field

func (s Schema) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the field names in lexical order.
func (s Schema) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Registry holds one schema per species. It is never mutated after construction.
type Registry struct {
	schemas map[string]Schema
	species []string
	def     string
}

// Bundled builds a registry from the schema file compiled into the binary.
func Bundled(defaultSpecies string) (*Registry, error) {
	return Load(bytes.NewReader(bundled), defaultSpecies)
}

// LoadFile builds a registry from a schema file on disk.
func LoadFile(path, defaultSpecies string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open schema file %s", path)
	}
	defer f.Close()

	return Load(f, defaultSpecies)
}

// Load decodes a {species: {field: {valType, defaultVal, ...}}} document.
func Load(r io.Reader, defaultSpecies string) (*Registry, error) {
	var raw map[string]map[string]data.M
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "could not decode species schemas")
	}

	if len(raw) == 0 {
		return nil, ErrNoSchemas
	}

	reg := &Registry{schemas: make(map[string]Schema, len(raw))}
	for species, fields := range raw {
		key, _ := data.Lower(species)
		s := make(Schema, len(fields))
		for name, desc := range fields {
			f := Field{Name: name, Kind: ParseKind(desc.String("valType")), Extra: data.M{}}
			for k, v := range desc {
				switch k {
				case "valType":
				case data.DefaultKey:
					f.Default = v
				default:
					f.Extra[k] = v
				}
			}
			s[name] = f
		}
		reg.schemas[key] = s
		reg.species = append(reg.species, key)
	}
	sort.Strings(reg.species)

	def, _ := data.Lower(defaultSpecies)
	if _, ok := reg.schemas[def]; !ok {
		return nil, errors.Wrapf(ErrUnknownDefaultSpecies, "%q", defaultSpecies)
	}
	reg.def = def

	return reg, nil
}

// Default returns the fallback species.
func (r *Registry) Default() string {
	return r.def
}

// Species returns every known species in lexical order.
func (r *Registry) Species() []string {
	return append([]string(nil), r.species...)
}

// Known reports whether species has a schema. The check is case-insensitive.
func (r *Registry) Known(species string) bool {
	key, _ := data.Lower(species)
	_, ok := r.schemas[key]
	return ok
}

// For returns the schema of species, or the default species schema.
func (r *Registry) For(species string) Schema {
	key, _ := data.Lower(species)
	if s, ok := r.schemas[key]; ok {
		return s
	}
	return r.schemas[r.def]
}

// Normalize returns species lower-cased when known, otherwise the default.
func (r *Registry) Normalize(species string) string {
	key, _ := data.Lower(species)
	if _, ok := r.schemas[key]; ok {
		return key
	}
	return r.def
}

// Resolve reads the species of a record. Both "dog" and {val: "dog"} forms are accepted.
func (r *Registry) Resolve(props data.M) string {
	raw, ok := props[data.SpeciesKey]
	if !ok {
		return r.def
	}

	if s, ok := data.Lower(raw); ok {
		return r.Normalize(s)
	}

	if wrapped, ok := data.AsM(raw); ok {
		if s, ok := data.Lower(wrapped[data.ValKey]); ok {
			return r.Normalize(s)
		}
	}

	return r.def
}

// ResolveModel reads the species of a model-shaped input from species.val, then species.defaultVal.
func (r *Registry) ResolveModel(fields data.Fields) string {
	desc, ok := fields[data.SpeciesKey]
	if !ok {
		return r.def
	}

	if s, ok := data.Lower(desc[data.ValKey]); ok && s != "" {
		return r.Normalize(s)
	}
	if s, ok := data.Lower(desc[data.DefaultKey]); ok {
		return r.Normalize(s)
	}

	return r.def
}
