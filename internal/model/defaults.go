package model

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	"github.com/trafflux/petdb/internal/data"
)

//go:embed models.json
var bundled []byte

// BundledDefaults returns the default model of every species compiled into the binary.
func BundledDefaults() (map[string]data.Fields, error) {
	return LoadDefaults(bytes.NewReader(bundled))
}

// LoadDefaults decodes a {species: {field: descriptor}} document.
func LoadDefaults(r io.Reader) (map[string]data.Fields, error) {
	var defaults map[string]data.Fields
	if err := json.NewDecoder(r).Decode(&defaults); err != nil {
		return nil, errors.Wrap(err, "could not decode default models")
	}
	return defaults, nil
}
