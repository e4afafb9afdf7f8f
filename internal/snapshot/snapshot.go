// Package snapshot is the best-effort local cache of every species' current model.
package snapshot

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/trafflux/petdb/internal/data"
)

var ErrNoSnapshot = errors.New("no snapshot saved")
var ErrChecksumMismatch = errors.New("snapshot checksum mismatch")

// Cache loads and saves the current models of all species as one unit.
type Cache interface {
	Load(ctx context.Context) (map[string]data.Fields, error)
	// Save fully overwrites the previous snapshot.
	Save(ctx context.Context, models map[string]data.Fields) error
}

type envelope struct {
	Checksum string          `json:"checksum"`
	Models   json.RawMessage `json:"models"`
}

// Encode wraps models with an xxhash checksum of their JSON form.
func Encode(models map[string]data.Fields) ([]byte, error) {
	raw, err := json.Marshal(models)
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal models")
	}

	b, err := json.Marshal(envelope{Checksum: checksum(raw), Models: raw})
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal snapshot")
	}

	return b, nil
}

// Decode verifies the checksum and returns the models.
func Decode(b []byte) (map[string]data.Fields, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, errors.Wrap(err, "could not unmarshal snapshot")
	}

	if sum := checksum(env.Models); sum != env.Checksum {
		return nil, errors.Wrapf(ErrChecksumMismatch, "expected %s, got %s", env.Checksum, sum)
	}

	var models map[string]data.Fields
	if err := json.Unmarshal(env.Models, &models); err != nil {
		return nil, errors.Wrap(err, "could not unmarshal snapshot models")
	}

	return models, nil
}

func checksum(b []byte) string {
	return strconv.FormatUint(xxhash.Sum64(b), 16)
}

// Nop never stores anything.
type Nop struct{}

var _ Cache = Nop{}

func (Nop) Load(context.Context) (map[string]data.Fields, error) {
	return nil, ErrNoSnapshot
}

func (Nop) Save(context.Context, map[string]data.Fields) error {
	return nil
}
