// Package model keeps the current versioned model of every species.
package model

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/trafflux/petdb/internal/data"
	"github.com/trafflux/petdb/internal/sanitize"
	"github.com/trafflux/petdb/internal/schema"
	"github.com/trafflux/petdb/internal/snapshot"
	"github.com/trafflux/petdb/internal/store"
)

var ErrNoDefaultModel = errors.New("no default model for species")

// Option configures a Manager.
type Option func(m *Manager)

func WithSnapshot(c snapshot.Cache) Option {
	return func(m *Manager) {
		m.cache = c
	}
}

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

func WithDefaults(defaults map[string]data.Fields) Option {
	return func(m *Manager) {
		m.defaults = defaults
	}
}

// WithClock replaces time.Now as the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager is the only writer of the current models. Each species' model is
// replaced as a whole, never edited in place.
type Manager struct {
	reg      *schema.Registry
	names    store.Collections
	cache    snapshot.Cache
	defaults map[string]data.Fields
	logger   *log.Logger
	now      func() time.Time

	mu      sync.RWMutex
	current map[string]data.Model
	stamps  map[string]int64
}

var _ sanitize.ModelSource = (*Manager)(nil)

func NewManager(reg *schema.Registry, names store.Collections, opts ...Option) (*Manager, error) {
	m := &Manager{
		reg:     reg,
		names:   names,
		cache:   snapshot.Nop{},
		logger:  log.Default(),
		now:     time.Now,
		current: make(map[string]data.Model),
		stamps:  make(map[string]int64),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.defaults == nil {
		defaults, err := BundledDefaults()
		if err != nil {
			return nil, err
		}
		m.defaults = defaults
	}

	m.logger = m.logger.With("component", "model")

	return m, nil
}

// Bootstrap adopts the latest stored model of every species. A species with
// no stored model gets the snapshot entry or the bundled default, stamped and
// persisted as its first version.
func (m *Manager) Bootstrap(ctx context.Context, st store.Store) error {
	var cached map[string]data.Fields
	var cacheLoaded bool

	for _, species := range m.reg.Species() {
		coll := st.Collection(m.names.Models[species])

		docs, err := coll.Latest(ctx, data.TimestampKey, 1)
		if err == nil && len(docs) > 0 {
			m.adopt(fromDocument(species, docs[0]))
			m.logger.Debug("loaded model", "species", species, "timestamp", docs[0].Int64(data.TimestampKey))
			continue
		}

		if err != nil {
			m.logger.Error("could not read latest model", "species", species, "err", err)
		} else {
			m.logger.Warn("no models found, creating new model", "species", species)
		}

		if !cacheLoaded {
			cacheLoaded = true
			if cached, err = m.cache.Load(ctx); err != nil && !errors.Is(err, snapshot.ErrNoSnapshot) {
				m.logger.Warn("could not load model snapshot", "err", err)
			}
		}

		fields, ok := cached[species]
		if !ok || len(fields) == 0 {
			fields, ok = m.defaults[species]
		}
		if !ok {
			return errors.Wrapf(ErrNoDefaultModel, "%s", species)
		}

		mdl := data.Model{Species: species, Fields: fields.Clone()}

		m.mu.Lock()
		mdl.Timestamp = m.stampUnderLock(species)
		m.mu.Unlock()

		if _, err := coll.Create(ctx, mdl.Document()); err != nil {
			m.logger.Error("could not persist model", "species", species, "err", err)
		}

		m.adopt(mdl)
	}

	m.saveSnapshot(ctx)
	m.logger.Info("initialized models", "species", m.reg.Species())

	return nil
}

// Merge overlays partial on the descriptors of the current model and appends
// the result as a new version. Fields the current model lacks are ignored and
// val entries are discarded. The merged model is adopted even when it could
// not be persisted; the persistence error is returned with it.
func (m *Manager) Merge(ctx context.Context, st store.Store, species string, partial data.Fields) (data.Model, error) {
	species = m.reg.Normalize(species)

	m.mu.Lock()
	cur := m.current[species]
	next := data.Model{Species: species, Fields: make(data.Fields, len(cur.Fields))}
	for name, desc := range cur.Fields {
		merged := desc.Clone()
		if merged == nil {
			merged = data.M{}
		}
		for k, v := range partial[name].Clone() {
			if k == data.ValKey {
				continue
			}
			merged[k] = v
		}
		next.Fields[name] = merged
	}
	next.Timestamp = m.stampUnderLock(species)
	m.mu.Unlock()

	var persistErr error
	if _, err := st.Collection(m.names.Models[species]).Create(ctx, next.Document()); err != nil {
		m.logger.Error("could not persist model", "species", species, "err", err)
		persistErr = errors.Wrapf(err, "could not persist %s model", species)
	}

	m.adopt(next)
	m.saveSnapshot(ctx)

	return next.Clone(), persistErr
}

// Refresh re-reads the latest stored model of species and adopts it. On
// failure the in-memory model is returned with the error.
func (m *Manager) Refresh(ctx context.Context, st store.Store, species string) (data.Model, error) {
	species = m.reg.Normalize(species)

	docs, err := st.Collection(m.names.Models[species]).Latest(ctx, data.TimestampKey, 1)
	if err != nil {
		m.logger.Error("could not refresh model", "species", species, "err", err)
		return m.Current(species), errors.Wrapf(err, "could not refresh %s model", species)
	}

	if len(docs) > 0 {
		m.adopt(fromDocument(species, docs[0]))
	}

	return m.Current(species), nil
}

// Current returns a copy of the current model of species.
func (m *Manager) Current(species string) data.Model {
	species = m.reg.Normalize(species)

	m.mu.RLock()
	defer m.mu.RUnlock()

	mdl, ok := m.current[species]
	if !ok {
		return data.Model{Species: species, Fields: data.Fields{}}
	}
	return mdl.Clone()
}

// Fields returns the current descriptors of species. The result is shared and must not be modified.
func (m *Manager) Fields(species string) data.Fields {
	species = m.reg.Normalize(species)

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current[species].Fields
}

// Snapshot copies the current fields of every species.
func (m *Manager) Snapshot() map[string]data.Fields {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]data.Fields, len(m.current))
	for species, mdl := range m.current {
		out[species] = mdl.Fields.Clone()
	}
	return out
}

func (m *Manager) adopt(mdl data.Model) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current[mdl.Species] = mdl
	if mdl.Timestamp > m.stamps[mdl.Species] {
		m.stamps[mdl.Species] = mdl.Timestamp
	}
}

// stampUnderLock issues a millisecond timestamp greater than any seen for species.
func (m *Manager) stampUnderLock(species string) int64 {
	ts := m.now().UnixMilli()
	if last := m.stamps[species]; ts <= last {
		ts = last + 1
	}
	m.stamps[species] = ts
	return ts
}

func (m *Manager) saveSnapshot(ctx context.Context) {
	if err := m.cache.Save(ctx, m.Snapshot()); err != nil {
		m.logger.Warn("could not save model snapshot", "err", err)
	}
}

func fromDocument(species string, doc data.M) data.Model {
	return data.Model{
		Species:   species,
		Timestamp: doc.Int64(data.TimestampKey),
		Fields:    sanitize.Model(doc),
	}
}
