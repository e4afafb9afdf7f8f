// Package petdb is a schema driven data layer for pet records and the
// versioned per-species models that describe how they are presented.
package petdb

import (
	"context"
	"os"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/trafflux/petdb/internal/coordinator"
	"github.com/trafflux/petdb/internal/data"
	"github.com/trafflux/petdb/internal/logging"
	"github.com/trafflux/petdb/internal/lru"
	"github.com/trafflux/petdb/internal/metrics"
	"github.com/trafflux/petdb/internal/model"
	"github.com/trafflux/petdb/internal/schema"
	"github.com/trafflux/petdb/internal/snapshot"
	"github.com/trafflux/petdb/internal/store"
	"github.com/trafflux/petdb/internal/store/memstore"
	"github.com/trafflux/petdb/internal/store/mongostore"
	"github.com/trafflux/petdb/internal/store/sqlitestore"
	"github.com/trafflux/petdb/options"
)

var ErrAnimalNotFound = errors.New("animal not found")

// M is a loosely shaped record as submitted by clients.
type M = data.M

// Fields maps a field name to its descriptor, e.g. {"petName": {"val": "Rex", "label": "Name"}}.
type Fields = data.Fields

type Closer func() error

func NullCloser() error { return nil }

// Option overrides a part of the wiring Open derives from Config.
type Option func(o *openOptions)

type openOptions struct {
	logger    *log.Logger
	connector store.Connector
	snapshot  snapshot.Cache
	registry  prometheus.Registerer
	defaults  map[string]data.Fields
}

func WithLogger(l *log.Logger) Option {
	return func(o *openOptions) {
		o.logger = l
	}
}

// WithConnector replaces the store selected by Config.Driver.
func WithConnector(c store.Connector) Option {
	return func(o *openOptions) {
		o.connector = c
	}
}

// WithSnapshot replaces the snapshot cache selected by Config.Snapshot.
func WithSnapshot(c snapshot.Cache) Option {
	return func(o *openOptions) {
		o.snapshot = c
	}
}

// WithMetrics registers the Prometheus collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *openOptions) {
		o.registry = reg
	}
}

// WithDefaultModels replaces the bundled default models.
func WithDefaultModels(defaults map[string]data.Fields) Option {
	return func(o *openOptions) {
		o.defaults = defaults
	}
}

// DB is the entry point of every record and model operation. Operations may
// be called right after Open; the first one opens the store connection and
// the ones submitted meanwhile wait for it in submission order.
type DB struct {
	cfg     Config
	reg     *schema.Registry
	names   store.Collections
	models  *model.Manager
	coord   *coordinator.Coordinator
	cache   lru.RecordCache
	logger  *log.Logger
	metrics *metrics.Metrics
}

func Open(cfg Config, opts ...Option) (*DB, Closer, error) {
	cfg.applyDefaults()

	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = logging.New(os.Stderr, cfg.LogLevel)
	}

	reg, err := loadRegistry(cfg)
	if err != nil {
		return nil, NullCloser, err
	}

	snap := o.snapshot
	if snap == nil {
		if snap, err = newSnapshot(context.Background(), cfg.Snapshot); err != nil {
			return nil, NullCloser, err
		}
	}

	connector := o.connector
	if connector == nil {
		if connector, err = newConnector(cfg, logger); err != nil {
			return nil, NullCloser, err
		}
	}

	cache, err := newRecordCache(cfg)
	if err != nil {
		return nil, NullCloser, err
	}

	names := store.NewCollections(reg.Species(), cfg.Development)

	modelOpts := []model.Option{model.WithSnapshot(snap), model.WithLogger(logger)}
	if o.defaults != nil {
		modelOpts = append(modelOpts, model.WithDefaults(o.defaults))
	}
	models, err := model.NewManager(reg, names, modelOpts...)
	if err != nil {
		return nil, NullCloser, err
	}

	db := &DB{
		cfg:     cfg,
		reg:     reg,
		names:   names,
		models:  models,
		cache:   cache,
		logger:  logger.With("component", "db"),
		metrics: metrics.New(o.registry),
	}

	db.coord = coordinator.New(connector, db,
		coordinator.WithOnOpen(db.open),
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(db.metrics),
		coordinator.WithQueueTimeout(cfg.queueTimeout()),
	)

	return db, db.close, nil
}

func (db *DB) close() error {
	return db.Close(context.Background())
}

// Close fails operations still waiting for the connection and closes the store.
func (db *DB) Close(ctx context.Context) error {
	db.cache.Purge()
	return db.coord.Close(ctx)
}

// Species lists the known species in stable order.
func (db *DB) Species() []string {
	return db.reg.Species()
}

// Known reports whether species has a schema of its own.
func (db *DB) Known(species string) bool {
	return db.reg.Known(species)
}

// Schema returns the field schema of species, or of the default species when it is unknown.
func (db *DB) Schema(species string) schema.Schema {
	return db.reg.For(species)
}

// Collections reports the collection names in use.
func (db *DB) Collections() store.Collections {
	return db.names
}

// Ready is closed once the store is connected and the models are loaded.
func (db *DB) Ready() <-chan struct{} {
	return db.coord.Opened()
}

func (db *DB) Err() error {
	return db.coord.Err()
}

// open materializes the collections and loads the models before any queued operation runs.
func (db *DB) open(ctx context.Context, st store.Store) error {
	if err := st.Ensure(ctx, db.names.Records, data.SpeciesKey); err != nil {
		db.logger.Error("could not prepare records collection", "collection", db.names.Records, "err", err)
	}

	for _, species := range db.reg.Species() {
		name := db.names.Models[species]
		if err := st.Ensure(ctx, name, data.TimestampKey); err != nil {
			db.logger.Error("could not prepare model collection", "collection", name, "err", err)
		}
	}

	return db.models.Bootstrap(ctx, st)
}

func loadRegistry(cfg Config) (*schema.Registry, error) {
	if cfg.SchemaFile != "" {
		return schema.LoadFile(cfg.SchemaFile, cfg.DefaultSpecies)
	}
	return schema.Bundled(cfg.DefaultSpecies)
}

func newConnector(cfg Config, logger *log.Logger) (store.Connector, error) {
	switch cfg.Driver {
	case Memory:
		return memstore.Connector(memstore.New()), nil
	case SQLite:
		return sqlitestore.Connector{Path: cfg.SQLitePath}, nil
	case Mongo:
		return mongostore.Connector{
			URI:      cfg.Mongo.ConnectionURI(),
			Database: cfg.Mongo.Database,
			Logger:   logger,
		}, nil
	}
	return nil, errors.Wrapf(ErrUnknownDriver, "store %q", cfg.Driver)
}

func newSnapshot(ctx context.Context, cfg SnapshotConfig) (snapshot.Cache, error) {
	switch cfg.Driver {
	case NoSnapshot:
		return snapshot.Nop{}, nil
	case FileSnapshot:
		return snapshot.NewFile(cfg.Path), nil
	case S3Snapshot:
		return snapshot.NewS3(ctx, snapshot.S3Config{
			Bucket:    cfg.Bucket,
			Key:       cfg.Key,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			PathStyle: cfg.PathStyle,
		})
	}
	return nil, errors.Wrapf(ErrUnknownDriver, "snapshot %q", cfg.Driver)
}

func newRecordCache(cfg Config) (lru.RecordCache, error) {
	if !cfg.recordCache() {
		return lru.NullCache{}, nil
	}

	c, err := lru.New(cfg.CacheShards, cfg.CacheMaxBytes, nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not create record cache")
	}
	return c, nil
}

func opOptions(opts []*options.OpOptions) *options.OpOptions {
	return options.Merge(opts...)
}
