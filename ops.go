package petdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/trafflux/petdb/internal/coordinator"
	"github.com/trafflux/petdb/internal/data"
	"github.com/trafflux/petdb/internal/query"
	"github.com/trafflux/petdb/internal/sanitize"
	"github.com/trafflux/petdb/internal/store"
	"github.com/trafflux/petdb/options"
)

// RemoveResult reports what RemoveAnimal deleted.
type RemoveResult struct {
	Species string `json:"species"`
	Removed int64  `json:"removed"`
}

// FindAnimal returns the first record matching props, projected through the
// current model of its species.
func (db *DB) FindAnimal(ctx context.Context, props M, opts ...*options.OpOptions) (Fields, error) {
	res, err := db.submit(ctx, coordinator.Command{
		Kind:    coordinator.FindAnimal,
		Species: db.reg.Resolve(props),
		Props:   props,
	}, opts)
	if err != nil {
		return nil, err
	}
	return res.(data.Fields), nil
}

func (db *DB) FindAnimals(ctx context.Context, props M, opts ...*options.OpOptions) ([]Fields, error) {
	res, err := db.submit(ctx, coordinator.Command{
		Kind:    coordinator.FindAnimals,
		Species: db.reg.Resolve(props),
		Props:   props,
	}, opts)
	if err != nil {
		return nil, err
	}
	return res.([]data.Fields), nil
}

// SaveAnimal inserts or updates the record identified by petId or petName.
func (db *DB) SaveAnimal(ctx context.Context, props M, opts ...*options.OpOptions) (Fields, error) {
	res, err := db.submit(ctx, coordinator.Command{
		Kind:    coordinator.SaveAnimal,
		Species: db.reg.Resolve(props),
		Props:   props,
	}, opts)
	if err != nil {
		return nil, err
	}
	return res.(data.Fields), nil
}

// RemoveAnimal deletes the records matching props. Without petId, petName or
// any schema field it removes every record of the species.
func (db *DB) RemoveAnimal(ctx context.Context, props M, opts ...*options.OpOptions) (RemoveResult, error) {
	species := db.reg.Resolve(props)
	res, err := db.submit(ctx, coordinator.Command{
		Kind:    coordinator.RemoveAnimal,
		Species: species,
		Props:   props,
	}, opts)
	if err != nil {
		return RemoveResult{Species: species}, err
	}
	return res.(RemoveResult), nil
}

// FindModel returns the latest stored model of the species named by
// fields.species. When the store cannot be read the in-memory model is
// returned along with the error.
func (db *DB) FindModel(ctx context.Context, fields Fields, opts ...*options.OpOptions) (Fields, error) {
	res, err := db.submit(ctx, coordinator.Command{
		Kind:    coordinator.FindModel,
		Species: db.reg.ResolveModel(fields),
		Fields:  fields,
	}, opts)
	out, _ := res.(data.Fields)
	return out, err
}

// SaveModel merges the descriptors of fields into the current model of its
// species and stores the result as a new version. The merged model is
// returned even when it could not be persisted.
func (db *DB) SaveModel(ctx context.Context, fields Fields, opts ...*options.OpOptions) (Fields, error) {
	res, err := db.submit(ctx, coordinator.Command{
		Kind:    coordinator.SaveModel,
		Species: db.reg.ResolveModel(fields),
		Fields:  fields,
	}, opts)
	out, _ := res.(data.Fields)
	return out, err
}

func (db *DB) submit(ctx context.Context, cmd coordinator.Command, opts []*options.OpOptions) (interface{}, error) {
	cmd.Options = opOptions(opts)
	if cmd.Options.Above(options.DebugMed) {
		db.opLogger(cmd.Options).Debug("submitting", "command", cmd.Kind, "species", cmd.Species, "state", db.coord.State())
	}
	return db.coord.Do(ctx, cmd)
}

// Dispatch runs a command against the open store.
func (db *DB) Dispatch(ctx context.Context, st store.Store, cmd coordinator.Command) (res interface{}, err error) {
	started := time.Now()
	defer func() {
		db.metrics.Observe(cmd.Kind.String(), started, err)
	}()

	switch cmd.Kind {
	case coordinator.FindAnimal:
		return db.findAnimal(ctx, st, cmd)
	case coordinator.FindAnimals:
		return db.findAnimals(ctx, st, cmd)
	case coordinator.SaveAnimal:
		return db.saveAnimal(ctx, st, cmd)
	case coordinator.RemoveAnimal:
		return db.removeAnimal(ctx, st, cmd)
	case coordinator.FindModel:
		return db.findModel(ctx, st, cmd)
	case coordinator.SaveModel:
		return db.saveModel(ctx, st, cmd)
	}

	return nil, errors.Errorf("unknown command %d", cmd.Kind)
}

func (db *DB) findAnimal(ctx context.Context, st store.Store, cmd coordinator.Command) (interface{}, error) {
	logger := db.opLogger(cmd.Options)
	q := query.Build(db.reg, cmd.Props)
	if cmd.Options.Above(options.DebugLow) {
		logger.Debug("findAnimal", "query", q)
	}

	if q.HasID() {
		if doc, ok := db.cached(fmt.Sprint(q.ID)); ok {
			return sanitize.Record(db.reg, db.models, doc), nil
		}
	}

	doc, err := st.Collection(db.names.Records).FindOne(ctx, q)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.Wrapf(ErrAnimalNotFound, "%s", q)
	}
	if err != nil {
		db.logger.Error("findAnimal failed", "query", q, "err", err)
		return nil, errors.Wrap(err, "could not find animal")
	}

	db.remember(doc)

	out := sanitize.Record(db.reg, db.models, doc)
	if cmd.Options.Above(options.DebugHigh) {
		logger.Debug("findAnimal result", "record", out)
	}
	return out, nil
}

func (db *DB) findAnimals(ctx context.Context, st store.Store, cmd coordinator.Command) (interface{}, error) {
	logger := db.opLogger(cmd.Options)
	q := query.Build(db.reg, cmd.Props)
	if cmd.Options.Above(options.DebugLow) {
		logger.Debug("findAnimals", "query", q)
	}

	docs, err := st.Collection(db.names.Records).Find(ctx, q)
	if err != nil {
		db.logger.Error("findAnimals failed", "query", q, "err", err)
		return nil, errors.Wrap(err, "could not find animals")
	}

	out := make([]data.Fields, 0, len(docs))
	for _, doc := range docs {
		db.remember(doc)
		out = append(out, sanitize.Record(db.reg, db.models, doc))
	}

	if cmd.Options.Above(options.DebugMed) {
		logger.Debug("findAnimals result", "count", len(out))
	}
	return out, nil
}

func (db *DB) saveAnimal(ctx context.Context, st store.Store, cmd coordinator.Command) (interface{}, error) {
	logger := db.opLogger(cmd.Options)
	q := query.Build(db.reg, sanitize.SearchParams(cmd.Props))
	update := sanitize.Input(db.reg, cmd.Props)
	if cmd.Options.Above(options.DebugLow) {
		logger.Debug("saveAnimal", "query", q, "fields", len(update))
	}

	doc, err := st.Collection(db.names.Records).FindOneAndUpdate(ctx, q, update, store.UpdateOptions{
		Upsert:        true,
		ReturnUpdated: true,
	})
	if err != nil {
		db.logger.Error("saveAnimal failed", "query", q, "err", err)
		return nil, errors.Wrap(err, "could not save animal")
	}

	db.remember(doc)

	out := sanitize.Record(db.reg, db.models, doc)
	if cmd.Options.Above(options.DebugHigh) {
		logger.Debug("saveAnimal result", "record", out)
	}
	return out, nil
}

func (db *DB) removeAnimal(ctx context.Context, st store.Store, cmd coordinator.Command) (interface{}, error) {
	logger := db.opLogger(cmd.Options)
	q := query.Build(db.reg, sanitize.SearchParams(cmd.Props))
	res := RemoveResult{Species: cmd.Species}

	if q.Unrestricted() {
		db.logger.Warn("removing every record of species", "species", q.Species)
	} else if cmd.Options.Above(options.DebugLow) {
		logger.Debug("removeAnimal", "query", q)
	}

	n, err := st.Collection(db.names.Records).Remove(ctx, q)

	if q.HasID() {
		db.cache.Remove(fmt.Sprint(q.ID))
	} else {
		db.cache.Purge()
	}

	if err != nil {
		db.logger.Error("removeAnimal failed", "query", q, "err", err)
		return res, errors.Wrap(err, "could not remove animal")
	}

	res.Removed = n
	return res, nil
}

func (db *DB) findModel(ctx context.Context, st store.Store, cmd coordinator.Command) (interface{}, error) {
	logger := db.opLogger(cmd.Options)
	mdl, err := db.models.Refresh(ctx, st, cmd.Species)
	out := sanitize.Model(mdl.Document())
	if cmd.Options.Above(options.DebugMed) {
		logger.Debug("findModel", "species", mdl.Species, "timestamp", mdl.Timestamp)
	}
	return out, err
}

func (db *DB) saveModel(ctx context.Context, st store.Store, cmd coordinator.Command) (interface{}, error) {
	logger := db.opLogger(cmd.Options)
	mdl, err := db.models.Merge(ctx, st, cmd.Species, cmd.Fields)
	db.metrics.ModelVersion(mdl.Species)
	if cmd.Options.Above(options.DebugLow) {
		logger.Debug("saveModel", "species", mdl.Species, "timestamp", mdl.Timestamp)
	}
	return sanitize.Model(mdl.Document()), err
}

// opLogger returns a logger that emits debug lines for commands asking for
// them, whatever the configured level.
func (db *DB) opLogger(o *options.OpOptions) *log.Logger {
	if !o.Above(options.DebugNone) {
		return db.logger
	}
	l := db.logger.With()
	l.SetLevel(log.DebugLevel)
	return l
}

func (db *DB) cached(id string) (data.M, bool) {
	b, ok := db.cache.Get(id)
	db.metrics.CacheLookup(ok)
	if !ok {
		return nil, false
	}

	var doc data.M
	if err := json.Unmarshal(b, &doc); err != nil {
		db.cache.Remove(id)
		return nil, false
	}
	return doc, true
}

func (db *DB) remember(doc data.M) {
	id, ok := doc[data.IDKey]
	if !ok || id == nil {
		return
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return
	}
	db.cache.Add(fmt.Sprint(id), b)
}
