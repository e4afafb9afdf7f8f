package petdb

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/trafflux/petdb/internal/coordinator"
	"github.com/trafflux/petdb/internal/logging"
	"github.com/trafflux/petdb/internal/snapshot"
	"github.com/trafflux/petdb/internal/store"
	"github.com/trafflux/petdb/internal/store/memstore"
	"github.com/trafflux/petdb/options"
)

func testConfig() Config {
	return Config{
		Development:  true,
		QueueTimeout: time.Second,
		Snapshot:     SnapshotConfig{Driver: NoSnapshot},
	}
}

type dbSuite struct {
	suite.Suite
	ctx    context.Context
	st     *memstore.Store
	db     *DB
	closer Closer
}

func (s *dbSuite) SetupTest() {
	s.ctx = context.Background()
	s.st = memstore.New()

	var err error
	s.db, s.closer, err = Open(testConfig(),
		WithConnector(memstore.Connector(s.st)),
		WithLogger(logging.Discard()),
	)
	s.Require().NoError(err)
}

func (s *dbSuite) TearDownTest() {
	s.Require().NoError(s.closer())
}

func (s *dbSuite) save(props M) Fields {
	rec, err := s.db.SaveAnimal(s.ctx, props)
	s.Require().NoError(err)
	return rec
}

func (s *dbSuite) TestSaveAndFind() {
	saved := s.save(M{"species": "dog", "petName": "Rex", "age": "3", "breed": "lab", "nickname": "x"})

	id, ok := saved["petId"]["val"].(string)
	s.Require().True(ok)
	s.NotEmpty(id)
	s.Equal("Rex", saved["petName"]["val"])
	s.Equal("Name", saved["petName"]["label"])
	s.Equal(3.0, saved["age"]["val"])
	s.Equal("dog", saved["species"]["val"])
	s.NotContains(saved, "nickname")

	byName, err := s.db.FindAnimal(s.ctx, M{"petName": "Rex"})
	s.Require().NoError(err)
	s.Equal(saved, byName)

	byID, err := s.db.FindAnimal(s.ctx, M{"petId": id})
	s.Require().NoError(err)
	s.Equal(saved, byID)

	coll := s.st.Collection(s.db.Collections().Records).(*memstore.Collection)
	s.Equal(1, coll.Len())
	s.Equal("pets_test", coll.Name())
}

func (s *dbSuite) TestSaveUpdatesByID() {
	saved := s.save(M{"species": "dog", "petName": "Rex", "age": 3})
	id := saved["petId"]["val"]

	updated := s.save(M{"petId": id, "petName": "Rex", "age": M{"val": "4"}, "weight": "heavy"})
	s.Equal(id, updated["petId"]["val"])
	s.Equal(4.0, updated["age"]["val"])
	s.Equal(-1.0, updated["weight"]["val"])

	all, err := s.db.FindAnimals(s.ctx, M{"species": "dog"})
	s.Require().NoError(err)
	s.Require().Len(all, 1)
	s.Equal(4.0, all[0]["age"]["val"])
}

func (s *dbSuite) TestSaveUpdatesByName() {
	first := s.save(M{"species": "cat", "petName": "Tom", "color": "grey"})
	second := s.save(M{"species": "cat", "petName": "Tom", "color": "black"})

	s.Equal(first["petId"]["val"], second["petId"]["val"])
	s.Equal("black", second["color"]["val"])

	byID, err := s.db.FindAnimal(s.ctx, M{"_id": first["petId"]["val"]})
	s.Require().NoError(err)
	s.Equal("black", byID["color"]["val"], "cached record follows the update")
}

func (s *dbSuite) TestFindAnimal_NotFound() {
	s.save(M{"petName": "Rex"})

	_, err := s.db.FindAnimal(s.ctx, M{"petName": "Ghost"})
	s.True(errors.Is(err, ErrAnimalNotFound))

	_, err = s.db.FindAnimal(s.ctx, M{"petId": "missing"})
	s.True(errors.Is(err, ErrAnimalNotFound))
}

func (s *dbSuite) TestFindAnimals_Modifiers() {
	s.save(M{"species": "dog", "petName": "Rex", "breed": "Labrador"})
	s.save(M{"species": "dog", "petName": "Rexy", "breed": "pug"})
	s.save(M{"species": "dog", "petName": "Max", "breed": "lab mix"})
	s.save(M{"species": "cat", "petName": "Rexa"})

	found, err := s.db.FindAnimals(s.ctx, M{"species": "dog", "petName": "Rex", "matchStartFor": []string{"petName"}})
	s.Require().NoError(err)
	s.Len(found, 2)

	found, err = s.db.FindAnimals(s.ctx, M{"breed": "lab", "matchStartFor": []string{"breed"}, "ignoreCaseFor": []string{"breed"}})
	s.Require().NoError(err)
	s.Len(found, 2)

	found, err = s.db.FindAnimals(s.ctx, M{"species": "cat"})
	s.Require().NoError(err)
	s.Require().Len(found, 1)
	s.Equal("Rexa", found[0]["petName"]["val"])
}

func (s *dbSuite) TestRemoveAnimal_UnrestrictedRemovesSpecies() {
	s.save(M{"species": "cat", "petName": "Tom"})
	s.save(M{"species": "cat", "petName": "Felix"})
	s.save(M{"species": "dog", "petName": "Rex"})

	res, err := s.db.RemoveAnimal(s.ctx, M{"species": "cat"})
	s.Require().NoError(err)
	s.Equal(RemoveResult{Species: "cat", Removed: 2}, res)

	cats, err := s.db.FindAnimals(s.ctx, M{"species": "cat"})
	s.Require().NoError(err)
	s.Empty(cats)

	dogs, err := s.db.FindAnimals(s.ctx, M{"species": "dog"})
	s.Require().NoError(err)
	s.Len(dogs, 1)
}

func (s *dbSuite) TestRemoveAnimal_ByID() {
	rex := s.save(M{"petName": "Rex"})
	s.save(M{"petName": "Max"})
	id := rex["petId"]["val"]

	_, err := s.db.FindAnimal(s.ctx, M{"petId": id})
	s.Require().NoError(err)

	res, err := s.db.RemoveAnimal(s.ctx, M{"petId": id, "petName": "Rex"})
	s.Require().NoError(err)
	s.Equal(int64(1), res.Removed)

	_, err = s.db.FindAnimal(s.ctx, M{"petId": id})
	s.True(errors.Is(err, ErrAnimalNotFound), "removed record is not served from the cache")

	_, err = s.db.FindAnimal(s.ctx, M{"petName": "Max"})
	s.NoError(err)
}

func (s *dbSuite) TestModels() {
	mdl, err := s.db.FindModel(s.ctx, Fields{"species": {"val": "Cat"}})
	s.Require().NoError(err)
	s.Equal("Name", mdl["petName"]["label"])
	s.Contains(mdl, "declawed")
	s.NotContains(mdl, "timestamp")

	merged, err := s.db.SaveModel(s.ctx, Fields{
		"species":  {"val": "cat"},
		"petName":  {"label": "Pet name", "val": "ignored"},
		"unlisted": {"label": "Nope"},
	})
	s.Require().NoError(err)
	s.Equal("Pet name", merged["petName"]["label"])
	s.Equal("input", merged["petName"]["fieldType"])
	s.NotContains(merged["petName"], "val")
	s.NotContains(merged, "unlisted")

	again, err := s.db.FindModel(s.ctx, Fields{"species": {"defaultVal": "cat"}})
	s.Require().NoError(err)
	s.Equal(merged, again)

	dog, err := s.db.FindModel(s.ctx, Fields{})
	s.Require().NoError(err)
	s.Equal("Name", dog["petName"]["label"], "other species keep their model")

	rec := s.save(M{"species": "cat", "petName": "Tom"})
	s.Equal("Pet name", rec["petName"]["label"])

	versions, err := s.st.Collection(s.db.Collections().Models["cat"]).Latest(s.ctx, "timestamp", 10)
	s.Require().NoError(err)
	s.Len(versions, 2)
}

func (s *dbSuite) TestAccessors() {
	s.Equal([]string{"cat", "dog"}, s.db.Species())
	s.True(s.db.Schema("cat").Has("declawed"))
	s.False(s.db.Schema("lizard").Has("declawed"))
	s.True(s.db.Known("CAT"))
	s.False(s.db.Known("lizard"))
	s.Equal("pets_model_dog_test", s.db.Collections().Models["dog"])
}

func (s *dbSuite) TestCompleteCallback() {
	var calls int
	var got interface{}
	opts := options.Op().SetDebug(options.DebugTMI).OnComplete(func(res interface{}, err error) {
		calls++
		got = res
		s.NoError(err)
	})

	rec, err := s.db.SaveAnimal(s.ctx, M{"petName": "Rex"}, opts)
	s.Require().NoError(err)
	s.Equal(1, calls)
	s.Equal(rec, got)

	_, err = s.db.FindAnimal(s.ctx, M{"petName": "Rex"}, options.Op().OnComplete(func(res interface{}, err error) {
		calls++
	}))
	s.Require().NoError(err)
	s.Equal(2, calls)
}

func TestDB(t *testing.T) {
	suite.Run(t, new(dbSuite))
}

func TestDB_QueuesUntilReady(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	release := make(chan struct{})
	connector := store.ConnectorFunc(func(ctx context.Context) (store.Store, error) {
		<-release
		return st, nil
	})

	db, closer, err := Open(testConfig(), WithConnector(connector), WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer closer()

	var wg sync.WaitGroup
	results := make([]Fields, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		rec, err := db.SaveAnimal(ctx, M{"petName": "Rex"})
		assert.NoError(t, err)
		results[0] = rec
	}()

	require.Eventually(t, func() bool {
		return len(db.coord.Pending()) == 1
	}, time.Second, 5*time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		rec, err := db.FindAnimal(ctx, M{"petName": "Rex"})
		assert.NoError(t, err)
		results[1] = rec
	}()

	require.Eventually(t, func() bool {
		return len(db.coord.Pending()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []coordinator.Kind{coordinator.SaveAnimal, coordinator.FindAnimal}, db.coord.Pending())
	assert.Equal(t, coordinator.Connecting, db.coord.State())

	close(release)
	wg.Wait()

	assert.Equal(t, results[0], results[1], "the find queued after the save sees it")
	<-db.Ready()
	assert.NoError(t, db.Err())
}

func TestDB_QueueTimeout(t *testing.T) {
	connector := store.ConnectorFunc(func(ctx context.Context) (store.Store, error) {
		return nil, errors.New("connection refused")
	})

	cfg := testConfig()
	cfg.QueueTimeout = 20 * time.Millisecond
	db, closer, err := Open(cfg, WithConnector(connector), WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer closer()

	_, err = db.FindAnimals(context.Background(), M{})
	assert.True(t, errors.Is(err, coordinator.ErrQueueTimeout))
	assert.Eventually(t, func() bool { return db.Err() != nil }, time.Second, 5*time.Millisecond)
}

func TestDB_ClosedRefusesOperations(t *testing.T) {
	db, _, err := Open(testConfig(), WithLogger(logging.Discard()))
	require.NoError(t, err)

	_, err = db.SaveAnimal(context.Background(), M{"petName": "Rex"})
	require.NoError(t, err)
	require.NoError(t, db.Close(context.Background()))

	_, err = db.FindAnimal(context.Background(), M{"petName": "Rex"})
	assert.True(t, errors.Is(err, coordinator.ErrClosed))
}

func TestDB_SQLitePersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Driver = SQLite
	cfg.SQLitePath = filepath.Join(dir, "pets.db")
	cfg.Snapshot = SnapshotConfig{Driver: FileSnapshot, Path: filepath.Join(dir, "models.json")}

	db, closer, err := Open(cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)

	saved, err := db.SaveAnimal(ctx, M{"species": "cat", "petName": "Tom", "intakeDate": "2021-03-04"})
	require.NoError(t, err)
	_, err = db.SaveModel(ctx, Fields{"species": {"val": "cat"}, "petName": {"label": "Cat name"}})
	require.NoError(t, err)
	require.NoError(t, closer())

	cached, err := snapshot.NewFile(cfg.Snapshot.Path).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Cat name", cached["cat"]["petName"]["label"])

	db, closer, err = Open(cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer closer()

	found, err := db.FindAnimal(ctx, M{"petId": saved["petId"]["val"]})
	require.NoError(t, err)
	assert.Equal(t, "Cat name", found["petName"]["label"])
	assert.Equal(t, saved["intakeDate"]["val"], found["intakeDate"]["val"])
	assert.IsType(t, time.Time{}, found["intakeDate"]["val"])
}

func TestDB_SQLiteSharedStoreSkipsRecordCache(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Driver = SQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "pets.db")

	a, closeA, err := Open(cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer closeA()

	b, closeB, err := Open(cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer closeB()

	saved, err := a.SaveAnimal(ctx, M{"petName": "Rex"})
	require.NoError(t, err)
	id := saved["petId"]["val"]

	_, err = a.FindAnimal(ctx, M{"petId": id})
	require.NoError(t, err)

	res, err := b.RemoveAnimal(ctx, M{"petId": id})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Removed)

	_, err = a.FindAnimal(ctx, M{"petId": id})
	assert.True(t, errors.Is(err, ErrAnimalNotFound), "got %v", err)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDB_DebugOptionAtInfoLevel(t *testing.T) {
	ctx := context.Background()
	var out lockedBuffer

	db, closer, err := Open(testConfig(), WithLogger(logging.New(&out, "info")))
	require.NoError(t, err)
	defer closer()

	_, err = db.SaveAnimal(ctx, M{"petName": "Rex"})
	require.NoError(t, err)
	assert.NotContains(t, out.String(), "saveAnimal")

	_, err = db.FindAnimal(ctx, M{"petName": "Rex"}, options.Op().SetDebug(options.DebugHigh))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "findAnimal result")

	_, err = db.FindAnimals(ctx, M{})
	require.NoError(t, err)
	assert.NotContains(t, out.String(), "findAnimals")
}

func TestDB_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	db, closer, err := Open(testConfig(), WithLogger(logging.Discard()), WithMetrics(reg))
	require.NoError(t, err)
	defer closer()

	_, err = db.SaveAnimal(context.Background(), M{"petName": "Rex"})
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["petdb_db_operations_total"])
	assert.True(t, names["petdb_coordinator_state"])
}

func TestOpen_UnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Driver = "cassandra"

	_, _, err := Open(cfg, WithLogger(logging.Discard()))
	assert.True(t, errors.Is(err, ErrUnknownDriver))

	cfg = testConfig()
	cfg.Snapshot.Driver = "ftp"
	_, _, err = Open(cfg, WithLogger(logging.Discard()))
	assert.True(t, errors.Is(err, ErrUnknownDriver))
}
