package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/bench-history/tracker/types"
)

func testLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

var baseTime = time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)

func snapshotAt(commit string, offset time.Duration, values ...float64) types.RunSnapshot {
	s := types.RunSnapshot{
		CommitID:        commit,
		CommitTimestamp: baseTime.Add(offset - time.Hour),
		IngestTimestamp: baseTime.Add(offset),
		ToolName:        "go",
		Suite:           "Go Benchmark",
	}
	for i, v := range values {
		s.Metrics = append(s.Metrics, types.MetricRecord{
			Name:  fmt.Sprintf("BenchmarkDummy%d", i),
			Value: v,
			Unit:  "ns/op",
		}.WithExtra("100 times\n4 procs"))
	}
	return s
}

// StoreContractSuite runs the same HistoryStore behaviour over every backend
type StoreContractSuite struct {
	suite.Suite
	newBackend func(t *testing.T) Backend
	backend    Backend
	store      *DocumentStore
	ctx        context.Context
}

func (s *StoreContractSuite) SetupTest() {
	s.ctx = context.Background()
	s.backend = s.newBackend(s.T())
	s.store = NewDocumentStore(s.backend, Options{
		RepoURL:          "https://github.com/nlnwa/warchaeology",
		OperationTimeout: 5 * time.Second,
	}, testLogger())
}

func (s *StoreContractSuite) TestLoadMissingEnvironment() {
	history, err := s.store.Load(s.ctx, "ubuntu-22.04")
	s.Require().NoError(err)
	s.True(history.IsEmpty())
	s.Equal("ubuntu-22.04", history.EnvironmentID)
	s.NotNil(history.Snapshots)
}

func (s *StoreContractSuite) TestAppendThenLoad() {
	appended, err := s.store.Append(s.ctx, "ubuntu-22.04", snapshotAt("c1", 0, 190.8))
	s.Require().NoError(err)
	s.Require().Len(appended.Snapshots, 1)
	s.Equal("https://github.com/nlnwa/warchaeology", appended.RepoURL)

	loaded, err := s.store.Load(s.ctx, "ubuntu-22.04")
	s.Require().NoError(err)
	s.Equal(appended, loaded)

	again, err := s.store.Load(s.ctx, "ubuntu-22.04")
	s.Require().NoError(err)
	s.Equal(loaded, again)
}

func (s *StoreContractSuite) TestAppendOnlyPreservesExistingEntries() {
	for i, commit := range []string{"c1", "c2", "c3"} {
		_, err := s.store.Append(s.ctx, "env", snapshotAt(commit, time.Duration(i)*time.Minute, 190+float64(i)))
		s.Require().NoError(err)
	}
	before, err := s.store.Load(s.ctx, "env")
	s.Require().NoError(err)

	after, err := s.store.Append(s.ctx, "env", snapshotAt("c4", 10*time.Minute, 188))
	s.Require().NoError(err)

	s.Require().Len(after.Snapshots, len(before.Snapshots)+1)
	s.Equal(before.Snapshots, after.Snapshots[:len(before.Snapshots)])
	s.Equal("c4", after.Snapshots[3].CommitID)
	s.True(after.LastUpdate.Equal(after.Snapshots[3].IngestTimestamp))
}

func (s *StoreContractSuite) TestOutOfOrderIngestInsertedByTimestamp() {
	_, err := s.store.Append(s.ctx, "env", snapshotAt("late", 2*time.Minute, 1))
	s.Require().NoError(err)
	history, err := s.store.Append(s.ctx, "env", snapshotAt("early", time.Minute, 2))
	s.Require().NoError(err)

	s.Equal("early", history.Snapshots[0].CommitID)
	s.Equal("late", history.Snapshots[1].CommitID)
	s.True(history.LastUpdate.Equal(baseTime.Add(2 * time.Minute)))
}

func (s *StoreContractSuite) TestDuplicateCommitIsAnotherRun() {
	_, err := s.store.Append(s.ctx, "env", snapshotAt("c1", 0, 190.8))
	s.Require().NoError(err)
	history, err := s.store.Append(s.ctx, "env", snapshotAt("c1", time.Minute, 189.2))
	s.Require().NoError(err)

	runs := history.RunsForCommit("c1")
	s.Require().Len(runs, 2)
	s.Equal(190.8, runs[0].Metrics[0].Value)
	s.Equal(189.2, runs[1].Metrics[0].Value)
}

func (s *StoreContractSuite) TestWindow() {
	for i := 0; i < 7; i++ {
		_, err := s.store.Append(s.ctx, "env", snapshotAt(fmt.Sprintf("c%d", i), time.Duration(i)*time.Minute, float64(100+i)))
		s.Require().NoError(err)
	}

	window, err := s.store.Window(s.ctx, "env", baseTime.Add(5*time.Minute), 3)
	s.Require().NoError(err)
	s.Require().Len(window, 3)
	s.Equal("c2", window[0].CommitID)
	s.Equal("c4", window[2].CommitID)

	window, err = s.store.Window(s.ctx, "env", baseTime, 5)
	s.Require().NoError(err)
	s.Empty(window)

	window, err = s.store.Window(s.ctx, "missing-env", baseTime.Add(time.Hour), 5)
	s.Require().NoError(err)
	s.Empty(window)
}

func (s *StoreContractSuite) TestSuiteWindow() {
	a := snapshotAt("c1", 0, 1)
	b := snapshotAt("c2", time.Minute, 2)
	b.Suite = "Other"
	c := snapshotAt("c3", 2*time.Minute, 3)
	for _, snap := range []types.RunSnapshot{a, b, c} {
		_, err := s.store.Append(s.ctx, "env", snap)
		s.Require().NoError(err)
	}

	window, err := s.store.SuiteWindow(s.ctx, "env", "Go Benchmark", baseTime.Add(time.Hour), 5)
	s.Require().NoError(err)
	s.Require().Len(window, 2)
	s.Equal("c1", window[0].CommitID)
	s.Equal("c3", window[1].CommitID)
}

func (s *StoreContractSuite) TestSuiteDefaultsToTool() {
	snap := snapshotAt("c1", 0, 1)
	snap.Suite = ""
	history, err := s.store.Append(s.ctx, "env", snap)
	s.Require().NoError(err)
	s.Equal("go", history.Snapshots[0].Suite)
}

func (s *StoreContractSuite) TestRejectsInvalidSnapshot() {
	tests := []struct {
		name   string
		mutate func(*types.RunSnapshot)
	}{
		{name: "empty commit", mutate: func(r *types.RunSnapshot) { r.CommitID = "" }},
		{name: "no metrics", mutate: func(r *types.RunSnapshot) { r.Metrics = nil }},
		{name: "negative value", mutate: func(r *types.RunSnapshot) { r.Metrics[0].Value = -1 }},
		{name: "zero ingest time", mutate: func(r *types.RunSnapshot) { r.IngestTimestamp = time.Time{} }},
	}

	for _, tt := range tests {
		snap := snapshotAt("c1", 0, 1)
		tt.mutate(&snap)
		_, err := s.store.Append(s.ctx, "env", snap)
		s.True(types.IsValidation(err), tt.name)
	}

	history, err := s.store.Load(s.ctx, "env")
	s.Require().NoError(err)
	s.True(history.IsEmpty())
}

func (s *StoreContractSuite) TestRejectsInvalidEnvironmentID() {
	for _, env := range []string{"", "../etc", "a/b", ".hidden"} {
		_, err := s.store.Append(s.ctx, env, snapshotAt("c1", 0, 1))
		s.True(types.IsValidation(err), env)
		_, err = s.store.Load(s.ctx, env)
		s.True(types.IsValidation(err), env)
	}
}

func (s *StoreContractSuite) TestBackendCompareAndSwap() {
	v1, err := s.backend.Write(s.ctx, "cas", "", []byte(`{"entries":{}}`))
	s.Require().NoError(err)
	s.NotEmpty(v1)

	_, err = s.backend.Write(s.ctx, "cas", "", []byte(`{"entries":{}, "x":1}`))
	s.ErrorIs(err, ErrVersionMismatch)

	v2, err := s.backend.Write(s.ctx, "cas", v1, []byte(`{"entries":{}, "x":2}`))
	s.Require().NoError(err)
	s.NotEqual(v1, v2)

	_, err = s.backend.Write(s.ctx, "cas", v1, []byte(`{"entries":{}, "x":3}`))
	s.ErrorIs(err, ErrVersionMismatch)

	data, version, err := s.backend.Read(s.ctx, "cas")
	s.Require().NoError(err)
	s.Equal(v2, version)
	s.Equal(`{"entries":{}, "x":2}`, string(data))
}

func (s *StoreContractSuite) TestConcurrentAppendsKeepEverySnapshot() {
	const writers = 12
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.store.Append(s.ctx, "env", snapshotAt(fmt.Sprintf("c%02d", i), time.Duration(i)*time.Second, float64(i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.NoError(err)
	}

	history, err := s.store.Load(s.ctx, "env")
	s.Require().NoError(err)
	s.Len(history.Snapshots, writers)
}

func (s *StoreContractSuite) TestLostRaceIsConflict() {
	rival := NewDocumentStore(s.backend, Options{}, testLogger())
	racing := &racingBackend{Backend: s.backend, race: func() {
		_, err := rival.Append(s.ctx, "env", snapshotAt("rival", time.Minute, 2))
		s.Require().NoError(err)
	}}
	store := NewDocumentStore(racing, Options{}, testLogger())

	_, err := store.Append(s.ctx, "env", snapshotAt("loser", 2*time.Minute, 1))
	s.Require().Error(err)
	s.True(types.IsConflict(err))

	history, err := s.store.Load(s.ctx, "env")
	s.Require().NoError(err)
	s.Require().Len(history.Snapshots, 1)
	s.Equal("rival", history.Snapshots[0].CommitID)

	// A retry of the whole append succeeds on top of the rival's run
	history, err = store.Append(s.ctx, "env", snapshotAt("loser", 2*time.Minute, 1))
	s.Require().NoError(err)
	s.Len(history.Snapshots, 2)
}

// racingBackend lets another writer win between the read and the first write
type racingBackend struct {
	Backend
	once sync.Once
	race func()
}

func (b *racingBackend) Write(ctx context.Context, environmentID string, expected Version, document []byte) (Version, error) {
	b.once.Do(b.race)
	return b.Backend.Write(ctx, environmentID, expected, document)
}

func TestFileStore(t *testing.T) {
	suite.Run(t, &StoreContractSuite{newBackend: func(t *testing.T) Backend {
		return NewFileBackend(afero.NewMemMapFs(), "/benchmarks", "data.json", testLogger())
	}})
}

func TestRedisStore(t *testing.T) {
	suite.Run(t, &StoreContractSuite{newBackend: func(t *testing.T) Backend {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		return NewRedisBackend(rdb, "test", testLogger())
	}})
}

func TestS3Store(t *testing.T) {
	suite.Run(t, &StoreContractSuite{newBackend: func(t *testing.T) Backend {
		return NewS3Backend(newFakeS3(), "bench", "histories", "data.json", testLogger())
	}})
}

func TestSQLiteStore(t *testing.T) {
	suite.Run(t, &StoreContractSuite{newBackend: func(t *testing.T) Backend {
		backend, err := OpenSQLBackend(context.Background(), SQLOptions{Dialect: DialectSQLite, DSN: ":memory:"}, testLogger())
		require.NoError(t, err)
		t.Cleanup(func() { backend.Close() })
		return backend
	}})
}

// stubBackend fails or stalls on demand
type stubBackend struct {
	readErr error
	stall   bool
}

func (b *stubBackend) Name() string { return "stub" }

func (b *stubBackend) Read(ctx context.Context, environmentID string) ([]byte, Version, error) {
	if b.stall {
		<-ctx.Done()
		return nil, "", ctx.Err()
	}
	if b.readErr != nil {
		return nil, "", b.readErr
	}
	return nil, "", ErrNotFound
}

func (b *stubBackend) Write(ctx context.Context, environmentID string, expected Version, document []byte) (Version, error) {
	return "", errors.New("disk full")
}

func TestDocumentStore_Unavailable(t *testing.T) {
	ctx := context.Background()

	t.Run("read error", func(t *testing.T) {
		store := NewDocumentStore(&stubBackend{readErr: errors.New("connection refused")}, Options{}, testLogger())
		_, err := store.Load(ctx, "env")
		assert.True(t, types.IsUnavailable(err))
		_, err = store.Window(ctx, "env", baseTime, 5)
		assert.True(t, types.IsUnavailable(err))
	})

	t.Run("timeout", func(t *testing.T) {
		store := NewDocumentStore(&stubBackend{stall: true}, Options{OperationTimeout: 20 * time.Millisecond}, testLogger())
		_, err := store.Load(ctx, "env")
		require.Error(t, err)
		assert.True(t, types.IsUnavailable(err))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("write error", func(t *testing.T) {
		store := NewDocumentStore(&stubBackend{}, Options{}, testLogger())
		_, err := store.Append(ctx, "env", snapshotAt("c1", 0, 1))
		assert.True(t, types.IsUnavailable(err))
		assert.False(t, types.IsConflict(err))
	})
}

func TestDocumentStore_CorruptDocument(t *testing.T) {
	fs := afero.NewMemMapFs()
	backend := NewFileBackend(fs, "/b", "", testLogger())
	require.NoError(t, fs.MkdirAll("/b/env", 0755))
	require.NoError(t, afero.WriteFile(fs, backend.Path("env"), []byte("<html>"), 0644))

	store := NewDocumentStore(backend, Options{}, testLogger())
	_, err := store.Load(context.Background(), "env")
	require.Error(t, err)
	assert.False(t, types.IsUnavailable(err))

	_, err = store.Append(context.Background(), "env", snapshotAt("c1", 0, 1))
	require.Error(t, err)
	data, err := afero.ReadFile(fs, backend.Path("env"))
	require.NoError(t, err)
	assert.Equal(t, "<html>", string(data))
}

func TestDocumentStore_NormalizesPrecision(t *testing.T) {
	store := NewDocumentStore(NewFileBackend(afero.NewMemMapFs(), "/b", "", testLogger()), Options{}, testLogger())

	snap := snapshotAt("c1", 0, 1)
	snap.IngestTimestamp = baseTime.Add(1500 * time.Microsecond).In(time.FixedZone("CET", 3600))
	history, err := store.Append(context.Background(), "env", snap)
	require.NoError(t, err)

	got := history.Snapshots[0].IngestTimestamp
	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, got.Equal(baseTime.Add(time.Millisecond)))
	assert.True(t, snap.IngestTimestamp.Equal(baseTime.Add(1500*time.Microsecond)), "caller's snapshot is not modified")
}
