package storage_test

import (
	"bytes"
	"context"
	"fmt"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"path/filepath"
	"streamctl/server/base"
	"streamctl/server/config"
	"streamctl/server/metrics"
	"streamctl/server/storage"
	"streamctl/server/storage/storetest"
	"streamctl/util/testutil"
	"strings"
	"testing"
	"time"
)

func TestMemoryStore(t *testing.T) {
	testutil.LogTestMarker("TestMemoryStore")
	storetest.RunVersionedStoreSuite(t, func(t *testing.T) storage.VersionedStore {
		return storage.NewMemoryStore(nil)
	})
}

func TestBadgerStore(t *testing.T) {
	testutil.LogTestMarker("TestBadgerStore")
	storetest.RunVersionedStoreSuite(t, func(t *testing.T) storage.VersionedStore {
		dir := testutil.CreateFreshTestDir(testDirName(t))
		bs, err := storage.NewBadgerStore(dir, true, false, nil)
		require.NoError(t, err)
		return bs
	})
}

func TestBadgerStoreReopen(t *testing.T) {
	testutil.LogTestMarker("TestBadgerStoreReopen")
	ctx := context.Background()
	dir := testutil.CreateFreshTestDir("TestBadgerStoreReopen")
	bs, err := storage.NewBadgerStore(dir, true, false, nil)
	require.NoError(t, err)
	v1, err := bs.Create(ctx, "/k", []byte("v"))
	require.NoError(t, err)
	require.NoError(t, bs.Close())

	bs, err = storage.NewBadgerStore(dir, true, false, nil)
	require.NoError(t, err)
	defer bs.Close()
	vd, err := bs.Get(ctx, "/k")
	require.NoError(t, err)
	require.Equal(t, v1, vd.Version)
	v2, err := bs.Put(ctx, "/k2", []byte("v"))
	require.NoError(t, err)
	require.Greater(t, int64(v2), int64(v1))
}

func TestSQLStore(t *testing.T) {
	testutil.LogTestMarker("TestSQLStore")
	storetest.RunVersionedStoreSuite(t, func(t *testing.T) storage.VersionedStore {
		dir := testutil.CreateFreshTestDir(testDirName(t))
		ss, err := storage.NewSQLStore(config.KDialectSqlite, filepath.Join(dir, "metadata.db"), nil)
		require.NoError(t, err)
		return ss
	})
}

func TestRaftStore(t *testing.T) {
	testutil.LogTestMarker("TestRaftStore")
	storetest.RunVersionedStoreSuite(t, func(t *testing.T) storage.VersionedStore {
		return newInmemRaftStore(t)
	})
}

func TestRaftStoreSnapshotRestore(t *testing.T) {
	testutil.LogTestMarker("TestRaftStoreSnapshotRestore")
	ctx := context.Background()
	rs := newInmemRaftStore(t)
	defer rs.Close()
	for ii := 0; ii < 5; ii++ {
		_, err := rs.Put(ctx, fmt.Sprintf("/snap/%d", ii), []byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, rs.Snapshot())

	fsm := storage.NewVersionedStoreFSM(nil)
	snap, err := rs.FSM().Snapshot()
	require.NoError(t, err)
	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))
	require.NoError(t, fsm.Restore(sink))
	children, err := fsm.Store().List(ctx, "/snap")
	require.NoError(t, err)
	require.Equal(t, []string{"0", "1", "2", "3", "4"}, children)
}

func TestInstrumentedStore(t *testing.T) {
	testutil.LogTestMarker("TestInstrumentedStore")
	reg := prometheus.NewRegistry()
	m := metrics.NewStoreMetrics("test", reg)
	vs := storage.Instrument(storage.NewMemoryStore(nil), config.KBackendMemory, m)
	ctx := context.Background()
	v1, err := vs.Create(ctx, "/i", []byte("1"))
	require.NoError(t, err)
	_, err = vs.CompareAndSwap(ctx, "/i", []byte("2"), v1)
	require.NoError(t, err)
	_, err = vs.CompareAndSwap(ctx, "/i", []byte("3"), v1)
	require.True(t, base.IsKind(err, base.KindWriteConflict))
	_, err = vs.Get(ctx, "/missing")
	require.True(t, base.IsKind(err, base.KindNotFound))

	expected := `
# HELP test_store_write_conflicts_total Total number of compare and swap requests rejected due to a stale version
# TYPE test_store_write_conflicts_total counter
test_store_write_conflicts_total{backend="memory",op="cas"} 1
`
	require.NoError(t, promtestutil.GatherAndCompare(reg, strings.NewReader(expected),
		"test_store_write_conflicts_total"))
	// create/ok, cas/ok, cas/error and get/ok. A miss is not an error.
	count, err := promtestutil.GatherAndCount(reg, "test_store_requests_total")
	require.NoError(t, err)
	require.Equal(t, 4, count)
}

func TestOpenStore(t *testing.T) {
	testutil.LogTestMarker("TestOpenStore")
	cfg := config.Default().Store
	vs, err := storage.OpenStore(cfg, nil, nil)
	require.NoError(t, err)
	_, ok := vs.(*storage.MemoryStore)
	require.True(t, ok)
	require.NoError(t, vs.Close())

	cfg.Backend = config.KBackendBadger
	cfg.Badger.Dir = testutil.CreateFreshTestDir("TestOpenStore")
	vs, err = storage.OpenStore(cfg, metrics.NewStoreMetrics("open", nil), nil)
	require.NoError(t, err)
	is, ok := vs.(*storage.InstrumentedStore)
	require.True(t, ok)
	_, ok = is.Unwrap().(*storage.BadgerStore)
	require.True(t, ok)
	require.NoError(t, vs.Close())

	cfg.Backend = "zookeeper"
	_, err = storage.OpenStore(cfg, nil, nil)
	require.Error(t, err)
}

func newInmemRaftStore(t *testing.T) *storage.RaftStore {
	rs, err := storage.NewRaftStore(config.RaftConfig{
		NodeID:       "node-1",
		Bootstrap:    true,
		ApplyTimeout: 5 * time.Second,
		InMemory:     true,
	}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, rs.WaitForLeader(ctx))
	require.Eventually(t, rs.IsLeader, 10*time.Second, 10*time.Millisecond)
	return rs
}

func testDirName(t *testing.T) string {
	return strings.ReplaceAll(t.Name(), "/", "_")
}

// memorySink is a raft.SnapshotSink that keeps the snapshot in memory so it can be read back.
type memorySink struct {
	bytes.Buffer
}

func (ms *memorySink) ID() string {
	return "memory"
}

func (ms *memorySink) Cancel() error {
	return nil
}

func (ms *memorySink) Close() error {
	return nil
}
