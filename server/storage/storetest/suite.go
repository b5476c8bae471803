// Package storetest holds the behavior every VersionedStore backend must exhibit.
package storetest

import (
	"context"
	"fmt"
	"github.com/stretchr/testify/require"
	"streamctl/server/base"
	"streamctl/server/storage"
	"sync"
	"testing"
)

// StoreFactory returns a fresh, empty store for one subtest.
type StoreFactory func(t *testing.T) storage.VersionedStore

// RunVersionedStoreSuite runs the conformance tests against the stores produced by factory.
func RunVersionedStoreSuite(t *testing.T, factory StoreFactory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, vs storage.VersionedStore)
	}{
		{"GetMissing", testGetMissing},
		{"CreateGet", testCreateGet},
		{"CompareAndSwap", testCompareAndSwap},
		{"Put", testPut},
		{"Delete", testDelete},
		{"RecreateNewVersion", testRecreateNewVersion},
		{"List", testList},
		{"InvalidPath", testInvalidPath},
		{"ConcurrentCompareAndSwap", testConcurrentCompareAndSwap},
		{"DeleteRecursive", testDeleteRecursive},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			vs := factory(t)
			defer vs.Close()
			tc.fn(t, vs)
		})
	}
}

func testGetMissing(t *testing.T, vs storage.VersionedStore) {
	_, err := vs.Get(context.Background(), "/missing")
	require.True(t, base.IsKind(err, base.KindNotFound), "got: %v", err)
}

func testCreateGet(t *testing.T, vs storage.VersionedStore) {
	ctx := context.Background()
	v1, err := vs.Create(ctx, "/scope/stream", []byte("hello"))
	require.NoError(t, err)
	vd, err := vs.Get(ctx, "/scope/stream")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), vd.Data)
	require.Equal(t, v1, vd.Version)

	_, err = vs.Create(ctx, "/scope/stream", []byte("again"))
	require.True(t, base.IsKind(err, base.KindAlreadyExists), "got: %v", err)
	vd, err = vs.Get(ctx, "/scope/stream")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), vd.Data)

	_, err = vs.Create(ctx, "/empty", nil)
	require.NoError(t, err)
	vd, err = vs.Get(ctx, "/empty")
	require.NoError(t, err)
	require.Len(t, vd.Data, 0)
}

func testCompareAndSwap(t *testing.T, vs storage.VersionedStore) {
	ctx := context.Background()
	v1, err := vs.Create(ctx, "/a", []byte("1"))
	require.NoError(t, err)
	v2, err := vs.CompareAndSwap(ctx, "/a", []byte("2"), v1)
	require.NoError(t, err)
	require.NotEqual(t, v1, v2)

	_, err = vs.CompareAndSwap(ctx, "/a", []byte("3"), v1)
	require.True(t, base.IsKind(err, base.KindWriteConflict), "got: %v", err)
	vd, err := vs.Get(ctx, "/a")
	require.NoError(t, err)
	require.Equal(t, []byte("2"), vd.Data)
	require.Equal(t, v2, vd.Version)

	_, err = vs.CompareAndSwap(ctx, "/b", []byte("1"), v1)
	require.True(t, base.IsKind(err, base.KindNotFound), "got: %v", err)
}

func testPut(t *testing.T, vs storage.VersionedStore) {
	ctx := context.Background()
	v1, err := vs.Put(ctx, "/p", []byte("1"))
	require.NoError(t, err)
	v2, err := vs.Put(ctx, "/p", []byte("2"))
	require.NoError(t, err)
	require.NotEqual(t, v1, v2)
	vd, err := vs.Get(ctx, "/p")
	require.NoError(t, err)
	require.Equal(t, []byte("2"), vd.Data)
	require.Equal(t, v2, vd.Version)
}

func testDelete(t *testing.T, vs storage.VersionedStore) {
	ctx := context.Background()
	v1, err := vs.Create(ctx, "/d", []byte("1"))
	require.NoError(t, err)
	v2, err := vs.CompareAndSwap(ctx, "/d", []byte("2"), v1)
	require.NoError(t, err)

	err = vs.Delete(ctx, "/d", v1)
	require.True(t, base.IsKind(err, base.KindWriteConflict), "got: %v", err)
	require.NoError(t, vs.Delete(ctx, "/d", v2))
	err = vs.Delete(ctx, "/d", base.NoVersion)
	require.True(t, base.IsKind(err, base.KindNotFound), "got: %v", err)

	_, err = vs.Create(ctx, "/u", []byte("1"))
	require.NoError(t, err)
	require.NoError(t, vs.Delete(ctx, "/u", base.NoVersion))
	_, err = vs.Get(ctx, "/u")
	require.True(t, base.IsKind(err, base.KindNotFound), "got: %v", err)
}

func testRecreateNewVersion(t *testing.T, vs storage.VersionedStore) {
	ctx := context.Background()
	v1, err := vs.Create(ctx, "/r", []byte("1"))
	require.NoError(t, err)
	require.NoError(t, vs.Delete(ctx, "/r", v1))
	v2, err := vs.Create(ctx, "/r", []byte("1"))
	require.NoError(t, err)
	require.NotEqual(t, v1, v2)
	_, err = vs.CompareAndSwap(ctx, "/r", []byte("2"), v1)
	require.True(t, base.IsKind(err, base.KindWriteConflict), "got: %v", err)
}

func testList(t *testing.T, vs storage.VersionedStore) {
	ctx := context.Background()
	for _, p := range []string{"/l/c", "/l/a", "/l/b/x", "/l/b/y", "/la", "/l/b"} {
		_, err := vs.Put(ctx, p, []byte(p))
		require.NoError(t, err)
	}
	children, err := vs.List(ctx, "/l")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, children)

	children, err = vs.List(ctx, "/l/b")
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y"}, children)

	children, err = vs.List(ctx, "/nothing")
	require.NoError(t, err)
	require.Empty(t, children)

	children, err = vs.List(ctx, "/")
	require.NoError(t, err)
	require.Equal(t, []string{"l", "la"}, children)
}

func testInvalidPath(t *testing.T, vs storage.VersionedStore) {
	ctx := context.Background()
	for _, p := range []string{"relative", "/trailing/", "/double//slash"} {
		_, err := vs.Put(ctx, p, []byte("x"))
		require.Error(t, err, p)
		_, err = vs.Get(ctx, p)
		require.Error(t, err, p)
	}
}

func testConcurrentCompareAndSwap(t *testing.T, vs storage.VersionedStore) {
	ctx := context.Background()
	v1, err := vs.Create(ctx, "/c", []byte("0"))
	require.NoError(t, err)
	const numWriters = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for ii := 0; ii < numWriters; ii++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, err := vs.CompareAndSwap(ctx, "/c", []byte(fmt.Sprintf("%d", id)), v1)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			if !base.IsKind(err, base.KindWriteConflict) {
				t.Errorf("unexpected error from writer %d: %v", id, err)
			}
		}(ii)
	}
	wg.Wait()
	require.Equal(t, 1, successes)
}

func testDeleteRecursive(t *testing.T, vs storage.VersionedStore) {
	ctx := context.Background()
	for _, p := range []string{"/s", "/s/x", "/s/x/y", "/s/z", "/t"} {
		_, err := vs.Put(ctx, p, []byte(p))
		require.NoError(t, err)
	}
	require.NoError(t, storage.DeleteRecursive(ctx, vs, "/s"))
	_, err := vs.Get(ctx, "/s")
	require.True(t, base.IsKind(err, base.KindNotFound), "got: %v", err)
	children, err := vs.List(ctx, "/")
	require.NoError(t, err)
	require.Equal(t, []string{"t"}, children)
}
