package base

import (
	"context"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestOperationContextCache(t *testing.T) {
	oc := NewOperationContext("scope", "stream")
	other := NewOperationContext("scope", "stream")
	require.NotEqual(t, oc.OpID(), other.OpID())
	require.True(t, oc.Matches("scope", "stream"))
	require.False(t, oc.Matches("scope", "other"))

	_, ok := oc.Get("/a")
	require.False(t, ok)
	oc.Put("/a", VersionedData{Data: []byte("x"), Version: 3})
	vd, ok := oc.Get("/a")
	require.True(t, ok)
	require.Equal(t, Version(3), vd.Version)
	require.Equal(t, 1, oc.Len())

	// Caches are per operation.
	_, ok = other.Get("/a")
	require.False(t, ok)

	oc.Invalidate("/a")
	_, ok = oc.Get("/a")
	require.False(t, ok)
}

func TestNilOperationContext(t *testing.T) {
	var oc *OperationContext
	oc.Put("/a", VersionedData{Version: 1})
	_, ok := oc.Get("/a")
	require.False(t, ok)
	require.Equal(t, 0, oc.Len())
	require.False(t, oc.Matches("", ""))
	ctx := context.Background()
	require.Equal(t, ctx, oc.Attach(ctx))
}

func TestWithOpContext(t *testing.T) {
	ctx := WithOpContext(context.Background(), 42)
	id, ok := OpIDFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, uint64(42), id)
}
