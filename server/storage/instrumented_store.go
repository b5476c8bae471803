package storage

import (
	"context"
	"streamctl/server/base"
	"streamctl/server/metrics"
	"time"
)

// InstrumentedStore records metrics for every request served by the wrapped store.
type InstrumentedStore struct {
	VersionedStore
	backend string
	metrics *metrics.StoreMetrics
}

// Instrument wraps vs so that every request is observed by m under the given backend label.
func Instrument(vs VersionedStore, backend string, m *metrics.StoreMetrics) *InstrumentedStore {
	return &InstrumentedStore{VersionedStore: vs, backend: backend, metrics: m}
}

// Unwrap returns the decorated store.
func (is *InstrumentedStore) Unwrap() VersionedStore {
	return is.VersionedStore
}

func (is *InstrumentedStore) observe(op string, start time.Time, err error) {
	is.metrics.ObserveRequest(is.backend, op, start, err, base.IsKind(err, base.KindWriteConflict))
}

func (is *InstrumentedStore) Get(ctx context.Context, path string) (base.VersionedData, error) {
	start := time.Now()
	vd, err := is.VersionedStore.Get(ctx, path)
	// A miss is an answer, not a failure.
	if base.IsKind(err, base.KindNotFound) {
		is.observe("get", start, nil)
	} else {
		is.observe("get", start, err)
	}
	return vd, err
}

func (is *InstrumentedStore) Create(ctx context.Context, path string, data []byte) (base.Version, error) {
	start := time.Now()
	version, err := is.VersionedStore.Create(ctx, path, data)
	is.observe("create", start, err)
	return version, err
}

func (is *InstrumentedStore) Put(ctx context.Context, path string, data []byte) (base.Version, error) {
	start := time.Now()
	version, err := is.VersionedStore.Put(ctx, path, data)
	is.observe("put", start, err)
	return version, err
}

func (is *InstrumentedStore) CompareAndSwap(ctx context.Context, path string, data []byte,
	expected base.Version) (base.Version, error) {
	start := time.Now()
	version, err := is.VersionedStore.CompareAndSwap(ctx, path, data, expected)
	is.observe("cas", start, err)
	return version, err
}

func (is *InstrumentedStore) Delete(ctx context.Context, path string, expected base.Version) error {
	start := time.Now()
	err := is.VersionedStore.Delete(ctx, path, expected)
	is.observe("delete", start, err)
	return err
}

func (is *InstrumentedStore) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	children, err := is.VersionedStore.List(ctx, prefix)
	is.observe("list", start, err)
	return children, err
}
