package stream

import (
	"context"
	"streamctl/server/base"
	"streamctl/server/metrics"
	"streamctl/server/storage"
	"streamctl/server/stream/records"
	"streamctl/util/logging"
	"time"
)

// Clock returns the current wall time. Lease checks read it, nothing else in the store does.
type Clock func() time.Time

// VersionedMetadata is a record together with the store version it was read at or written with.
type VersionedMetadata[T any] struct {
	Object  T
	Version base.Version
}

// recordPtr is satisfied by pointers to record types.
type recordPtr[T any] interface {
	*T
	records.Record
}

// recordAccess is the shared plumbing of all capability stores: reads through the operation context cache and
// versioned writes that keep the cache coherent.
type recordAccess struct {
	vs      storage.VersionedStore
	clock   Clock
	logger  *logging.PrefixLogger
	metrics *metrics.WorkflowMetrics
	// Upper bounds for transaction leases. Zero means unbounded.
	maxTxnLease         time.Duration
	maxTxnExecutionTime time.Duration
}

func (ra *recordAccess) nowMillis() int64 {
	return ra.clock().UnixMilli()
}

// cacheFor returns oc if it was created for scope/stream. Contexts of other streams are never consulted.
func (ra *recordAccess) cacheFor(oc *base.OperationContext, scope string, stream string) *base.OperationContext {
	if oc == nil || oc.Matches(scope, stream) {
		return oc
	}
	ra.logger.Warningf("Operation context %d for %s/%s used for %s/%s. Bypassing cache", oc.OpID(), oc.Scope(),
		oc.Stream(), scope, stream)
	return nil
}

func (ra *recordAccess) get(ctx context.Context, oc *base.OperationContext, path string,
	ignoreCached bool) (base.VersionedData, error) {
	if !ignoreCached {
		if vd, ok := oc.Get(path); ok {
			return vd, nil
		}
	}
	vd, err := ra.vs.Get(ctx, path)
	if err != nil {
		oc.Invalidate(path)
		return base.VersionedData{}, err
	}
	oc.Put(path, vd)
	return vd, nil
}

func (ra *recordAccess) create(ctx context.Context, oc *base.OperationContext, path string,
	rec records.Record) (base.Version, error) {
	data := records.Serialize(rec)
	version, err := ra.vs.Create(ctx, path, data)
	if err != nil {
		return base.NoVersion, err
	}
	oc.Put(path, base.VersionedData{Data: data, Version: version})
	return version, nil
}

// createIfAbsent creates the record and swallows AlreadyExists.
func (ra *recordAccess) createIfAbsent(ctx context.Context, oc *base.OperationContext, path string,
	rec records.Record) error {
	_, err := ra.create(ctx, oc, path, rec)
	if err != nil && !base.IsKind(err, base.KindAlreadyExists) {
		return err
	}
	return nil
}

func (ra *recordAccess) update(ctx context.Context, oc *base.OperationContext, path string, rec records.Record,
	expected base.Version) (base.Version, error) {
	data := records.Serialize(rec)
	version, err := ra.vs.CompareAndSwap(ctx, path, data, expected)
	if err != nil {
		oc.Invalidate(path)
		return base.NoVersion, err
	}
	oc.Put(path, base.VersionedData{Data: data, Version: version})
	return version, nil
}

func (ra *recordAccess) put(ctx context.Context, oc *base.OperationContext, path string,
	rec records.Record) (base.Version, error) {
	data := records.Serialize(rec)
	version, err := ra.vs.Put(ctx, path, data)
	if err != nil {
		oc.Invalidate(path)
		return base.NoVersion, err
	}
	oc.Put(path, base.VersionedData{Data: data, Version: version})
	return version, nil
}

func (ra *recordAccess) delete(ctx context.Context, oc *base.OperationContext, path string,
	expected base.Version) error {
	oc.Invalidate(path)
	return ra.vs.Delete(ctx, path, expected)
}

// exists returns false on NotFound.
func (ra *recordAccess) exists(ctx context.Context, oc *base.OperationContext, path string) (bool, error) {
	_, err := ra.get(ctx, oc, path, false)
	if err == nil {
		return true, nil
	}
	if base.IsKind(err, base.KindNotFound) {
		return false, nil
	}
	return false, err
}

// observe records the outcome of a workflow step.
func (ra *recordAccess) observe(step string, err error) {
	if err != nil {
		ra.metrics.ObserveStep(step, err, base.KindOf(err).String())
		return
	}
	ra.metrics.ObserveStep(step, nil, "")
}

// readRecord reads and decodes the record at path.
func readRecord[T any, PT recordPtr[T]](ctx context.Context, ra *recordAccess, oc *base.OperationContext,
	path string, ignoreCached bool) (VersionedMetadata[T], error) {
	vd, err := ra.get(ctx, oc, path, ignoreCached)
	if err != nil {
		return VersionedMetadata[T]{}, err
	}
	var obj T
	if err := records.Deserialize(vd.Data, PT(&obj)); err != nil {
		oc.Invalidate(path)
		return VersionedMetadata[T]{}, base.WrapError(base.KindDataCorrupted, "Read", path, err)
	}
	return VersionedMetadata[T]{Object: obj, Version: vd.Version}, nil
}
