package base

import (
	"context"
	"fmt"
	"streamctl/util/logging"
	"sync/atomic"
)

type opIDKey struct{}

var lastOpID uint64

// WithOpContext tags ctx with the operation id, both as a value and as a log tag.
func WithOpContext(ctx context.Context, opID uint64) context.Context {
	return logging.WithLogContext(context.WithValue(ctx, opIDKey{}, opID), fmt.Sprintf("op_id:%d", opID))
}

// OpIDFromContext returns the operation id attached by WithOpContext.
func OpIDFromContext(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(opIDKey{}).(uint64)
	return id, ok
}

// OperationContext is a read cache scoped to one logical operation on one stream. It is created when the operation
// starts and dropped when it finishes. It is not safe for concurrent use and must never be shared between requests.
// A nil *OperationContext is valid and caches nothing.
type OperationContext struct {
	scope  string
	stream string
	opID   uint64
	cache  map[string]VersionedData
}

// NewOperationContext creates a fresh context for an operation on scope/stream.
func NewOperationContext(scope string, stream string) *OperationContext {
	return &OperationContext{
		scope:  scope,
		stream: stream,
		opID:   atomic.AddUint64(&lastOpID, 1),
		cache:  make(map[string]VersionedData),
	}
}

func (oc *OperationContext) Scope() string {
	if oc == nil {
		return ""
	}
	return oc.scope
}

func (oc *OperationContext) Stream() string {
	if oc == nil {
		return ""
	}
	return oc.stream
}

func (oc *OperationContext) OpID() uint64 {
	if oc == nil {
		return 0
	}
	return oc.opID
}

// Matches returns true if the context was created for scope/stream.
func (oc *OperationContext) Matches(scope string, stream string) bool {
	return oc != nil && oc.scope == scope && oc.stream == stream
}

// Attach tags ctx with this operation's id.
func (oc *OperationContext) Attach(ctx context.Context) context.Context {
	if oc == nil {
		return ctx
	}
	return WithOpContext(ctx, oc.opID)
}

// Get returns the cached value for path.
func (oc *OperationContext) Get(path string) (VersionedData, bool) {
	if oc == nil {
		return VersionedData{}, false
	}
	vd, ok := oc.cache[path]
	return vd, ok
}

// Put caches the value read from or written to path.
func (oc *OperationContext) Put(path string, vd VersionedData) {
	if oc == nil {
		return
	}
	oc.cache[path] = vd
}

// Invalidate drops the cached value for path.
func (oc *OperationContext) Invalidate(path string) {
	if oc == nil {
		return
	}
	delete(oc.cache, path)
}

// Len returns the number of cached entries.
func (oc *OperationContext) Len() int {
	if oc == nil {
		return 0
	}
	return len(oc.cache)
}
