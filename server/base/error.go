package base

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure surfaced by the metadata store so that callers can decide between retrying,
// re-reading or giving up without inspecting concrete error types.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindNotFound is returned when the scope, stream, transaction or record does not exist.
	KindNotFound
	// KindAlreadyExists is returned when a create finds an entity with different defining content.
	KindAlreadyExists
	// KindWriteConflict is returned when a compare and swap observed a different version. Safe to retry after a
	// fresh read.
	KindWriteConflict
	// KindPreconditionFailed is returned when a semantic precondition of the request does not hold.
	KindPreconditionFailed
	// KindIllegalStateTransition is returned when the requested state is not reachable from the current state.
	KindIllegalStateTransition
	// KindLeaseExpired is returned when a transaction ping arrives after the lease ran out.
	KindLeaseExpired
	// KindMaxExecutionTimeExceeded is returned when a lease extension would exceed the max execution deadline.
	KindMaxExecutionTimeExceeded
	// KindStoreUnavailable is returned on transient backend failures.
	KindStoreUnavailable
	// KindDataCorrupted is returned when a stored record cannot be decoded.
	KindDataCorrupted
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindWriteConflict:
		return "WriteConflict"
	case KindPreconditionFailed:
		return "PreconditionFailed"
	case KindIllegalStateTransition:
		return "IllegalStateTransition"
	case KindLeaseExpired:
		return "LeaseExpired"
	case KindMaxExecutionTimeExceeded:
		return "MaxExecutionTimeExceeded"
	case KindStoreUnavailable:
		return "StoreUnavailable"
	case KindDataCorrupted:
		return "DataCorrupted"
	default:
		return "Unknown"
	}
}

// MetadataError is the single error type returned by the store backends and the stream metadata store.
type MetadataError struct {
	Kind ErrorKind // Failure kind.
	Op   string    // Operation that failed.
	Path string    // Store path or entity name the failure relates to. May be empty.
	Msg  string    // Human readable detail.
	Err  error     // Underlying error, if any.
}

func (me *MetadataError) Error() string {
	msg := "Err" + me.Kind.String()
	if me.Op != "" {
		msg += ": " + me.Op
	}
	if me.Path != "" {
		msg += " [" + me.Path + "]"
	}
	if me.Msg != "" {
		msg += ": " + me.Msg
	}
	if me.Err != nil {
		msg += ": " + me.Err.Error()
	}
	return msg
}

func (me *MetadataError) Unwrap() error {
	return me.Err
}

// Is makes errors.Is(err, &MetadataError{Kind: k}) match on kind alone.
func (me *MetadataError) Is(target error) bool {
	var t *MetadataError
	if !errors.As(target, &t) {
		return false
	}
	return t.Op == "" && t.Path == "" && t.Msg == "" && t.Err == nil && t.Kind == me.Kind
}

// NewError builds a MetadataError of the given kind.
func NewError(kind ErrorKind, op string, path string, format string, args ...interface{}) *MetadataError {
	return &MetadataError{Kind: kind, Op: op, Path: path, Msg: fmt.Sprintf(format, args...)}
}

// WrapError builds a MetadataError of the given kind around err. If err already is a MetadataError, its kind is
// preserved and only the op and path are refreshed when they are missing.
func WrapError(kind ErrorKind, op string, path string, err error) error {
	if err == nil {
		return nil
	}
	var me *MetadataError
	if errors.As(err, &me) {
		if me.Op != "" && me.Path != "" {
			return err
		}
		cp := *me
		if cp.Op == "" {
			cp.Op = op
		}
		if cp.Path == "" {
			cp.Path = path
		}
		return &cp
	}
	return &MetadataError{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf returns the kind of err or KindUnknown if err is not a MetadataError.
func KindOf(err error) ErrorKind {
	var me *MetadataError
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindUnknown
}

// IsKind returns true if err is a MetadataError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable returns true for the kinds a caller may retry with backoff after re-reading.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindWriteConflict, KindStoreUnavailable:
		return true
	default:
		return false
	}
}

// Sentinel values usable with errors.Is.
var (
	ErrNotFound                 = &MetadataError{Kind: KindNotFound}
	ErrAlreadyExists            = &MetadataError{Kind: KindAlreadyExists}
	ErrWriteConflict            = &MetadataError{Kind: KindWriteConflict}
	ErrPreconditionFailed       = &MetadataError{Kind: KindPreconditionFailed}
	ErrIllegalStateTransition   = &MetadataError{Kind: KindIllegalStateTransition}
	ErrLeaseExpired             = &MetadataError{Kind: KindLeaseExpired}
	ErrMaxExecutionTimeExceeded = &MetadataError{Kind: KindMaxExecutionTimeExceeded}
	ErrStoreUnavailable         = &MetadataError{Kind: KindStoreUnavailable}
	ErrDataCorrupted            = &MetadataError{Kind: KindDataCorrupted}
)
