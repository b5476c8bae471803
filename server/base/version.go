package base

// Version is the opaque version token a store backend assigns to every write of a path. Only equality between two
// versions of the same path is meaningful.
type Version int64

// NoVersion stands for "no expectation" where an expected version is optional.
const NoVersion Version = -1

// VersionedData is a raw stored value together with the version it was read or written at.
type VersionedData struct {
	Data    []byte
	Version Version
}
