package storage

import (
	"context"
	"sort"
	"streamctl/server/base"
	"strings"
)

// VersionedStore is a hierarchical key value store where every value carries a version. Every mutation produces a
// version that has never been handed out for that path before, so a version observed by a reader can be used as the
// precondition of a later compare and swap.
type VersionedStore interface {
	// Get returns the value and version stored at path. Fails with KindNotFound.
	Get(ctx context.Context, path string) (base.VersionedData, error)
	// Create stores data at path if nothing is stored there yet. Fails with KindAlreadyExists.
	Create(ctx context.Context, path string, data []byte) (base.Version, error)
	// Put stores data at path unconditionally.
	Put(ctx context.Context, path string, data []byte) (base.Version, error)
	// CompareAndSwap replaces the value at path iff its current version is expected. Fails with KindNotFound or
	// KindWriteConflict.
	CompareAndSwap(ctx context.Context, path string, data []byte, expected base.Version) (base.Version, error)
	// Delete removes path. If expected is not base.NoVersion, the current version must match it. Fails with
	// KindNotFound or KindWriteConflict.
	Delete(ctx context.Context, path string, expected base.Version) error
	// List returns the sorted names of the immediate children of prefix. A prefix without children yields an empty
	// slice.
	List(ctx context.Context, prefix string) ([]string, error)
	// Close the store.
	Close() error
}

const kPathSeparator = "/"

// JoinPath builds a store path from its components.
func JoinPath(components ...string) string {
	var sb strings.Builder
	for _, c := range components {
		c = strings.Trim(c, kPathSeparator)
		if c == "" {
			continue
		}
		sb.WriteString(kPathSeparator)
		sb.WriteString(c)
	}
	if sb.Len() == 0 {
		return kPathSeparator
	}
	return sb.String()
}

// ValidatePath checks that path is absolute, has no empty components and no trailing separator.
func ValidatePath(op string, path string) error {
	if !strings.HasPrefix(path, kPathSeparator) {
		return base.NewError(base.KindPreconditionFailed, op, path, "path must be absolute")
	}
	if path == kPathSeparator {
		return nil
	}
	if strings.HasSuffix(path, kPathSeparator) || strings.Contains(path, "//") {
		return base.NewError(base.KindPreconditionFailed, op, path, "malformed path")
	}
	return nil
}

// childPrefix returns the key prefix shared by all descendants of path.
func childPrefix(path string) string {
	if path == kPathSeparator {
		return path
	}
	return path + kPathSeparator
}

// immediateChild returns the name of the child of the prefix that key lives under.
func immediateChild(prefix string, key string) (string, bool) {
	if !strings.HasPrefix(key, prefix) || len(key) == len(prefix) {
		return "", false
	}
	rest := key[len(prefix):]
	if idx := strings.Index(rest, kPathSeparator); idx >= 0 {
		rest = rest[:idx]
	}
	return rest, rest != ""
}

// collectChildren dedups and sorts the immediate children of path found among keys.
func collectChildren(path string, keys []string) []string {
	prefix := childPrefix(path)
	seen := make(map[string]struct{})
	children := make([]string, 0)
	for _, key := range keys {
		name, ok := immediateChild(prefix, key)
		if !ok {
			continue
		}
		if _, exists := seen[name]; exists {
			continue
		}
		seen[name] = struct{}{}
		children = append(children, name)
	}
	sort.Strings(children)
	return children
}

// DeleteRecursive removes path and everything below it. Missing entries are ignored.
func DeleteRecursive(ctx context.Context, vs VersionedStore, path string) error {
	children, err := vs.List(ctx, path)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := DeleteRecursive(ctx, vs, JoinPath(path, child)); err != nil {
			return err
		}
	}
	if path == kPathSeparator {
		return nil
	}
	if err := vs.Delete(ctx, path, base.NoVersion); err != nil && !base.IsKind(err, base.KindNotFound) {
		return err
	}
	return nil
}

func copyBytes(data []byte) []byte {
	if data == nil {
		return []byte{}
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}
