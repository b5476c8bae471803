package storage

import (
	"context"
	"streamctl/server/base"
	"streamctl/util/logging"
	"sync"
)

type memoryEntry struct {
	Data    []byte
	Version base.Version
}

// MemoryStore is an in-process VersionedStore. Versions are drawn from a store wide revision counter.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]memoryEntry
	revision int64
	closed   bool
	logger   *logging.PrefixLogger
}

func NewMemoryStore(logger *logging.PrefixLogger) *MemoryStore {
	if logger == nil {
		logger = logging.NewPrefixLogger("MemoryStore")
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		logger:  logger,
	}
}

func (ms *MemoryStore) nextVersion() base.Version {
	ms.revision++
	return base.Version(ms.revision)
}

func (ms *MemoryStore) checkOpen(op string, path string) error {
	if ms.closed {
		return base.NewError(base.KindStoreUnavailable, op, path, "store is closed")
	}
	return nil
}

func (ms *MemoryStore) Get(ctx context.Context, path string) (base.VersionedData, error) {
	if err := ValidatePath("Get", path); err != nil {
		return base.VersionedData{}, err
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if err := ms.checkOpen("Get", path); err != nil {
		return base.VersionedData{}, err
	}
	entry, ok := ms.entries[path]
	if !ok {
		return base.VersionedData{}, base.NewError(base.KindNotFound, "Get", path, "no such path")
	}
	return base.VersionedData{Data: copyBytes(entry.Data), Version: entry.Version}, nil
}

func (ms *MemoryStore) Create(ctx context.Context, path string, data []byte) (base.Version, error) {
	if err := ValidatePath("Create", path); err != nil {
		return base.NoVersion, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if err := ms.checkOpen("Create", path); err != nil {
		return base.NoVersion, err
	}
	if _, ok := ms.entries[path]; ok {
		return base.NoVersion, base.NewError(base.KindAlreadyExists, "Create", path, "path exists")
	}
	version := ms.nextVersion()
	ms.entries[path] = memoryEntry{Data: copyBytes(data), Version: version}
	return version, nil
}

func (ms *MemoryStore) Put(ctx context.Context, path string, data []byte) (base.Version, error) {
	if err := ValidatePath("Put", path); err != nil {
		return base.NoVersion, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if err := ms.checkOpen("Put", path); err != nil {
		return base.NoVersion, err
	}
	version := ms.nextVersion()
	ms.entries[path] = memoryEntry{Data: copyBytes(data), Version: version}
	return version, nil
}

func (ms *MemoryStore) CompareAndSwap(ctx context.Context, path string, data []byte,
	expected base.Version) (base.Version, error) {
	if err := ValidatePath("CompareAndSwap", path); err != nil {
		return base.NoVersion, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if err := ms.checkOpen("CompareAndSwap", path); err != nil {
		return base.NoVersion, err
	}
	entry, ok := ms.entries[path]
	if !ok {
		return base.NoVersion, base.NewError(base.KindNotFound, "CompareAndSwap", path, "no such path")
	}
	if entry.Version != expected {
		return base.NoVersion, base.NewError(base.KindWriteConflict, "CompareAndSwap", path,
			"expected version %d, found %d", expected, entry.Version)
	}
	version := ms.nextVersion()
	ms.entries[path] = memoryEntry{Data: copyBytes(data), Version: version}
	return version, nil
}

func (ms *MemoryStore) Delete(ctx context.Context, path string, expected base.Version) error {
	if err := ValidatePath("Delete", path); err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if err := ms.checkOpen("Delete", path); err != nil {
		return err
	}
	entry, ok := ms.entries[path]
	if !ok {
		return base.NewError(base.KindNotFound, "Delete", path, "no such path")
	}
	if expected != base.NoVersion && entry.Version != expected {
		return base.NewError(base.KindWriteConflict, "Delete", path, "expected version %d, found %d",
			expected, entry.Version)
	}
	delete(ms.entries, path)
	return nil
}

func (ms *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ValidatePath("List", prefix); err != nil {
		return nil, err
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if err := ms.checkOpen("List", prefix); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(ms.entries))
	for key := range ms.entries {
		keys = append(keys, key)
	}
	return collectChildren(prefix, keys), nil
}

func (ms *MemoryStore) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.closed = true
	return nil
}

// memorySnapshot is the serializable image of a MemoryStore.
type memorySnapshot struct {
	Entries  map[string]memoryEntry
	Revision int64
}

func (ms *MemoryStore) dump() *memorySnapshot {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	snap := &memorySnapshot{Entries: make(map[string]memoryEntry, len(ms.entries)), Revision: ms.revision}
	for key, entry := range ms.entries {
		snap.Entries[key] = memoryEntry{Data: copyBytes(entry.Data), Version: entry.Version}
	}
	return snap
}

func (ms *MemoryStore) load(snap *memorySnapshot) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.entries = make(map[string]memoryEntry, len(snap.Entries))
	for key, entry := range snap.Entries {
		ms.entries[key] = entry
	}
	ms.revision = snap.Revision
	ms.logger.Infof("Restored %d entries at revision %d", len(ms.entries), ms.revision)
}
