package storage

import (
	"bytes"
	"context"
	"github.com/dgraph-io/badger/v2"
	"os"
	"streamctl/server/base"
	"streamctl/util"
	"streamctl/util/logging"
	"sync"
)

const kBadgerSequenceBandwidth = 1000

var kBadgerDataPrefix = []byte("d:")
var kBadgerVersionSequenceKey = []byte("s:version")

// BadgerStore is a file backed VersionedStore. Every value is stored with an 8 byte version header. Versions are
// drawn from a badger sequence so that they are never reused, even across delete and re-create.
type BadgerStore struct {
	db      *badger.DB
	seq     *badger.Sequence
	rootDir string
	logger  *logging.PrefixLogger
	closed  bool
	mu      sync.RWMutex
}

// NewBadgerStore opens (or creates) a badger backed store in rootDir. inMemory ignores rootDir.
func NewBadgerStore(rootDir string, syncWrites bool, inMemory bool, logger *logging.PrefixLogger) (*BadgerStore,
	error) {
	if logger == nil {
		logger = logging.NewPrefixLogger("BadgerStore")
	}
	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(rootDir, 0774); err != nil {
			return nil, base.WrapError(base.KindStoreUnavailable, "Open", rootDir, err)
		}
		opts = badger.DefaultOptions(rootDir).WithSyncWrites(syncWrites)
	}
	opts = opts.WithLogger(logging.NewPrefixLoggerWithParent("badger", logger))
	logger.Infof("Initializing badger store located at: %s", rootDir)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, base.WrapError(base.KindStoreUnavailable, "Open", rootDir, err)
	}
	seq, err := db.GetSequence(kBadgerVersionSequenceKey, kBadgerSequenceBandwidth)
	if err != nil {
		db.Close()
		return nil, base.WrapError(base.KindStoreUnavailable, "Open", rootDir, err)
	}
	return &BadgerStore{db: db, seq: seq, rootDir: rootDir, logger: logger}, nil
}

func dataKey(path string) []byte {
	key := make([]byte, 0, len(kBadgerDataPrefix)+len(path))
	key = append(key, kBadgerDataPrefix...)
	return append(key, path...)
}

func (bs *BadgerStore) nextVersion() (base.Version, error) {
	num, err := bs.seq.Next()
	if err != nil {
		return base.NoVersion, err
	}
	// Sequences start at 0. Keep versions strictly positive.
	return base.Version(num + 1), nil
}

// mapBadgerErr converts badger errors into metadata errors.
func mapBadgerErr(op string, path string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*base.MetadataError); ok {
		return err
	}
	switch err {
	case badger.ErrKeyNotFound:
		return base.WrapError(base.KindNotFound, op, path, err)
	case badger.ErrConflict:
		return base.WrapError(base.KindWriteConflict, op, path, err)
	default:
		return base.WrapError(base.KindStoreUnavailable, op, path, err)
	}
}

func readEntry(txn *badger.Txn, op string, path string) (base.VersionedData, error) {
	item, err := txn.Get(dataKey(path))
	if err != nil {
		return base.VersionedData{}, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return base.VersionedData{}, err
	}
	version, data, ok := util.SplitUint(val)
	if !ok {
		return base.VersionedData{}, base.NewError(base.KindDataCorrupted, op, path, "value is missing version header")
	}
	return base.VersionedData{Data: copyBytes(data), Version: base.Version(version)}, nil
}

func (bs *BadgerStore) update(op string, path string, fn func(txn *badger.Txn) error) error {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	if bs.closed {
		return base.NewError(base.KindStoreUnavailable, op, path, "store is closed")
	}
	return mapBadgerErr(op, path, bs.db.Update(fn))
}

// updateVersioned runs fn in a read-write txn with the version the txn must stamp on its write. The version is
// leased before the txn starts since leasing may itself write to the db.
func (bs *BadgerStore) updateVersioned(op string, path string,
	fn func(txn *badger.Txn, version base.Version) error) (base.Version, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	if bs.closed {
		return base.NoVersion, base.NewError(base.KindStoreUnavailable, op, path, "store is closed")
	}
	version, err := bs.nextVersion()
	if err != nil {
		return base.NoVersion, mapBadgerErr(op, path, err)
	}
	err = mapBadgerErr(op, path, bs.db.Update(func(txn *badger.Txn) error {
		return fn(txn, version)
	}))
	if err != nil {
		return base.NoVersion, err
	}
	return version, nil
}

func (bs *BadgerStore) view(op string, path string, fn func(txn *badger.Txn) error) error {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	if bs.closed {
		return base.NewError(base.KindStoreUnavailable, op, path, "store is closed")
	}
	return mapBadgerErr(op, path, bs.db.View(fn))
}

func (bs *BadgerStore) Get(ctx context.Context, path string) (base.VersionedData, error) {
	if err := ValidatePath("Get", path); err != nil {
		return base.VersionedData{}, err
	}
	var vd base.VersionedData
	err := bs.view("Get", path, func(txn *badger.Txn) error {
		var err error
		vd, err = readEntry(txn, "Get", path)
		return err
	})
	return vd, err
}

func writeEntry(txn *badger.Txn, path string, data []byte, version base.Version) error {
	return txn.Set(dataKey(path), util.PrependUint(uint64(version), data))
}

func (bs *BadgerStore) Create(ctx context.Context, path string, data []byte) (base.Version, error) {
	if err := ValidatePath("Create", path); err != nil {
		return base.NoVersion, err
	}
	version, err := bs.updateVersioned("Create", path, func(txn *badger.Txn, version base.Version) error {
		_, err := txn.Get(dataKey(path))
		if err == nil {
			return base.NewError(base.KindAlreadyExists, "Create", path, "path exists")
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		return writeEntry(txn, path, data, version)
	})
	if err != nil {
		// A concurrent create of the same path surfaces as a txn conflict.
		if base.IsKind(err, base.KindWriteConflict) {
			return base.NoVersion, base.NewError(base.KindAlreadyExists, "Create", path, "path created concurrently")
		}
		return base.NoVersion, err
	}
	return version, nil
}

func (bs *BadgerStore) Put(ctx context.Context, path string, data []byte) (base.Version, error) {
	if err := ValidatePath("Put", path); err != nil {
		return base.NoVersion, err
	}
	return bs.updateVersioned("Put", path, func(txn *badger.Txn, version base.Version) error {
		return writeEntry(txn, path, data, version)
	})
}

func (bs *BadgerStore) CompareAndSwap(ctx context.Context, path string, data []byte,
	expected base.Version) (base.Version, error) {
	if err := ValidatePath("CompareAndSwap", path); err != nil {
		return base.NoVersion, err
	}
	return bs.updateVersioned("CompareAndSwap", path, func(txn *badger.Txn, version base.Version) error {
		current, err := readEntry(txn, "CompareAndSwap", path)
		if err != nil {
			return err
		}
		if current.Version != expected {
			return base.NewError(base.KindWriteConflict, "CompareAndSwap", path, "expected version %d, found %d",
				expected, current.Version)
		}
		return writeEntry(txn, path, data, version)
	})
}

func (bs *BadgerStore) Delete(ctx context.Context, path string, expected base.Version) error {
	if err := ValidatePath("Delete", path); err != nil {
		return err
	}
	return bs.update("Delete", path, func(txn *badger.Txn) error {
		current, err := readEntry(txn, "Delete", path)
		if err != nil {
			return err
		}
		if expected != base.NoVersion && current.Version != expected {
			return base.NewError(base.KindWriteConflict, "Delete", path, "expected version %d, found %d",
				expected, current.Version)
		}
		return txn.Delete(dataKey(path))
	})
}

func (bs *BadgerStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ValidatePath("List", prefix); err != nil {
		return nil, err
	}
	scanPrefix := dataKey(childPrefix(prefix))
	var keys []string
	err := bs.view("List", prefix, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = scanPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(scanPrefix); it.ValidForPrefix(scanPrefix); it.Next() {
			key := it.Item().Key()
			keys = append(keys, string(bytes.TrimPrefix(key, kBadgerDataPrefix)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return collectChildren(prefix, keys), nil
}

func (bs *BadgerStore) Close() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.closed {
		return nil
	}
	bs.closed = true
	bs.logger.Infof("Closing badger store located at: %s", bs.rootDir)
	if err := bs.seq.Release(); err != nil {
		bs.logger.Warningf("Unable to release version sequence due to err: %v", err)
	}
	return bs.db.Close()
}
