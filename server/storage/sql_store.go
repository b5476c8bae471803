package storage

import (
	"context"
	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/postgres"
	_ "github.com/jinzhu/gorm/dialects/sqlite"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"os"
	"path/filepath"
	"streamctl/server/base"
	"streamctl/util/logging"
	"sync"
)

const (
	kSQLDialectSqlite   = "sqlite3"
	kPqUniqueViolation  = "23505"
	kVersionCounterName = "version"
)

// versionedRecordModel is one row per store path.
type versionedRecordModel struct {
	Path    string `gorm:"type:varchar(1024);PRIMARY_KEY"`
	Value   []byte `gorm:"NOT NULL"`
	Version int64  `gorm:"NOT NULL"`
}

func (versionedRecordModel) TableName() string {
	return "versioned_records"
}

// versionCounterModel is a single row holding the last handed out version.
type versionCounterModel struct {
	Name  string `gorm:"type:varchar(64);PRIMARY_KEY"`
	Value int64  `gorm:"NOT NULL"`
}

func (versionCounterModel) TableName() string {
	return "version_counter"
}

// SQLStore is a VersionedStore over a relational database (sqlite or postgres). Every mutation runs in a db
// transaction that also bumps the version counter row, so versions are unique across the store.
type SQLStore struct {
	db      *gorm.DB
	dialect string
	logger  *logging.PrefixLogger
	closed  bool
	mu      sync.RWMutex
}

// NewSQLStore opens the database described by dialect and dsn and migrates the schema.
func NewSQLStore(dialect string, dsn string, logger *logging.PrefixLogger) (*SQLStore, error) {
	if logger == nil {
		logger = logging.NewPrefixLogger("SQLStore")
	}
	if dialect == kSQLDialectSqlite && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0774); err != nil {
			return nil, base.WrapError(base.KindStoreUnavailable, "Open", dsn, err)
		}
	}
	db, err := gorm.Open(dialect, dsn)
	if err != nil {
		return nil, base.WrapError(base.KindStoreUnavailable, "Open", dsn, err)
	}
	if dialect == kSQLDialectSqlite {
		// sqlite allows a single writer. Funnel everything through one connection instead of failing with
		// "database is locked".
		db.DB().SetMaxOpenConns(1)
	}
	if dbc := db.AutoMigrate(&versionedRecordModel{}, &versionCounterModel{}); dbc.Error != nil {
		db.Close()
		return nil, base.WrapError(base.KindStoreUnavailable, "Open", dsn, dbc.Error)
	}
	var counter versionCounterModel
	if dbc := db.Where(versionCounterModel{Name: kVersionCounterName}).FirstOrCreate(&counter); dbc.Error != nil {
		db.Close()
		return nil, base.WrapError(base.KindStoreUnavailable, "Open", dsn, dbc.Error)
	}
	logger.Infof("Opened %s store. Version counter at: %d", dialect, counter.Value)
	return &SQLStore{db: db, dialect: dialect, logger: logger}, nil
}

// mapSQLErr converts gorm and driver errors into metadata errors.
func mapSQLErr(op string, path string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*base.MetadataError); ok {
		return err
	}
	if gorm.IsRecordNotFoundError(err) {
		return base.WrapError(base.KindNotFound, op, path, err)
	}
	switch derr := err.(type) {
	case *pq.Error:
		if derr.Code == kPqUniqueViolation {
			return base.WrapError(base.KindAlreadyExists, op, path, err)
		}
	case sqlite3.Error:
		if derr.Code == sqlite3.ErrConstraint {
			return base.WrapError(base.KindAlreadyExists, op, path, err)
		}
	}
	return base.WrapError(base.KindStoreUnavailable, op, path, err)
}

func (ss *SQLStore) transaction(op string, path string, fn func(tx *gorm.DB) error) error {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	if ss.closed {
		return base.NewError(base.KindStoreUnavailable, op, path, "store is closed")
	}
	return mapSQLErr(op, path, ss.db.Transaction(fn))
}

// nextVersion bumps the version counter within tx and returns the new value.
func nextVersion(tx *gorm.DB) (base.Version, error) {
	dbc := tx.Model(&versionCounterModel{}).Where("name = ?", kVersionCounterName).
		UpdateColumn("value", gorm.Expr("value + ?", 1))
	if dbc.Error != nil {
		return base.NoVersion, dbc.Error
	}
	var counter versionCounterModel
	if dbc := tx.Where("name = ?", kVersionCounterName).First(&counter); dbc.Error != nil {
		return base.NoVersion, dbc.Error
	}
	return base.Version(counter.Value), nil
}

func findRecord(tx *gorm.DB, path string) (*versionedRecordModel, error) {
	var rec versionedRecordModel
	if dbc := tx.Where("path = ?", path).First(&rec); dbc.Error != nil {
		return nil, dbc.Error
	}
	return &rec, nil
}

func (ss *SQLStore) Get(ctx context.Context, path string) (base.VersionedData, error) {
	if err := ValidatePath("Get", path); err != nil {
		return base.VersionedData{}, err
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	if ss.closed {
		return base.VersionedData{}, base.NewError(base.KindStoreUnavailable, "Get", path, "store is closed")
	}
	rec, err := findRecord(ss.db, path)
	if err != nil {
		return base.VersionedData{}, mapSQLErr("Get", path, err)
	}
	return base.VersionedData{Data: copyBytes(rec.Value), Version: base.Version(rec.Version)}, nil
}

func (ss *SQLStore) Create(ctx context.Context, path string, data []byte) (base.Version, error) {
	if err := ValidatePath("Create", path); err != nil {
		return base.NoVersion, err
	}
	version := base.NoVersion
	err := ss.transaction("Create", path, func(tx *gorm.DB) error {
		if _, err := findRecord(tx, path); err == nil {
			return base.NewError(base.KindAlreadyExists, "Create", path, "path exists")
		} else if !gorm.IsRecordNotFoundError(err) {
			return err
		}
		next, err := nextVersion(tx)
		if err != nil {
			return err
		}
		rec := versionedRecordModel{Path: path, Value: copyBytes(data), Version: int64(next)}
		if dbc := tx.Create(&rec); dbc.Error != nil {
			return dbc.Error
		}
		version = next
		return nil
	})
	if err != nil {
		return base.NoVersion, err
	}
	return version, nil
}

func (ss *SQLStore) Put(ctx context.Context, path string, data []byte) (base.Version, error) {
	if err := ValidatePath("Put", path); err != nil {
		return base.NoVersion, err
	}
	version := base.NoVersion
	err := ss.transaction("Put", path, func(tx *gorm.DB) error {
		next, err := nextVersion(tx)
		if err != nil {
			return err
		}
		_, err = findRecord(tx, path)
		if err != nil && !gorm.IsRecordNotFoundError(err) {
			return err
		}
		if err != nil {
			rec := versionedRecordModel{Path: path, Value: copyBytes(data), Version: int64(next)}
			if dbc := tx.Create(&rec); dbc.Error != nil {
				return dbc.Error
			}
		} else {
			dbc := tx.Model(&versionedRecordModel{}).Where("path = ?", path).
				Updates(map[string]interface{}{"value": copyBytes(data), "version": int64(next)})
			if dbc.Error != nil {
				return dbc.Error
			}
		}
		version = next
		return nil
	})
	if err != nil {
		return base.NoVersion, err
	}
	return version, nil
}

// conflictOrMissing explains why a conditional statement matched no rows.
func conflictOrMissing(tx *gorm.DB, op string, path string, expected base.Version) error {
	rec, err := findRecord(tx, path)
	if err != nil {
		if gorm.IsRecordNotFoundError(err) {
			return base.NewError(base.KindNotFound, op, path, "no such path")
		}
		return err
	}
	return base.NewError(base.KindWriteConflict, op, path, "expected version %d, found %d", expected, rec.Version)
}

func (ss *SQLStore) CompareAndSwap(ctx context.Context, path string, data []byte,
	expected base.Version) (base.Version, error) {
	if err := ValidatePath("CompareAndSwap", path); err != nil {
		return base.NoVersion, err
	}
	version := base.NoVersion
	err := ss.transaction("CompareAndSwap", path, func(tx *gorm.DB) error {
		next, err := nextVersion(tx)
		if err != nil {
			return err
		}
		dbc := tx.Model(&versionedRecordModel{}).Where("path = ? AND version = ?", path, int64(expected)).
			Updates(map[string]interface{}{"value": copyBytes(data), "version": int64(next)})
		if dbc.Error != nil {
			return dbc.Error
		}
		if dbc.RowsAffected == 0 {
			return conflictOrMissing(tx, "CompareAndSwap", path, expected)
		}
		version = next
		return nil
	})
	if err != nil {
		return base.NoVersion, err
	}
	return version, nil
}

func (ss *SQLStore) Delete(ctx context.Context, path string, expected base.Version) error {
	if err := ValidatePath("Delete", path); err != nil {
		return err
	}
	return ss.transaction("Delete", path, func(tx *gorm.DB) error {
		query := tx.Where("path = ?", path)
		if expected != base.NoVersion {
			query = query.Where("version = ?", int64(expected))
		}
		dbc := query.Delete(&versionedRecordModel{})
		if dbc.Error != nil {
			return dbc.Error
		}
		if dbc.RowsAffected == 0 {
			return conflictOrMissing(tx, "Delete", path, expected)
		}
		return nil
	})
}

func (ss *SQLStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ValidatePath("List", prefix); err != nil {
		return nil, err
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	if ss.closed {
		return nil, base.NewError(base.KindStoreUnavailable, "List", prefix, "store is closed")
	}
	scanPrefix := childPrefix(prefix)
	var paths []string
	dbc := ss.db.Model(&versionedRecordModel{}).Where("substr(path, 1, ?) = ?", len(scanPrefix), scanPrefix).
		Pluck("path", &paths)
	if dbc.Error != nil {
		return nil, mapSQLErr("List", prefix, dbc.Error)
	}
	return collectChildren(prefix, paths), nil
}

func (ss *SQLStore) Close() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return nil
	}
	ss.closed = true
	ss.logger.Infof("Closing %s store", ss.dialect)
	return ss.db.Close()
}
