package storage

import (
	"context"
	"streamctl/server/config"
	"streamctl/server/metrics"
	"streamctl/util/logging"
	"time"
)

const kLeaderWaitTimeout = 30 * time.Second

// OpenStore builds the backend selected by cfg. If m is not nil, the store is instrumented.
func OpenStore(cfg config.StoreConfig, m *metrics.StoreMetrics, logger *logging.PrefixLogger) (VersionedStore,
	error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewPrefixLogger("Storage")
	}
	var vs VersionedStore
	switch cfg.Backend {
	case config.KBackendMemory:
		vs = NewMemoryStore(logging.NewPrefixLoggerWithParent("memory", logger))
	case config.KBackendBadger:
		bs, err := NewBadgerStore(cfg.Badger.Dir, cfg.Badger.SyncWrites, cfg.Badger.InMemory,
			logging.NewPrefixLoggerWithParent("badger", logger))
		if err != nil {
			return nil, err
		}
		vs = bs
	case config.KBackendSQL:
		ss, err := NewSQLStore(cfg.SQL.Dialect, cfg.SQL.DSN, logging.NewPrefixLoggerWithParent("sql", logger))
		if err != nil {
			return nil, err
		}
		vs = ss
	case config.KBackendRaft:
		rs, err := NewRaftStore(cfg.Raft, logging.NewPrefixLoggerWithParent("raft", logger))
		if err != nil {
			return nil, err
		}
		if cfg.Raft.Bootstrap {
			ctx, cancel := context.WithTimeout(context.Background(), kLeaderWaitTimeout)
			err = rs.WaitForLeader(ctx)
			cancel()
			if err != nil {
				rs.Close()
				return nil, err
			}
		}
		vs = rs
	}
	if m != nil {
		return Instrument(vs, cfg.Backend, m), nil
	}
	return vs, nil
}
