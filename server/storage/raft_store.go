package storage

import (
	"context"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"io"
	"net"
	"os"
	"path"
	"streamctl/server/base"
	"streamctl/server/config"
	"streamctl/util/logging"
	"time"
)

const kRaftSnapshotDir = "snapshots"
const kRaftLogStoreDir = "log_store"
const kRaftLogStoreFile = "raft.db"
const kRaftLeaderPollInterval = 10 * time.Millisecond

// RaftStore replicates every mutation through a raft log. Reads are served by the leader after it confirms its
// leadership, which keeps reads linearizable.
type RaftStore struct {
	raft         *raft.Raft
	fsm          *VersionedStoreFSM
	transport    raft.Transport
	boltStore    *raftboltdb.BoltStore
	applyTimeout time.Duration
	logger       *logging.PrefixLogger
}

// NewRaftStore builds a raft node from cfg. If cfg.Bootstrap is set and the node has no prior state, it bootstraps a
// single voter cluster with itself.
func NewRaftStore(cfg config.RaftConfig, logger *logging.PrefixLogger) (*RaftStore, error) {
	if logger == nil {
		logger = logging.NewPrefixLogger("RaftStore")
	}
	rs := &RaftStore{
		fsm:          NewVersionedStoreFSM(logging.NewPrefixLoggerWithParent("fsm", logger)),
		applyTimeout: cfg.ApplyTimeout,
		logger:       logger,
	}
	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.LogLevel = "WARN"

	var logStore raft.LogStore
	var stableStore raft.StableStore
	var snapshots raft.SnapshotStore
	var addr raft.ServerAddress
	if cfg.InMemory {
		// Single process cluster. Tighten the timeouts so that elections finish quickly.
		raftConfig.HeartbeatTimeout = 50 * time.Millisecond
		raftConfig.ElectionTimeout = 50 * time.Millisecond
		raftConfig.LeaderLeaseTimeout = 50 * time.Millisecond
		raftConfig.CommitTimeout = 5 * time.Millisecond
		inmem := raft.NewInmemStore()
		logStore = inmem
		stableStore = inmem
		snapshots = raft.NewInmemSnapshotStore()
		addr, rs.transport = raft.NewInmemTransport(raft.ServerAddress(cfg.BindAddr))
	} else {
		tcpAddr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
		if err != nil {
			return nil, base.WrapError(base.KindStoreUnavailable, "Open", cfg.BindAddr, err)
		}
		transport, err := raft.NewTCPTransport(cfg.BindAddr, tcpAddr, 3, 10*time.Second, os.Stderr)
		if err != nil {
			return nil, base.WrapError(base.KindStoreUnavailable, "Open", cfg.BindAddr, err)
		}
		rs.transport = transport
		addr = transport.LocalAddr()
		snapshots, err = raft.NewFileSnapshotStore(path.Join(cfg.Dir, kRaftSnapshotDir), 1, os.Stderr)
		if err != nil {
			rs.closeTransport()
			return nil, base.WrapError(base.KindStoreUnavailable, "Open", cfg.Dir, err)
		}
		logStoreDir := path.Join(cfg.Dir, kRaftLogStoreDir)
		if err := os.MkdirAll(logStoreDir, 0774); err != nil {
			rs.closeTransport()
			return nil, base.WrapError(base.KindStoreUnavailable, "Open", logStoreDir, err)
		}
		rs.boltStore, err = raftboltdb.NewBoltStore(path.Join(logStoreDir, kRaftLogStoreFile))
		if err != nil {
			rs.closeTransport()
			return nil, base.WrapError(base.KindStoreUnavailable, "Open", logStoreDir, err)
		}
		logStore = rs.boltStore
		stableStore = rs.boltStore
	}

	ra, err := raft.NewRaft(raftConfig, rs.fsm, logStore, stableStore, snapshots, rs.transport)
	if err != nil {
		rs.closeTransport()
		if rs.boltStore != nil {
			rs.boltStore.Close()
		}
		return nil, base.WrapError(base.KindStoreUnavailable, "Open", cfg.NodeID, err)
	}
	rs.raft = ra
	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					Suffrage: raft.Voter,
					ID:       raftConfig.LocalID,
					Address:  addr,
				},
			},
		}
		if err := ra.BootstrapCluster(configuration).Error(); err != nil && err != raft.ErrCantBootstrap {
			rs.Close()
			return nil, base.WrapError(base.KindStoreUnavailable, "Open", cfg.NodeID, err)
		}
	}
	logger.Infof("Started raft node %s at %s", cfg.NodeID, addr)
	return rs, nil
}

func (rs *RaftStore) closeTransport() {
	if closer, ok := rs.transport.(io.Closer); ok {
		closer.Close()
	}
}

// WaitForLeader blocks until the cluster has elected a leader or ctx is done. When this node is the leader it also
// commits a no-op command so that every entry of earlier terms has reached the FSM before the store serves reads.
func (rs *RaftStore) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(kRaftLeaderPollInterval)
	defer ticker.Stop()
	for {
		if addr, _ := rs.raft.LeaderWithID(); addr != "" {
			if !rs.IsLeader() {
				return nil
			}
			resp, err := rs.apply(&Command{CommandType: KNoOpCommand})
			if err != nil {
				return err
			}
			return resp.Error
		}
		select {
		case <-ctx.Done():
			return base.WrapError(base.KindStoreUnavailable, "WaitForLeader", "", ctx.Err())
		case <-ticker.C:
		}
	}
}

// FSM returns the state machine backing this node.
func (rs *RaftStore) FSM() *VersionedStoreFSM {
	return rs.fsm
}

// IsLeader returns true if this node currently believes it is the leader.
func (rs *RaftStore) IsLeader() bool {
	return rs.raft.State() == raft.Leader
}

func (rs *RaftStore) apply(cmd *Command) (*FSMResponse, error) {
	future := rs.raft.Apply(Serialize(cmd), rs.applyTimeout)
	if err := future.Error(); err != nil {
		return nil, base.WrapError(base.KindStoreUnavailable, cmd.CommandType.ToString(), cmd.Path, err)
	}
	resp, ok := future.Response().(*FSMResponse)
	if !ok {
		rs.logger.Fatalf("Unexpected FSM response type for %s", cmd.CommandType.ToString())
	}
	return resp, nil
}

func (rs *RaftStore) Get(ctx context.Context, path string) (base.VersionedData, error) {
	if err := ValidatePath("Get", path); err != nil {
		return base.VersionedData{}, err
	}
	if err := rs.raft.VerifyLeader().Error(); err != nil {
		return base.VersionedData{}, base.WrapError(base.KindStoreUnavailable, "Get", path, err)
	}
	return rs.fsm.store.Get(ctx, path)
}

func (rs *RaftStore) mutate(cmd *Command) (base.Version, error) {
	if err := ValidatePath(cmd.CommandType.ToString(), cmd.Path); err != nil {
		return base.NoVersion, err
	}
	resp, err := rs.apply(cmd)
	if err != nil {
		return base.NoVersion, err
	}
	if resp.Error != nil {
		return base.NoVersion, resp.Error
	}
	return resp.Version, nil
}

func (rs *RaftStore) Create(ctx context.Context, path string, data []byte) (base.Version, error) {
	return rs.mutate(&Command{CommandType: KCreateCommand, Path: path, Data: data})
}

func (rs *RaftStore) Put(ctx context.Context, path string, data []byte) (base.Version, error) {
	return rs.mutate(&Command{CommandType: KPutCommand, Path: path, Data: data})
}

func (rs *RaftStore) CompareAndSwap(ctx context.Context, path string, data []byte,
	expected base.Version) (base.Version, error) {
	return rs.mutate(&Command{CommandType: KCASCommand, Path: path, Data: data, Expected: expected})
}

func (rs *RaftStore) Delete(ctx context.Context, path string, expected base.Version) error {
	_, err := rs.mutate(&Command{CommandType: KDeleteCommand, Path: path, Expected: expected})
	return err
}

func (rs *RaftStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ValidatePath("List", prefix); err != nil {
		return nil, err
	}
	if err := rs.raft.VerifyLeader().Error(); err != nil {
		return nil, base.WrapError(base.KindStoreUnavailable, "List", prefix, err)
	}
	return rs.fsm.store.List(ctx, prefix)
}

// Snapshot forces a raft snapshot of the store.
func (rs *RaftStore) Snapshot() error {
	return rs.raft.Snapshot().Error()
}

func (rs *RaftStore) Close() error {
	rs.logger.Infof("Shutting down raft node")
	var err error
	if rs.raft != nil {
		err = rs.raft.Shutdown().Error()
	}
	rs.closeTransport()
	if rs.boltStore != nil {
		if berr := rs.boltStore.Close(); berr != nil && err == nil {
			err = berr
		}
	}
	return err
}
