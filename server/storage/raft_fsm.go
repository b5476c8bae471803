package storage

import (
	"context"
	"encoding/gob"
	"github.com/hashicorp/raft"
	"io"
	"streamctl/util/logging"
)

// VersionedStoreFSM applies replicated store commands to an in-memory store. Versions are assigned by the memory
// store's revision counter, which advances identically on every replica since commands are applied in log order.
type VersionedStoreFSM struct {
	store  *MemoryStore
	logger *logging.PrefixLogger
}

func NewVersionedStoreFSM(logger *logging.PrefixLogger) *VersionedStoreFSM {
	if logger == nil {
		logger = logging.NewPrefixLogger("VersionedStoreFSM")
	}
	fsm := VersionedStoreFSM{
		store:  NewMemoryStore(logging.NewPrefixLoggerWithParent("fsm_store", logger)),
		logger: logger,
	}
	return &fsm
}

// Store returns the replica's local view. Reads from it are not linearizable.
func (fsm *VersionedStoreFSM) Store() *MemoryStore {
	return fsm.store
}

func (fsm *VersionedStoreFSM) Apply(log *raft.Log) interface{} {
	if log.Data == nil || len(log.Data) == 0 {
		fsm.logger.Fatalf("Failed to apply log message as no data was found")
	}
	cmd := Deserialize(log.Data)
	resp := FSMResponse{CommandType: cmd.CommandType}
	ctx := context.Background()
	switch cmd.CommandType {
	case KNoOpCommand:
		// Do nothing.
	case KCreateCommand:
		resp.Version, resp.Error = fsm.store.Create(ctx, cmd.Path, cmd.Data)
	case KPutCommand:
		resp.Version, resp.Error = fsm.store.Put(ctx, cmd.Path, cmd.Data)
	case KCASCommand:
		resp.Version, resp.Error = fsm.store.CompareAndSwap(ctx, cmd.Path, cmd.Data, cmd.Expected)
	case KDeleteCommand:
		resp.Error = fsm.store.Delete(ctx, cmd.Path, cmd.Expected)
	default:
		fsm.logger.Fatalf("Invalid command type: %d. Log Index: %d, Log Term: %d", cmd.CommandType, log.Index,
			log.Term)
	}
	if resp.Error != nil {
		fsm.logger.VInfof(1, "%s on %s rejected. Log Index: %d, Log Term: %d, err: %v",
			cmd.CommandType.ToString(), cmd.Path, log.Index, log.Term, resp.Error)
	}
	return &resp
}

func (fsm *VersionedStoreFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &versionedStoreSnapshot{image: fsm.store.dump()}, nil
}

func (fsm *VersionedStoreFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var image memorySnapshot
	if err := gob.NewDecoder(rc).Decode(&image); err != nil {
		fsm.logger.Errorf("Unable to restore snapshot due to err: %v", err)
		return err
	}
	if image.Entries == nil {
		image.Entries = make(map[string]memoryEntry)
	}
	fsm.store.load(&image)
	return nil
}

type versionedStoreSnapshot struct {
	image *memorySnapshot
}

func (snap *versionedStoreSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := gob.NewEncoder(sink).Encode(snap.image); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (snap *versionedStoreSnapshot) Release() {}
