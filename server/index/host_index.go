package index

import (
	"context"
	"math/rand"
	"streamctl/server/base"
	"streamctl/server/storage"
	"streamctl/server/stream/records"
	"streamctl/util/logging"
	"strings"
)

const (
	kTxnIndexRoot    = "/txnIndex"
	kTaskIndexRoot   = "/taskIndex"
	kResourceSep     = "#"
	kHostMarkerValue = "host"
)

// TxnResource identifies a transaction in the host transaction index.
type TxnResource struct {
	Scope  string
	Stream string
	TxnID  string
}

func (tr TxnResource) String() string {
	return tr.Scope + kResourceSep + tr.Stream + kResourceSep + tr.TxnID
}

// ParseTxnResource parses the index node name built by TxnResource.String.
func ParseTxnResource(name string) (TxnResource, error) {
	parts := strings.Split(name, kResourceSep)
	if len(parts) != 3 {
		return TxnResource{}, base.NewError(base.KindDataCorrupted, "ParseTxnResource", name,
			"malformed txn index entry")
	}
	return TxnResource{Scope: parts[0], Stream: parts[1], TxnID: parts[2]}, nil
}

func (tr TxnResource) validate(op string) error {
	for _, name := range []string{tr.Scope, tr.Stream, tr.TxnID} {
		if err := base.ValidateName(op, name); err != nil {
			return err
		}
	}
	return nil
}

// HostIndex tracks, per controller host, the transactions it created and the workflow requests it has posted but not
// yet seen processed. When a host dies, a sweeper on another host walks its entries and takes them over.
type HostIndex struct {
	vs     storage.VersionedStore
	logger *logging.PrefixLogger
}

func NewHostIndex(vs storage.VersionedStore, logger *logging.PrefixLogger) *HostIndex {
	if logger == nil {
		logger = logging.NewPrefixLogger("HostIndex")
	}
	return &HostIndex{vs: vs, logger: logger}
}

func (hi *HostIndex) ensureHostNode(ctx context.Context, root string, hostID string) error {
	_, err := hi.vs.Create(ctx, storage.JoinPath(root, hostID), []byte(kHostMarkerValue))
	if err != nil && !base.IsKind(err, base.KindAlreadyExists) {
		return err
	}
	return nil
}

// deleteHostIfEmpty removes the host node once it has no children left.
func (hi *HostIndex) deleteHostIfEmpty(ctx context.Context, root string, hostID string) error {
	hostPath := storage.JoinPath(root, hostID)
	children, err := hi.vs.List(ctx, hostPath)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return nil
	}
	if err := hi.vs.Delete(ctx, hostPath, base.NoVersion); err != nil && !base.IsKind(err, base.KindNotFound) {
		return err
	}
	return nil
}

// AddTxnToIndex records that hostID owns the transaction. Adding an existing entry overwrites its version.
func (hi *HostIndex) AddTxnToIndex(ctx context.Context, hostID string, resource TxnResource,
	version base.Version) error {
	if err := base.ValidateName("AddTxnToIndex", hostID); err != nil {
		return err
	}
	if err := resource.validate("AddTxnToIndex"); err != nil {
		return err
	}
	if err := hi.ensureHostNode(ctx, kTxnIndexRoot, hostID); err != nil {
		return err
	}
	data := records.Serialize(&records.TxnIndexRecord{Version: int64(version)})
	_, err := hi.vs.Put(ctx, storage.JoinPath(kTxnIndexRoot, hostID, resource.String()), data)
	return err
}

// RemoveTxnFromIndex removes the entry if present. If deleteEmptyParent is set and the host owns no other
// transaction, the host is removed from the index as well.
func (hi *HostIndex) RemoveTxnFromIndex(ctx context.Context, hostID string, resource TxnResource,
	deleteEmptyParent bool) error {
	err := hi.vs.Delete(ctx, storage.JoinPath(kTxnIndexRoot, hostID, resource.String()), base.NoVersion)
	if err != nil && !base.IsKind(err, base.KindNotFound) {
		return err
	}
	if deleteEmptyParent {
		return hi.deleteHostIfEmpty(ctx, kTxnIndexRoot, hostID)
	}
	return nil
}

// GetRandomTxnFromIndex returns any one transaction owned by hostID. ok is false if the host owns none.
func (hi *HostIndex) GetRandomTxnFromIndex(ctx context.Context, hostID string) (resource TxnResource, ok bool,
	err error) {
	children, err := hi.vs.List(ctx, storage.JoinPath(kTxnIndexRoot, hostID))
	if err != nil {
		return TxnResource{}, false, err
	}
	if len(children) == 0 {
		return TxnResource{}, false, nil
	}
	resource, err = ParseTxnResource(children[rand.Intn(len(children))])
	if err != nil {
		return TxnResource{}, false, err
	}
	return resource, true, nil
}

// GetTxnVersionFromIndex returns the transaction version recorded with the index entry.
func (hi *HostIndex) GetTxnVersionFromIndex(ctx context.Context, hostID string, resource TxnResource) (base.Version,
	error) {
	path := storage.JoinPath(kTxnIndexRoot, hostID, resource.String())
	vd, err := hi.vs.Get(ctx, path)
	if err != nil {
		return base.NoVersion, err
	}
	var rec records.TxnIndexRecord
	if err := records.Deserialize(vd.Data, &rec); err != nil {
		return base.NoVersion, base.WrapError(base.KindDataCorrupted, "GetTxnVersionFromIndex", path, err)
	}
	return base.Version(rec.Version), nil
}

// RemoveHostFromIndex drops the host and every transaction entry under it.
func (hi *HostIndex) RemoveHostFromIndex(ctx context.Context, hostID string) error {
	return storage.DeleteRecursive(ctx, hi.vs, storage.JoinPath(kTxnIndexRoot, hostID))
}

// ListHostsOwningTxn returns the hosts present in the transaction index.
func (hi *HostIndex) ListHostsOwningTxn(ctx context.Context) ([]string, error) {
	return hi.vs.List(ctx, kTxnIndexRoot)
}

// AddRequestToIndex parks a workflow request under hostID until it is processed. Adding an existing id is a no-op.
func (hi *HostIndex) AddRequestToIndex(ctx context.Context, hostID string, id string,
	request *records.TaskRequestRecord) error {
	if err := base.ValidateName("AddRequestToIndex", hostID); err != nil {
		return err
	}
	if err := base.ValidateName("AddRequestToIndex", id); err != nil {
		return err
	}
	if err := hi.ensureHostNode(ctx, kTaskIndexRoot, hostID); err != nil {
		return err
	}
	_, err := hi.vs.Create(ctx, storage.JoinPath(kTaskIndexRoot, hostID, id), records.Serialize(request))
	if err != nil && !base.IsKind(err, base.KindAlreadyExists) {
		return err
	}
	return nil
}

// RemoveTaskFromIndex removes a processed request. Missing entries are ignored.
func (hi *HostIndex) RemoveTaskFromIndex(ctx context.Context, hostID string, id string) error {
	err := hi.vs.Delete(ctx, storage.JoinPath(kTaskIndexRoot, hostID, id), base.NoVersion)
	if err != nil && !base.IsKind(err, base.KindNotFound) {
		return err
	}
	return nil
}

// GetPendingTasksForHost returns up to limit requests parked under hostID, keyed by request id. limit <= 0 returns
// all of them.
func (hi *HostIndex) GetPendingTasksForHost(ctx context.Context, hostID string, limit int) (
	map[string]*records.TaskRequestRecord, error) {
	hostPath := storage.JoinPath(kTaskIndexRoot, hostID)
	children, err := hi.vs.List(ctx, hostPath)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(children) > limit {
		children = children[:limit]
	}
	tasks := make(map[string]*records.TaskRequestRecord, len(children))
	for _, id := range children {
		vd, err := hi.vs.Get(ctx, storage.JoinPath(hostPath, id))
		if err != nil {
			if base.IsKind(err, base.KindNotFound) {
				// Processed concurrently.
				continue
			}
			return nil, err
		}
		var rec records.TaskRequestRecord
		if err := records.Deserialize(vd.Data, &rec); err != nil {
			hi.logger.Warningf("Skipping corrupted task %s of host %s: %v", id, hostID, err)
			continue
		}
		tasks[id] = &rec
	}
	return tasks, nil
}

// RemoveHostFromTaskIndex drops the host and every request under it.
func (hi *HostIndex) RemoveHostFromTaskIndex(ctx context.Context, hostID string) error {
	return storage.DeleteRecursive(ctx, hi.vs, storage.JoinPath(kTaskIndexRoot, hostID))
}

// ListHostsWithPendingTask returns the hosts present in the task index.
func (hi *HostIndex) ListHostsWithPendingTask(ctx context.Context) ([]string, error) {
	return hi.vs.List(ctx, kTaskIndexRoot)
}
