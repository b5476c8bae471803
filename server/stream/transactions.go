package stream

import (
	"context"
	"github.com/google/uuid"
	"sort"
	"streamctl/server/base"
	"streamctl/server/index"
	"streamctl/server/stream/records"
	"streamctl/util/logging"
	"time"
)

// Transactions implements TransactionStore. Every transaction created on behalf of a host is registered in the host
// index until it completes.
type Transactions struct {
	ra       *recordAccess
	streams  *Streams
	segments *Segments
	index    *index.HostIndex
	logger   *logging.PrefixLogger
}

func NewTransactions(ra *recordAccess, streams *Streams, segments *Segments, hostIndex *index.HostIndex) *Transactions {
	return &Transactions{
		ra:       ra,
		streams:  streams,
		segments: segments,
		index:    hostIndex,
		logger:   logging.NewPrefixLoggerWithParent("txns", ra.logger),
	}
}

// GenerateTransactionID returns a time ordered id so that ids sort roughly in creation order.
func (t *Transactions) GenerateTransactionID() (uuid.UUID, error) {
	return uuid.NewV7()
}

func (t *Transactions) readActiveTxn(ctx context.Context, scope string, stream string, txnID uuid.UUID,
	oc *base.OperationContext) (VersionedMetadata[records.ActiveTxnRecord], error) {
	return readRecord[records.ActiveTxnRecord](ctx, t.ra, oc, activeTxnPath(scope, stream, txnID.String()), true)
}

func (t *Transactions) readCompletedTxn(ctx context.Context, scope string, stream string, txnID uuid.UUID,
	oc *base.OperationContext) (VersionedMetadata[records.CompletedTxnRecord], error) {
	return readRecord[records.CompletedTxnRecord](ctx, t.ra, oc, completedTxnPath(scope, stream, txnID.String()),
		false)
}

func txnResource(scope string, stream string, txnID uuid.UUID) index.TxnResource {
	return index.TxnResource{Scope: scope, Stream: stream, TxnID: txnID.String()}
}

// checkLimits rejects a lease or max execution time above the configured limits.
func (t *Transactions) checkLimits(op string, path string, lease time.Duration, maxExecutionTime time.Duration) error {
	if t.ra.maxTxnLease > 0 && lease > t.ra.maxTxnLease {
		return base.NewError(base.KindPreconditionFailed, op, path, "lease %v exceeds limit %v", lease,
			t.ra.maxTxnLease)
	}
	if t.ra.maxTxnExecutionTime > 0 && maxExecutionTime > t.ra.maxTxnExecutionTime {
		return base.NewError(base.KindPreconditionFailed, op, path, "max execution time %v exceeds limit %v",
			maxExecutionTime, t.ra.maxTxnExecutionTime)
	}
	return nil
}

// CreateTransaction opens a transaction in the active epoch. The transaction is registered under hostID in the host
// index before it is created, so a host that dies halfway leaves an entry for the sweeper rather than an orphan.
// Creating a transaction that already exists for the same host and epoch returns it.
func (t *Transactions) CreateTransaction(ctx context.Context, scope string, stream string, txnID uuid.UUID,
	lease time.Duration, maxExecutionTime time.Duration, hostID string,
	oc *base.OperationContext) (VersionedTransactionData, error) {
	const op = "CreateTransaction"
	oc = t.ra.cacheFor(oc, scope, stream)
	path := activeTxnPath(scope, stream, txnID.String())
	if lease <= 0 || maxExecutionTime <= 0 || lease > maxExecutionTime {
		return VersionedTransactionData{}, base.NewError(base.KindPreconditionFailed, op, path,
			"invalid lease %v for max execution time %v", lease, maxExecutionTime)
	}
	if err := t.checkLimits(op, path, lease, maxExecutionTime); err != nil {
		return VersionedTransactionData{}, err
	}
	state, err := t.streams.GetState(ctx, scope, stream, true, oc)
	if err != nil {
		return VersionedTransactionData{}, err
	}
	if state == records.KStateSealing || state == records.KStateSealed {
		return VersionedTransactionData{}, base.NewError(base.KindPreconditionFailed, op, path, "stream is %s",
			state)
	}
	active, err := t.segments.GetActiveEpoch(ctx, scope, stream, true, oc)
	if err != nil {
		return VersionedTransactionData{}, err
	}

	resource := txnResource(scope, stream, txnID)
	if hostID != "" {
		if err := t.index.AddTxnToIndex(ctx, hostID, resource, base.NoVersion); err != nil {
			return VersionedTransactionData{}, err
		}
	}
	now := t.ra.nowMillis()
	rec := &records.ActiveTxnRecord{
		TxnCreationTime:        now,
		LeaseExpiryTime:        now + lease.Milliseconds(),
		MaxExecutionExpiryTime: now + maxExecutionTime.Milliseconds(),
		Status:                 records.KTxnOpen,
		HostID:                 hostID,
		Epoch:                  active.Epoch,
	}
	version, err := t.ra.create(ctx, oc, path, rec)
	if err != nil {
		if !base.IsKind(err, base.KindAlreadyExists) {
			return VersionedTransactionData{}, err
		}
		existing, err := t.readActiveTxn(ctx, scope, stream, txnID, oc)
		if err != nil {
			return VersionedTransactionData{}, err
		}
		if err := t.restoreIndexEntry(ctx, hostID, resource, existing); err != nil {
			return VersionedTransactionData{}, err
		}
		if existing.Object.HostID != hostID || existing.Object.Epoch != active.Epoch {
			return VersionedTransactionData{}, base.NewError(base.KindAlreadyExists, op, path,
				"transaction exists in epoch %d for host %q", existing.Object.Epoch, existing.Object.HostID)
		}
		return newVersionedTransactionData(txnID, &existing.Object, existing.Version), nil
	}
	if hostID != "" {
		if err := t.index.AddTxnToIndex(ctx, hostID, resource, version); err != nil {
			return VersionedTransactionData{}, err
		}
	}
	t.ra.metrics.TxnTransition(string(records.KTxnOpen))
	t.logger.VInfof(1, "Stream %s/%s: opened transaction %s in epoch %d", scope, stream, txnID, active.Epoch)
	return newVersionedTransactionData(txnID, rec, version), nil
}

// restoreIndexEntry undoes the index entry CreateTransaction wrote for hostID once it finds the transaction already
// exists. The owner's entry gets the record version back, any other host's entry is removed.
func (t *Transactions) restoreIndexEntry(ctx context.Context, hostID string, resource index.TxnResource,
	existing VersionedMetadata[records.ActiveTxnRecord]) error {
	if hostID == "" {
		return nil
	}
	if existing.Object.HostID == hostID {
		return t.index.AddTxnToIndex(ctx, hostID, resource, existing.Version)
	}
	t.logger.Warningf("Transaction %s is owned by host %q. Removing the entry added for host %q", resource,
		existing.Object.HostID, hostID)
	return t.index.RemoveTxnFromIndex(ctx, hostID, resource, true)
}

// PingTransaction extends the lease of an open transaction to now+lease. The lease never moves backwards. It fails
// with KindLeaseExpired once the current lease has run out and with KindMaxExecutionTimeExceeded if the new lease
// would outlive the transaction.
func (t *Transactions) PingTransaction(ctx context.Context, scope string, stream string,
	txnData VersionedTransactionData, lease time.Duration,
	oc *base.OperationContext) (VersionedTransactionData, error) {
	const op = "PingTransaction"
	oc = t.ra.cacheFor(oc, scope, stream)
	path := activeTxnPath(scope, stream, txnData.ID.String())
	if lease <= 0 {
		return txnData, base.NewError(base.KindPreconditionFailed, op, path, "invalid lease %v", lease)
	}
	if err := t.checkLimits(op, path, lease, 0); err != nil {
		return txnData, err
	}
	current, err := t.readActiveTxn(ctx, scope, stream, txnData.ID, oc)
	if err != nil {
		return txnData, err
	}
	rec := current.Object
	if rec.Status != records.KTxnOpen {
		return txnData, base.NewError(base.KindIllegalStateTransition, op, path, "transaction is %s", rec.Status)
	}
	if current.Version != txnData.Version {
		return txnData, base.NewError(base.KindWriteConflict, op, path, "transaction is at version %d, not %d",
			current.Version, txnData.Version)
	}
	now := t.ra.nowMillis()
	if now > rec.LeaseExpiryTime {
		return txnData, base.NewError(base.KindLeaseExpired, op, path, "lease expired at %d", rec.LeaseExpiryTime)
	}
	newExpiry := now + lease.Milliseconds()
	if newExpiry > rec.MaxExecutionExpiryTime {
		return txnData, base.NewError(base.KindMaxExecutionTimeExceeded, op, path,
			"lease until %d exceeds max execution time %d", newExpiry, rec.MaxExecutionExpiryTime)
	}
	if newExpiry > rec.LeaseExpiryTime {
		rec.LeaseExpiryTime = newExpiry
	}
	version, err := t.ra.update(ctx, oc, path, &rec, current.Version)
	if err != nil {
		return txnData, err
	}
	if rec.HostID != "" {
		if err := t.index.AddTxnToIndex(ctx, rec.HostID, txnResource(scope, stream, txnData.ID), version); err != nil {
			return txnData, err
		}
	}
	return newVersionedTransactionData(txnData.ID, &rec, version), nil
}

func (t *Transactions) GetTransactionData(ctx context.Context, scope string, stream string, txnID uuid.UUID,
	oc *base.OperationContext) (VersionedTransactionData, error) {
	oc = t.ra.cacheFor(oc, scope, stream)
	current, err := t.readActiveTxn(ctx, scope, stream, txnID, oc)
	if err != nil {
		return VersionedTransactionData{}, err
	}
	return newVersionedTransactionData(txnID, &current.Object, current.Version), nil
}

// TransactionStatus returns the status of an active or completed transaction, or KTxnUnknown if there is no record of
// it.
func (t *Transactions) TransactionStatus(ctx context.Context, scope string, stream string, txnID uuid.UUID,
	oc *base.OperationContext) (records.TxnStatus, error) {
	oc = t.ra.cacheFor(oc, scope, stream)
	active, err := t.readActiveTxn(ctx, scope, stream, txnID, oc)
	if err == nil {
		return active.Object.Status, nil
	}
	if !base.IsKind(err, base.KindNotFound) {
		return records.KTxnUnknown, err
	}
	completed, err := t.readCompletedTxn(ctx, scope, stream, txnID, oc)
	if err != nil {
		if base.IsKind(err, base.KindNotFound) {
			return records.KTxnUnknown, nil
		}
		return records.KTxnUnknown, err
	}
	return completed.Object.Status, nil
}

// SealTransaction moves an open transaction to COMMITTING or ABORTING. Sealing a transaction that is already sealed in
// the same direction succeeds. Sealing it in the other direction fails with KindIllegalStateTransition. version may be
// base.NoVersion to skip the version check. The epoch of the transaction is returned along with its status.
func (t *Transactions) SealTransaction(ctx context.Context, scope string, stream string, txnID uuid.UUID,
	commit bool, version base.Version, oc *base.OperationContext) (records.TxnStatus, int32, error) {
	const op = "SealTransaction"
	oc = t.ra.cacheFor(oc, scope, stream)
	path := activeTxnPath(scope, stream, txnID.String())
	target, done := records.KTxnAborting, records.KTxnAborted
	if commit {
		target, done = records.KTxnCommitting, records.KTxnCommitted
	}
	current, err := t.readActiveTxn(ctx, scope, stream, txnID, oc)
	if err != nil {
		if !base.IsKind(err, base.KindNotFound) {
			return records.KTxnUnknown, records.KNoEpoch, err
		}
		completed, cerr := t.readCompletedTxn(ctx, scope, stream, txnID, oc)
		if cerr != nil {
			if base.IsKind(cerr, base.KindNotFound) {
				return records.KTxnUnknown, records.KNoEpoch, err
			}
			return records.KTxnUnknown, records.KNoEpoch, cerr
		}
		if completed.Object.Status == done {
			return done, records.KNoEpoch, nil
		}
		return completed.Object.Status, records.KNoEpoch, base.NewError(base.KindIllegalStateTransition, op, path,
			"transaction is %s", completed.Object.Status)
	}
	rec := current.Object
	switch rec.Status {
	case target:
		return target, rec.Epoch, nil
	case records.KTxnOpen:
	default:
		return rec.Status, rec.Epoch, base.NewError(base.KindIllegalStateTransition, op, path,
			"cannot move transaction from %s to %s", rec.Status, target)
	}
	if version != base.NoVersion && version != current.Version {
		return rec.Status, rec.Epoch, base.NewError(base.KindWriteConflict, op, path,
			"transaction is at version %d, not %d", current.Version, version)
	}
	rec.Status = target
	if commit {
		rec.CommitTime = t.ra.nowMillis()
	}
	if _, err := t.ra.update(ctx, oc, path, &rec, current.Version); err != nil {
		return records.KTxnOpen, rec.Epoch, err
	}
	t.ra.metrics.TxnTransition(string(target))
	return target, rec.Epoch, nil
}

// completeTransaction moves a sealed transaction from `from` to its terminal status `to`: the completed record is
// written, then the active record and the index entry are removed.
func (t *Transactions) completeTransaction(ctx context.Context, scope string, stream string, txnID uuid.UUID,
	from records.TxnStatus, to records.TxnStatus, op string, oc *base.OperationContext) (records.TxnStatus, error) {
	oc = t.ra.cacheFor(oc, scope, stream)
	path := activeTxnPath(scope, stream, txnID.String())
	current, err := t.readActiveTxn(ctx, scope, stream, txnID, oc)
	if err != nil {
		if !base.IsKind(err, base.KindNotFound) {
			return records.KTxnUnknown, err
		}
		completed, cerr := t.readCompletedTxn(ctx, scope, stream, txnID, oc)
		if cerr != nil {
			if base.IsKind(cerr, base.KindNotFound) {
				return records.KTxnUnknown, err
			}
			return records.KTxnUnknown, cerr
		}
		if completed.Object.Status == to {
			return to, nil
		}
		return completed.Object.Status, base.NewError(base.KindIllegalStateTransition, op, path,
			"transaction is %s", completed.Object.Status)
	}
	if current.Object.Status != from {
		return current.Object.Status, base.NewError(base.KindIllegalStateTransition, op, path,
			"cannot move transaction from %s to %s", current.Object.Status, to)
	}
	completedRec := &records.CompletedTxnRecord{CompleteTime: t.ra.nowMillis(), Status: to}
	if _, err := t.ra.put(ctx, oc, completedTxnPath(scope, stream, txnID.String()), completedRec); err != nil {
		return from, err
	}
	if err := t.ra.delete(ctx, oc, path, current.Version); err != nil && !base.IsKind(err, base.KindNotFound) {
		return from, err
	}
	if current.Object.HostID != "" {
		err := t.index.RemoveTxnFromIndex(ctx, current.Object.HostID, txnResource(scope, stream, txnID), false)
		if err != nil {
			return to, err
		}
	}
	t.ra.metrics.TxnTransition(string(to))
	return to, nil
}

// CommitTransaction moves a COMMITTING transaction to COMMITTED.
func (t *Transactions) CommitTransaction(ctx context.Context, scope string, stream string, txnID uuid.UUID,
	oc *base.OperationContext) (records.TxnStatus, error) {
	return t.completeTransaction(ctx, scope, stream, txnID, records.KTxnCommitting, records.KTxnCommitted,
		"CommitTransaction", oc)
}

// AbortTransaction moves an ABORTING transaction to ABORTED.
func (t *Transactions) AbortTransaction(ctx context.Context, scope string, stream string, txnID uuid.UUID,
	oc *base.OperationContext) (records.TxnStatus, error) {
	return t.completeTransaction(ctx, scope, stream, txnID, records.KTxnAborting, records.KTxnAborted,
		"AbortTransaction", oc)
}

// GetActiveTxns returns every transaction that has not completed yet.
func (t *Transactions) GetActiveTxns(ctx context.Context, scope string, stream string,
	oc *base.OperationContext) (map[uuid.UUID]VersionedTransactionData, error) {
	oc = t.ra.cacheFor(oc, scope, stream)
	names, err := t.ra.vs.List(ctx, activeTxnsPath(scope, stream))
	if err != nil {
		return nil, err
	}
	txns := make(map[uuid.UUID]VersionedTransactionData, len(names))
	for _, name := range names {
		txnID, err := uuid.Parse(name)
		if err != nil {
			t.logger.Warningf("Skipping malformed transaction node %s in stream %s/%s", name, scope, stream)
			continue
		}
		rec, err := t.readActiveTxn(ctx, scope, stream, txnID, oc)
		if err != nil {
			if base.IsKind(err, base.KindNotFound) {
				continue
			}
			return nil, err
		}
		txns[txnID] = newVersionedTransactionData(txnID, &rec.Object, rec.Version)
	}
	return txns, nil
}

// StartCommitTransactions returns the batch of transactions being committed. If there is none, it collects up to
// limit COMMITTING transactions of the lowest epoch that has any into a new batch. An empty record means there is
// nothing to commit.
func (t *Transactions) StartCommitTransactions(ctx context.Context, scope string, stream string, limit int,
	oc *base.OperationContext) (VersionedMetadata[records.CommittingTransactionsRecord], error) {
	oc = t.ra.cacheFor(oc, scope, stream)
	path := streamNodePath(scope, stream, kCommittingTxnsNode)
	existing, err := t.segments.readCommittingTxns(ctx, scope, stream, oc)
	if err != nil {
		return existing, err
	}
	if !existing.Object.IsEmpty() {
		return existing, nil
	}
	txns, err := t.GetActiveTxns(ctx, scope, stream, oc)
	if err != nil {
		return existing, err
	}
	epoch := records.KNoEpoch
	for _, txn := range txns {
		if txn.Status == records.KTxnCommitting && (epoch == records.KNoEpoch || txn.Epoch < epoch) {
			epoch = txn.Epoch
		}
	}
	if epoch == records.KNoEpoch {
		return existing, nil
	}
	var ids []string
	for id, txn := range txns {
		if txn.Status == records.KTxnCommitting && txn.Epoch == epoch {
			ids = append(ids, id.String())
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	ctr := &records.CommittingTransactionsRecord{
		Epoch:                epoch,
		TransactionsToCommit: ids,
		ActiveEpoch:          records.KNoEpoch,
		Stage:                records.KCommitStageCollected,
	}
	version, err := t.ra.update(ctx, oc, path, ctr, existing.Version)
	if err != nil {
		return existing, err
	}
	t.logger.Infof("Stream %s/%s: committing %d transactions of epoch %d", scope, stream, len(ids), epoch)
	return VersionedMetadata[records.CommittingTransactionsRecord]{Object: *ctr, Version: version}, nil
}

func (t *Transactions) GetVersionedCommittingTransactionsRecord(ctx context.Context, scope string, stream string,
	oc *base.OperationContext) (VersionedMetadata[records.CommittingTransactionsRecord], error) {
	oc = t.ra.cacheFor(oc, scope, stream)
	return t.segments.readCommittingTxns(ctx, scope, stream, oc)
}

// CompleteCommitTransactions marks every transaction of the batch COMMITTED and clears the batch.
func (t *Transactions) CompleteCommitTransactions(ctx context.Context, scope string, stream string,
	record VersionedMetadata[records.CommittingTransactionsRecord], oc *base.OperationContext) error {
	const op = "CompleteCommitTransactions"
	oc = t.ra.cacheFor(oc, scope, stream)
	path := streamNodePath(scope, stream, kCommittingTxnsNode)
	if record.Object.IsEmpty() {
		return nil
	}
	current, err := t.segments.readCommittingTxns(ctx, scope, stream, oc)
	if err != nil {
		return err
	}
	if current.Object.IsEmpty() {
		return nil
	}
	if current.Version != record.Version {
		return base.NewError(base.KindWriteConflict, op, path, "committing transactions record changed")
	}
	for _, name := range record.Object.TransactionsToCommit {
		txnID, err := uuid.Parse(name)
		if err != nil {
			return base.WrapError(base.KindDataCorrupted, op, path, err)
		}
		if _, err := t.CommitTransaction(ctx, scope, stream, txnID, oc); err != nil {
			return err
		}
	}
	if _, err := t.ra.update(ctx, oc, path, records.EmptyCommittingTransactionsRecord(), record.Version); err != nil {
		return err
	}
	t.logger.Infof("Stream %s/%s: committed %d transactions of epoch %d", scope, stream,
		len(record.Object.TransactionsToCommit), record.Object.Epoch)
	return nil
}
