package stream

import (
	"context"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"sort"
	"streamctl/server/base"
	"streamctl/server/index"
	"streamctl/server/storage"
	"streamctl/server/stream/records"
	"streamctl/util/testutil"
	"testing"
	"time"
)

func createTestTxn(t *testing.T, ms *MetadataStore, host string) VersionedTransactionData {
	txnID, err := ms.GenerateTransactionID()
	require.NoError(t, err)
	txn, err := ms.CreateTransaction(context.Background(), kTestScope, kTestStream, txnID, 10*time.Second,
		time.Minute, host, nil)
	require.NoError(t, err)
	return txn
}

func TestCreateTransaction(t *testing.T) {
	testutil.LogTestMarker("TestCreateTransaction")
	ctx := context.Background()
	ms, _ := newTestStore(t)
	createActiveStream(t, ms, kTestScope, kTestStream, 1)

	txn := createTestTxn(t, ms, "host-a")
	require.Equal(t, int32(0), txn.Epoch)
	require.Equal(t, records.KTxnOpen, txn.Status)
	require.Equal(t, int64(1_000_000), txn.CreationTime)
	require.Equal(t, int64(1_010_000), txn.LeaseExpiryTime)
	require.Equal(t, int64(1_060_000), txn.MaxExecutionExpiryTime)
	require.Equal(t, "host-a", txn.HostID)

	resource := index.TxnResource{Scope: kTestScope, Stream: kTestStream, TxnID: txn.ID.String()}
	version, err := ms.Index.GetTxnVersionFromIndex(ctx, "host-a", resource)
	require.NoError(t, err)
	require.Equal(t, txn.Version, version)
	hosts, err := ms.Index.ListHostsOwningTxn(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"host-a"}, hosts)
	random, ok, err := ms.Index.GetRandomTxnFromIndex(ctx, "host-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, resource, random)

	// Another host cannot claim the transaction and keeps no index entry for it.
	_, err = ms.CreateTransaction(ctx, kTestScope, kTestStream, txn.ID, 10*time.Second, time.Minute, "host-b", nil)
	require.True(t, base.IsKind(err, base.KindAlreadyExists))
	_, ok, err = ms.Index.GetRandomTxnFromIndex(ctx, "host-b")
	require.NoError(t, err)
	require.False(t, ok)
	hosts, err = ms.Index.ListHostsOwningTxn(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"host-a"}, hosts)

	again, err := ms.CreateTransaction(ctx, kTestScope, kTestStream, txn.ID, 10*time.Second, time.Minute, "host-a",
		nil)
	require.NoError(t, err)
	require.Equal(t, txn, again)
	version, err = ms.Index.GetTxnVersionFromIndex(ctx, "host-a", resource)
	require.NoError(t, err)
	require.Equal(t, txn.Version, version)

	_, err = ms.CreateTransaction(ctx, kTestScope, kTestStream, uuid.New(), 2*time.Minute, time.Minute, "host-a", nil)
	require.True(t, base.IsKind(err, base.KindPreconditionFailed))
	_, err = ms.CreateTransaction(ctx, kTestScope, kTestStream, uuid.New(), 0, time.Minute, "host-a", nil)
	require.True(t, base.IsKind(err, base.KindPreconditionFailed))

	data, err := ms.GetTransactionData(ctx, kTestScope, kTestStream, txn.ID, nil)
	require.NoError(t, err)
	require.Equal(t, txn, data)
	txns, err := ms.GetActiveTxns(ctx, kTestScope, kTestStream, nil)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	require.Equal(t, txn, txns[txn.ID])
}

func TestCreateTransactionOnSealedStream(t *testing.T) {
	testutil.LogTestMarker("TestCreateTransactionOnSealedStream")
	ctx := context.Background()
	ms, _ := newTestStore(t)
	createActiveStream(t, ms, kTestScope, kTestStream, 1)
	require.NoError(t, ms.SetState(ctx, kTestScope, kTestStream, records.KStateSealing, nil))
	_, err := ms.CreateTransaction(ctx, kTestScope, kTestStream, uuid.New(), time.Second, time.Minute, "host-a", nil)
	require.True(t, base.IsKind(err, base.KindPreconditionFailed))

	_, err = ms.CreateTransaction(ctx, kTestScope, "missing", uuid.New(), time.Second, time.Minute, "host-a", nil)
	require.True(t, base.IsKind(err, base.KindNotFound))
}

func TestPingTransaction(t *testing.T) {
	testutil.LogTestMarker("TestPingTransaction")
	ctx := context.Background()
	ms, clock := newTestStore(t)
	createActiveStream(t, ms, kTestScope, kTestStream, 1)
	txn := createTestTxn(t, ms, "host-a")

	clock.Advance(5 * time.Second)
	pinged, err := ms.PingTransaction(ctx, kTestScope, kTestStream, txn, 10*time.Second, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1_015_000), pinged.LeaseExpiryTime)
	require.NotEqual(t, txn.Version, pinged.Version)

	// A shorter lease never moves the expiry backwards.
	pinged, err = ms.PingTransaction(ctx, kTestScope, kTestStream, pinged, time.Second, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1_015_000), pinged.LeaseExpiryTime)
	version, err := ms.Index.GetTxnVersionFromIndex(ctx, "host-a",
		index.TxnResource{Scope: kTestScope, Stream: kTestStream, TxnID: txn.ID.String()})
	require.NoError(t, err)
	require.Equal(t, pinged.Version, version)

	_, err = ms.PingTransaction(ctx, kTestScope, kTestStream, txn, 10*time.Second, nil)
	require.True(t, base.IsKind(err, base.KindWriteConflict))
	_, err = ms.PingTransaction(ctx, kTestScope, kTestStream, pinged, time.Minute, nil)
	require.True(t, base.IsKind(err, base.KindMaxExecutionTimeExceeded))

	clock.Advance(20 * time.Second)
	_, err = ms.PingTransaction(ctx, kTestScope, kTestStream, pinged, time.Second, nil)
	require.True(t, base.IsKind(err, base.KindLeaseExpired))

	// An expired transaction can still be aborted.
	status, _, err := ms.SealTransaction(ctx, kTestScope, kTestStream, txn.ID, false, pinged.Version, nil)
	require.NoError(t, err)
	require.Equal(t, records.KTxnAborting, status)
	_, err = ms.PingTransaction(ctx, kTestScope, kTestStream, pinged, time.Second, nil)
	require.True(t, base.IsKind(err, base.KindIllegalStateTransition))
}

func TestCommitTransaction(t *testing.T) {
	testutil.LogTestMarker("TestCommitTransaction")
	ctx := context.Background()
	ms, _ := newTestStore(t)
	createActiveStream(t, ms, kTestScope, kTestStream, 1)
	txn := createTestTxn(t, ms, "host-a")

	_, err := ms.CommitTransaction(ctx, kTestScope, kTestStream, txn.ID, nil)
	require.True(t, base.IsKind(err, base.KindIllegalStateTransition))

	status, epoch, err := ms.SealTransaction(ctx, kTestScope, kTestStream, txn.ID, true, base.NoVersion, nil)
	require.NoError(t, err)
	require.Equal(t, records.KTxnCommitting, status)
	require.Equal(t, int32(0), epoch)
	status, _, err = ms.SealTransaction(ctx, kTestScope, kTestStream, txn.ID, true, base.NoVersion, nil)
	require.NoError(t, err)
	require.Equal(t, records.KTxnCommitting, status)
	status, _, err = ms.SealTransaction(ctx, kTestScope, kTestStream, txn.ID, false, base.NoVersion, nil)
	require.True(t, base.IsKind(err, base.KindIllegalStateTransition))
	require.Equal(t, records.KTxnCommitting, status)

	status, err = ms.CommitTransaction(ctx, kTestScope, kTestStream, txn.ID, nil)
	require.NoError(t, err)
	require.Equal(t, records.KTxnCommitted, status)
	status, err = ms.CommitTransaction(ctx, kTestScope, kTestStream, txn.ID, nil)
	require.NoError(t, err)
	require.Equal(t, records.KTxnCommitted, status)
	status, err = ms.TransactionStatus(ctx, kTestScope, kTestStream, txn.ID, nil)
	require.NoError(t, err)
	require.Equal(t, records.KTxnCommitted, status)

	status, _, err = ms.SealTransaction(ctx, kTestScope, kTestStream, txn.ID, true, base.NoVersion, nil)
	require.NoError(t, err)
	require.Equal(t, records.KTxnCommitted, status)
	_, _, err = ms.SealTransaction(ctx, kTestScope, kTestStream, txn.ID, false, base.NoVersion, nil)
	require.True(t, base.IsKind(err, base.KindIllegalStateTransition))
	_, err = ms.AbortTransaction(ctx, kTestScope, kTestStream, txn.ID, nil)
	require.True(t, base.IsKind(err, base.KindIllegalStateTransition))

	_, err = ms.Index.GetTxnVersionFromIndex(ctx, "host-a",
		index.TxnResource{Scope: kTestScope, Stream: kTestStream, TxnID: txn.ID.String()})
	require.True(t, base.IsKind(err, base.KindNotFound))
	txns, err := ms.GetActiveTxns(ctx, kTestScope, kTestStream, nil)
	require.NoError(t, err)
	require.Empty(t, txns)
}

func TestAbortTransaction(t *testing.T) {
	testutil.LogTestMarker("TestAbortTransaction")
	ctx := context.Background()
	ms, _ := newTestStore(t)
	createActiveStream(t, ms, kTestScope, kTestStream, 1)
	txn := createTestTxn(t, ms, "")

	_, _, err := ms.SealTransaction(ctx, kTestScope, kTestStream, txn.ID, false, txn.Version+1000, nil)
	require.True(t, base.IsKind(err, base.KindWriteConflict))
	status, _, err := ms.SealTransaction(ctx, kTestScope, kTestStream, txn.ID, false, txn.Version, nil)
	require.NoError(t, err)
	require.Equal(t, records.KTxnAborting, status)
	_, _, err = ms.SealTransaction(ctx, kTestScope, kTestStream, txn.ID, true, base.NoVersion, nil)
	require.True(t, base.IsKind(err, base.KindIllegalStateTransition))
	_, err = ms.CommitTransaction(ctx, kTestScope, kTestStream, txn.ID, nil)
	require.True(t, base.IsKind(err, base.KindIllegalStateTransition))

	status, err = ms.AbortTransaction(ctx, kTestScope, kTestStream, txn.ID, nil)
	require.NoError(t, err)
	require.Equal(t, records.KTxnAborted, status)
	status, err = ms.TransactionStatus(ctx, kTestScope, kTestStream, txn.ID, nil)
	require.NoError(t, err)
	require.Equal(t, records.KTxnAborted, status)
	hosts, err := ms.Index.ListHostsOwningTxn(ctx)
	require.NoError(t, err)
	require.Empty(t, hosts)
}

func TestUnknownTransaction(t *testing.T) {
	testutil.LogTestMarker("TestUnknownTransaction")
	ctx := context.Background()
	ms, _ := newTestStore(t)
	createActiveStream(t, ms, kTestScope, kTestStream, 1)
	txnID := uuid.New()

	status, err := ms.TransactionStatus(ctx, kTestScope, kTestStream, txnID, nil)
	require.NoError(t, err)
	require.Equal(t, records.KTxnUnknown, status)
	_, _, err = ms.SealTransaction(ctx, kTestScope, kTestStream, txnID, true, base.NoVersion, nil)
	require.True(t, base.IsKind(err, base.KindNotFound))
	_, err = ms.GetTransactionData(ctx, kTestScope, kTestStream, txnID, nil)
	require.True(t, base.IsKind(err, base.KindNotFound))
	_, err = ms.AbortTransaction(ctx, kTestScope, kTestStream, txnID, nil)
	require.True(t, base.IsKind(err, base.KindNotFound))
}

func TestCommitTransactionsByEpoch(t *testing.T) {
	testutil.LogTestMarker("TestCommitTransactionsByEpoch")
	ctx := context.Background()
	ms, _ := newTestStore(t)
	createActiveStream(t, ms, kTestScope, kTestStream, 1)

	first := createTestTxn(t, ms, "host-a")
	scaleStream(t, ms, []int64{0}, []records.KeyRange{{Low: 0, High: 0.5}, {Low: 0.5, High: 1}}, 200, 100)
	second := createTestTxn(t, ms, "host-a")
	third := createTestTxn(t, ms, "host-b")
	open := createTestTxn(t, ms, "host-b")
	require.Equal(t, int32(1), second.Epoch)
	require.Equal(t, int32(1), open.Epoch)
	for _, txn := range []VersionedTransactionData{first, second, third} {
		_, _, err := ms.SealTransaction(ctx, kTestScope, kTestStream, txn.ID, true, txn.Version, nil)
		require.NoError(t, err)
	}

	ctr, err := ms.StartCommitTransactions(ctx, kTestScope, kTestStream, 0, nil)
	require.NoError(t, err)
	require.Equal(t, int32(0), ctr.Object.Epoch)
	require.Equal(t, []string{first.ID.String()}, ctr.Object.TransactionsToCommit)
	require.Equal(t, records.KCommitStageCollected, ctr.Object.Stage)
	require.False(t, ctr.Object.IsRollingTxnRecord())
	again, err := ms.StartCommitTransactions(ctx, kTestScope, kTestStream, 0, nil)
	require.NoError(t, err)
	require.Equal(t, ctr, again)
	stored, err := ms.GetVersionedCommittingTransactionsRecord(ctx, kTestScope, kTestStream, nil)
	require.NoError(t, err)
	require.Equal(t, ctr, stored)

	// Rolling transactions only apply when the batch is older than the active epoch.
	_, err = ms.StartRollingTxn(ctx, kTestScope, kTestStream, 0, ctr, nil)
	require.True(t, base.IsKind(err, base.KindPreconditionFailed))

	stale := ctr
	stale.Version += 1000
	err = ms.CompleteCommitTransactions(ctx, kTestScope, kTestStream, stale, nil)
	require.True(t, base.IsKind(err, base.KindWriteConflict))
	require.NoError(t, ms.CompleteCommitTransactions(ctx, kTestScope, kTestStream, ctr, nil))
	require.NoError(t, ms.CompleteCommitTransactions(ctx, kTestScope, kTestStream, ctr, nil))
	status, err := ms.TransactionStatus(ctx, kTestScope, kTestStream, first.ID, nil)
	require.NoError(t, err)
	require.Equal(t, records.KTxnCommitted, status)

	expected := []string{second.ID.String(), third.ID.String()}
	sort.Strings(expected)
	for _, id := range expected {
		ctr, err = ms.StartCommitTransactions(ctx, kTestScope, kTestStream, 1, nil)
		require.NoError(t, err)
		require.Equal(t, int32(1), ctr.Object.Epoch)
		require.Equal(t, []string{id}, ctr.Object.TransactionsToCommit)
		require.NoError(t, ms.CompleteCommitTransactions(ctx, kTestScope, kTestStream, ctr, nil))
	}

	ctr, err = ms.StartCommitTransactions(ctx, kTestScope, kTestStream, 0, nil)
	require.NoError(t, err)
	require.True(t, ctr.Object.IsEmpty())
	txns, err := ms.GetActiveTxns(ctx, kTestScope, kTestStream, nil)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	require.Equal(t, records.KTxnOpen, txns[open.ID].Status)
	hosts, err := ms.Index.ListHostsOwningTxn(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"host-a", "host-b"}, hosts)
}

func TestTransactionLimits(t *testing.T) {
	testutil.LogTestMarker("TestTransactionLimits")
	ctx := context.Background()
	vs := storage.NewMemoryStore(nil)
	defer vs.Close()
	ms := NewMetadataStore(vs, WithTransactionLimits(30*time.Second, time.Hour))
	createActiveStream(t, ms, kTestScope, kTestStream, 1)

	_, err := ms.CreateTransaction(ctx, kTestScope, kTestStream, uuid.New(), time.Minute, time.Hour, "host-a", nil)
	require.True(t, base.IsKind(err, base.KindPreconditionFailed))
	_, err = ms.CreateTransaction(ctx, kTestScope, kTestStream, uuid.New(), time.Second, 2*time.Hour, "host-a", nil)
	require.True(t, base.IsKind(err, base.KindPreconditionFailed))
	txn, err := ms.CreateTransaction(ctx, kTestScope, kTestStream, uuid.New(), 10*time.Second, time.Hour, "host-a",
		nil)
	require.NoError(t, err)
	_, err = ms.PingTransaction(ctx, kTestScope, kTestStream, txn, time.Minute, nil)
	require.True(t, base.IsKind(err, base.KindPreconditionFailed))
	_, err = ms.PingTransaction(ctx, kTestScope, kTestStream, txn, 20*time.Second, nil)
	require.NoError(t, err)
}
