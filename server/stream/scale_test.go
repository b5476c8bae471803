package stream

import (
	"context"
	"github.com/stretchr/testify/require"
	"streamctl/server/base"
	"streamctl/server/metrics"
	"streamctl/server/storage"
	"streamctl/server/stream/records"
	"streamctl/util/testutil"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSimpleScale(t *testing.T) {
	testutil.LogTestMarker("TestSimpleScale")
	ctx := context.Background()
	ms, _ := newTestStore(t)
	createActiveStream(t, ms, kTestScope, kTestStream, 1)
	newRanges := []records.KeyRange{{Low: 0, High: 0.5}, {Low: 0.5, High: 1}}

	phase, err := ms.GetScalePhase(ctx, kTestScope, kTestStream, nil)
	require.NoError(t, err)
	require.Equal(t, KScaleNone, phase)

	etr, err := ms.SubmitScale(ctx, kTestScope, kTestStream, []int64{0}, newRanges, 200, nil)
	require.NoError(t, err)
	require.Equal(t, int32(0), etr.Object.ActiveEpoch)
	require.Equal(t, []int64{sid(1, 1), sid(1, 2)}, etr.Object.NewSegmentIDs())
	require.Equal(t, records.KeyRange{Low: 0, High: 0.5}, etr.Object.NewSegmentsWithRange[sid(1, 1)])
	phase, err = ms.GetScalePhase(ctx, kTestScope, kTestStream, nil)
	require.NoError(t, err)
	require.Equal(t, KScaleSubmitted, phase)

	require.NoError(t, ms.SetState(ctx, kTestScope, kTestStream, records.KStateScaling, nil))
	state, err := ms.GetVersionedState(ctx, kTestScope, kTestStream, nil)
	require.NoError(t, err)
	etr, err = ms.StartScale(ctx, kTestScope, kTestStream, false, etr, state, nil)
	require.NoError(t, err)
	phase, err = ms.GetScalePhase(ctx, kTestScope, kTestStream, nil)
	require.NoError(t, err)
	require.Equal(t, KScaleStarted, phase)

	etr, err = ms.ScaleCreateNewEpochs(ctx, kTestScope, kTestStream, etr, nil)
	require.NoError(t, err)
	phase, err = ms.GetScalePhase(ctx, kTestScope, kTestStream, nil)
	require.NoError(t, err)
	require.Equal(t, KScaleNewEpochCreated, phase)
	// The new epoch exists but is not active until the old segments are sealed.
	active, err := ms.GetActiveEpoch(ctx, kTestScope, kTestStream, true, nil)
	require.NoError(t, err)
	require.Equal(t, int32(0), active.Epoch)

	require.NoError(t, ms.ScaleSegmentsSealed(ctx, kTestScope, kTestStream, map[int64]int64{0: 1000}, etr, nil))
	phase, err = ms.GetScalePhase(ctx, kTestScope, kTestStream, nil)
	require.NoError(t, err)
	require.Equal(t, KScaleOldSegmentsSealed, phase)
	require.NoError(t, ms.CompleteScale(ctx, kTestScope, kTestStream, etr, nil))
	require.NoError(t, ms.CompleteScale(ctx, kTestScope, kTestStream, etr, nil))

	cleared, err := ms.GetEpochTransition(ctx, kTestScope, kTestStream, nil)
	require.NoError(t, err)
	require.True(t, cleared.Object.IsEmpty())
	// State is left to the caller.
	st, err := ms.GetState(ctx, kTestScope, kTestStream, true, nil)
	require.NoError(t, err)
	require.Equal(t, records.KStateScaling, st)

	active, err = ms.GetActiveEpoch(ctx, kTestScope, kTestStream, true, nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), active.Epoch)
	require.Equal(t, []int64{sid(1, 1), sid(1, 2)}, active.SegmentIDs())
	require.Equal(t, int64(200), active.Segments[0].CreationTime)
	require.Equal(t, int64(1), active.Splits)
	require.Equal(t, int64(0), active.Merges)

	successors, err := ms.GetSuccessors(ctx, kTestScope, kTestStream, 0, nil)
	require.NoError(t, err)
	require.Len(t, successors, 2)
	for succ, preds := range successors {
		require.Contains(t, []int64{sid(1, 1), sid(1, 2)}, succ.SegmentID())
		require.Equal(t, []int64{0}, preds)
	}
	successors, err = ms.GetSuccessors(ctx, kTestScope, kTestStream, sid(1, 1), nil)
	require.NoError(t, err)
	require.Empty(t, successors)

	sizes, err := ms.GetSealedSegmentSizes(ctx, kTestScope, kTestStream, nil)
	require.NoError(t, err)
	require.Equal(t, map[int64]int64{0: 1000}, sizes)
	seg, err := ms.GetSegment(ctx, kTestScope, kTestStream, sid(1, 2), nil)
	require.NoError(t, err)
	require.Equal(t, 0.5, seg.KeyStart)
	_, err = ms.GetSegment(ctx, kTestScope, kTestStream, sid(1, 3), nil)
	require.True(t, base.IsKind(err, base.KindNotFound))
}

func TestScaleStepsAreIdempotent(t *testing.T) {
	testutil.LogTestMarker("TestScaleStepsAreIdempotent")
	ctx := context.Background()
	ms, _ := newTestStore(t)
	createActiveStream(t, ms, kTestScope, kTestStream, 2)
	newRanges := []records.KeyRange{{Low: 0, High: 0.25}, {Low: 0.25, High: 0.5}}

	etr, err := ms.SubmitScale(ctx, kTestScope, kTestStream, []int64{0}, newRanges, 200, nil)
	require.NoError(t, err)
	again, err := ms.SubmitScale(ctx, kTestScope, kTestStream, []int64{0}, newRanges, 300, nil)
	require.NoError(t, err)
	require.Equal(t, etr, again)
	_, err = ms.SubmitScale(ctx, kTestScope, kTestStream, []int64{1}, []records.KeyRange{{Low: 0.5, High: 1}}, 300,
		nil)
	require.True(t, base.IsKind(err, base.KindPreconditionFailed))

	require.NoError(t, ms.SetState(ctx, kTestScope, kTestStream, records.KStateScaling, nil))
	state, err := ms.GetVersionedState(ctx, kTestScope, kTestStream, nil)
	require.NoError(t, err)
	etr, err = ms.StartScale(ctx, kTestScope, kTestStream, false, etr, state, nil)
	require.NoError(t, err)

	// Sealed sizes can only be recorded once the new epoch exists.
	err = ms.ScaleSegmentsSealed(ctx, kTestScope, kTestStream, map[int64]int64{0: 10}, etr, nil)
	require.True(t, base.IsKind(err, base.KindPreconditionFailed))
	err = ms.CompleteScale(ctx, kTestScope, kTestStream, etr, nil)
	require.True(t, base.IsKind(err, base.KindPreconditionFailed))

	_, err = ms.ScaleCreateNewEpochs(ctx, kTestScope, kTestStream, etr, nil)
	require.NoError(t, err)
	first, err := ms.GetEpoch(ctx, kTestScope, kTestStream, 1, nil)
	require.NoError(t, err)
	_, err = ms.ScaleCreateNewEpochs(ctx, kTestScope, kTestStream, etr, nil)
	require.NoError(t, err)
	second, err := ms.GetEpoch(ctx, kTestScope, kTestStream, 1, nil)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, []int64{sid(1, 2), sid(1, 3), sid(0, 1)}, second.SegmentIDs())

	require.NoError(t, ms.ScaleSegmentsSealed(ctx, kTestScope, kTestStream, map[int64]int64{0: 10}, etr, nil))
	require.NoError(t, ms.ScaleSegmentsSealed(ctx, kTestScope, kTestStream, map[int64]int64{0: 99}, etr, nil))
	sizes, err := ms.GetSealedSegmentSizes(ctx, kTestScope, kTestStream, nil)
	require.NoError(t, err)
	require.Equal(t, int64(10), sizes[0])

	// Restarting a scale that already moved the active epoch is a no-op.
	started, err := ms.StartScale(ctx, kTestScope, kTestStream, false, etr, state, nil)
	require.NoError(t, err)
	require.Equal(t, etr, started)
	require.NoError(t, ms.CompleteScale(ctx, kTestScope, kTestStream, etr, nil))
}

func TestSubmitScaleValidation(t *testing.T) {
	testutil.LogTestMarker("TestSubmitScaleValidation")
	ctx := context.Background()
	ms, _ := newTestStore(t)
	createActiveStream(t, ms, kTestScope, kTestStream, 2)

	cases := []struct {
		name   string
		seal   []int64
		ranges []records.KeyRange
	}{
		{"UnknownSegment", []int64{7}, []records.KeyRange{{Low: 0, High: 0.5}}},
		{"Gap", []int64{0}, []records.KeyRange{{Low: 0, High: 0.2}, {Low: 0.3, High: 0.5}}},
		{"Overlap", []int64{0}, []records.KeyRange{{Low: 0, High: 0.3}, {Low: 0.2, High: 0.5}}},
		{"TooWide", []int64{0}, []records.KeyRange{{Low: 0, High: 0.6}}},
		{"Empty", []int64{0}, nil},
		{"Inverted", []int64{0}, []records.KeyRange{{Low: 0.5, High: 0}}},
		{"Duplicate", []int64{0, 0}, []records.KeyRange{{Low: 0, High: 0.5}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ms.SubmitScale(ctx, kTestScope, kTestStream, tc.seal, tc.ranges, 200, nil)
			require.True(t, base.IsKind(err, base.KindPreconditionFailed), "%v", err)
		})
	}
	etr, err := ms.GetEpochTransition(ctx, kTestScope, kTestStream, nil)
	require.NoError(t, err)
	require.True(t, etr.Object.IsEmpty())

	// A merge of both segments is fine.
	_, err = ms.SubmitScale(ctx, kTestScope, kTestStream, []int64{1, 0}, []records.KeyRange{{Low: 0, High: 1}}, 200,
		nil)
	require.NoError(t, err)
}

func TestStartScaleRequiresScalingState(t *testing.T) {
	testutil.LogTestMarker("TestStartScaleRequiresScalingState")
	ctx := context.Background()
	ms, _ := newTestStore(t)
	createActiveStream(t, ms, kTestScope, kTestStream, 1)
	etr, err := ms.SubmitScale(ctx, kTestScope, kTestStream, []int64{0},
		[]records.KeyRange{{Low: 0, High: 0.5}, {Low: 0.5, High: 1}}, 200, nil)
	require.NoError(t, err)
	state, err := ms.GetVersionedState(ctx, kTestScope, kTestStream, nil)
	require.NoError(t, err)
	_, err = ms.StartScale(ctx, kTestScope, kTestStream, true, etr, state, nil)
	require.True(t, base.IsKind(err, base.KindIllegalStateTransition))
}

func TestMergeSuccessors(t *testing.T) {
	testutil.LogTestMarker("TestMergeSuccessors")
	ctx := context.Background()
	ms, _ := newTestStore(t)
	createActiveStream(t, ms, kTestScope, kTestStream, 2)
	scaleStream(t, ms, []int64{0, 1}, []records.KeyRange{{Low: 0, High: 1}}, 200, 50)

	for _, id := range []int64{0, 1} {
		successors, err := ms.GetSuccessors(ctx, kTestScope, kTestStream, id, nil)
		require.NoError(t, err)
		require.Len(t, successors, 1)
		for succ, preds := range successors {
			require.Equal(t, sid(1, 2), succ.SegmentID())
			require.ElementsMatch(t, []int64{0, 1}, preds)
		}
	}
	active, err := ms.GetActiveEpoch(ctx, kTestScope, kTestStream, false, nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), active.Splits)
	require.Equal(t, int64(1), active.Merges)
}

// scaleHistory scales a one segment stream twice:
// epoch 0: 0 [0, 1)
// epoch 1: 1.1 [0, 0.5) 1.2 [0.5, 1)
// epoch 2: 1.1 [0, 0.5) 2.3 [0.5, 0.75) 2.4 [0.75, 1)
func scaleHistory(t *testing.T, ms *MetadataStore) {
	createActiveStream(t, ms, kTestScope, kTestStream, 1)
	scaleStream(t, ms, []int64{0}, []records.KeyRange{{Low: 0, High: 0.5}, {Low: 0.5, High: 1}}, 200, 100)
	scaleStream(t, ms, []int64{sid(1, 2)}, []records.KeyRange{{Low: 0.5, High: 0.75}, {Low: 0.75, High: 1}}, 300,
		100)
}

func TestSegmentsBetweenStreamCuts(t *testing.T) {
	testutil.LogTestMarker("TestSegmentsBetweenStreamCuts")
	ctx := context.Background()
	ms, _ := newTestStore(t)
	scaleHistory(t, ms)

	valid, err := ms.IsStreamCutValid(ctx, kTestScope, kTestStream, map[int64]int64{sid(1, 1): 0, sid(1, 2): 0}, nil)
	require.NoError(t, err)
	require.True(t, valid)
	valid, err = ms.IsStreamCutValid(ctx, kTestScope, kTestStream,
		map[int64]int64{sid(1, 1): 0, sid(2, 3): 0, sid(2, 4): 0}, nil)
	require.NoError(t, err)
	require.True(t, valid)
	// Gap.
	valid, err = ms.IsStreamCutValid(ctx, kTestScope, kTestStream, map[int64]int64{sid(1, 1): 0, sid(2, 4): 0}, nil)
	require.NoError(t, err)
	require.False(t, valid)
	// Overlap.
	valid, err = ms.IsStreamCutValid(ctx, kTestScope, kTestStream,
		map[int64]int64{0: 0, sid(1, 1): 0, sid(1, 2): 0}, nil)
	require.NoError(t, err)
	require.False(t, valid)

	all, err := ms.GetSegmentsBetweenStreamCuts(ctx, kTestScope, kTestStream, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []int64{0, sid(1, 1), sid(1, 2), sid(2, 3), sid(2, 4)}, segmentIDs(all))

	to := map[int64]int64{sid(1, 1): 10, sid(1, 2): 10}
	between, err := ms.GetSegmentsBetweenStreamCuts(ctx, kTestScope, kTestStream, nil, to, nil)
	require.NoError(t, err)
	require.Equal(t, []int64{0, sid(1, 1), sid(1, 2)}, segmentIDs(between))

	from := map[int64]int64{sid(1, 1): 0, sid(1, 2): 5}
	to = map[int64]int64{sid(1, 1): 10, sid(2, 3): 1, sid(2, 4): 1}
	between, err = ms.GetSegmentsBetweenStreamCuts(ctx, kTestScope, kTestStream, from, to, nil)
	require.NoError(t, err)
	require.Equal(t, []int64{sid(1, 1), sid(1, 2), sid(2, 3), sid(2, 4)}, segmentIDs(between))

	_, err = ms.GetSegmentsBetweenStreamCuts(ctx, kTestScope, kTestStream, to, from, nil)
	require.True(t, base.IsKind(err, base.KindPreconditionFailed))
	_, err = ms.GetSegmentsBetweenStreamCuts(ctx, kTestScope, kTestStream,
		map[int64]int64{sid(1, 1): 0}, nil, nil)
	require.True(t, base.IsKind(err, base.KindPreconditionFailed))

	history, err := ms.GetScaleMetadata(ctx, kTestScope, kTestStream, 0, 0, nil)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, int64(300), history[2].CreationTime)
	require.Equal(t, int64(2), history[2].Splits)
	history, err = ms.GetScaleMetadata(ctx, kTestScope, kTestStream, 150, 250, nil)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, int32(1), history[0].Epoch)

	ids, err := ms.GetAllSegmentIDs(ctx, kTestScope, kTestStream, nil)
	require.NoError(t, err)
	require.Equal(t, []int64{0, sid(1, 1), sid(1, 2), sid(2, 3), sid(2, 4)}, ids)
	head, err := ms.GetSegmentsAtHead(ctx, kTestScope, kTestStream, nil)
	require.NoError(t, err)
	require.Equal(t, map[int64]int64{0: 0}, head)
}

// rollTransactions commits one transaction created in epoch 1 while epoch 2 is active, moving the active epoch to 4.
func rollTransactions(t *testing.T, ms *MetadataStore, clock *fakeClock) {
	ctx := context.Background()
	require.Equal(t, int32(2), activeEpochOf(t, ms))
	ctr, err := ms.StartCommitTransactions(ctx, kTestScope, kTestStream, 0, nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), ctr.Object.Epoch)
	require.NoError(t, ms.SetState(ctx, kTestScope, kTestStream, records.KStateCommittingTxn, nil))

	ctr, err = ms.StartRollingTxn(ctx, kTestScope, kTestStream, 2, ctr, nil)
	require.NoError(t, err)
	require.Equal(t, records.KCommitStageRolling, ctr.Object.Stage)
	ctr, err = ms.RollingTxnCreateDuplicateEpochs(ctx, kTestScope, kTestStream,
		map[int64]int64{sid(3, 1): 7, sid(3, 2): 7}, clock.Now().UnixMilli(), ctr, nil)
	require.NoError(t, err)
	ctr, err = ms.CompleteRollingTxn(ctx, kTestScope, kTestStream,
		map[int64]int64{sid(1, 1): 100, sid(2, 3): 100, sid(2, 4): 100}, ctr, nil)
	require.NoError(t, err)
	require.Equal(t, records.KCommitStageRolled, ctr.Object.Stage)
	require.NoError(t, ms.CompleteCommitTransactions(ctx, kTestScope, kTestStream, ctr, nil))
	require.NoError(t, ms.SetState(ctx, kTestScope, kTestStream, records.KStateActive, nil))
	require.Equal(t, int32(4), activeEpochOf(t, ms))
}

func activeEpochOf(t *testing.T, ms *MetadataStore) int32 {
	epoch, err := ms.GetActiveEpoch(context.Background(), kTestScope, kTestStream, true, nil)
	require.NoError(t, err)
	return epoch.Epoch
}

// staleScaleSetup builds a stream whose pending scale was submitted against epoch 2 before a rolling transaction
// moved the active epoch to 4.
func staleScaleSetup(t *testing.T, opts ...Option) (*MetadataStore, VersionedMetadata[records.EpochTransitionRecord]) {
	ctx := context.Background()
	clock := &fakeClock{now: time.UnixMilli(1_000_000)}
	vs := storage.NewMemoryStore(nil)
	t.Cleanup(func() { _ = vs.Close() })
	ms := NewMetadataStore(vs, append([]Option{WithClock(clock.Now)}, opts...)...)

	createActiveStream(t, ms, kTestScope, kTestStream, 1)
	scaleStream(t, ms, []int64{0}, []records.KeyRange{{Low: 0, High: 0.5}, {Low: 0.5, High: 1}}, 200, 100)
	txnID, err := ms.GenerateTransactionID()
	require.NoError(t, err)
	txn, err := ms.CreateTransaction(ctx, kTestScope, kTestStream, txnID, time.Minute, time.Hour, "host-1", nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), txn.Epoch)
	scaleStream(t, ms, []int64{sid(1, 2)}, []records.KeyRange{{Low: 0.5, High: 0.75}, {Low: 0.75, High: 1}}, 300,
		100)
	_, _, err = ms.SealTransaction(ctx, kTestScope, kTestStream, txnID, true, txn.Version, nil)
	require.NoError(t, err)

	etr, err := ms.SubmitScale(ctx, kTestScope, kTestStream, []int64{sid(2, 3), sid(2, 4)},
		[]records.KeyRange{{Low: 0.5, High: 1}}, 400, nil)
	require.NoError(t, err)
	require.Equal(t, int32(2), etr.Object.ActiveEpoch)

	rollTransactions(t, ms, clock)
	status, err := ms.TransactionStatus(ctx, kTestScope, kTestStream, txnID, nil)
	require.NoError(t, err)
	require.Equal(t, records.KTxnCommitted, status)
	return ms, etr
}

func TestStaleAutoScaleIsDiscarded(t *testing.T) {
	testutil.LogTestMarker("TestStaleAutoScaleIsDiscarded")
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	wm := metrics.NewWorkflowMetrics("test", reg)
	ms, etr := staleScaleSetup(t, WithWorkflowMetrics(wm))

	require.NoError(t, ms.SetState(ctx, kTestScope, kTestStream, records.KStateScaling, nil))
	state, err := ms.GetVersionedState(ctx, kTestScope, kTestStream, nil)
	require.NoError(t, err)
	_, err = ms.StartScale(ctx, kTestScope, kTestStream, false, etr, state, nil)
	require.True(t, base.IsKind(err, base.KindPreconditionFailed))

	cleared, err := ms.GetEpochTransition(ctx, kTestScope, kTestStream, nil)
	require.NoError(t, err)
	require.True(t, cleared.Object.IsEmpty())
	st, err := ms.GetState(ctx, kTestScope, kTestStream, true, nil)
	require.NoError(t, err)
	require.Equal(t, records.KStateActive, st)
	phase, err := ms.GetScalePhase(ctx, kTestScope, kTestStream, nil)
	require.NoError(t, err)
	require.Equal(t, KScaleNone, phase)
	require.Equal(t, int32(4), activeEpochOf(t, ms))

	count, err := promtestutil.GatherAndCount(reg, "test_workflow_stale_epoch_transitions_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// A fresh request against epoch 4 goes through.
	_, err = ms.SubmitScale(ctx, kTestScope, kTestStream, []int64{sid(4, 3), sid(4, 4)},
		[]records.KeyRange{{Low: 0.5, High: 1}}, 500, nil)
	require.NoError(t, err)
}

func TestStaleManualScaleIsMigrated(t *testing.T) {
	testutil.LogTestMarker("TestStaleManualScaleIsMigrated")
	ctx := context.Background()
	ms, etr := staleScaleSetup(t)

	// The rolling transaction kept the lineage: epoch 3 duplicates epoch 1 and epoch 4 duplicates epoch 2.
	dupTxn, err := ms.GetEpoch(ctx, kTestScope, kTestStream, 3, nil)
	require.NoError(t, err)
	require.True(t, dupTxn.IsDuplicate())
	require.Equal(t, int32(1), dupTxn.ReferenceEpoch)
	require.Equal(t, []int64{sid(3, 1), sid(3, 2)}, dupTxn.SegmentIDs())
	dupActive, err := ms.GetEpoch(ctx, kTestScope, kTestStream, 4, nil)
	require.NoError(t, err)
	require.Equal(t, int32(2), dupActive.ReferenceEpoch)
	require.Equal(t, []int64{sid(4, 1), sid(4, 3), sid(4, 4)}, dupActive.SegmentIDs())
	successors, err := ms.GetSuccessors(ctx, kTestScope, kTestStream, sid(1, 1), nil)
	require.NoError(t, err)
	require.Len(t, successors, 1)
	for succ, preds := range successors {
		require.Equal(t, sid(3, 1), succ.SegmentID())
		require.Equal(t, []int64{sid(1, 1)}, preds)
	}

	require.NoError(t, ms.SetState(ctx, kTestScope, kTestStream, records.KStateScaling, nil))
	state, err := ms.GetVersionedState(ctx, kTestScope, kTestStream, nil)
	require.NoError(t, err)
	migrated, err := ms.StartScale(ctx, kTestScope, kTestStream, true, etr, state, nil)
	require.NoError(t, err)
	require.Equal(t, int32(4), migrated.Object.ActiveEpoch)
	require.ElementsMatch(t, []int64{sid(4, 3), sid(4, 4)}, migrated.Object.SegmentsToSeal)
	require.Equal(t, etr.Object.NewRanges, migrated.Object.NewRanges)
	require.Equal(t, []int64{sid(5, 5)}, migrated.Object.NewSegmentIDs())
	phase, err := ms.GetScalePhase(ctx, kTestScope, kTestStream, nil)
	require.NoError(t, err)
	require.Equal(t, KScaleStarted, phase)

	// The original record is stale and can no longer drive the workflow.
	_, err = ms.ScaleCreateNewEpochs(ctx, kTestScope, kTestStream, etr, nil)
	require.True(t, base.IsKind(err, base.KindPreconditionFailed))

	migrated, err = ms.ScaleCreateNewEpochs(ctx, kTestScope, kTestStream, migrated, nil)
	require.NoError(t, err)
	require.NoError(t, ms.ScaleSegmentsSealed(ctx, kTestScope, kTestStream,
		map[int64]int64{sid(4, 3): 1, sid(4, 4): 1}, migrated, nil))
	require.NoError(t, ms.CompleteScale(ctx, kTestScope, kTestStream, migrated, nil))
	active, err := ms.GetActiveEpoch(ctx, kTestScope, kTestStream, true, nil)
	require.NoError(t, err)
	require.Equal(t, int32(5), active.Epoch)
	require.Equal(t, []int64{sid(4, 1), sid(5, 5)}, active.SegmentIDs())

	history, err := ms.GetScaleMetadata(ctx, kTestScope, kTestStream, 0, 0, nil)
	require.NoError(t, err)
	epochs := make([]int32, 0, len(history))
	for _, h := range history {
		epochs = append(epochs, h.Epoch)
	}
	require.Equal(t, []int32{0, 1, 2, 5}, epochs)
}
