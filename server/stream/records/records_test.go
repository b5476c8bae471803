package records

import (
	"encoding/json"
	"github.com/stretchr/testify/require"
	"streamctl/server/base"
	"testing"
)

func TestSerializeDeserialize(t *testing.T) {
	epoch := &EpochRecord{
		Epoch:          3,
		ReferenceEpoch: 1,
		Segments: []StreamSegmentRecord{
			{SegmentNumber: 4, CreationEpoch: 3, CreationTime: 10, KeyStart: 0, KeyEnd: 1.0 / 3},
			{SegmentNumber: 5, CreationEpoch: 3, CreationTime: 10, KeyStart: 1.0 / 3, KeyEnd: 1},
		},
		CreationTime: 10,
		Splits:       1,
	}
	data := Serialize(epoch)
	rt, ok := PeekType(data)
	require.True(t, ok)
	require.Equal(t, KEpochRecord, rt)
	require.Equal(t, KCurrentFormatVersion, data[1])

	var decoded EpochRecord
	require.NoError(t, Deserialize(data, &decoded))
	require.Equal(t, *epoch, decoded)
	// Boundaries survive the round trip bit for bit.
	require.Equal(t, decoded.Segments[0].KeyEnd, decoded.Segments[1].KeyStart)

	sealed := &SealedSegmentsRecord{Sizes: map[int64]int64{ComputeSegmentID(1, 1): 100, 0: 7}}
	var decodedSealed SealedSegmentsRecord
	require.NoError(t, Deserialize(Serialize(sealed), &decodedSealed))
	require.Equal(t, sealed.Sizes, decodedSealed.Sizes)
}

func TestDeserializeCorrupted(t *testing.T) {
	var state StateRecord
	err := Deserialize([]byte{byte(KStateRecord)}, &state)
	require.True(t, base.IsKind(err, base.KindDataCorrupted))

	// Wrong record type.
	err = Deserialize(Serialize(&CreationRecord{CreationTime: 1}), &state)
	require.True(t, base.IsKind(err, base.KindDataCorrupted))

	// Format version from the future.
	data := Serialize(&StateRecord{State: KStateActive})
	data[1] = KCurrentFormatVersion + 1
	err = Deserialize(data, &state)
	require.True(t, base.IsKind(err, base.KindDataCorrupted))

	// Garbage body.
	err = Deserialize([]byte{byte(KStateRecord), KCurrentFormatVersion, '{', 'x'}, &state)
	require.True(t, base.IsKind(err, base.KindDataCorrupted))
}

func TestDeserializeOlderFormat(t *testing.T) {
	// An older writer did not know about the host id and commit time.
	body, err := json.Marshal(map[string]interface{}{
		"txnCreationTime":        1,
		"leaseExpiryTime":        2,
		"maxExecutionExpiryTime": 3,
		"status":                 KTxnOpen,
	})
	require.NoError(t, err)
	data := append([]byte{byte(KActiveTxnRecord), 0}, body...)
	var rec ActiveTxnRecord
	require.NoError(t, Deserialize(data, &rec))
	require.Equal(t, KTxnOpen, rec.Status)
	require.Equal(t, int64(2), rec.LeaseExpiryTime)
	require.Empty(t, rec.HostID)
}

func TestSegmentID(t *testing.T) {
	id := ComputeSegmentID(2, 1)
	require.Equal(t, int64(1)<<32|2, id)
	require.Equal(t, int32(2), SegmentNumberOf(id))
	require.Equal(t, int32(1), EpochOf(id))
	require.Equal(t, int64(0), ComputeSegmentID(0, 0))
	seg := StreamSegmentRecord{SegmentNumber: 2, CreationEpoch: 1, KeyStart: 0.5, KeyEnd: 1}
	require.Equal(t, id, seg.SegmentID())
}

func TestOverlaps(t *testing.T) {
	a := StreamSegmentRecord{KeyStart: 0, KeyEnd: 0.5}
	b := StreamSegmentRecord{KeyStart: 0.5, KeyEnd: 1}
	c := StreamSegmentRecord{KeyStart: 0.25, KeyEnd: 0.75}
	require.False(t, a.Overlaps(b))
	require.True(t, a.Overlaps(c))
	require.True(t, c.Overlaps(b))
}

func TestSplitKeySpace(t *testing.T) {
	for n := 1; n <= 13; n++ {
		ranges := SplitKeySpace(n)
		require.Len(t, ranges, n)
		require.True(t, CoversKeySpace(ranges), "n=%d", n)
		for ii := 1; ii < n; ii++ {
			require.Equal(t, ranges[ii-1].High, ranges[ii].Low)
		}
	}
	require.Nil(t, SplitKeySpace(0))
}

func TestCoversKeySpace(t *testing.T) {
	require.True(t, CoversKeySpace([]KeyRange{{0.5, 1}, {0, 0.5}}))
	require.False(t, CoversKeySpace([]KeyRange{{0, 0.4}, {0.5, 1}}))
	require.False(t, CoversKeySpace([]KeyRange{{0, 0.6}, {0.5, 1}}))
	require.False(t, CoversKeySpace([]KeyRange{{0, 0.5}, {0.5, 0.9}}))
	require.False(t, CoversKeySpace([]KeyRange{{0.1, 1}}))
	require.False(t, CoversKeySpace(nil))
}

func TestMergeRanges(t *testing.T) {
	merged := MergeRanges([]KeyRange{{0.5, 0.75}, {0, 0.25}, {0.25, 0.5}, {0.8, 0.9}})
	require.Equal(t, []KeyRange{{0, 0.75}, {0.8, 0.9}}, merged)
}

func TestStateTransitions(t *testing.T) {
	require.True(t, IsTransitionAllowed(KStateUnknown, KStateCreating))
	require.True(t, IsTransitionAllowed(KStateCreating, KStateActive))
	require.True(t, IsTransitionAllowed(KStateActive, KStateScaling))
	require.True(t, IsTransitionAllowed(KStateScaling, KStateScaling))
	require.True(t, IsTransitionAllowed(KStateCommittingTxn, KStateActive))
	require.True(t, IsTransitionAllowed(KStateSealing, KStateSealed))
	require.False(t, IsTransitionAllowed(KStateScaling, KStateSealing))
	require.False(t, IsTransitionAllowed(KStateSealed, KStateActive))
	require.False(t, IsTransitionAllowed(KStateCreating, KStateScaling))
	require.False(t, State("BOGUS").IsValid())
}

func TestEpochTransitionRecordMatches(t *testing.T) {
	etr := &EpochTransitionRecord{
		ActiveEpoch:    0,
		SegmentsToSeal: []int64{0, 1},
		NewRanges:      []KeyRange{{0, 0.5}, {0.5, 1}},
	}
	require.True(t, etr.Matches([]int64{1, 0}, []KeyRange{{0, 0.5}, {0.5, 1}}))
	require.False(t, etr.Matches([]int64{1}, []KeyRange{{0, 0.5}, {0.5, 1}}))
	require.False(t, etr.Matches([]int64{0, 1}, []KeyRange{{0, 0.4}, {0.4, 1}}))
	require.True(t, EmptyEpochTransitionRecord().IsEmpty())
	require.Equal(t, int32(1), etr.NewEpoch())
}
