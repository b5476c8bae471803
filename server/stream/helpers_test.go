package stream

import (
	"context"
	"github.com/stretchr/testify/require"
	"streamctl/server/storage"
	"streamctl/server/stream/records"
	"testing"
	"time"
)

const (
	kTestScope      = "scope"
	kTestStream     = "stream"
	kTestCreateTime = int64(100)
)

type fakeClock struct {
	now time.Time
}

func (fc *fakeClock) Now() time.Time {
	return fc.now
}

func (fc *fakeClock) Advance(d time.Duration) {
	fc.now = fc.now.Add(d)
}

func newTestStore(t *testing.T) (*MetadataStore, *fakeClock) {
	clock := &fakeClock{now: time.UnixMilli(1_000_000)}
	vs := storage.NewMemoryStore(nil)
	t.Cleanup(func() { _ = vs.Close() })
	return NewMetadataStore(vs, WithClock(clock.Now)), clock
}

func testConfig(numSegments int) records.StreamConfiguration {
	return records.StreamConfiguration{
		ScalingPolicy: records.ScalingPolicy{Type: records.KScaleFixedNumSegments, MinNumSegments: int32(numSegments)},
	}
}

// createActiveStream creates scope/stream with numSegments segments and moves it to ACTIVE.
func createActiveStream(t *testing.T, ms *MetadataStore, scope string, stream string, numSegments int) {
	ctx := context.Background()
	_, err := ms.CreateScope(ctx, scope)
	require.NoError(t, err)
	resp, err := ms.CreateStream(ctx, scope, stream, testConfig(numSegments), kTestCreateTime, nil)
	require.NoError(t, err)
	require.Equal(t, KStreamNew, resp.Status)
	require.NoError(t, ms.SetState(ctx, scope, stream, records.KStateActive, nil))
}

// scaleStream runs the whole scale workflow the way an orchestrator would, sealing every segment at sealedSize.
func scaleStream(t *testing.T, ms *MetadataStore, seal []int64, newRanges []records.KeyRange, ts int64,
	sealedSize int64) {
	ctx := context.Background()
	etr, err := ms.SubmitScale(ctx, kTestScope, kTestStream, seal, newRanges, ts, nil)
	require.NoError(t, err)
	require.NoError(t, ms.SetState(ctx, kTestScope, kTestStream, records.KStateScaling, nil))
	state, err := ms.GetVersionedState(ctx, kTestScope, kTestStream, nil)
	require.NoError(t, err)
	etr, err = ms.StartScale(ctx, kTestScope, kTestStream, true, etr, state, nil)
	require.NoError(t, err)
	etr, err = ms.ScaleCreateNewEpochs(ctx, kTestScope, kTestStream, etr, nil)
	require.NoError(t, err)
	sizes := make(map[int64]int64)
	for _, id := range etr.Object.SegmentsToSeal {
		sizes[id] = sealedSize
	}
	require.NoError(t, ms.ScaleSegmentsSealed(ctx, kTestScope, kTestStream, sizes, etr, nil))
	require.NoError(t, ms.CompleteScale(ctx, kTestScope, kTestStream, etr, nil))
	require.NoError(t, ms.SetState(ctx, kTestScope, kTestStream, records.KStateActive, nil))
}

func segmentIDs(segments []records.StreamSegmentRecord) []int64 {
	ids := make([]int64, 0, len(segments))
	for _, seg := range segments {
		ids = append(ids, seg.SegmentID())
	}
	return ids
}

func sid(epoch int32, number int32) int64 {
	return records.ComputeSegmentID(number, epoch)
}
