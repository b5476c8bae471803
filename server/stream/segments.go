package stream

import (
	"context"
	"sort"
	"streamctl/server/base"
	"streamctl/server/stream/records"
	"streamctl/util/logging"
)

// Segments implements SegmentStore: epochs and segments, the scale and rolling transaction workflows and truncation.
type Segments struct {
	ra      *recordAccess
	streams *Streams
	logger  *logging.PrefixLogger
}

func NewSegments(ra *recordAccess, streams *Streams) *Segments {
	return &Segments{ra: ra, streams: streams, logger: logging.NewPrefixLoggerWithParent("segments", ra.logger)}
}

func (sg *Segments) readCurrentEpoch(ctx context.Context, scope string, stream string, ignoreCached bool,
	oc *base.OperationContext) (VersionedMetadata[records.CurrentEpochRecord], error) {
	return readRecord[records.CurrentEpochRecord](ctx, sg.ra, oc, streamNodePath(scope, stream, kCurrentEpochNode),
		ignoreCached)
}

// readEpoch reads an epoch record. Epoch records never change once written so a cached copy is always good.
func (sg *Segments) readEpoch(ctx context.Context, scope string, stream string, epoch int32,
	oc *base.OperationContext) (*records.EpochRecord, error) {
	rec, err := readRecord[records.EpochRecord](ctx, sg.ra, oc, epochPath(scope, stream, epoch), false)
	if err != nil {
		return nil, err
	}
	return &rec.Object, nil
}

func (sg *Segments) readSealedSizes(ctx context.Context, scope string, stream string,
	oc *base.OperationContext) (VersionedMetadata[records.SealedSegmentsRecord], error) {
	return readRecord[records.SealedSegmentsRecord](ctx, sg.ra, oc, streamNodePath(scope, stream, kSealedSizesNode),
		true)
}

// recordSealedSizes merges sizes into the sealed segment sizes record. Sizes that are already recorded are kept.
func (sg *Segments) recordSealedSizes(ctx context.Context, scope string, stream string, sizes map[int64]int64,
	oc *base.OperationContext) error {
	if len(sizes) == 0 {
		return nil
	}
	path := streamNodePath(scope, stream, kSealedSizesNode)
	existing, err := sg.readSealedSizes(ctx, scope, stream, oc)
	if err != nil {
		return err
	}
	merged := make(map[int64]int64, len(existing.Object.Sizes)+len(sizes))
	for id, size := range existing.Object.Sizes {
		merged[id] = size
	}
	changed := false
	for id, size := range sizes {
		if _, ok := merged[id]; ok {
			continue
		}
		merged[id] = size
		changed = true
	}
	if !changed {
		return nil
	}
	_, err = sg.ra.update(ctx, oc, path, &records.SealedSegmentsRecord{Sizes: merged}, existing.Version)
	return err
}

// moveActiveEpoch advances the active epoch pointer from `from` to `to`. It is a no-op if the pointer is already at
// `to` or beyond.
func (sg *Segments) moveActiveEpoch(ctx context.Context, scope string, stream string, from int32, to int32,
	oc *base.OperationContext) error {
	const op = "MoveActiveEpoch"
	path := streamNodePath(scope, stream, kCurrentEpochNode)
	current, err := sg.readCurrentEpoch(ctx, scope, stream, true, oc)
	if err != nil {
		return err
	}
	if current.Object.Epoch >= to {
		return nil
	}
	if current.Object.Epoch != from {
		return base.NewError(base.KindPreconditionFailed, op, path, "active epoch is %d, expected %d",
			current.Object.Epoch, from)
	}
	if _, err := sg.ra.update(ctx, oc, path, &records.CurrentEpochRecord{Epoch: to}, current.Version); err != nil {
		return err
	}
	sg.logger.Infof("Stream %s/%s: active epoch moved from %d to %d", scope, stream, from, to)
	return nil
}

/************************************************** EPOCHS & SEGMENTS ************************************************/

// GetActiveEpoch returns the epoch the active epoch pointer refers to.
func (sg *Segments) GetActiveEpoch(ctx context.Context, scope string, stream string, ignoreCached bool,
	oc *base.OperationContext) (*records.EpochRecord, error) {
	oc = sg.ra.cacheFor(oc, scope, stream)
	current, err := sg.readCurrentEpoch(ctx, scope, stream, ignoreCached, oc)
	if err != nil {
		return nil, err
	}
	return sg.readEpoch(ctx, scope, stream, current.Object.Epoch, oc)
}

func (sg *Segments) GetEpoch(ctx context.Context, scope string, stream string, epoch int32,
	oc *base.OperationContext) (*records.EpochRecord, error) {
	oc = sg.ra.cacheFor(oc, scope, stream)
	return sg.readEpoch(ctx, scope, stream, epoch, oc)
}

// GetSegment looks the segment up in the epoch its id says it was created in.
func (sg *Segments) GetSegment(ctx context.Context, scope string, stream string, segmentID int64,
	oc *base.OperationContext) (records.StreamSegmentRecord, error) {
	oc = sg.ra.cacheFor(oc, scope, stream)
	epoch, err := sg.readEpoch(ctx, scope, stream, records.EpochOf(segmentID), oc)
	if err != nil {
		if base.IsKind(err, base.KindNotFound) {
			return records.StreamSegmentRecord{}, base.NewError(base.KindNotFound, "GetSegment",
				streamPath(scope, stream), "segment %d does not exist", segmentID)
		}
		return records.StreamSegmentRecord{}, err
	}
	seg, ok := epoch.GetSegment(segmentID)
	if !ok {
		return records.StreamSegmentRecord{}, base.NewError(base.KindNotFound, "GetSegment",
			streamPath(scope, stream), "segment %d does not exist", segmentID)
	}
	return seg, nil
}

func (sg *Segments) GetActiveSegments(ctx context.Context, scope string, stream string,
	oc *base.OperationContext) ([]records.StreamSegmentRecord, error) {
	epoch, err := sg.GetActiveEpoch(ctx, scope, stream, false, oc)
	if err != nil {
		return nil, err
	}
	return epoch.Segments, nil
}

func (sg *Segments) GetSegmentsInEpoch(ctx context.Context, scope string, stream string, epoch int32,
	oc *base.OperationContext) ([]records.StreamSegmentRecord, error) {
	rec, err := sg.GetEpoch(ctx, scope, stream, epoch, oc)
	if err != nil {
		return nil, err
	}
	return rec.Segments, nil
}

// GetAllSegmentIDs returns the ids of every segment created up to the active epoch that truncation has not deleted.
func (sg *Segments) GetAllSegmentIDs(ctx context.Context, scope string, stream string,
	oc *base.OperationContext) ([]int64, error) {
	oc = sg.ra.cacheFor(oc, scope, stream)
	current, err := sg.readCurrentEpoch(ctx, scope, stream, false, oc)
	if err != nil {
		return nil, err
	}
	truncation, err := sg.readTruncation(ctx, scope, stream, oc)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for epoch := int32(0); epoch <= current.Object.Epoch; epoch++ {
		rec, err := sg.readEpoch(ctx, scope, stream, epoch, oc)
		if err != nil {
			return nil, err
		}
		for _, seg := range rec.Segments {
			if seg.CreationEpoch != epoch || truncation.Object.IsDeleted(seg.SegmentID()) {
				continue
			}
			ids = append(ids, seg.SegmentID())
		}
	}
	return ids, nil
}

// GetSegmentsAtHead returns the stream cut at the head of the stream: the truncation cut, or the first epoch at
// offset zero if the stream was never truncated.
func (sg *Segments) GetSegmentsAtHead(ctx context.Context, scope string, stream string,
	oc *base.OperationContext) (map[int64]int64, error) {
	oc = sg.ra.cacheFor(oc, scope, stream)
	truncation, err := sg.readTruncation(ctx, scope, stream, oc)
	if err != nil {
		return nil, err
	}
	head := make(map[int64]int64)
	if len(truncation.Object.StreamCut) > 0 {
		for id, offset := range truncation.Object.StreamCut {
			head[id] = offset
		}
		return head, nil
	}
	first, err := sg.readEpoch(ctx, scope, stream, 0, oc)
	if err != nil {
		return nil, err
	}
	for _, id := range first.SegmentIDs() {
		head[id] = 0
	}
	return head, nil
}

// GetSuccessors returns the segments that replaced segmentID, each mapped to the ids of all the segments it replaced.
// The map is empty while the segment is still part of the active epoch.
func (sg *Segments) GetSuccessors(ctx context.Context, scope string, stream string, segmentID int64,
	oc *base.OperationContext) (map[records.StreamSegmentRecord][]int64, error) {
	oc = sg.ra.cacheFor(oc, scope, stream)
	seg, err := sg.GetSegment(ctx, scope, stream, segmentID, oc)
	if err != nil {
		return nil, err
	}
	current, err := sg.readCurrentEpoch(ctx, scope, stream, false, oc)
	if err != nil {
		return nil, err
	}
	successors := make(map[records.StreamSegmentRecord][]int64)
	previous, err := sg.readEpoch(ctx, scope, stream, seg.CreationEpoch, oc)
	if err != nil {
		return nil, err
	}
	for epoch := seg.CreationEpoch + 1; epoch <= current.Object.Epoch; epoch++ {
		next, err := sg.readEpoch(ctx, scope, stream, epoch, oc)
		if err != nil {
			return nil, err
		}
		if next.ContainsSegment(segmentID) {
			previous = next
			continue
		}
		// Epochs tile the key space, so the first epoch without the segment covers all of its range.
		for _, succ := range next.OverlappingSegments(seg) {
			var preds []int64
			for _, pred := range previous.OverlappingSegments(succ) {
				preds = append(preds, pred.SegmentID())
			}
			successors[succ] = preds
		}
		break
	}
	return successors, nil
}

// cutSegments resolves the segments of a stream cut, sorted by key.
func (sg *Segments) cutSegments(ctx context.Context, scope string, stream string, cut map[int64]int64,
	oc *base.OperationContext) ([]records.StreamSegmentRecord, error) {
	segments := make([]records.StreamSegmentRecord, 0, len(cut))
	for id := range cut {
		seg, err := sg.GetSegment(ctx, scope, stream, id, oc)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	records.SortByKeyStart(segments)
	return segments, nil
}

// IsStreamCutValid returns true if the segments of the cut tile the key space exactly.
func (sg *Segments) IsStreamCutValid(ctx context.Context, scope string, stream string, cut map[int64]int64,
	oc *base.OperationContext) (bool, error) {
	oc = sg.ra.cacheFor(oc, scope, stream)
	segments, err := sg.cutSegments(ctx, scope, stream, cut, oc)
	if err != nil {
		return false, err
	}
	ranges := make([]records.KeyRange, 0, len(segments))
	for _, seg := range segments {
		ranges = append(ranges, seg.KeyRange())
	}
	return records.CoversKeySpace(ranges), nil
}

// GetSegmentsBetweenStreamCuts returns every segment reachable from the `from` cut through successors without going
// past the `to` cut, sorted by id. An empty `from` means the head of the stream and an empty `to` means no upper
// bound.
func (sg *Segments) GetSegmentsBetweenStreamCuts(ctx context.Context, scope string, stream string,
	from map[int64]int64, to map[int64]int64, oc *base.OperationContext) ([]records.StreamSegmentRecord, error) {
	const op = "GetSegmentsBetweenStreamCuts"
	oc = sg.ra.cacheFor(oc, scope, stream)
	path := streamPath(scope, stream)
	var err error
	if len(from) == 0 {
		from, err = sg.GetSegmentsAtHead(ctx, scope, stream, oc)
		if err != nil {
			return nil, err
		}
	}
	fromSegs, err := sg.validCutSegments(ctx, scope, stream, op, from, oc)
	if err != nil {
		return nil, err
	}
	var toSegs []records.StreamSegmentRecord
	if len(to) > 0 {
		toSegs, err = sg.validCutSegments(ctx, scope, stream, op, to, oc)
		if err != nil {
			return nil, err
		}
	}
	// A `to` segment older than an overlapping segment means the segment lies beyond the `to` cut.
	beyondTo := func(seg records.StreamSegmentRecord) bool {
		for _, t := range toSegs {
			if t.Overlaps(seg) && t.CreationEpoch < seg.CreationEpoch {
				return true
			}
		}
		return false
	}
	for _, seg := range fromSegs {
		if beyondTo(seg) {
			return nil, base.NewError(base.KindPreconditionFailed, op, path, "from cut is ahead of to cut at %s",
				seg.String())
		}
	}

	visited := make(map[int64]struct{})
	var result []records.StreamSegmentRecord
	queue := append([]records.StreamSegmentRecord(nil), fromSegs...)
	for _, seg := range queue {
		visited[seg.SegmentID()] = struct{}{}
	}
	for len(queue) > 0 {
		seg := queue[0]
		queue = queue[1:]
		result = append(result, seg)
		if _, ok := to[seg.SegmentID()]; ok {
			continue
		}
		successors, err := sg.GetSuccessors(ctx, scope, stream, seg.SegmentID(), oc)
		if err != nil {
			return nil, err
		}
		for succ := range successors {
			if _, ok := visited[succ.SegmentID()]; ok {
				continue
			}
			if beyondTo(succ) {
				continue
			}
			visited[succ.SegmentID()] = struct{}{}
			queue = append(queue, succ)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SegmentID() < result[j].SegmentID() })
	return result, nil
}

func (sg *Segments) validCutSegments(ctx context.Context, scope string, stream string, op string,
	cut map[int64]int64, oc *base.OperationContext) ([]records.StreamSegmentRecord, error) {
	segments, err := sg.cutSegments(ctx, scope, stream, cut, oc)
	if err != nil {
		return nil, err
	}
	ranges := make([]records.KeyRange, 0, len(segments))
	for _, seg := range segments {
		ranges = append(ranges, seg.KeyRange())
	}
	if !records.CoversKeySpace(ranges) {
		return nil, base.NewError(base.KindPreconditionFailed, op, streamPath(scope, stream),
			"stream cut %v does not cover the key space", cut)
	}
	return segments, nil
}

// GetScaleMetadata returns the history of non duplicate epochs created within [from, to]. A non positive `to` means
// no upper bound.
func (sg *Segments) GetScaleMetadata(ctx context.Context, scope string, stream string, from int64, to int64,
	oc *base.OperationContext) ([]ScaleMetadata, error) {
	oc = sg.ra.cacheFor(oc, scope, stream)
	current, err := sg.readCurrentEpoch(ctx, scope, stream, false, oc)
	if err != nil {
		return nil, err
	}
	var history []ScaleMetadata
	for epoch := int32(0); epoch <= current.Object.Epoch; epoch++ {
		rec, err := sg.readEpoch(ctx, scope, stream, epoch, oc)
		if err != nil {
			return nil, err
		}
		if rec.IsDuplicate() || rec.CreationTime < from || (to > 0 && rec.CreationTime > to) {
			continue
		}
		history = append(history, ScaleMetadata{
			Epoch:        rec.Epoch,
			CreationTime: rec.CreationTime,
			Segments:     rec.Segments,
			Splits:       rec.Splits,
			Merges:       rec.Merges,
		})
	}
	return history, nil
}

func (sg *Segments) GetSealedSegmentSizes(ctx context.Context, scope string, stream string,
	oc *base.OperationContext) (map[int64]int64, error) {
	oc = sg.ra.cacheFor(oc, scope, stream)
	rec, err := sg.readSealedSizes(ctx, scope, stream, oc)
	if err != nil {
		return nil, err
	}
	sizes := make(map[int64]int64, len(rec.Object.Sizes))
	for id, size := range rec.Object.Sizes {
		sizes[id] = size
	}
	return sizes, nil
}
