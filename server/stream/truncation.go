package stream

import (
	"context"
	"sort"
	"streamctl/server/base"
	"streamctl/server/stream/records"
)

func (sg *Segments) readTruncation(ctx context.Context, scope string, stream string,
	oc *base.OperationContext) (VersionedMetadata[records.StreamTruncationRecord], error) {
	return readRecord[records.StreamTruncationRecord](ctx, sg.ra, oc, streamNodePath(scope, stream, kTruncationNode),
		true)
}

func sameCut(a map[int64]int64, b map[int64]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for id, offset := range a {
		if other, ok := b[id]; !ok || other != offset {
			return false
		}
	}
	return true
}

// sizeBetweenCuts returns the number of bytes between the two cuts: the remainder of every segment of `from` plus the
// sealed size of every segment strictly between the cuts plus the offsets of `to`. Every segment between the cuts
// that `to` does not contain must have a recorded sealed size.
func (sg *Segments) sizeBetweenCuts(ctx context.Context, scope string, stream string, from map[int64]int64,
	to map[int64]int64, oc *base.OperationContext) (int64, error) {
	segments, err := sg.GetSegmentsBetweenStreamCuts(ctx, scope, stream, from, to, oc)
	if err != nil {
		return 0, err
	}
	sealed, err := sg.readSealedSizes(ctx, scope, stream, oc)
	if err != nil {
		return 0, err
	}
	var size int64
	for _, seg := range segments {
		id := seg.SegmentID()
		if offset, ok := to[id]; ok {
			size += offset
		} else {
			sealedSize, ok := sealed.Object.Sizes[id]
			if !ok {
				return 0, base.NewError(base.KindPreconditionFailed, "SizeBetweenCuts", streamPath(scope, stream),
					"sealed size of segment %d is unknown", id)
			}
			size += sealedSize
		}
		size -= from[id]
	}
	return size, nil
}

// firstEpochCut returns the cut at offset zero of every segment of epoch 0.
func (sg *Segments) firstEpochCut(ctx context.Context, scope string, stream string,
	oc *base.OperationContext) (map[int64]int64, error) {
	first, err := sg.readEpoch(ctx, scope, stream, 0, oc)
	if err != nil {
		return nil, err
	}
	cut := make(map[int64]int64, len(first.Segments))
	for _, id := range first.SegmentIDs() {
		cut[id] = 0
	}
	return cut, nil
}

// StartTruncation records cut as the new head of the stream along with the segments that fall before it. It fails if
// cut is behind the current head. Repeating the call for a pending or completed truncation to the same cut is a
// no-op.
func (sg *Segments) StartTruncation(ctx context.Context, scope string, stream string, cut map[int64]int64,
	oc *base.OperationContext) error {
	const op = "StartTruncation"
	oc = sg.ra.cacheFor(oc, scope, stream)
	path := streamNodePath(scope, stream, kTruncationNode)
	existing, err := sg.readTruncation(ctx, scope, stream, oc)
	if err != nil {
		return err
	}
	if sameCut(existing.Object.StreamCut, cut) {
		return nil
	}
	if existing.Object.Updating {
		return base.NewError(base.KindPreconditionFailed, op, path, "truncation to %v is in progress",
			existing.Object.StreamCut)
	}
	newCutSegments, err := sg.validCutSegments(ctx, scope, stream, op, cut, oc)
	if err != nil {
		return err
	}
	between, err := sg.GetSegmentsBetweenStreamCuts(ctx, scope, stream, existing.Object.StreamCut, cut, oc)
	if err != nil {
		return err
	}
	origin, err := sg.firstEpochCut(ctx, scope, stream, oc)
	if err != nil {
		return err
	}
	sizeTill, err := sg.sizeBetweenCuts(ctx, scope, stream, origin, cut, oc)
	if err != nil {
		return err
	}

	var toDelete []int64
	for _, seg := range between {
		id := seg.SegmentID()
		if _, ok := cut[id]; ok || existing.Object.IsDeleted(id) {
			continue
		}
		toDelete = append(toDelete, id)
	}
	sort.Slice(toDelete, func(i, j int) bool { return toDelete[i] < toDelete[j] })
	span := make(map[int64]int32, len(newCutSegments))
	streamCut := make(map[int64]int64, len(cut))
	for _, seg := range newCutSegments {
		span[seg.SegmentID()] = seg.CreationEpoch
		streamCut[seg.SegmentID()] = cut[seg.SegmentID()]
	}
	updated := &records.StreamTruncationRecord{
		StreamCut:       streamCut,
		Span:            span,
		DeletedSegments: existing.Object.DeletedSegments,
		ToDelete:        toDelete,
		SizeTill:        sizeTill,
		Updating:        true,
	}
	if _, err := sg.ra.update(ctx, oc, path, updated, existing.Version); err != nil {
		return err
	}
	sg.logger.Infof("Stream %s/%s: truncating to %v, deleting segments %v", scope, stream, cut, toDelete)
	return nil
}

// CompleteTruncation moves the segments marked for deletion to the deleted set. It is a no-op if no truncation is
// pending.
func (sg *Segments) CompleteTruncation(ctx context.Context, scope string, stream string,
	record VersionedMetadata[records.StreamTruncationRecord], oc *base.OperationContext) error {
	if !record.Object.Updating {
		return nil
	}
	oc = sg.ra.cacheFor(oc, scope, stream)
	path := streamNodePath(scope, stream, kTruncationNode)
	updated := record.Object
	updated.DeletedSegments = append(append([]int64(nil), record.Object.DeletedSegments...), record.Object.ToDelete...)
	updated.ToDelete = nil
	updated.Updating = false
	_, err := sg.ra.update(ctx, oc, path, &updated, record.Version)
	return err
}

func (sg *Segments) GetTruncationRecord(ctx context.Context, scope string, stream string,
	oc *base.OperationContext) (VersionedMetadata[records.StreamTruncationRecord], error) {
	oc = sg.ra.cacheFor(oc, scope, stream)
	return sg.readTruncation(ctx, scope, stream, oc)
}
