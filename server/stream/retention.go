package stream

import (
	"context"
	"streamctl/server/base"
	"streamctl/server/stream/records"
	"streamctl/util/logging"
)

// Retention implements RetentionStore. The retention set only holds references; each full stream cut is stored under
// its recording time.
type Retention struct {
	ra       *recordAccess
	segments *Segments
	logger   *logging.PrefixLogger
}

func NewRetention(ra *recordAccess, segments *Segments) *Retention {
	return &Retention{ra: ra, segments: segments, logger: logging.NewPrefixLoggerWithParent("retention", ra.logger)}
}

func (r *Retention) readRetentionSet(ctx context.Context, scope string, stream string,
	oc *base.OperationContext) (VersionedMetadata[records.RetentionSet], error) {
	return readRecord[records.RetentionSet](ctx, r.ra, oc, streamNodePath(scope, stream, kRetentionSetNode), true)
}

// AddStreamCutToRetentionSet appends cut to the retention set. Cuts must be added in recording time order. Adding
// the latest cut again is a no-op, while a different cut with the same recording time fails with
// KindAlreadyExists.
func (r *Retention) AddStreamCutToRetentionSet(ctx context.Context, scope string, stream string,
	cut records.StreamCutRecord, oc *base.OperationContext) error {
	const op = "AddStreamCutToRetentionSet"
	oc = r.ra.cacheFor(oc, scope, stream)
	path := streamNodePath(scope, stream, kRetentionSetNode)
	existing, err := r.readRetentionSet(ctx, scope, stream, oc)
	if err != nil {
		return err
	}
	if latest, ok := existing.Object.Latest(); ok {
		if cut.RecordingTime < latest.RecordingTime {
			return base.NewError(base.KindPreconditionFailed, op, path,
				"stream cut recorded at %d is older than the latest cut recorded at %d", cut.RecordingTime,
				latest.RecordingTime)
		}
		if cut.RecordingTime == latest.RecordingTime {
			stored, err := r.GetStreamCutRecord(ctx, scope, stream, latest, oc)
			if err != nil {
				return err
			}
			if stored.RecordingSize == cut.RecordingSize && sameCut(stored.StreamCut, cut.StreamCut) {
				return nil
			}
			return base.NewError(base.KindAlreadyExists, op, path,
				"a different stream cut is recorded at %d", cut.RecordingTime)
		}
	}
	if _, err := r.ra.put(ctx, oc, streamCutPath(scope, stream, cut.RecordingTime), &cut); err != nil {
		return err
	}
	updated := records.RetentionSet{Cuts: append(append([]records.StreamCutReferenceRecord(nil),
		existing.Object.Cuts...), cut.ReferenceRecord())}
	if _, err := r.ra.update(ctx, oc, path, &updated, existing.Version); err != nil {
		r.discardUnreferencedCut(ctx, scope, stream, cut.RecordingTime, oc)
		return err
	}
	r.logger.VInfof(1, "Stream %s/%s: added stream cut recorded at %d, size %d", scope, stream, cut.RecordingTime,
		cut.RecordingSize)
	return nil
}

// discardUnreferencedCut deletes the stream cut recorded at recordingTime unless the retention set references it.
// A concurrent add of the same cut may have won the retention set update, in which case the record stays.
func (r *Retention) discardUnreferencedCut(ctx context.Context, scope string, stream string, recordingTime int64,
	oc *base.OperationContext) {
	set, err := r.readRetentionSet(ctx, scope, stream, oc)
	if err != nil {
		r.logger.Warningf("Stream %s/%s: unable to read retention set, keeping stream cut recorded at %d: %v", scope,
			stream, recordingTime, err)
		return
	}
	for _, ref := range set.Object.Cuts {
		if ref.RecordingTime == recordingTime {
			return
		}
	}
	err = r.ra.delete(ctx, oc, streamCutPath(scope, stream, recordingTime), base.NoVersion)
	if err != nil && !base.IsKind(err, base.KindNotFound) {
		r.logger.Warningf("Stream %s/%s: unable to delete stream cut recorded at %d: %v", scope, stream,
			recordingTime, err)
	}
}

func (r *Retention) GetRetentionSet(ctx context.Context, scope string, stream string,
	oc *base.OperationContext) (VersionedMetadata[records.RetentionSet], error) {
	oc = r.ra.cacheFor(oc, scope, stream)
	return r.readRetentionSet(ctx, scope, stream, oc)
}

func (r *Retention) GetStreamCutRecord(ctx context.Context, scope string, stream string,
	ref records.StreamCutReferenceRecord, oc *base.OperationContext) (records.StreamCutRecord, error) {
	oc = r.ra.cacheFor(oc, scope, stream)
	rec, err := readRecord[records.StreamCutRecord](ctx, r.ra, oc, streamCutPath(scope, stream, ref.RecordingTime),
		false)
	if err != nil {
		return records.StreamCutRecord{}, err
	}
	return rec.Object, nil
}

// DeleteStreamCutBefore drops every reference recorded strictly before ref, then the stream cuts they point to.
func (r *Retention) DeleteStreamCutBefore(ctx context.Context, scope string, stream string,
	ref records.StreamCutReferenceRecord, oc *base.OperationContext) error {
	oc = r.ra.cacheFor(oc, scope, stream)
	path := streamNodePath(scope, stream, kRetentionSetNode)
	existing, err := r.readRetentionSet(ctx, scope, stream, oc)
	if err != nil {
		return err
	}
	toDelete := existing.Object.RetentionRecordsBefore(ref)
	if len(toDelete) == 0 {
		return nil
	}
	var kept []records.StreamCutReferenceRecord
	for _, cut := range existing.Object.Cuts {
		if cut.RecordingTime >= ref.RecordingTime {
			kept = append(kept, cut)
		}
	}
	if _, err := r.ra.update(ctx, oc, path, &records.RetentionSet{Cuts: kept}, existing.Version); err != nil {
		return err
	}
	for _, cut := range toDelete {
		err := r.ra.delete(ctx, oc, streamCutPath(scope, stream, cut.RecordingTime), base.NoVersion)
		if err != nil && !base.IsKind(err, base.KindNotFound) {
			return err
		}
	}
	r.logger.VInfof(1, "Stream %s/%s: deleted %d stream cuts before %d", scope, stream, len(toDelete),
		ref.RecordingTime)
	return nil
}

// GetSizeTillStreamCut returns the size of the stream from its origin up to cut. If reference is set, the size is
// computed from the referenced cut onwards and added to its recorded size.
func (r *Retention) GetSizeTillStreamCut(ctx context.Context, scope string, stream string, cut map[int64]int64,
	reference *records.StreamCutReferenceRecord, oc *base.OperationContext) (int64, error) {
	oc = r.ra.cacheFor(oc, scope, stream)
	var from map[int64]int64
	var baseSize int64
	if reference == nil {
		origin, err := r.segments.firstEpochCut(ctx, scope, stream, oc)
		if err != nil {
			return 0, err
		}
		from = origin
	} else {
		scr, err := r.GetStreamCutRecord(ctx, scope, stream, *reference, oc)
		if err != nil {
			return 0, err
		}
		from = scr.StreamCut
		baseSize = reference.RecordingSize
	}
	size, err := r.segments.sizeBetweenCuts(ctx, scope, stream, from, cut, oc)
	if err != nil {
		return 0, err
	}
	return baseSize + size, nil
}
