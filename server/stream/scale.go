package stream

import (
	"context"
	"streamctl/server/base"
	"streamctl/server/stream/records"
)

const (
	kStepSubmitScale        = "submit_scale"
	kStepStartScale         = "start_scale"
	kStepCreateNewEpoch     = "scale_create_new_epoch"
	kStepSegmentsSealed     = "scale_segments_sealed"
	kStepCompleteScale      = "complete_scale"
	kStaleTransitionMigrate = "migrated"
	kStaleTransitionDiscard = "discarded"
)

func (sg *Segments) readEpochTransition(ctx context.Context, scope string, stream string, ignoreCached bool,
	oc *base.OperationContext) (VersionedMetadata[records.EpochTransitionRecord], error) {
	return readRecord[records.EpochTransitionRecord](ctx, sg.ra, oc, streamNodePath(scope, stream, kEpochTransition),
		ignoreCached)
}

// buildEpochTransition numbers the new segments after the largest segment number of the active epoch, in the order
// of newRanges. The ranges are stored as given so their boundaries stay bit identical.
func buildEpochTransition(active *records.EpochRecord, segmentsToSeal []int64, newRanges []records.KeyRange,
	scaleTimestamp int64) *records.EpochTransitionRecord {
	newEpoch := active.Epoch + 1
	nextNumber := active.MaxSegmentNumber() + 1
	withRange := make(map[int64]records.KeyRange, len(newRanges))
	for ii, kr := range newRanges {
		withRange[records.ComputeSegmentID(nextNumber+int32(ii), newEpoch)] = kr
	}
	return &records.EpochTransitionRecord{
		ActiveEpoch:          active.Epoch,
		Time:                 scaleTimestamp,
		SegmentsToSeal:       append([]int64(nil), segmentsToSeal...),
		NewRanges:            append([]records.KeyRange(nil), newRanges...),
		NewSegmentsWithRange: withRange,
	}
}

// validateScaleInput checks that segmentsToSeal belong to the active epoch and that newRanges cover exactly the key
// space of the sealed segments.
func validateScaleInput(op string, path string, active *records.EpochRecord, segmentsToSeal []int64,
	newRanges []records.KeyRange) error {
	if len(segmentsToSeal) == 0 || len(newRanges) == 0 {
		return base.NewError(base.KindPreconditionFailed, op, path, "scale must seal and create at least one segment")
	}
	seen := make(map[int64]struct{}, len(segmentsToSeal))
	sealedRanges := make([]records.KeyRange, 0, len(segmentsToSeal))
	for _, id := range segmentsToSeal {
		if _, ok := seen[id]; ok {
			return base.NewError(base.KindPreconditionFailed, op, path, "segment %d listed twice", id)
		}
		seen[id] = struct{}{}
		seg, ok := active.GetSegment(id)
		if !ok {
			return base.NewError(base.KindPreconditionFailed, op, path, "segment %d is not in active epoch %d", id,
				active.Epoch)
		}
		sealedRanges = append(sealedRanges, seg.KeyRange())
	}
	for _, kr := range newRanges {
		if kr.Low >= kr.High {
			return base.NewError(base.KindPreconditionFailed, op, path, "invalid key range [%v, %v)", kr.Low, kr.High)
		}
	}
	sealedMerged := records.MergeRanges(sealedRanges)
	newMerged := records.MergeRanges(newRanges)
	if len(sealedMerged) != len(newMerged) {
		return base.NewError(base.KindPreconditionFailed, op, path, "new ranges %v do not match sealed ranges %v",
			newRanges, sealedRanges)
	}
	for ii := range sealedMerged {
		if sealedMerged[ii] != newMerged[ii] {
			return base.NewError(base.KindPreconditionFailed, op, path, "new ranges %v do not match sealed ranges %v",
				newRanges, sealedRanges)
		}
	}
	return nil
}

// SubmitScale records a scale request against the active epoch. Submitting the request that is already recorded
// returns the recorded transition.
func (sg *Segments) SubmitScale(ctx context.Context, scope string, stream string, segmentsToSeal []int64,
	newRanges []records.KeyRange, scaleTimestamp int64,
	oc *base.OperationContext) (result VersionedMetadata[records.EpochTransitionRecord], err error) {
	const op = "SubmitScale"
	defer func() { sg.ra.observe(kStepSubmitScale, err) }()
	oc = sg.ra.cacheFor(oc, scope, stream)
	path := streamNodePath(scope, stream, kEpochTransition)
	existing, err := sg.readEpochTransition(ctx, scope, stream, true, oc)
	if err != nil {
		return result, err
	}
	if !existing.Object.IsEmpty() {
		if existing.Object.Matches(segmentsToSeal, newRanges) {
			return existing, nil
		}
		return result, base.NewError(base.KindPreconditionFailed, op, path,
			"another scale against epoch %d is in progress", existing.Object.ActiveEpoch)
	}
	active, err := sg.GetActiveEpoch(ctx, scope, stream, true, oc)
	if err != nil {
		return result, err
	}
	if err := validateScaleInput(op, path, active, segmentsToSeal, newRanges); err != nil {
		return result, err
	}
	etr := buildEpochTransition(active, segmentsToSeal, newRanges, scaleTimestamp)
	version, err := sg.ra.update(ctx, oc, path, etr, existing.Version)
	if err != nil {
		return result, err
	}
	sg.logger.Infof("Stream %s/%s: submitted scale of %v into %v against epoch %d", scope, stream, segmentsToSeal,
		newRanges, active.Epoch)
	return VersionedMetadata[records.EpochTransitionRecord]{Object: *etr, Version: version}, nil
}

func (sg *Segments) GetEpochTransition(ctx context.Context, scope string, stream string,
	oc *base.OperationContext) (VersionedMetadata[records.EpochTransitionRecord], error) {
	oc = sg.ra.cacheFor(oc, scope, stream)
	return sg.readEpochTransition(ctx, scope, stream, true, oc)
}

// hasNewSegments returns true if the epoch created by etr exists and holds the segments etr creates.
func (sg *Segments) hasNewSegments(ctx context.Context, scope string, stream string,
	etr *records.EpochTransitionRecord, oc *base.OperationContext) (bool, error) {
	epoch, err := sg.readEpoch(ctx, scope, stream, etr.NewEpoch(), oc)
	if err != nil {
		if base.IsKind(err, base.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	for _, id := range etr.NewSegmentIDs() {
		if !epoch.ContainsSegment(id) {
			return false, nil
		}
	}
	return true, nil
}

// StartScale checks the recorded transition against the active epoch before the scale proceeds. The stream must be
// in SCALING. If a rolling transaction moved the active epoch after the request was submitted, a manual request is
// carried over to the new active epoch, while an automatic request is discarded: the transition record is cleared,
// the stream goes back to ACTIVE and the call fails with KindPreconditionFailed.
func (sg *Segments) StartScale(ctx context.Context, scope string, stream string, isManual bool,
	record VersionedMetadata[records.EpochTransitionRecord], state VersionedMetadata[records.State],
	oc *base.OperationContext) (result VersionedMetadata[records.EpochTransitionRecord], err error) {
	const op = "StartScale"
	defer func() { sg.ra.observe(kStepStartScale, err) }()
	oc = sg.ra.cacheFor(oc, scope, stream)
	path := streamNodePath(scope, stream, kEpochTransition)
	if record.Object.IsEmpty() {
		return record, base.NewError(base.KindPreconditionFailed, op, path, "no scale in progress")
	}
	if state.Object != records.KStateScaling {
		return record, base.NewError(base.KindIllegalStateTransition, op, streamNodePath(scope, stream, kStateNode),
			"stream is %s, expected %s", state.Object, records.KStateScaling)
	}
	active, err := sg.GetActiveEpoch(ctx, scope, stream, true, oc)
	if err != nil {
		return record, err
	}
	if active.Epoch == record.Object.ActiveEpoch {
		return record, nil
	}
	if active.Epoch > record.Object.ActiveEpoch {
		done, err := sg.hasNewSegments(ctx, scope, stream, &record.Object, oc)
		if err != nil {
			return record, err
		}
		if done {
			// The scale itself moved the active epoch.
			return record, nil
		}
	}

	if isManual {
		migrated, err := migrateEpochTransition(op, path, &record.Object, active)
		if err != nil {
			return record, err
		}
		version, err := sg.ra.update(ctx, oc, path, migrated, record.Version)
		if err != nil {
			return record, err
		}
		sg.ra.metrics.StaleEpochTransition(kStaleTransitionMigrate)
		sg.logger.Infof("Stream %s/%s: migrated scale request from epoch %d to epoch %d", scope, stream,
			record.Object.ActiveEpoch, active.Epoch)
		return VersionedMetadata[records.EpochTransitionRecord]{Object: *migrated, Version: version}, nil
	}

	version, err := sg.ra.update(ctx, oc, path, records.EmptyEpochTransitionRecord(), record.Version)
	if err != nil {
		return record, err
	}
	if _, err := sg.streams.UpdateVersionedState(ctx, scope, stream, records.KStateActive, state, oc); err != nil {
		return record, err
	}
	sg.ra.metrics.StaleEpochTransition(kStaleTransitionDiscard)
	sg.logger.Infof("Stream %s/%s: discarded scale request against epoch %d, active epoch is %d", scope, stream,
		record.Object.ActiveEpoch, active.Epoch)
	result = VersionedMetadata[records.EpochTransitionRecord]{Object: *records.EmptyEpochTransitionRecord(),
		Version: version}
	return result, base.NewError(base.KindPreconditionFailed, op, path,
		"scale request against epoch %d discarded, active epoch is %d", record.Object.ActiveEpoch, active.Epoch)
}

// migrateEpochTransition rewrites etr against active. Sealed segments are matched by segment number, which duplicate
// epochs preserve. New segments are renumbered for the new epoch.
func migrateEpochTransition(op string, path string, etr *records.EpochTransitionRecord,
	active *records.EpochRecord) (*records.EpochTransitionRecord, error) {
	byNumber := make(map[int32]records.StreamSegmentRecord, len(active.Segments))
	for _, seg := range active.Segments {
		byNumber[seg.SegmentNumber] = seg
	}
	toSeal := make([]int64, 0, len(etr.SegmentsToSeal))
	for _, id := range etr.SegmentsToSeal {
		seg, ok := byNumber[records.SegmentNumberOf(id)]
		if !ok {
			return nil, base.NewError(base.KindPreconditionFailed, op, path,
				"segment %d has no counterpart in epoch %d", id, active.Epoch)
		}
		toSeal = append(toSeal, seg.SegmentID())
	}
	if err := validateScaleInput(op, path, active, toSeal, etr.NewRanges); err != nil {
		return nil, err
	}
	return buildEpochTransition(active, toSeal, etr.NewRanges, etr.Time), nil
}

// countSplitsAndMerges counts the sealed segments that were split into several new segments and the new segments
// that merge several sealed segments.
func countSplitsAndMerges(sealed []records.StreamSegmentRecord,
	created []records.StreamSegmentRecord) (splits int64, merges int64) {
	for _, s := range sealed {
		n := 0
		for _, c := range created {
			if c.Overlaps(s) {
				n++
			}
		}
		if n > 1 {
			splits++
		}
	}
	for _, c := range created {
		n := 0
		for _, s := range sealed {
			if s.Overlaps(c) {
				n++
			}
		}
		if n > 1 {
			merges++
		}
	}
	return splits, merges
}

// ScaleCreateNewEpochs writes the epoch record the transition creates. Calling it again once the epoch exists is a
// no-op.
func (sg *Segments) ScaleCreateNewEpochs(ctx context.Context, scope string, stream string,
	record VersionedMetadata[records.EpochTransitionRecord],
	oc *base.OperationContext) (result VersionedMetadata[records.EpochTransitionRecord], err error) {
	const op = "ScaleCreateNewEpochs"
	defer func() { sg.ra.observe(kStepCreateNewEpoch, err) }()
	oc = sg.ra.cacheFor(oc, scope, stream)
	etr := &record.Object
	if etr.IsEmpty() {
		return record, base.NewError(base.KindPreconditionFailed, op, streamNodePath(scope, stream, kEpochTransition),
			"no scale in progress")
	}
	newEpochPath := epochPath(scope, stream, etr.NewEpoch())
	done, err := sg.hasNewSegments(ctx, scope, stream, etr, oc)
	if err != nil || done {
		return record, err
	}
	active, err := sg.GetActiveEpoch(ctx, scope, stream, true, oc)
	if err != nil {
		return record, err
	}
	if active.Epoch != etr.ActiveEpoch {
		return record, base.NewError(base.KindPreconditionFailed, op, newEpochPath,
			"scale against epoch %d is stale, active epoch is %d", etr.ActiveEpoch, active.Epoch)
	}

	sealSet := make(map[int64]struct{}, len(etr.SegmentsToSeal))
	for _, id := range etr.SegmentsToSeal {
		sealSet[id] = struct{}{}
	}
	var segments, sealed, created []records.StreamSegmentRecord
	for _, seg := range active.Segments {
		if _, ok := sealSet[seg.SegmentID()]; ok {
			sealed = append(sealed, seg)
			continue
		}
		segments = append(segments, seg)
	}
	for _, id := range etr.NewSegmentIDs() {
		kr := etr.NewSegmentsWithRange[id]
		seg := records.StreamSegmentRecord{
			SegmentNumber: records.SegmentNumberOf(id),
			CreationEpoch: etr.NewEpoch(),
			CreationTime:  etr.Time,
			KeyStart:      kr.Low,
			KeyEnd:        kr.High,
		}
		created = append(created, seg)
		segments = append(segments, seg)
	}
	records.SortByKeyStart(segments)
	ranges := make([]records.KeyRange, 0, len(segments))
	for _, seg := range segments {
		ranges = append(ranges, seg.KeyRange())
	}
	if !records.CoversKeySpace(ranges) {
		return record, base.NewError(base.KindPreconditionFailed, op, newEpochPath,
			"epoch %d would not cover the key space", etr.NewEpoch())
	}
	splits, merges := countSplitsAndMerges(sealed, created)
	epochRec := &records.EpochRecord{
		Epoch:          etr.NewEpoch(),
		ReferenceEpoch: etr.NewEpoch(),
		Segments:       segments,
		CreationTime:   etr.Time,
		Splits:         active.Splits + splits,
		Merges:         active.Merges + merges,
	}
	if _, err := sg.ra.create(ctx, oc, newEpochPath, epochRec); err != nil {
		if !base.IsKind(err, base.KindAlreadyExists) {
			return record, err
		}
		// Lost a race against another attempt of the same step, or against a rolling transaction.
		done, err := sg.hasNewSegments(ctx, scope, stream, etr, oc)
		if err != nil {
			return record, err
		}
		if !done {
			return record, base.NewError(base.KindPreconditionFailed, op, newEpochPath,
				"epoch %d was created by another workflow", etr.NewEpoch())
		}
		return record, nil
	}
	sg.logger.Infof("Stream %s/%s: created epoch %d with segments %v", scope, stream, etr.NewEpoch(),
		etr.NewSegmentIDs())
	return record, nil
}

// ScaleSegmentsSealed records the final sizes of the sealed segments and moves the active epoch to the new epoch.
// The new epoch must have been created already.
func (sg *Segments) ScaleSegmentsSealed(ctx context.Context, scope string, stream string,
	sealedSegmentSizes map[int64]int64, record VersionedMetadata[records.EpochTransitionRecord],
	oc *base.OperationContext) (err error) {
	const op = "ScaleSegmentsSealed"
	defer func() { sg.ra.observe(kStepSegmentsSealed, err) }()
	oc = sg.ra.cacheFor(oc, scope, stream)
	etr := &record.Object
	if etr.IsEmpty() {
		return base.NewError(base.KindPreconditionFailed, op, streamNodePath(scope, stream, kEpochTransition),
			"no scale in progress")
	}
	done, err := sg.hasNewSegments(ctx, scope, stream, etr, oc)
	if err != nil {
		return err
	}
	if !done {
		return base.NewError(base.KindPreconditionFailed, op, epochPath(scope, stream, etr.NewEpoch()),
			"epoch %d has not been created", etr.NewEpoch())
	}
	if err := sg.recordSealedSizes(ctx, scope, stream, sealedSegmentSizes, oc); err != nil {
		return err
	}
	return sg.moveActiveEpoch(ctx, scope, stream, etr.ActiveEpoch, etr.NewEpoch(), oc)
}

// CompleteScale clears the transition record. The stream state is left to the caller.
func (sg *Segments) CompleteScale(ctx context.Context, scope string, stream string,
	record VersionedMetadata[records.EpochTransitionRecord], oc *base.OperationContext) (err error) {
	const op = "CompleteScale"
	defer func() { sg.ra.observe(kStepCompleteScale, err) }()
	oc = sg.ra.cacheFor(oc, scope, stream)
	path := streamNodePath(scope, stream, kEpochTransition)
	if record.Object.IsEmpty() {
		return nil
	}
	current, err := sg.readEpochTransition(ctx, scope, stream, true, oc)
	if err != nil {
		return err
	}
	if current.Object.IsEmpty() {
		return nil
	}
	if current.Version != record.Version {
		return base.NewError(base.KindWriteConflict, op, path, "transition record changed")
	}
	pointer, err := sg.readCurrentEpoch(ctx, scope, stream, true, oc)
	if err != nil {
		return err
	}
	done, err := sg.hasNewSegments(ctx, scope, stream, &record.Object, oc)
	if err != nil {
		return err
	}
	if !done || pointer.Object.Epoch < record.Object.NewEpoch() {
		return base.NewError(base.KindPreconditionFailed, op, path, "epoch %d is not active yet",
			record.Object.NewEpoch())
	}
	if _, err := sg.ra.update(ctx, oc, path, records.EmptyEpochTransitionRecord(), record.Version); err != nil {
		return err
	}
	sg.logger.Infof("Stream %s/%s: scale to epoch %d complete", scope, stream, record.Object.NewEpoch())
	return nil
}

// GetScalePhase derives the progress of the current scale from the transition record, the stream state and the
// epochs.
func (sg *Segments) GetScalePhase(ctx context.Context, scope string, stream string,
	oc *base.OperationContext) (ScalePhase, error) {
	oc = sg.ra.cacheFor(oc, scope, stream)
	etr, err := sg.readEpochTransition(ctx, scope, stream, true, oc)
	if err != nil {
		return KScaleNone, err
	}
	if etr.Object.IsEmpty() {
		return KScaleNone, nil
	}
	done, err := sg.hasNewSegments(ctx, scope, stream, &etr.Object, oc)
	if err != nil {
		return KScaleNone, err
	}
	if done {
		pointer, err := sg.readCurrentEpoch(ctx, scope, stream, true, oc)
		if err != nil {
			return KScaleNone, err
		}
		if pointer.Object.Epoch >= etr.Object.NewEpoch() {
			return KScaleOldSegmentsSealed, nil
		}
		return KScaleNewEpochCreated, nil
	}
	state, err := sg.streams.GetState(ctx, scope, stream, true, oc)
	if err != nil {
		return KScaleNone, err
	}
	pointer, err := sg.readCurrentEpoch(ctx, scope, stream, true, oc)
	if err != nil {
		return KScaleNone, err
	}
	if state == records.KStateScaling && pointer.Object.Epoch == etr.Object.ActiveEpoch {
		return KScaleStarted, nil
	}
	return KScaleSubmitted, nil
}
