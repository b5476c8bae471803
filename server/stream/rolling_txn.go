package stream

import (
	"context"
	"streamctl/server/base"
	"streamctl/server/stream/records"
)

const (
	kStepStartRollingTxn    = "start_rolling_txn"
	kStepCreateDuplicates   = "rolling_txn_create_duplicates"
	kStepCompleteRollingTxn = "complete_rolling_txn"
)

func (sg *Segments) readCommittingTxns(ctx context.Context, scope string, stream string,
	oc *base.OperationContext) (VersionedMetadata[records.CommittingTransactionsRecord], error) {
	return readRecord[records.CommittingTransactionsRecord](ctx, sg.ra, oc,
		streamNodePath(scope, stream, kCommittingTxnsNode), true)
}

// duplicateEpoch copies the segments of src into a new epoch. The copies keep their segment numbers and key ranges
// and are created in epoch. The duplicate references the epoch src was originally created as.
func duplicateEpoch(src *records.EpochRecord, epoch int32, creationTime int64,
	stats *records.EpochRecord) *records.EpochRecord {
	segments := make([]records.StreamSegmentRecord, 0, len(src.Segments))
	for _, seg := range src.Segments {
		segments = append(segments, records.StreamSegmentRecord{
			SegmentNumber: seg.SegmentNumber,
			CreationEpoch: epoch,
			CreationTime:  creationTime,
			KeyStart:      seg.KeyStart,
			KeyEnd:        seg.KeyEnd,
		})
	}
	return &records.EpochRecord{
		Epoch:          epoch,
		ReferenceEpoch: src.ReferenceEpoch,
		Segments:       segments,
		CreationTime:   creationTime,
		Splits:         stats.Splits,
		Merges:         stats.Merges,
	}
}

// createDuplicateEpoch writes dup unless an equivalent duplicate already exists.
func (sg *Segments) createDuplicateEpoch(ctx context.Context, scope string, stream string, dup *records.EpochRecord,
	oc *base.OperationContext) error {
	path := epochPath(scope, stream, dup.Epoch)
	_, err := sg.ra.create(ctx, oc, path, dup)
	if err == nil {
		return nil
	}
	if !base.IsKind(err, base.KindAlreadyExists) {
		return err
	}
	existing, err := sg.readEpoch(ctx, scope, stream, dup.Epoch, oc)
	if err != nil {
		return err
	}
	if existing.ReferenceEpoch != dup.ReferenceEpoch || len(existing.Segments) != len(dup.Segments) {
		return base.NewError(base.KindPreconditionFailed, "CreateDuplicateEpoch", path,
			"epoch %d exists and is not a duplicate of epoch %d", dup.Epoch, dup.ReferenceEpoch)
	}
	for ii := range dup.Segments {
		if !existing.ContainsSegment(dup.Segments[ii].SegmentID()) {
			return base.NewError(base.KindPreconditionFailed, "CreateDuplicateEpoch", path,
				"epoch %d exists and is not a duplicate of epoch %d", dup.Epoch, dup.ReferenceEpoch)
		}
	}
	return nil
}

// StartRollingTxn marks the batch of committing transactions as a rolling transaction over activeEpoch. Repeating
// the call for the same active epoch returns the recorded batch.
func (sg *Segments) StartRollingTxn(ctx context.Context, scope string, stream string, activeEpoch int32,
	existing VersionedMetadata[records.CommittingTransactionsRecord],
	oc *base.OperationContext) (result VersionedMetadata[records.CommittingTransactionsRecord], err error) {
	const op = "StartRollingTxn"
	defer func() { sg.ra.observe(kStepStartRollingTxn, err) }()
	oc = sg.ra.cacheFor(oc, scope, stream)
	path := streamNodePath(scope, stream, kCommittingTxnsNode)
	ctr := &existing.Object
	if ctr.IsEmpty() {
		return existing, base.NewError(base.KindPreconditionFailed, op, path, "no transactions are being committed")
	}
	if ctr.IsRollingTxnRecord() {
		if ctr.ActiveEpoch == activeEpoch {
			return existing, nil
		}
		return existing, base.NewError(base.KindPreconditionFailed, op, path,
			"rolling transaction over epoch %d already in progress", ctr.ActiveEpoch)
	}
	if activeEpoch <= ctr.Epoch {
		return existing, base.NewError(base.KindPreconditionFailed, op, path,
			"transactions of epoch %d do not need a rolling transaction over epoch %d", ctr.Epoch, activeEpoch)
	}
	updated := ctr.CreateRollingTxnRecord(activeEpoch)
	version, err := sg.ra.update(ctx, oc, path, updated, existing.Version)
	if err != nil {
		return existing, err
	}
	sg.logger.Infof("Stream %s/%s: rolling transactions of epoch %d over active epoch %d", scope, stream, ctr.Epoch,
		activeEpoch)
	return VersionedMetadata[records.CommittingTransactionsRecord]{Object: *updated, Version: version}, nil
}

// RollingTxnCreateDuplicateEpochs creates two duplicate epochs after the active epoch A: A+1 duplicates the epoch of
// the transactions and A+2 duplicates A. sealedTxnEpochSegments holds the sizes of the A+1 segments, which are
// sealed as soon as the transactions are merged into them.
func (sg *Segments) RollingTxnCreateDuplicateEpochs(ctx context.Context, scope string, stream string,
	sealedTxnEpochSegments map[int64]int64, creationTime int64,
	record VersionedMetadata[records.CommittingTransactionsRecord],
	oc *base.OperationContext) (result VersionedMetadata[records.CommittingTransactionsRecord], err error) {
	const op = "RollingTxnCreateDuplicateEpochs"
	defer func() { sg.ra.observe(kStepCreateDuplicates, err) }()
	oc = sg.ra.cacheFor(oc, scope, stream)
	path := streamNodePath(scope, stream, kCommittingTxnsNode)
	ctr := &record.Object
	if !ctr.IsRollingTxnRecord() {
		return record, base.NewError(base.KindPreconditionFailed, op, path, "not a rolling transaction")
	}
	if ctr.Stage == records.KCommitStageDuplicatesCreated || ctr.Stage == records.KCommitStageRolled {
		return record, nil
	}
	pointer, err := sg.readCurrentEpoch(ctx, scope, stream, true, oc)
	if err != nil {
		return record, err
	}
	if pointer.Object.Epoch != ctr.ActiveEpoch {
		return record, base.NewError(base.KindPreconditionFailed, op, path, "active epoch is %d, expected %d",
			pointer.Object.Epoch, ctr.ActiveEpoch)
	}
	txnEpoch, err := sg.readEpoch(ctx, scope, stream, ctr.Epoch, oc)
	if err != nil {
		return record, err
	}
	activeEpoch, err := sg.readEpoch(ctx, scope, stream, ctr.ActiveEpoch, oc)
	if err != nil {
		return record, err
	}
	dups := []*records.EpochRecord{
		duplicateEpoch(txnEpoch, ctr.ActiveEpoch+1, creationTime, activeEpoch),
		duplicateEpoch(activeEpoch, ctr.ActiveEpoch+2, creationTime, activeEpoch),
	}
	for _, dup := range dups {
		if err := sg.createDuplicateEpoch(ctx, scope, stream, dup, oc); err != nil {
			return record, err
		}
	}
	if err := sg.recordSealedSizes(ctx, scope, stream, sealedTxnEpochSegments, oc); err != nil {
		return record, err
	}
	updated := *ctr
	updated.Stage = records.KCommitStageDuplicatesCreated
	version, err := sg.ra.update(ctx, oc, path, &updated, record.Version)
	if err != nil {
		return record, err
	}
	sg.logger.Infof("Stream %s/%s: created duplicate epochs %d and %d", scope, stream, ctr.ActiveEpoch+1,
		ctr.ActiveEpoch+2)
	return VersionedMetadata[records.CommittingTransactionsRecord]{Object: updated, Version: version}, nil
}

// CompleteRollingTxn records the sizes of the sealed segments of the active epoch and moves the active epoch past
// both duplicates. The transactions themselves are left COMMITTING.
func (sg *Segments) CompleteRollingTxn(ctx context.Context, scope string, stream string,
	sealedActiveEpochSegments map[int64]int64, record VersionedMetadata[records.CommittingTransactionsRecord],
	oc *base.OperationContext) (result VersionedMetadata[records.CommittingTransactionsRecord], err error) {
	const op = "CompleteRollingTxn"
	defer func() { sg.ra.observe(kStepCompleteRollingTxn, err) }()
	oc = sg.ra.cacheFor(oc, scope, stream)
	path := streamNodePath(scope, stream, kCommittingTxnsNode)
	ctr := &record.Object
	if !ctr.IsRollingTxnRecord() {
		return record, base.NewError(base.KindPreconditionFailed, op, path, "not a rolling transaction")
	}
	switch ctr.Stage {
	case records.KCommitStageRolled:
		return record, nil
	case records.KCommitStageDuplicatesCreated:
	default:
		return record, base.NewError(base.KindPreconditionFailed, op, path, "duplicate epochs not created")
	}
	if err := sg.recordSealedSizes(ctx, scope, stream, sealedActiveEpochSegments, oc); err != nil {
		return record, err
	}
	if err := sg.moveActiveEpoch(ctx, scope, stream, ctr.ActiveEpoch, ctr.ActiveEpoch+2, oc); err != nil {
		return record, err
	}
	updated := *ctr
	updated.Stage = records.KCommitStageRolled
	version, err := sg.ra.update(ctx, oc, path, &updated, record.Version)
	if err != nil {
		return record, err
	}
	return VersionedMetadata[records.CommittingTransactionsRecord]{Object: updated, Version: version}, nil
}
