package records

import (
	"sort"
)

// KNoEpoch marks "no epoch" in records whose epoch fields are optional.
const KNoEpoch int32 = -1

type ScaleType string

const (
	KScaleFixedNumSegments      ScaleType = "FIXED_NUM_SEGMENTS"
	KScaleByRateKBytesPerSecond ScaleType = "BY_RATE_IN_KBYTES_PER_SEC"
	KScaleByRateEventsPerSecond ScaleType = "BY_RATE_IN_EVENTS_PER_SEC"
)

type ScalingPolicy struct {
	Type           ScaleType `json:"type"`
	TargetRate     int32     `json:"targetRate"`
	ScaleFactor    int32     `json:"scaleFactor"`
	MinNumSegments int32     `json:"minNumSegments"`
}

type RetentionType string

const (
	KRetentionTime RetentionType = "TIME"
	KRetentionSize RetentionType = "SIZE"
)

type RetentionPolicy struct {
	Type           RetentionType `json:"type"`
	RetentionParam int64         `json:"retentionParam"`
	RetentionMax   int64         `json:"retentionMax"`
}

// StreamConfiguration is the user supplied configuration of a stream.
type StreamConfiguration struct {
	ScalingPolicy   ScalingPolicy    `json:"scalingPolicy"`
	RetentionPolicy *RetentionPolicy `json:"retentionPolicy,omitempty"`
	Timestamp       int64            `json:"timestamp"`
	Tags            []string         `json:"tags,omitempty"`
}

type ScopeRecord struct {
	Name         string `json:"name"`
	CreationTime int64  `json:"creationTime"`
}

func (ScopeRecord) RecordType() RecordType { return KScopeRecord }

type StreamConfigurationRecord struct {
	Scope         string              `json:"scope"`
	Stream        string              `json:"stream"`
	Configuration StreamConfiguration `json:"configuration"`
	Updating      bool                `json:"updating"`
}

func (StreamConfigurationRecord) RecordType() RecordType { return KStreamConfigurationRecord }

type StateRecord struct {
	State State `json:"state"`
}

func (StateRecord) RecordType() RecordType { return KStateRecord }

type CreationRecord struct {
	CreationTime  int64               `json:"creationTime"`
	Configuration StreamConfiguration `json:"configuration"`
}

func (CreationRecord) RecordType() RecordType { return KCreationRecord }

// EpochRecord lists the segments of one epoch. Duplicate epochs created by rolling transactions reference the epoch
// they copy.
type EpochRecord struct {
	Epoch          int32                 `json:"epoch"`
	ReferenceEpoch int32                 `json:"referenceEpoch"`
	Segments       []StreamSegmentRecord `json:"segments"`
	CreationTime   int64                 `json:"creationTime"`
	Splits         int64                 `json:"splits"`
	Merges         int64                 `json:"merges"`
}

func (EpochRecord) RecordType() RecordType { return KEpochRecord }

// IsDuplicate returns true if the epoch was created by a rolling transaction.
func (er *EpochRecord) IsDuplicate() bool {
	return er.Epoch != er.ReferenceEpoch
}

func (er *EpochRecord) SegmentIDs() []int64 {
	ids := make([]int64, 0, len(er.Segments))
	for _, seg := range er.Segments {
		ids = append(ids, seg.SegmentID())
	}
	return ids
}

func (er *EpochRecord) ContainsSegment(id int64) bool {
	_, ok := er.GetSegment(id)
	return ok
}

func (er *EpochRecord) GetSegment(id int64) (StreamSegmentRecord, bool) {
	for _, seg := range er.Segments {
		if seg.SegmentID() == id {
			return seg, true
		}
	}
	return StreamSegmentRecord{}, false
}

// OverlappingSegments returns the segments of the epoch whose key range intersects seg's.
func (er *EpochRecord) OverlappingSegments(seg StreamSegmentRecord) []StreamSegmentRecord {
	var out []StreamSegmentRecord
	for _, candidate := range er.Segments {
		if candidate.Overlaps(seg) {
			out = append(out, candidate)
		}
	}
	return out
}

// MaxSegmentNumber returns the largest segment number in the epoch.
func (er *EpochRecord) MaxSegmentNumber() int32 {
	max := int32(-1)
	for _, seg := range er.Segments {
		if seg.SegmentNumber > max {
			max = seg.SegmentNumber
		}
	}
	return max
}

// CurrentEpochRecord points at the active epoch.
type CurrentEpochRecord struct {
	Epoch int32 `json:"epoch"`
}

func (CurrentEpochRecord) RecordType() RecordType { return KCurrentEpochRecord }

type KeyRange struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// EpochTransitionRecord describes an in-flight scale. An empty record has ActiveEpoch == KNoEpoch.
type EpochTransitionRecord struct {
	ActiveEpoch          int32              `json:"activeEpoch"`
	Time                 int64              `json:"time"`
	SegmentsToSeal       []int64            `json:"segmentsToSeal"`
	NewRanges            []KeyRange         `json:"newRanges"`
	NewSegmentsWithRange map[int64]KeyRange `json:"newSegmentsWithRange"`
}

func (EpochTransitionRecord) RecordType() RecordType { return KEpochTransitionRecord }

func EmptyEpochTransitionRecord() *EpochTransitionRecord {
	return &EpochTransitionRecord{ActiveEpoch: KNoEpoch}
}

func (etr *EpochTransitionRecord) IsEmpty() bool {
	return etr.ActiveEpoch == KNoEpoch
}

// NewEpoch returns the epoch the transition creates.
func (etr *EpochTransitionRecord) NewEpoch() int32 {
	return etr.ActiveEpoch + 1
}

// NewSegmentIDs returns the ids of the segments the transition creates, ordered like NewRanges.
func (etr *EpochTransitionRecord) NewSegmentIDs() []int64 {
	ids := make([]int64, 0, len(etr.NewSegmentsWithRange))
	for id := range etr.NewSegmentsWithRange {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Matches returns true if the record describes the same request.
func (etr *EpochTransitionRecord) Matches(segmentsToSeal []int64, newRanges []KeyRange) bool {
	if len(etr.SegmentsToSeal) != len(segmentsToSeal) || len(etr.NewRanges) != len(newRanges) {
		return false
	}
	sealSet := make(map[int64]struct{}, len(segmentsToSeal))
	for _, id := range segmentsToSeal {
		sealSet[id] = struct{}{}
	}
	for _, id := range etr.SegmentsToSeal {
		if _, ok := sealSet[id]; !ok {
			return false
		}
	}
	for ii := range newRanges {
		if etr.NewRanges[ii] != newRanges[ii] {
			return false
		}
	}
	return true
}

type CommitStage string

const (
	KCommitStageCollected         CommitStage = "COLLECTED"
	KCommitStageRolling           CommitStage = "ROLLING"
	KCommitStageDuplicatesCreated CommitStage = "DUPLICATES_CREATED"
	KCommitStageRolled            CommitStage = "ROLLED"
)

// CommittingTransactionsRecord describes the batch of transactions being committed. An empty record has
// Epoch == KNoEpoch. ActiveEpoch is set only once the batch needs a rolling transaction.
type CommittingTransactionsRecord struct {
	Epoch                int32       `json:"epoch"`
	TransactionsToCommit []string    `json:"transactionsToCommit"`
	ActiveEpoch          int32       `json:"activeEpoch"`
	Stage                CommitStage `json:"stage"`
}

func (CommittingTransactionsRecord) RecordType() RecordType { return KCommittingTransactionsRecord }

func EmptyCommittingTransactionsRecord() *CommittingTransactionsRecord {
	return &CommittingTransactionsRecord{Epoch: KNoEpoch, ActiveEpoch: KNoEpoch}
}

func (ctr *CommittingTransactionsRecord) IsEmpty() bool {
	return ctr.Epoch == KNoEpoch
}

func (ctr *CommittingTransactionsRecord) IsRollingTxnRecord() bool {
	return ctr.ActiveEpoch != KNoEpoch
}

// CreateRollingTxnRecord returns a copy of the record marked as rolling over activeEpoch.
func (ctr *CommittingTransactionsRecord) CreateRollingTxnRecord(activeEpoch int32) *CommittingTransactionsRecord {
	return &CommittingTransactionsRecord{
		Epoch:                ctr.Epoch,
		TransactionsToCommit: append([]string(nil), ctr.TransactionsToCommit...),
		ActiveEpoch:          activeEpoch,
		Stage:                KCommitStageRolling,
	}
}

type ActiveTxnRecord struct {
	TxnCreationTime        int64     `json:"txnCreationTime"`
	LeaseExpiryTime        int64     `json:"leaseExpiryTime"`
	MaxExecutionExpiryTime int64     `json:"maxExecutionExpiryTime"`
	Status                 TxnStatus `json:"status"`
	HostID                 string    `json:"hostId,omitempty"`
	Epoch                  int32     `json:"epoch"`
	CommitTime             int64     `json:"commitTime,omitempty"`
}

func (ActiveTxnRecord) RecordType() RecordType { return KActiveTxnRecord }

type CompletedTxnRecord struct {
	CompleteTime int64     `json:"completeTime"`
	Status       TxnStatus `json:"status"`
}

func (CompletedTxnRecord) RecordType() RecordType { return KCompletedTxnRecord }

// SealedSegmentsRecord maps segment id to its size at the time it was sealed.
type SealedSegmentsRecord struct {
	Sizes map[int64]int64 `json:"sizes"`
}

func (SealedSegmentsRecord) RecordType() RecordType { return KSealedSegmentsRecord }

// StreamCutReferenceRecord is a retention set entry. The full cut is stored separately under its recording time.
type StreamCutReferenceRecord struct {
	RecordingTime int64 `json:"recordingTime"`
	RecordingSize int64 `json:"recordingSize"`
}

// RetentionSet holds stream cut references ordered by recording time.
type RetentionSet struct {
	Cuts []StreamCutReferenceRecord `json:"cuts"`
}

func (RetentionSet) RecordType() RecordType { return KRetentionSetRecord }

// Latest returns the most recent reference.
func (rs *RetentionSet) Latest() (StreamCutReferenceRecord, bool) {
	if len(rs.Cuts) == 0 {
		return StreamCutReferenceRecord{}, false
	}
	return rs.Cuts[len(rs.Cuts)-1], true
}

// RetentionRecordsBefore returns the references recorded strictly before ref.
func (rs *RetentionSet) RetentionRecordsBefore(ref StreamCutReferenceRecord) []StreamCutReferenceRecord {
	var out []StreamCutReferenceRecord
	for _, cut := range rs.Cuts {
		if cut.RecordingTime < ref.RecordingTime {
			out = append(out, cut)
		}
	}
	return out
}

type StreamCutRecord struct {
	RecordingTime int64           `json:"recordingTime"`
	RecordingSize int64           `json:"recordingSize"`
	StreamCut     map[int64]int64 `json:"streamCut"`
}

func (StreamCutRecord) RecordType() RecordType { return KStreamCutRecord }

func (scr *StreamCutRecord) ReferenceRecord() StreamCutReferenceRecord {
	return StreamCutReferenceRecord{RecordingTime: scr.RecordingTime, RecordingSize: scr.RecordingSize}
}

// StreamTruncationRecord tracks the current truncation point. Span maps every segment of the cut to the epoch it
// was found in. ToDelete is non-empty only while a truncation is in progress.
type StreamTruncationRecord struct {
	StreamCut       map[int64]int64 `json:"streamCut"`
	Span            map[int64]int32 `json:"span"`
	DeletedSegments []int64         `json:"deletedSegments"`
	ToDelete        []int64         `json:"toDelete"`
	SizeTill        int64           `json:"sizeTill"`
	Updating        bool            `json:"updating"`
}

func (StreamTruncationRecord) RecordType() RecordType { return KStreamTruncationRecord }

func EmptyStreamTruncationRecord() *StreamTruncationRecord {
	return &StreamTruncationRecord{
		StreamCut: map[int64]int64{},
		Span:      map[int64]int32{},
	}
}

func (str *StreamTruncationRecord) IsDeleted(id int64) bool {
	for _, deleted := range str.DeletedSegments {
		if deleted == id {
			return true
		}
	}
	return false
}

type WaitingRequestRecord struct {
	Processor string `json:"processor"`
}

func (WaitingRequestRecord) RecordType() RecordType { return KWaitingRequestRecord }

type ColdMarkerRecord struct {
	Timestamp int64 `json:"timestamp"`
}

func (ColdMarkerRecord) RecordType() RecordType { return KColdMarkerRecord }

// TxnIndexRecord is the value of a host transaction index entry.
type TxnIndexRecord struct {
	Version int64 `json:"version"`
}

func (TxnIndexRecord) RecordType() RecordType { return KTxnIndexRecord }

// TaskRequestRecord is a workflow trigger event parked in the host task index until it is processed.
type TaskRequestRecord struct {
	Type      string `json:"type"`
	Scope     string `json:"scope"`
	Stream    string `json:"stream"`
	Payload   []byte `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (TaskRequestRecord) RecordType() RecordType { return KTaskRequestRecord }
