package stream

import (
	"github.com/google/uuid"
	"streamctl/server/base"
	"streamctl/server/stream/records"
)

type CreateStreamStatus int

const (
	// KStreamNew means this call created the stream (or resumed its own earlier, interrupted create).
	KStreamNew CreateStreamStatus = iota
	// KStreamExistsCreating means a different create for the stream is still in progress.
	KStreamExistsCreating
	// KStreamExistsActive means the stream already exists and is past creation.
	KStreamExistsActive
)

func (s CreateStreamStatus) String() string {
	switch s {
	case KStreamNew:
		return "NEW"
	case KStreamExistsCreating:
		return "EXISTS_CREATING"
	case KStreamExistsActive:
		return "EXISTS_ACTIVE"
	default:
		return "INVALID"
	}
}

type CreateStreamResponse struct {
	Status        CreateStreamStatus
	Configuration records.StreamConfiguration
	CreationTime  int64
}

// ScalePhase is the progress of an in-flight scale as derived from the stored records.
type ScalePhase string

const (
	KScaleNone              ScalePhase = "NONE"
	KScaleSubmitted         ScalePhase = "SUBMITTED"
	KScaleStarted           ScalePhase = "STARTED"
	KScaleNewEpochCreated   ScalePhase = "NEW_EPOCH_CREATED"
	KScaleOldSegmentsSealed ScalePhase = "OLD_SEGMENTS_SEALED"
)

// ScaleMetadata summarizes one (non duplicate) epoch for scale history queries.
type ScaleMetadata struct {
	Epoch        int32
	CreationTime int64
	Segments     []records.StreamSegmentRecord
	Splits       int64
	Merges       int64
}

// VersionedTransactionData is the view of an active transaction handed to callers. Version is the version of the
// active transaction record and is the precondition for ping and seal.
type VersionedTransactionData struct {
	ID                     uuid.UUID
	Epoch                  int32
	Version                base.Version
	Status                 records.TxnStatus
	CreationTime           int64
	LeaseExpiryTime        int64
	MaxExecutionExpiryTime int64
	HostID                 string
}

func newVersionedTransactionData(id uuid.UUID, rec *records.ActiveTxnRecord,
	version base.Version) VersionedTransactionData {
	return VersionedTransactionData{
		ID:                     id,
		Epoch:                  rec.Epoch,
		Version:                version,
		Status:                 rec.Status,
		CreationTime:           rec.TxnCreationTime,
		LeaseExpiryTime:        rec.LeaseExpiryTime,
		MaxExecutionExpiryTime: rec.MaxExecutionExpiryTime,
		HostID:                 rec.HostID,
	}
}
