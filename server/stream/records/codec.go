package records

import (
	"encoding/json"
	"github.com/golang/glog"
	"streamctl/server/base"
)

// RecordType tags the payload of every serialized record.
type RecordType byte

const (
	KStreamConfigurationRecord    RecordType = 1
	KStateRecord                  RecordType = 2
	KCreationRecord               RecordType = 3
	KEpochRecord                  RecordType = 4
	KCurrentEpochRecord           RecordType = 5
	KEpochTransitionRecord        RecordType = 6
	KCommittingTransactionsRecord RecordType = 7
	KActiveTxnRecord              RecordType = 8
	KCompletedTxnRecord           RecordType = 9
	KSealedSegmentsRecord         RecordType = 10
	KRetentionSetRecord           RecordType = 11
	KStreamCutRecord              RecordType = 12
	KStreamTruncationRecord       RecordType = 13
	KWaitingRequestRecord         RecordType = 14
	KColdMarkerRecord             RecordType = 15
	KTxnIndexRecord               RecordType = 16
	KTaskRequestRecord            RecordType = 17
	KScopeRecord                  RecordType = 18
)

// KCurrentFormatVersion is the format version written by this build. Records written with an older format version
// decode with the fields they lack left at their zero values.
const KCurrentFormatVersion byte = 1

const kHeaderLen = 2

func (rt RecordType) ToString() string {
	switch rt {
	case KStreamConfigurationRecord:
		return "StreamConfigurationRecord"
	case KStateRecord:
		return "StateRecord"
	case KCreationRecord:
		return "CreationRecord"
	case KEpochRecord:
		return "EpochRecord"
	case KCurrentEpochRecord:
		return "CurrentEpochRecord"
	case KEpochTransitionRecord:
		return "EpochTransitionRecord"
	case KCommittingTransactionsRecord:
		return "CommittingTransactionsRecord"
	case KActiveTxnRecord:
		return "ActiveTxnRecord"
	case KCompletedTxnRecord:
		return "CompletedTxnRecord"
	case KSealedSegmentsRecord:
		return "SealedSegmentsRecord"
	case KRetentionSetRecord:
		return "RetentionSet"
	case KStreamCutRecord:
		return "StreamCutRecord"
	case KStreamTruncationRecord:
		return "StreamTruncationRecord"
	case KWaitingRequestRecord:
		return "WaitingRequestRecord"
	case KColdMarkerRecord:
		return "ColdMarkerRecord"
	case KTxnIndexRecord:
		return "TxnIndexRecord"
	case KTaskRequestRecord:
		return "TaskRequestRecord"
	case KScopeRecord:
		return "ScopeRecord"
	default:
		return "UnknownRecord"
	}
}

// Record is implemented by every type persisted in the metadata store.
type Record interface {
	RecordType() RecordType
}

// Serialize encodes rec as <type><format version><json body>.
func Serialize(rec Record) []byte {
	body, err := json.Marshal(rec)
	if err != nil {
		glog.Fatalf("Unable to serialize %s due to err: %s", rec.RecordType().ToString(), err.Error())
	}
	data := make([]byte, 0, kHeaderLen+len(body))
	data = append(data, byte(rec.RecordType()), KCurrentFormatVersion)
	return append(data, body...)
}

// Deserialize decodes data into rec. The record type in the header must match rec and the format version must not
// be newer than KCurrentFormatVersion.
func Deserialize(data []byte, rec Record) error {
	if len(data) < kHeaderLen {
		return base.NewError(base.KindDataCorrupted, "Deserialize", "", "record of %d bytes has no header",
			len(data))
	}
	rt := RecordType(data[0])
	if rt != rec.RecordType() {
		return base.NewError(base.KindDataCorrupted, "Deserialize", "", "expected %s, found %s(%d)",
			rec.RecordType().ToString(), rt.ToString(), data[0])
	}
	if data[1] > KCurrentFormatVersion {
		return base.NewError(base.KindDataCorrupted, "Deserialize", "",
			"%s has format version %d, newer than supported version %d", rt.ToString(), data[1],
			KCurrentFormatVersion)
	}
	if err := json.Unmarshal(data[kHeaderLen:], rec); err != nil {
		return base.WrapError(base.KindDataCorrupted, "Deserialize", "", err)
	}
	return nil
}

// PeekType returns the record type of a serialized record.
func PeekType(data []byte) (RecordType, bool) {
	if len(data) < kHeaderLen {
		return 0, false
	}
	return RecordType(data[0]), true
}
