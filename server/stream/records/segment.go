package records

import (
	"fmt"
	"sort"
)

// StreamSegmentRecord is a segment of a stream. Its id packs the epoch it was created in with its segment number.
type StreamSegmentRecord struct {
	SegmentNumber int32   `json:"segmentNumber"`
	CreationEpoch int32   `json:"creationEpoch"`
	CreationTime  int64   `json:"creationTime"`
	KeyStart      float64 `json:"keyStart"`
	KeyEnd        float64 `json:"keyEnd"`
}

// ComputeSegmentID packs the creation epoch into the high 32 bits and the segment number into the low 32 bits.
func ComputeSegmentID(segmentNumber int32, creationEpoch int32) int64 {
	return int64(creationEpoch)<<32 | int64(uint32(segmentNumber))
}

// SegmentNumberOf extracts the segment number from a segment id.
func SegmentNumberOf(id int64) int32 {
	return int32(uint32(id))
}

// EpochOf extracts the creation epoch from a segment id.
func EpochOf(id int64) int32 {
	return int32(id >> 32)
}

func (ssr StreamSegmentRecord) SegmentID() int64 {
	return ComputeSegmentID(ssr.SegmentNumber, ssr.CreationEpoch)
}

func (ssr StreamSegmentRecord) KeyRange() KeyRange {
	return KeyRange{Low: ssr.KeyStart, High: ssr.KeyEnd}
}

// Overlaps returns true if the key ranges of the two segments intersect.
func (ssr StreamSegmentRecord) Overlaps(other StreamSegmentRecord) bool {
	return ssr.OverlapsRange(other.KeyStart, other.KeyEnd)
}

func (ssr StreamSegmentRecord) OverlapsRange(low float64, high float64) bool {
	return ssr.KeyEnd > low && high > ssr.KeyStart
}

// SameSegment returns true if the two records describe the same segment.
func (ssr StreamSegmentRecord) SameSegment(other StreamSegmentRecord) bool {
	return ssr.SegmentID() == other.SegmentID()
}

func (ssr StreamSegmentRecord) String() string {
	return fmt.Sprintf("%d.#epoch.%d[%v,%v)", ssr.SegmentNumber, ssr.CreationEpoch, ssr.KeyStart, ssr.KeyEnd)
}

// SortByKeyStart sorts segments by the low end of their key range.
func SortByKeyStart(segments []StreamSegmentRecord) {
	sort.Slice(segments, func(i, j int) bool {
		if segments[i].KeyStart == segments[j].KeyStart {
			return segments[i].KeyEnd < segments[j].KeyEnd
		}
		return segments[i].KeyStart < segments[j].KeyStart
	})
}

// CoversKeySpace returns true if the ranges are pairwise disjoint and together cover [0, 1) exactly. Boundaries are
// compared with exact equality.
func CoversKeySpace(ranges []KeyRange) bool {
	if len(ranges) == 0 {
		return false
	}
	sorted := append([]KeyRange(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Low < sorted[j].Low })
	if sorted[0].Low != 0.0 {
		return false
	}
	for ii := 0; ii < len(sorted); ii++ {
		if sorted[ii].Low >= sorted[ii].High {
			return false
		}
		if ii > 0 && sorted[ii-1].High != sorted[ii].Low {
			return false
		}
	}
	return sorted[len(sorted)-1].High == 1.0
}

// MergeRanges sorts ranges and coalesces those that touch exactly. Overlapping ranges are not coalesced, so callers
// comparing merged lists detect overlaps as a mismatch.
func MergeRanges(ranges []KeyRange) []KeyRange {
	sorted := append([]KeyRange(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Low == sorted[j].Low {
			return sorted[i].High < sorted[j].High
		}
		return sorted[i].Low < sorted[j].Low
	})
	var merged []KeyRange
	for _, r := range sorted {
		if n := len(merged); n > 0 && merged[n-1].High == r.Low {
			merged[n-1].High = r.High
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// SplitKeySpace divides [0, 1) into n equal ranges. Each interior boundary is computed once and shared by the two
// ranges it separates, and the last range ends at exactly 1.0.
func SplitKeySpace(n int) []KeyRange {
	if n <= 0 {
		return nil
	}
	boundaries := make([]float64, n+1)
	for ii := 1; ii < n; ii++ {
		boundaries[ii] = float64(ii) / float64(n)
	}
	boundaries[n] = 1.0
	ranges := make([]KeyRange, n)
	for ii := 0; ii < n; ii++ {
		ranges[ii] = KeyRange{Low: boundaries[ii], High: boundaries[ii+1]}
	}
	return ranges
}
