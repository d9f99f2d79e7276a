package domain

import "slices"

// IntegrityViolation is a segment id that does not follow its predecessor by one.
type IntegrityViolation struct {
	Segment  SegmentID
	Previous SegmentID
}

// AuditReport collects diagnostics over the road segment table. None of them
// block a run.
type AuditReport struct {
	Gaps       []IntegrityViolation
	Duplicates []SegmentID
}

// Clean reports whether the audit found nothing.
func (r AuditReport) Clean() bool {
	return len(r.Gaps) == 0 && len(r.Duplicates) == 0
}

// AuditSegmentIDs checks that ids, in table order, run 1, 2, 3, ... without
// gaps, and lists ids that occur more than once. A repeated id usually means
// the spatial join assigned the segment to several catchments.
func AuditSegmentIDs(ids []SegmentID) AuditReport {
	var report AuditReport
	var prev SegmentID
	seen := make(map[SegmentID]int, len(ids))
	for _, id := range ids {
		if id-prev != 1 {
			report.Gaps = append(report.Gaps, IntegrityViolation{Segment: id, Previous: prev})
		}
		prev = id
		seen[id]++
	}
	for id, n := range seen {
		if n > 1 {
			report.Duplicates = append(report.Duplicates, id)
		}
	}
	slices.Sort(report.Duplicates)
	return report
}

// MarkDuplicates sets Duplicate on every segment whose id is listed in
// duplicates and clears it on the rest.
func MarkDuplicates(segments []Segment, duplicates []SegmentID) []Segment {
	out := make([]Segment, len(segments))
	for i, seg := range segments {
		_, seg.Duplicate = slices.BinarySearch(duplicates, seg.ID)
		out[i] = seg
	}
	return out
}
