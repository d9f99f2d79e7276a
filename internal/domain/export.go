package domain

import "github.com/jonboulle/clockwork"

// snapshotClock stamps snapshots. Tests freeze it with SetClock.
var snapshotClock = clockwork.NewRealClock()

// SetClock replaces the snapshot time source; nil restores the real clock.
func SetClock(c clockwork.Clock) {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	snapshotClock = c
}

// AssembleExport joins inundated segments with point coordinates and damage
// labels, one record per segment id. Segments without an inundation value are
// skipped. When several points share a segment id the last one wins; callers
// that want the lowest point pass the output of MinimumPoints.
func AssembleExport(segments []Segment, points []SamplePoint) map[SegmentID]ExportRecord {
	records := make(map[SegmentID]ExportRecord, len(segments))
	for _, seg := range segments {
		if seg.Inundation == nil {
			continue
		}
		rec := ExportRecord{
			Inundation: *seg.Inundation,
			Damage:     seg.Damage(),
		}
		if seg.MinHAND != nil {
			rec.HAND = *seg.MinHAND
		}
		records[seg.ID] = rec
	}

	for _, p := range points {
		rec, ok := records[p.Segment]
		if !ok {
			continue
		}
		rec.X = float64Ptr(p.X)
		rec.Y = float64Ptr(p.Y)
		records[p.Segment] = rec
	}
	return records
}

// NewSnapshot wraps assembled records with run metadata.
func NewSnapshot(runID string, records map[SegmentID]ExportRecord) Snapshot {
	return Snapshot{
		RunID:     runID,
		CreatedAt: snapshotClock.Now().UTC(),
		Records:   records,
	}
}
