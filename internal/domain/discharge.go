package domain

import (
	"time"

	"gonum.org/v1/gonum/floats"
)

// Window bounds the forecast horizon. A zero From or To leaves that side open;
// both bounds are inclusive.
type Window struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && t.After(w.To) {
		return false
	}
	return true
}

// PeakDischarges returns the maximum forecast discharge per reach over the
// window. Non-finite samples are skipped and reaches left with no sample are
// absent. Several series for the same reach are merged.
func PeakDischarges(series []ForecastSeries, window Window) map[CatchmentID]float64 {
	values := make(map[CatchmentID][]float64)
	for _, s := range series {
		for _, smp := range s.Samples {
			if !isFinite(smp.Discharge) || !window.Contains(smp.ValidTime) {
				continue
			}
			values[s.Reach] = append(values[s.Reach], smp.Discharge)
		}
	}
	peaks := make(map[CatchmentID]float64, len(values))
	for reach, v := range values {
		peaks[reach] = floats.Max(v)
	}
	return peaks
}

// AssignDischarge sets each segment's discharge to the peak forecast of its
// catchment. Segments whose catchment has no forecast are left unchanged and
// reported.
func AssignDischarge(segments []Segment, peaks map[CatchmentID]float64) ([]Segment, []*MissingCorrespondenceError) {
	out := make([]Segment, len(segments))
	var missing []*MissingCorrespondenceError
	for i, seg := range segments {
		if q, ok := peaks[seg.Catchment]; ok {
			seg.Discharge = float64Ptr(q)
		} else {
			missing = append(missing, &MissingCorrespondenceError{
				Segment:   seg.ID,
				Catchment: seg.Catchment,
				Reason:    ReasonNoForecast,
			})
		}
		out[i] = seg
	}
	return out, missing
}
