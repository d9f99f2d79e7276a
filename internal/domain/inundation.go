package domain

// ComputeStage sets the segment's stage from its catchment's rating curve at
// the segment's forecast discharge. When the discharge is absent or the
// catchment has no usable curve the segment is returned unchanged together
// with a *MissingCorrespondenceError.
func ComputeStage(seg Segment, idx RatingIndex) (Segment, error) {
	if seg.Discharge == nil {
		return seg, &MissingCorrespondenceError{Segment: seg.ID, Catchment: seg.Catchment, Reason: ReasonNoForecast}
	}
	curve, ok := idx[seg.Catchment]
	if !ok {
		return seg, &MissingCorrespondenceError{Segment: seg.ID, Catchment: seg.Catchment, Reason: ReasonNoRatingCurve}
	}
	if curve.Len() == 0 {
		return seg, &MissingCorrespondenceError{Segment: seg.ID, Catchment: seg.Catchment, Reason: ReasonEmptyCurve}
	}
	seg.Stage = float64Ptr(curve.stageAt(*seg.Discharge))
	return seg, nil
}

// ComputeInundation sets inundation to max(stage - minHAND, 0) when both are
// present. Dry segments, with stage below the terrain, report zero.
// Otherwise the segment is returned unchanged.
func ComputeInundation(seg Segment) Segment {
	if seg.Stage == nil || seg.MinHAND == nil {
		return seg
	}
	seg.Inundation = float64Ptr(max(*seg.Stage-*seg.MinHAND, 0))
	return seg
}

// AssignMinHAND copies each segment's minimum HAND from the reducer output.
// It returns the ids of segments with no valid HAND sample, whose field is
// left unset.
func AssignMinHAND(segments []Segment, minHAND map[SegmentID]float64) ([]Segment, []SegmentID) {
	out := make([]Segment, len(segments))
	var missing []SegmentID
	for i, seg := range segments {
		if v, ok := minHAND[seg.ID]; ok {
			seg.MinHAND = float64Ptr(v)
		} else {
			missing = append(missing, seg.ID)
		}
		out[i] = seg
	}
	return out, missing
}
