package domain

// ReduceMinHAND returns the minimum HAND value per segment, floored at zero.
// Samples without a HAND value are skipped, so segments whose samples all lie
// outside the raster extent are absent from the result.
func ReduceMinHAND(samples []SamplePoint) map[SegmentID]float64 {
	raw := rawMinHAND(samples)
	out := make(map[SegmentID]float64, len(raw))
	for id, v := range raw {
		out[id] = max(v, 0)
	}
	return out
}

// LabelMinPoints labels every sample, in input order, with whether its HAND
// equals the minimum of its segment. Both the minimum search and the exact
// equality test use raw, unclamped values. Every tied point is labeled.
// Samples without HAND are never the minimum.
func LabelMinPoints(samples []SamplePoint) []PointLabel {
	raw := rawMinHAND(samples)
	labels := make([]PointLabel, len(samples))
	for i, s := range samples {
		labels[i] = PointLabel{PointID: s.PointID, Segment: s.Segment}
		v, ok := handValue(s)
		if !ok {
			continue
		}
		if m, ok := raw[s.Segment]; ok && v == m {
			labels[i].IsMinimum = true
		}
	}
	return labels
}

// MinimumPoints filters samples down to those labeled as their segment's minimum.
func MinimumPoints(samples []SamplePoint, labels []PointLabel) []SamplePoint {
	out := make([]SamplePoint, 0, len(samples)/2)
	for i, l := range labels {
		if l.IsMinimum && i < len(samples) {
			out = append(out, samples[i])
		}
	}
	return out
}

// rawMinHAND is the first pass shared by the reducer and the labeler.
func rawMinHAND(samples []SamplePoint) map[SegmentID]float64 {
	mins := make(map[SegmentID]float64)
	for _, s := range samples {
		v, ok := handValue(s)
		if !ok {
			continue
		}
		if cur, seen := mins[s.Segment]; !seen || v < cur {
			mins[s.Segment] = v
		}
	}
	return mins
}

// handValue treats NaN and infinities the same as a missing raster value.
func handValue(s SamplePoint) (float64, bool) {
	if s.HAND == nil || !isFinite(*s.HAND) {
		return 0, false
	}
	return *s.HAND, true
}
