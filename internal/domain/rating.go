package domain

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/interp"
)

// RatingCurve is a catchment's discharge-to-stage table sorted by ascending,
// strictly increasing discharge.
type RatingCurve struct {
	Discharge []float64
	Stage     []float64

	// Dropped counts knots discarded because their discharge repeated an
	// earlier knot or was not finite.
	Dropped int

	fit *interp.PiecewiseLinear
}

// Len returns the number of knots.
func (c *RatingCurve) Len() int { return len(c.Discharge) }

// stageAt evaluates the curve. Callers guarantee Len() > 0.
func (c *RatingCurve) stageAt(q float64) float64 {
	n := len(c.Discharge)
	if n == 1 {
		return c.Stage[0]
	}
	switch {
	case q < c.Discharge[0]:
		return c.Stage[0] + c.slope(0)*(q-c.Discharge[0])
	case q > c.Discharge[n-1]:
		return c.Stage[n-1] + c.slope(n-2)*(q-c.Discharge[n-1])
	}
	return c.fit.Predict(q)
}

// slope of the segment between knot i and knot i+1.
func (c *RatingCurve) slope(i int) float64 {
	return (c.Stage[i+1] - c.Stage[i]) / (c.Discharge[i+1] - c.Discharge[i])
}

// RatingIndex maps catchments to their rating curves.
type RatingIndex map[CatchmentID]*RatingCurve

// BuildRatingIndex groups rating rows by catchment and sorts each curve by
// discharge. Every roster catchment gets an entry, empty when it has no rows.
// With a non-empty roster, rows for catchments outside it are ignored; a nil
// or empty roster indexes every catchment present in rows.
//
// Knots keep input order among equal discharges and only the first is kept.
func BuildRatingIndex(rows []RatingRow, roster []CatchmentID) RatingIndex {
	idx := make(RatingIndex, len(roster))
	for _, c := range roster {
		idx[c] = &RatingCurve{}
	}
	restricted := len(roster) > 0

	type knot struct{ q, h float64 }
	knots := make(map[CatchmentID][]knot)
	for _, r := range rows {
		curve, ok := idx[r.Catchment]
		if !ok {
			if restricted {
				continue
			}
			curve = &RatingCurve{}
			idx[r.Catchment] = curve
		}
		if !isFinite(r.Discharge) || !isFinite(r.Stage) {
			curve.Dropped++
			continue
		}
		knots[r.Catchment] = append(knots[r.Catchment], knot{q: r.Discharge, h: r.Stage})
	}

	for c, ks := range knots {
		sort.SliceStable(ks, func(i, j int) bool { return ks[i].q < ks[j].q })
		curve := idx[c]
		curve.Discharge = make([]float64, 0, len(ks))
		curve.Stage = make([]float64, 0, len(ks))
		for i, k := range ks {
			if i > 0 && k.q == ks[i-1].q {
				curve.Dropped++
				continue
			}
			curve.Discharge = append(curve.Discharge, k.q)
			curve.Stage = append(curve.Stage, k.h)
		}
		if len(curve.Discharge) >= 2 {
			curve.fit = &interp.PiecewiseLinear{}
			// Fit only panics on unsorted or short input, both excluded above.
			_ = curve.fit.Fit(curve.Discharge, curve.Stage)
		}
	}
	return idx
}

// Has reports whether the catchment has an entry, possibly empty.
func (idx RatingIndex) Has(c CatchmentID) bool {
	_, ok := idx[c]
	return ok
}

// StageAt returns the stage at discharge q for catchment c. It returns
// ErrUnknownCatchment when c is not indexed and ErrEmptyCurve when its curve
// has no knots. A single-knot curve yields that knot's stage. Outside the
// knot range the first or last segment is extended linearly.
func (idx RatingIndex) StageAt(c CatchmentID, q float64) (float64, error) {
	curve, ok := idx[c]
	if !ok {
		return 0, fmt.Errorf("stage at catchment %d: %w", c, ErrUnknownCatchment)
	}
	if curve.Len() == 0 {
		return 0, fmt.Errorf("stage at catchment %d: %w", c, ErrEmptyCurve)
	}
	return curve.stageAt(q), nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
