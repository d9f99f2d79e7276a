package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable is wrapped by adapters when a whole table or file
	// cannot be read. It is distinct from a readable but empty source.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrUnknownCatchment means the rating index has no entry for a catchment.
	ErrUnknownCatchment = errors.New("unknown catchment")

	// ErrEmptyCurve means a catchment is indexed but has no rating knots.
	ErrEmptyCurve = errors.New("empty rating curve")

	// ErrNoSnapshot means no run has persisted a snapshot yet.
	ErrNoSnapshot = errors.New("no snapshot")
)

// Reasons a segment could not be linked to hydrology data.
const (
	ReasonNoForecast    = "no_forecast"
	ReasonNoRatingCurve = "no_rating_curve"
	ReasonEmptyCurve    = "empty_rating_curve"
)

// MissingCorrespondenceError reports a segment whose derived stage was left
// absent because its catchment lacks a forecast or a rating curve.
type MissingCorrespondenceError struct {
	Segment   SegmentID
	Catchment CatchmentID
	Reason    string
}

func (e *MissingCorrespondenceError) Error() string {
	return fmt.Sprintf("segment %d: catchment %d: %s", e.Segment, e.Catchment, e.Reason)
}
