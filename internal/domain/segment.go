package domain

import (
	"strconv"
	"time"
)

// SegmentID identifies one road polyline segment across all tables.
type SegmentID int64

func (id SegmentID) String() string { return strconv.FormatInt(int64(id), 10) }

// CatchmentID identifies a drainage catchment. The same value keys the river
// reach draining it in the forecast table.
type CatchmentID int64

func (id CatchmentID) String() string { return strconv.FormatInt(int64(id), 10) }

// SamplePoint is one HAND raster sample along a road segment.
type SamplePoint struct {
	PointID int64
	Segment SegmentID
	HAND    *float64 // nil when the point lies outside the raster extent
	X       float64
	Y       float64
}

// PointLabel marks whether a sample point attains its segment's minimum HAND.
type PointLabel struct {
	PointID   int64
	Segment   SegmentID
	IsMinimum bool
}

// RatingRow is one (discharge, stage) pair of a catchment's rating table.
type RatingRow struct {
	Catchment CatchmentID
	Discharge float64
	Stage     float64
}

// ForecastSample is a single forecast discharge at a valid time.
type ForecastSample struct {
	ValidTime time.Time
	Discharge float64
}

// ForecastSeries is the discharge forecast for one river reach.
type ForecastSeries struct {
	Reach   CatchmentID
	Samples []ForecastSample
}

// Segment is the per-road aggregate annotated by a pipeline run. Derived
// fields are nil when they could not be computed.
type Segment struct {
	ID             SegmentID
	Catchment      CatchmentID
	ConstraintType *string // TxDOT constraint type code, nil when no record

	// Duplicate is set when the segment id occurs in more than one row,
	// usually because the spatial join split the road across catchments.
	Duplicate bool

	MinHAND    *float64
	Discharge  *float64
	Stage      *float64
	Inundation *float64
}

// Damage is 1.0 when a road-damage or closure record exists, 0.0 otherwise.
func (s Segment) Damage() float64 {
	if s.ConstraintType != nil {
		return 1.0
	}
	return 0.0
}

// ExportRecord is the per-segment row handed to downstream modeling.
type ExportRecord struct {
	HAND       float64  `msgpack:"HAND" json:"HAND"`
	Inundation float64  `msgpack:"inundation" json:"inundation"`
	Damage     float64  `msgpack:"damage" json:"damage"`
	X          *float64 `msgpack:"X,omitempty" json:"X,omitempty"`
	Y          *float64 `msgpack:"Y,omitempty" json:"Y,omitempty"`
}

// Snapshot is the terminal, read-only result of one pipeline run.
type Snapshot struct {
	RunID     string                     `msgpack:"run_id" json:"run_id"`
	CreatedAt time.Time                  `msgpack:"created_at" json:"created_at"`
	Records   map[SegmentID]ExportRecord `msgpack:"records" json:"records"`
}

func float64Ptr(v float64) *float64 { return &v }
