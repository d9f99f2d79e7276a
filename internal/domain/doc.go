// Package domain models road-segment flood inundation derived from HAND
// terrain indices, catchment rating curves and river discharge forecasts.
//
// # Data Sources
//
// HAND (Height Above Nearest Drainage) rasters are sampled at points along
// each road polyline upstream of this service. Every sample point carries the
// identifier of the road segment it belongs to and, when it falls inside the
// raster extent, a HAND value in meters. Points outside the extent carry no
// value and are skipped.
//
// Rating curves come from the NFIE hydraulic property tables, one row per
// (catchment, stage) pair with the discharge that stage carries:
//
//	CatchId, Stage, Discharge (m3s-1)
//	1440457, 0.3048, 1.87
//
// Discharge forecasts come from the National Water Model channel output,
// keyed by reach identifier (the NHDPlus COMID, which equals the catchment
// FEATUREID). Only the peak discharge over the forecast horizon is used.
//
// # Units
//
//	Discharge: cubic meters per second (m3/s)
//	Stage, HAND, inundation: meters
//	X, Y: planar coordinates of the projected feature layer
//
// # Derivation
//
// For each segment:
//
//	minHAND    = max(0, min(non-null sample HAND values))
//	discharge  = max(forecast discharge over the horizon) for its catchment
//	stage      = rating curve of its catchment, interpolated at discharge
//	inundation = max(stage - minHAND, 0)
//
// Interpolation is piecewise linear between discharge knots and extends the
// first and last segment slopes beyond the knot range.
//
// Missing data is never replaced by zero. A segment without a rating curve or
// a forecast keeps a nil stage and a nil inundation; a segment without any
// valid HAND sample keeps a nil minimum HAND.
//
// # Damage Labels
//
// TxDOT road condition records set a constraint type code on closed or
// damaged segments. Any non-null code is a damage observation (1.0); no code
// is 0.0. Severity is not modeled.
package domain
