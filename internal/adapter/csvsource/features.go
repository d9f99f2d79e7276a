package csvsource

import (
	"context"
	"log/slog"

	"github.com/couchcryptid/road-inundation-etl/internal/domain"
)

// ReadPoints streams a sample point export with columns point_id,
// segment_id, hand, x, y. An empty hand cell means the point lies outside
// the raster extent.
func ReadPoints(ctx context.Context, path string, logger *slog.Logger, fn func(domain.SamplePoint) error) error {
	return readFile(ctx, path, []string{"point_id", "segment_id", "hand", "x", "y"}, func(t *table) error {
		skipped, err := eachRecord(ctx, t, path, logger, func(rec []string) error {
			var p domain.SamplePoint
			var err error
			if p.PointID, err = t.id(rec, "point_id"); err != nil {
				return err
			}
			seg, err := t.id(rec, "segment_id")
			if err != nil {
				return err
			}
			p.Segment = domain.SegmentID(seg)
			if p.HAND, err = t.optionalFloat(rec, "hand"); err != nil {
				return err
			}
			if p.X, err = t.float(rec, "x"); err != nil {
				return err
			}
			if p.Y, err = t.float(rec, "y"); err != nil {
				return err
			}
			return fn(p)
		})
		logSkipped(logger, path, skipped)
		return err
	})
}

// ReadSegments streams a road segment export with columns segment_id,
// catchment_id and an optional constraint_type. An empty constraint_type
// means no damage record exists for the road.
func ReadSegments(ctx context.Context, path string, logger *slog.Logger, fn func(domain.Segment) error) error {
	return readFile(ctx, path, []string{"segment_id", "catchment_id"}, func(t *table) error {
		skipped, err := eachRecord(ctx, t, path, logger, func(rec []string) error {
			id, err := t.id(rec, "segment_id")
			if err != nil {
				return err
			}
			catchment, err := t.id(rec, "catchment_id")
			if err != nil {
				return err
			}
			seg := domain.Segment{ID: domain.SegmentID(id), Catchment: domain.CatchmentID(catchment)}
			if ct := t.field(rec, "constraint_type"); ct != "" {
				seg.ConstraintType = &ct
			}
			return fn(seg)
		})
		logSkipped(logger, path, skipped)
		return err
	})
}

// ReadCatchments streams a catchment roster with a single catchment_id column.
func ReadCatchments(ctx context.Context, path string, logger *slog.Logger, fn func(domain.CatchmentID) error) error {
	return readFile(ctx, path, []string{"catchment_id"}, func(t *table) error {
		skipped, err := eachRecord(ctx, t, path, logger, func(rec []string) error {
			id, err := t.id(rec, "catchment_id")
			if err != nil {
				return err
			}
			return fn(domain.CatchmentID(id))
		})
		logSkipped(logger, path, skipped)
		return err
	})
}

func logSkipped(logger *slog.Logger, path string, n int) {
	if n > 0 {
		logger.Warn("csv rows skipped", "path", path, "count", n)
	}
}
