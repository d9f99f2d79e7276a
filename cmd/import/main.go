// Command import loads road feature CSV exports into the feature store so a
// pipeline run can read them. Tables are created when missing; rows are
// appended.
//
// Usage:
//
//	go run ./cmd/import \
//	  -points data/harvey/road_points.csv \
//	  -segments data/harvey/road_segments.csv \
//	  -catchments data/harvey/catchments.csv
//
// The target database comes from FEATURE_STORE_DRIVER and FEATURE_STORE_DSN.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/road-inundation-etl/internal/adapter/csvsource"
	"github.com/couchcryptid/road-inundation-etl/internal/adapter/store"
	"github.com/couchcryptid/road-inundation-etl/internal/config"
	"github.com/couchcryptid/road-inundation-etl/internal/domain"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	pointsCSV := flag.String("points", "", "sample point CSV (point_id, segment_id, hand, x, y)")
	segmentsCSV := flag.String("segments", "", "road segment CSV (segment_id, catchment_id, constraint_type)")
	catchmentsCSV := flag.String("catchments", "", "catchment roster CSV (catchment_id)")
	flag.Parse()

	if *pointsCSV == "" && *segmentsCSV == "" && *catchmentsCSV == "" {
		flag.Usage()
		return fmt.Errorf("at least one of -points, -segments, -catchments is required")
	}

	fs, err := config.LoadFeatureStore()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, fs.Driver, fs.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return err
	}

	if *catchmentsCSV != "" {
		n, err := importCatchments(ctx, db, *catchmentsCSV, logger)
		if err != nil {
			return fmt.Errorf("import %s: %w", *catchmentsCSV, err)
		}
		log.Printf("catchments: %d rows", n)
	}
	if *segmentsCSV != "" {
		n, err := importSegments(ctx, db, *segmentsCSV, logger)
		if err != nil {
			return fmt.Errorf("import %s: %w", *segmentsCSV, err)
		}
		log.Printf("road segments: %d rows", n)
	}
	if *pointsCSV != "" {
		n, err := importPoints(ctx, db, *pointsCSV, logger)
		if err != nil {
			return fmt.Errorf("import %s: %w", *pointsCSV, err)
		}
		log.Printf("sample points: %d rows", n)
	}
	return nil
}

func importCatchments(ctx context.Context, db *store.Store, path string, logger *slog.Logger) (int, error) {
	n := 0
	err := csvsource.ReadCatchments(ctx, path, logger, func(id domain.CatchmentID) error {
		if err := db.InsertCatchment(ctx, id); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

func importSegments(ctx context.Context, db *store.Store, path string, logger *slog.Logger) (int, error) {
	n := 0
	err := csvsource.ReadSegments(ctx, path, logger, func(seg domain.Segment) error {
		if err := db.InsertSegment(ctx, seg); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

func importPoints(ctx context.Context, db *store.Store, path string, logger *slog.Logger) (int, error) {
	n := 0
	err := csvsource.ReadPoints(ctx, path, logger, func(p domain.SamplePoint) error {
		if err := db.InsertPoint(ctx, p); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}
