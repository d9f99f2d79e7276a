// Package csvsource reads the flat-file inputs of the pipeline: the NFIE
// hydraulic property table, the NWM channel forecast table and the point,
// road and catchment exports loaded into the feature store.
package csvsource

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/road-inundation-etl/internal/domain"
)

// rowError marks a single malformed record. Such records are skipped; any
// other callback error aborts the read.
type rowError struct {
	line   int
	column string
	err    error
}

func (e *rowError) Error() string {
	return fmt.Sprintf("line %d: column %q: %v", e.line, e.column, e.err)
}

func (e *rowError) Unwrap() error { return e.err }

// table is a header-indexed CSV reader.
type table struct {
	r       *csv.Reader
	columns map[string]int
	line    int
}

func openTable(r io.Reader, required ...string) (*table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		// Some exports carry a UTF-8 byte order mark.
		columns[strings.TrimPrefix(strings.TrimSpace(name), "\ufeff")] = i
	}
	for _, name := range required {
		if _, ok := columns[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}
	return &table{r: cr, columns: columns, line: 1}, nil
}

// next returns the next record, or io.EOF. t.line tracks the line the
// record starts on, including after skipped unparseable records.
func (t *table) next() ([]string, error) {
	rec, err := t.r.Read()
	var perr *csv.ParseError
	if errors.As(err, &perr) {
		t.line = perr.StartLine
	}
	if err != nil {
		return nil, err
	}
	t.line, _ = t.r.FieldPos(0)
	return rec, nil
}

func (t *table) field(rec []string, name string) string {
	i, ok := t.columns[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func (t *table) float(rec []string, name string) (float64, error) {
	v, err := strconv.ParseFloat(t.field(rec, name), 64)
	if err != nil {
		return 0, &rowError{line: t.line, column: name, err: err}
	}
	return v, nil
}

// optionalFloat returns nil for an empty cell.
func (t *table) optionalFloat(rec []string, name string) (*float64, error) {
	if t.field(rec, name) == "" {
		return nil, nil
	}
	v, err := t.float(rec, name)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// id parses an integer id. Float-formatted ids such as "1440457.0" are
// accepted when they are whole.
func (t *table) id(rec []string, name string) (int64, error) {
	s := t.field(rec, name)
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int64(f)) {
		return 0, &rowError{line: t.line, column: name, err: fmt.Errorf("invalid id %q", s)}
	}
	return int64(f), nil
}

// readFile opens path and hands each parsed table to fn. Open and header
// failures wrap domain.ErrSourceUnavailable.
func readFile(ctx context.Context, path string, required []string, fn func(*table) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w: %w", path, domain.ErrSourceUnavailable, err)
	}
	defer f.Close()

	t, err := openTable(f, required...)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", path, domain.ErrSourceUnavailable, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(t)
}

// eachRecord calls fn for every record, logging and skipping malformed ones.
// It returns the number of skipped records and the first error from fn that
// is not a *rowError.
func eachRecord(ctx context.Context, t *table, path string, logger *slog.Logger, fn func([]string) error) (int, error) {
	skipped := 0
	for n := 1; ; n++ {
		rec, err := t.next()
		if errors.Is(err, io.EOF) {
			return skipped, nil
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				logger.Warn("skipping unparseable csv record", "path", path, "error", err)
				skipped++
				continue
			}
			return skipped, fmt.Errorf("read %s: %w: %w", path, domain.ErrSourceUnavailable, err)
		}
		if err := fn(rec); err != nil {
			var rerr *rowError
			if !errors.As(err, &rerr) {
				return skipped, err
			}
			logger.Warn("skipping malformed csv record", "path", path, "error", err)
			skipped++
		}
		if n%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return skipped, err
			}
		}
	}
}

// RatingColumns names the columns of a hydraulic property table.
type RatingColumns struct {
	Catchment string
	Stage     string
	Discharge string
}

// DefaultRatingColumns matches the NFIE hydroprop-fulltable export.
var DefaultRatingColumns = RatingColumns{
	Catchment: "CatchId",
	Stage:     "Stage",
	Discharge: "Discharge (m3s-1)",
}

// RatingTable reads (catchment, discharge, stage) rows from a CSV file.
type RatingTable struct {
	path    string
	columns RatingColumns
	logger  *slog.Logger
}

// NewRatingTable creates a rating table source for path.
func NewRatingTable(path string, columns RatingColumns, logger *slog.Logger) *RatingTable {
	return &RatingTable{path: path, columns: columns, logger: logger}
}

// RatingRows returns every parseable row in file order.
func (r *RatingTable) RatingRows(ctx context.Context) ([]domain.RatingRow, error) {
	var rows []domain.RatingRow
	cols := r.columns
	err := readFile(ctx, r.path, []string{cols.Catchment, cols.Stage, cols.Discharge}, func(t *table) error {
		skipped, err := eachRecord(ctx, t, r.path, r.logger, func(rec []string) error {
			id, err := t.id(rec, cols.Catchment)
			if err != nil {
				return err
			}
			stage, err := t.float(rec, cols.Stage)
			if err != nil {
				return err
			}
			q, err := t.float(rec, cols.Discharge)
			if err != nil {
				return err
			}
			rows = append(rows, domain.RatingRow{Catchment: domain.CatchmentID(id), Discharge: q, Stage: stage})
			return nil
		})
		logSkipped(r.logger, r.path, skipped)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ForecastTable reads a flat channel forecast export with columns
// feature_id, time (RFC3339) and streamflow (m3/s).
type ForecastTable struct {
	path   string
	logger *slog.Logger
}

// NewForecastTable creates a forecast table source for path.
func NewForecastTable(path string, logger *slog.Logger) *ForecastTable {
	return &ForecastTable{path: path, logger: logger}
}

// ForecastSeries groups the table by reach, in order of first appearance.
func (f *ForecastTable) ForecastSeries(ctx context.Context) ([]domain.ForecastSeries, error) {
	var series []domain.ForecastSeries
	index := make(map[domain.CatchmentID]int)

	err := readFile(ctx, f.path, []string{"feature_id", "time", "streamflow"}, func(t *table) error {
		skipped, err := eachRecord(ctx, t, f.path, f.logger, func(rec []string) error {
			id, err := t.id(rec, "feature_id")
			if err != nil {
				return err
			}
			ts, err := time.Parse(time.RFC3339, t.field(rec, "time"))
			if err != nil {
				return &rowError{line: t.line, column: "time", err: err}
			}
			q, err := t.float(rec, "streamflow")
			if err != nil {
				return err
			}
			reach := domain.CatchmentID(id)
			i, ok := index[reach]
			if !ok {
				i = len(series)
				index[reach] = i
				series = append(series, domain.ForecastSeries{Reach: reach})
			}
			series[i].Samples = append(series[i].Samples, domain.ForecastSample{ValidTime: ts.UTC(), Discharge: q})
			return nil
		})
		logSkipped(f.logger, f.path, skipped)
		return err
	})
	if err != nil {
		return nil, err
	}
	return series, nil
}
