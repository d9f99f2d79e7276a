// Package store persists road segments, HAND sample points and the catchment
// roster in SQLite or PostgreSQL behind a single database/sql implementation.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // register "pgx"
	_ "modernc.org/sqlite"             // register "sqlite"

	"github.com/couchcryptid/road-inundation-etl/internal/domain"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// Store reads and updates the road feature tables. Scans are forward-only:
// callbacks must not issue queries against the same Store.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the feature store and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("open feature store: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open feature store: %w", err)
	}
	if driver == DriverSQLite {
		// A single connection keeps in-memory databases alive and serializes writers.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping feature store: %w", err)
	}
	return &Store{db: db, driver: driver}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable. It satisfies the HTTP
// readiness checker.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS catchments (
		catchment_id BIGINT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS road_segments (
		segment_id      BIGINT NOT NULL,
		catchment_id    BIGINT NOT NULL,
		constraint_type TEXT,
		hand            DOUBLE PRECISION,
		discharge       DOUBLE PRECISION,
		stage           DOUBLE PRECISION,
		inundation      DOUBLE PRECISION,
		duplicate       BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS road_segments_segment_id ON road_segments (segment_id)`,
	`CREATE TABLE IF NOT EXISTS sample_points (
		point_id   BIGINT PRIMARY KEY,
		segment_id BIGINT NOT NULL,
		hand       DOUBLE PRECISION,
		x          DOUBLE PRECISION NOT NULL,
		y          DOUBLE PRECISION NOT NULL,
		is_min     BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS sample_points_segment_id ON sample_points (segment_id)`,
}

// Migrate creates the feature tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate feature store: %w", err)
		}
	}
	return nil
}

// ScanPoints streams every sample point ordered by point id.
func (s *Store) ScanPoints(ctx context.Context, fn func(domain.SamplePoint) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT point_id, segment_id, hand, x, y FROM sample_points ORDER BY point_id`)
	if err != nil {
		return sourceErr("sample_points", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p    domain.SamplePoint
			hand sql.NullFloat64
		)
		if err := rows.Scan(&p.PointID, &p.Segment, &hand, &p.X, &p.Y); err != nil {
			return sourceErr("sample_points", err)
		}
		p.HAND = nullFloat(hand)
		if err := fn(p); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return sourceErr("sample_points", err)
	}
	return nil
}

// ScanSegments streams every road segment row ordered by segment id. A
// segment split across catchments yields one row per catchment.
func (s *Store) ScanSegments(ctx context.Context, fn func(domain.Segment) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT segment_id, catchment_id, constraint_type, hand, discharge, stage, inundation, duplicate
		FROM road_segments ORDER BY segment_id, catchment_id`)
	if err != nil {
		return sourceErr("road_segments", err)
	}
	defer rows.Close()

	for rows.Next() {
		var seg domain.Segment
		var constraint sql.NullString
		var hand, discharge, stage, inundation sql.NullFloat64
		if err := rows.Scan(&seg.ID, &seg.Catchment, &constraint, &hand, &discharge, &stage, &inundation, &seg.Duplicate); err != nil {
			return sourceErr("road_segments", err)
		}
		if constraint.Valid {
			seg.ConstraintType = &constraint.String
		}
		seg.MinHAND = nullFloat(hand)
		seg.Discharge = nullFloat(discharge)
		seg.Stage = nullFloat(stage)
		seg.Inundation = nullFloat(inundation)
		if err := fn(seg); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return sourceErr("road_segments", err)
	}
	return nil
}

// ScanCatchments streams the catchment roster in ascending order.
func (s *Store) ScanCatchments(ctx context.Context, fn func(domain.CatchmentID) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT catchment_id FROM catchments ORDER BY catchment_id`)
	if err != nil {
		return sourceErr("catchments", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id domain.CatchmentID
		if err := rows.Scan(&id); err != nil {
			return sourceErr("catchments", err)
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return sourceErr("catchments", err)
	}
	return nil
}

// SegmentIDs returns every segment id in table order, duplicates included.
func (s *Store) SegmentIDs(ctx context.Context) ([]domain.SegmentID, error) {
	var ids []domain.SegmentID
	err := s.ScanSegments(ctx, func(seg domain.Segment) error {
		ids = append(ids, seg.ID)
		return nil
	})
	return ids, err
}

// UpdateSegment writes the derived fields and the duplicate flag of one
// segment row.
func (s *Store) UpdateSegment(ctx context.Context, seg domain.Segment) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE road_segments SET hand = ?, discharge = ?, stage = ?, inundation = ?, duplicate = ?
		WHERE segment_id = ? AND catchment_id = ?`),
		nullable(seg.MinHAND), nullable(seg.Discharge), nullable(seg.Stage), nullable(seg.Inundation), seg.Duplicate,
		int64(seg.ID), int64(seg.Catchment))
	if err != nil {
		return fmt.Errorf("update segment %d: %w", seg.ID, err)
	}
	return expectRows(res, "update segment", int64(seg.ID))
}

// UpdatePointLabel stores whether a sample point is its segment's minimum.
func (s *Store) UpdatePointLabel(ctx context.Context, label domain.PointLabel) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE sample_points SET is_min = ? WHERE point_id = ?`),
		label.IsMinimum, label.PointID)
	if err != nil {
		return fmt.Errorf("update point %d: %w", label.PointID, err)
	}
	return expectRows(res, "update point", label.PointID)
}

// InsertCatchment adds a catchment to the roster.
func (s *Store) InsertCatchment(ctx context.Context, id domain.CatchmentID) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO catchments (catchment_id) VALUES (?)`), int64(id)); err != nil {
		return fmt.Errorf("insert catchment %d: %w", id, err)
	}
	return nil
}

// InsertSegment adds a road segment row.
func (s *Store) InsertSegment(ctx context.Context, seg domain.Segment) error {
	var constraint any
	if seg.ConstraintType != nil {
		constraint = *seg.ConstraintType
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO road_segments (segment_id, catchment_id, constraint_type, hand, discharge, stage, inundation)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		int64(seg.ID), int64(seg.Catchment), constraint,
		nullable(seg.MinHAND), nullable(seg.Discharge), nullable(seg.Stage), nullable(seg.Inundation))
	if err != nil {
		return fmt.Errorf("insert segment %d: %w", seg.ID, err)
	}
	return nil
}

// InsertPoint adds a HAND sample point.
func (s *Store) InsertPoint(ctx context.Context, p domain.SamplePoint) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sample_points (point_id, segment_id, hand, x, y) VALUES (?, ?, ?, ?, ?)`),
		p.PointID, int64(p.Segment), nullable(p.HAND), p.X, p.Y)
	if err != nil {
		return fmt.Errorf("insert point %d: %w", p.PointID, err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func sourceErr(table string, err error) error {
	return fmt.Errorf("read %s: %w: %w", table, domain.ErrSourceUnavailable, err)
}

var errNoRows = errors.New("no matching row")

func expectRows(res sql.Result, op string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %d: %w", op, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", op, id, errNoRows)
	}
	return nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
