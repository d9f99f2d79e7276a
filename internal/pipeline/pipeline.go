package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/road-inundation-etl/internal/config"
	"github.com/couchcryptid/road-inundation-etl/internal/domain"
	"github.com/couchcryptid/road-inundation-etl/internal/observability"
)

// FeatureStore is the road feature database: forward-only scans of the
// three input tables and per-row updates of the derived fields.
type FeatureStore interface {
	ScanPoints(ctx context.Context, fn func(domain.SamplePoint) error) error
	ScanSegments(ctx context.Context, fn func(domain.Segment) error) error
	ScanCatchments(ctx context.Context, fn func(domain.CatchmentID) error) error
	UpdateSegment(ctx context.Context, seg domain.Segment) error
	UpdatePointLabel(ctx context.Context, label domain.PointLabel) error
	Ping(ctx context.Context) error
}

// RatingSource provides the raw rating table.
type RatingSource interface {
	RatingRows(ctx context.Context) ([]domain.RatingRow, error)
}

// ForecastSource provides per-reach discharge forecasts.
type ForecastSource interface {
	ForecastSeries(ctx context.Context) ([]domain.ForecastSeries, error)
}

// SnapshotStore persists the terminal export of a run.
type SnapshotStore interface {
	Save(ctx context.Context, snap domain.Snapshot) error
}

// SegmentPublisher announces per-segment results downstream.
type SegmentPublisher interface {
	Publish(ctx context.Context, snap domain.Snapshot) (int, error)
}

// Options tunes a Pipeline.
type Options struct {
	// SourcePolicy is config.PolicyStrict or config.PolicyLenient.
	SourcePolicy string
	// Window limits which forecast samples count toward the peak.
	Window domain.Window
	// Publisher is optional; nil disables publishing.
	Publisher SegmentPublisher
	// Clock drives the run ticker and retry backoff. Defaults to real time.
	Clock clockwork.Clock
}

// Report summarizes one run.
type Report struct {
	RunID                 string
	Points                int
	Segments              int
	LabelsWritten         int
	Inundated             int
	Exported              int
	Published             int
	MissingCorrespondence int
	UnexpectedKeys        int
	WriteErrors           int
	Audit                 domain.AuditReport
	Unavailable           []string
	Duration              time.Duration
}

// Pipeline orchestrates the road inundation run: load inputs, reduce,
// interpolate, write back, export.
type Pipeline struct {
	store     FeatureStore
	ratings   RatingSource
	forecasts ForecastSource
	snapshots SnapshotStore
	publisher SegmentPublisher

	policy string
	window domain.Window
	clock  clockwork.Clock

	logger  *slog.Logger
	metrics *observability.Metrics
	ready   atomic.Bool
	running sync.Mutex
}

// New creates a Pipeline with the given sources, sinks and observability.
func New(store FeatureStore, ratings RatingSource, forecasts ForecastSource, snapshots SnapshotStore,
	logger *slog.Logger, metrics *observability.Metrics, opts Options) *Pipeline {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	policy := opts.SourcePolicy
	if policy == "" {
		policy = config.PolicyStrict
	}
	return &Pipeline{
		store:     store,
		ratings:   ratings,
		forecasts: forecasts,
		snapshots: snapshots,
		publisher: opts.Publisher,
		policy:    policy,
		window:    opts.Window,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
	}
}

// ErrRunInProgress is returned by RunOnce when another run has not finished.
var ErrRunInProgress = errors.New("pipeline run already in progress")

// CheckReadiness returns nil once a run has succeeded and the feature store
// is reachable.
func (p *Pipeline) CheckReadiness(ctx context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not completed a run yet")
	}
	if err := p.store.Ping(ctx); err != nil {
		return fmt.Errorf("feature store: %w", err)
	}
	return nil
}

// Run executes one run when interval is zero and returns its error.
// Otherwise it runs immediately and then on every tick until ctx is
// cancelled, retrying failed runs with exponential backoff.
func (p *Pipeline) Run(ctx context.Context, interval time.Duration) error {
	p.logger.Info("pipeline started", "interval", interval, "source_policy", p.policy)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	if interval <= 0 {
		_, err := p.RunOnce(ctx)
		return err
	}

	ticker := p.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		if !p.runUntilSuccess(ctx, interval) {
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		}
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
		}
	}
}

// runUntilSuccess retries RunOnce with backoff starting at 200ms and capped
// at maxBackoff. Returns false if ctx was cancelled.
func (p *Pipeline) runUntilSuccess(ctx context.Context, maxBackoff time.Duration) bool {
	backoff := 200 * time.Millisecond
	for {
		if _, err := p.RunOnce(ctx); err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if !p.sleepWithContext(ctx, backoff) {
			return false
		}
		backoff = nextBackoff(backoff, maxBackoff)
	}
}

// RunOnce performs a complete run and records its outcome.
func (p *Pipeline) RunOnce(ctx context.Context) (Report, error) {
	if !p.running.TryLock() {
		return Report{}, ErrRunInProgress
	}
	defer p.running.Unlock()

	start := p.clock.Now()
	report := Report{RunID: uuid.NewString()}
	logger := p.logger.With("run_id", report.RunID)

	err := p.run(ctx, logger, &report)
	report.Duration = p.clock.Since(start)
	p.metrics.RunDuration.Observe(report.Duration.Seconds())

	if err != nil {
		p.metrics.Runs.WithLabelValues("failed").Inc()
		logger.Error("pipeline run failed", "error", err, "duration", report.Duration)
		return report, err
	}

	p.metrics.Runs.WithLabelValues("success").Inc()
	p.metrics.LastSuccess.Set(float64(p.clock.Now().Unix()))
	p.ready.Store(true)
	logger.Info("pipeline run complete",
		"points", report.Points,
		"segments", report.Segments,
		"inundated", report.Inundated,
		"exported", report.Exported,
		"published", report.Published,
		"missing_correspondence", report.MissingCorrespondence,
		"unexpected_keys", report.UnexpectedKeys,
		"write_errors", report.WriteErrors,
		"duration", report.Duration,
	)
	return report, nil
}

func (p *Pipeline) run(ctx context.Context, logger *slog.Logger, report *Report) error {
	in, err := p.load(ctx, logger, report)
	if err != nil {
		return err
	}
	report.Points = len(in.points)
	report.Segments = len(in.segments)
	p.metrics.PointsRead.Add(float64(len(in.points)))

	p.audit(logger, in.segments, report)
	in.segments = domain.MarkDuplicates(in.segments, report.Audit.Duplicates)

	labels := domain.LabelMinPoints(in.points)
	idx := domain.BuildRatingIndex(in.ratingRows, in.roster)
	for c, curve := range idx {
		if curve.Dropped > 0 {
			logger.Debug("rating knots dropped", "catchment_id", int64(c), "count", curve.Dropped)
		}
	}
	peaks := domain.PeakDischarges(in.forecasts, p.window)

	segments, unexpected := domain.AssignMinHAND(in.segments, domain.ReduceMinHAND(in.points))
	for _, id := range unexpected {
		logger.Warn("road segment has no valid HAND sample", "segment_id", int64(id))
	}
	report.UnexpectedKeys = len(unexpected)
	p.metrics.UnexpectedKeys.Add(float64(len(unexpected)))

	segments, noForecast := domain.AssignDischarge(segments, peaks)
	for _, m := range noForecast {
		p.recordMissing(logger, m, report)
	}
	for i, seg := range segments {
		if seg.Discharge != nil {
			var err error
			seg, err = domain.ComputeStage(seg, idx)
			var missing *domain.MissingCorrespondenceError
			if errors.As(err, &missing) {
				p.recordMissing(logger, missing, report)
			} else if err != nil {
				return fmt.Errorf("compute stage for segment %d: %w", seg.ID, err)
			}
		}
		seg = domain.ComputeInundation(seg)
		if seg.Inundation != nil && *seg.Inundation > 0 {
			report.Inundated++
		}
		segments[i] = seg
	}
	p.metrics.SegmentsProcessed.Add(float64(len(segments)))
	p.metrics.SegmentsInundated.Set(float64(report.Inundated))

	if err := p.writeBack(ctx, logger, segments, labels, report); err != nil {
		return err
	}

	records := domain.AssembleExport(segments, domain.MinimumPoints(in.points, labels))
	snap := domain.NewSnapshot(report.RunID, records)
	if err := p.snapshots.Save(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	report.Exported = len(records)
	p.metrics.SegmentsExported.Set(float64(len(records)))

	if p.publisher != nil {
		n, err := p.publisher.Publish(ctx, snap)
		if err != nil {
			return fmt.Errorf("publish results: %w", err)
		}
		report.Published = n
		p.metrics.SegmentsPublished.Add(float64(n))
	}
	return nil
}

// inputs holds everything a run reads before computing.
type inputs struct {
	points     []domain.SamplePoint
	segments   []domain.Segment
	roster     []domain.CatchmentID
	ratingRows []domain.RatingRow
	forecasts  []domain.ForecastSeries
}

func (p *Pipeline) load(ctx context.Context, logger *slog.Logger, report *Report) (inputs, error) {
	var in inputs

	err := p.store.ScanPoints(ctx, func(pt domain.SamplePoint) error {
		in.points = append(in.points, pt)
		return nil
	})
	if err != nil {
		in.points = nil
		if err := p.sourceFailed(ctx, logger, "points", err, report); err != nil {
			return in, err
		}
	}

	err = p.store.ScanSegments(ctx, func(seg domain.Segment) error {
		// Derived fields are recomputed from scratch every run.
		seg.MinHAND, seg.Discharge, seg.Stage, seg.Inundation = nil, nil, nil, nil
		seg.Duplicate = false
		in.segments = append(in.segments, seg)
		return nil
	})
	if err != nil {
		in.segments = nil
		if err := p.sourceFailed(ctx, logger, "segments", err, report); err != nil {
			return in, err
		}
	}

	err = p.store.ScanCatchments(ctx, func(c domain.CatchmentID) error {
		in.roster = append(in.roster, c)
		return nil
	})
	if err != nil {
		in.roster = nil
		if err := p.sourceFailed(ctx, logger, "catchments", err, report); err != nil {
			return in, err
		}
	}

	if in.ratingRows, err = p.ratings.RatingRows(ctx); err != nil {
		if err := p.sourceFailed(ctx, logger, "ratings", err, report); err != nil {
			return in, err
		}
	}

	if in.forecasts, err = p.forecasts.ForecastSeries(ctx); err != nil {
		if err := p.sourceFailed(ctx, logger, "forecasts", err, report); err != nil {
			return in, err
		}
	}
	return in, nil
}

// sourceFailed applies the source policy to a read error. It returns the
// error to abort with, or nil when the run may continue with that source
// treated as empty.
func (p *Pipeline) sourceFailed(ctx context.Context, logger *slog.Logger, source string, err error, report *Report) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if !errors.Is(err, domain.ErrSourceUnavailable) || p.policy != config.PolicyLenient {
		return fmt.Errorf("load %s: %w", source, err)
	}
	p.metrics.SourceUnavailable.WithLabelValues(source).Inc()
	report.Unavailable = append(report.Unavailable, source)
	logger.Warn("source unavailable, continuing without it", "source", source, "error", err)
	return nil
}

func (p *Pipeline) audit(logger *slog.Logger, segments []domain.Segment, report *Report) {
	ids := make([]domain.SegmentID, len(segments))
	for i, seg := range segments {
		ids[i] = seg.ID
	}
	report.Audit = domain.AuditSegmentIDs(ids)
	for _, v := range report.Audit.Gaps {
		logger.Warn("segment id out of sequence", "segment_id", int64(v.Segment), "previous_id", int64(v.Previous))
	}
	for _, id := range report.Audit.Duplicates {
		logger.Warn("segment id appears more than once", "segment_id", int64(id))
	}
	p.metrics.IntegrityViolations.WithLabelValues("gap").Add(float64(len(report.Audit.Gaps)))
	p.metrics.IntegrityViolations.WithLabelValues("duplicate").Add(float64(len(report.Audit.Duplicates)))
}

func (p *Pipeline) recordMissing(logger *slog.Logger, m *domain.MissingCorrespondenceError, report *Report) {
	report.MissingCorrespondence++
	p.metrics.MissingCorrespondence.WithLabelValues(m.Reason).Inc()
	logger.Debug("segment left without stage",
		"segment_id", int64(m.Segment),
		"catchment_id", int64(m.Catchment),
		"reason", m.Reason,
	)
}

// writeBack updates every segment row and point label. A failed row is
// logged and counted; cancellation aborts.
func (p *Pipeline) writeBack(ctx context.Context, logger *slog.Logger, segments []domain.Segment, labels []domain.PointLabel, report *Report) error {
	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.store.UpdateSegment(ctx, seg); err != nil {
			report.WriteErrors++
			p.metrics.WriteErrors.WithLabelValues("road_segments").Inc()
			logger.Error("segment update failed", "segment_id", int64(seg.ID), "error", err)
		}
	}
	for _, l := range labels {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.store.UpdatePointLabel(ctx, l); err != nil {
			report.WriteErrors++
			p.metrics.WriteErrors.WithLabelValues("sample_points").Inc()
			logger.Error("point label update failed", "point_id", l.PointID, "error", err)
			continue
		}
		report.LabelsWritten++
	}
	p.metrics.PointLabelsWritten.Add(float64(report.LabelsWritten))
	return nil
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func (p *Pipeline) sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := p.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
