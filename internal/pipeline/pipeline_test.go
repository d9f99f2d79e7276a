package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/road-inundation-etl/internal/config"
	"github.com/couchcryptid/road-inundation-etl/internal/domain"
	"github.com/couchcryptid/road-inundation-etl/internal/observability"
	"github.com/couchcryptid/road-inundation-etl/internal/pipeline"
)

// --- mocks ---

type segmentKey struct {
	id        domain.SegmentID
	catchment domain.CatchmentID
}

type memStore struct {
	mu       sync.Mutex
	points   []domain.SamplePoint
	segments []domain.Segment
	roster   []domain.CatchmentID

	pointsErr   error
	updateErr   error
	pingErr     error
	updated     map[segmentKey]domain.Segment
	labels      map[int64]bool
	labelWrites int
}

func (m *memStore) ScanPoints(_ context.Context, fn func(domain.SamplePoint) error) error {
	if m.pointsErr != nil {
		return m.pointsErr
	}
	for _, p := range m.points {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStore) ScanSegments(_ context.Context, fn func(domain.Segment) error) error {
	for _, s := range m.segments {
		if err := fn(s); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStore) ScanCatchments(_ context.Context, fn func(domain.CatchmentID) error) error {
	for _, c := range m.roster {
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStore) UpdateSegment(_ context.Context, seg domain.Segment) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updated == nil {
		m.updated = make(map[segmentKey]domain.Segment)
	}
	m.updated[segmentKey{seg.ID, seg.Catchment}] = seg
	return nil
}

func (m *memStore) UpdatePointLabel(_ context.Context, l domain.PointLabel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.labels == nil {
		m.labels = make(map[int64]bool)
	}
	m.labels[l.PointID] = l.IsMinimum
	m.labelWrites++
	return nil
}

func (m *memStore) Ping(_ context.Context) error { return m.pingErr }

func (m *memStore) segment(id domain.SegmentID, c domain.CatchmentID) domain.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updated[segmentKey{id, c}]
}

type mockRatings struct {
	mu    sync.Mutex
	rows  []domain.RatingRow
	errs  []error // returned in order, one per call, before succeeding
	calls int
}

func (m *mockRatings) RatingRows(_ context.Context) ([]domain.RatingRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	return m.rows, nil
}

func (m *mockRatings) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockForecasts struct {
	series []domain.ForecastSeries
	err    error
}

func (m *mockForecasts) ForecastSeries(_ context.Context) ([]domain.ForecastSeries, error) {
	return m.series, m.err
}

type mockSnapshots struct {
	mu    sync.Mutex
	saved []domain.Snapshot
	err   error
}

func (m *mockSnapshots) Save(_ context.Context, snap domain.Snapshot) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, snap)
	return nil
}

func (m *mockSnapshots) saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

func (m *mockSnapshots) last() domain.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[len(m.saved)-1]
}

type mockPublisher struct {
	published []domain.Snapshot
	err       error
}

func (m *mockPublisher) Publish(_ context.Context, snap domain.Snapshot) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.published = append(m.published, snap)
	return len(snap.Records), nil
}

// --- fixtures ---

const (
	harveyCatchment = domain.CatchmentID(1440457)
	dryCatchment    = domain.CatchmentID(1440458)
	noCurve         = domain.CatchmentID(1440459)
	noForecast      = domain.CatchmentID(1440460)
)

func f(v float64) *float64 { return &v }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func curveRows(c domain.CatchmentID) []domain.RatingRow {
	return []domain.RatingRow{
		{Catchment: c, Discharge: 0, Stage: 0},
		{Catchment: c, Discharge: 100, Stage: 2},
		{Catchment: c, Discharge: 500, Stage: 5},
	}
}

func forecast(c domain.CatchmentID, qs ...float64) domain.ForecastSeries {
	base := time.Date(2017, time.August, 28, 0, 0, 0, 0, time.UTC)
	s := domain.ForecastSeries{Reach: c}
	for i, q := range qs {
		s.Samples = append(s.Samples, domain.ForecastSample{ValidTime: base.Add(time.Duration(i) * time.Hour), Discharge: q})
	}
	return s
}

// workedExample is one damaged road whose lowest point sits 0.9 m above
// drainage while the river peaks at 300 m3/s.
func workedExample() (*memStore, *mockRatings, *mockForecasts) {
	closure := "C"
	store := &memStore{
		points: []domain.SamplePoint{
			{PointID: 1, Segment: 1, HAND: f(1.4), X: -95.30, Y: 29.70},
			{PointID: 2, Segment: 1, HAND: nil, X: -95.31, Y: 29.71},
			{PointID: 3, Segment: 1, HAND: f(0.9), X: -95.32, Y: 29.72},
			{PointID: 4, Segment: 1, HAND: f(2.0), X: -95.33, Y: 29.73},
		},
		segments: []domain.Segment{
			{ID: 1, Catchment: harveyCatchment, ConstraintType: &closure},
		},
		roster: []domain.CatchmentID{harveyCatchment},
	}
	ratings := &mockRatings{rows: curveRows(harveyCatchment)}
	forecasts := &mockForecasts{series: []domain.ForecastSeries{forecast(harveyCatchment, 120, 300, 250)}}
	return store, ratings, forecasts
}

func newPipeline(store pipeline.FeatureStore, ratings pipeline.RatingSource, forecasts pipeline.ForecastSource,
	snapshots pipeline.SnapshotStore, opts pipeline.Options) (*pipeline.Pipeline, *observability.Metrics) {
	metrics := observability.NewMetricsForTesting()
	return pipeline.New(store, ratings, forecasts, snapshots, discardLogger(), metrics, opts), metrics
}

// --- tests ---

func TestRunOnce_WorkedExample(t *testing.T) {
	store, ratings, forecasts := workedExample()
	snapshots := &mockSnapshots{}
	publisher := &mockPublisher{}
	p, metrics := newPipeline(store, ratings, forecasts, snapshots, pipeline.Options{Publisher: publisher})

	report, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	seg := store.segment(1, harveyCatchment)
	require.NotNil(t, seg.MinHAND)
	require.NotNil(t, seg.Discharge)
	require.NotNil(t, seg.Stage)
	require.NotNil(t, seg.Inundation)
	assert.InDelta(t, 0.9, *seg.MinHAND, 1e-12)
	assert.InDelta(t, 300, *seg.Discharge, 1e-12)
	assert.InDelta(t, 3.5, *seg.Stage, 1e-12)
	assert.InDelta(t, 2.6, *seg.Inundation, 1e-12)

	assert.Equal(t, map[int64]bool{1: false, 2: false, 3: true, 4: false}, store.labels)

	require.Equal(t, 1, snapshots.saves())
	snap := snapshots.last()
	assert.Equal(t, report.RunID, snap.RunID)
	want := map[domain.SegmentID]domain.ExportRecord{
		1: {HAND: 0.9, Inundation: 2.6, Damage: 1, X: f(-95.32), Y: f(29.72)},
	}
	if diff := cmp.Diff(want, snap.Records, cmpFloat()); diff != "" {
		t.Errorf("export mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, publisher.published, 1)
	assert.Equal(t, 1, report.Published)
	assert.Equal(t, 4, report.Points)
	assert.Equal(t, 1, report.Segments)
	assert.Equal(t, 1, report.Inundated)
	assert.Equal(t, 1, report.Exported)
	assert.Equal(t, 4, report.LabelsWritten)
	assert.True(t, report.Audit.Clean())

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Runs.WithLabelValues("success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.SegmentsInundated), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(metrics.PointsRead), 0)
	require.NoError(t, p.CheckReadiness(context.Background()))
}

func cmpFloat() cmp.Option {
	return cmp.Comparer(func(a, b float64) bool {
		d := a - b
		return d < 1e-9 && d > -1e-9
	})
}

func TestRunOnce_MissingCorrespondence(t *testing.T) {
	store, ratings, forecasts := workedExample()
	store.segments = append(store.segments,
		domain.Segment{ID: 2, Catchment: noCurve},
		domain.Segment{ID: 3, Catchment: noForecast},
	)
	store.points = append(store.points,
		domain.SamplePoint{PointID: 5, Segment: 2, HAND: f(1)},
		domain.SamplePoint{PointID: 6, Segment: 3, HAND: f(1)},
	)
	store.roster = append(store.roster, noCurve, noForecast)
	forecasts.series = append(forecasts.series, forecast(noCurve, 50))
	snapshots := &mockSnapshots{}
	p, metrics := newPipeline(store, ratings, forecasts, snapshots, pipeline.Options{})

	report, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.MissingCorrespondence)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.MissingCorrespondence.WithLabelValues(domain.ReasonEmptyCurve)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.MissingCorrespondence.WithLabelValues(domain.ReasonNoForecast)), 0)

	noCurveSeg := store.segment(2, noCurve)
	require.NotNil(t, noCurveSeg.Discharge, "discharge is still assigned")
	assert.Nil(t, noCurveSeg.Stage)
	assert.Nil(t, noCurveSeg.Inundation)

	noForecastSeg := store.segment(3, noForecast)
	assert.Nil(t, noForecastSeg.Discharge)
	assert.Nil(t, noForecastSeg.Inundation)
	require.NotNil(t, noForecastSeg.MinHAND)

	snap := snapshots.last()
	assert.Len(t, snap.Records, 1)
	assert.Contains(t, snap.Records, domain.SegmentID(1))
}

func TestRunOnce_UnexpectedKey(t *testing.T) {
	store, ratings, forecasts := workedExample()
	store.segments = append(store.segments, domain.Segment{ID: 2, Catchment: harveyCatchment})
	p, metrics := newPipeline(store, ratings, forecasts, &mockSnapshots{}, pipeline.Options{})

	report, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.UnexpectedKeys)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.UnexpectedKeys), 0)
	seg := store.segment(2, harveyCatchment)
	assert.Nil(t, seg.MinHAND)
	require.NotNil(t, seg.Stage, "stage does not depend on HAND")
	assert.Nil(t, seg.Inundation)
}

func TestRunOnce_DryRoad(t *testing.T) {
	store, ratings, forecasts := workedExample()
	store.points[0].HAND = f(7)
	store.points[2].HAND = f(6.5)
	store.points[3].HAND = f(9)
	p, _ := newPipeline(store, ratings, forecasts, &mockSnapshots{}, pipeline.Options{})

	report, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	seg := store.segment(1, harveyCatchment)
	require.NotNil(t, seg.Inundation)
	assert.Zero(t, *seg.Inundation)
	assert.Equal(t, 0, report.Inundated)
	assert.Equal(t, 1, report.Exported, "dry segments are still exported")
}

func TestRunOnce_NonFiniteHANDIsMissing(t *testing.T) {
	store, ratings, forecasts := workedExample()
	store.segments = append(store.segments, domain.Segment{ID: 2, Catchment: harveyCatchment})
	store.points = append(store.points,
		domain.SamplePoint{PointID: 5, Segment: 1, HAND: f(math.Inf(-1))},
		domain.SamplePoint{PointID: 6, Segment: 2, HAND: f(math.Inf(1))},
	)
	snapshots := &mockSnapshots{}
	publisher := &mockPublisher{}
	p, _ := newPipeline(store, ratings, forecasts, snapshots, pipeline.Options{Publisher: publisher})

	report, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.UnexpectedKeys)
	assert.Nil(t, store.segment(2, harveyCatchment).MinHAND)
	assert.False(t, store.labels[5])
	assert.False(t, store.labels[6])

	snap := snapshots.last()
	require.Len(t, snap.Records, 1)
	assert.InDelta(t, 0.9, snap.Records[1].HAND, 1e-12)
	_, err = json.Marshal(snap)
	require.NoError(t, err, "snapshot must stay encodable")
}

func TestRunOnce_RecomputesStaleFields(t *testing.T) {
	store, ratings, forecasts := workedExample()
	store.segments = append(store.segments, domain.Segment{
		ID: 2, Catchment: noForecast, Stage: f(10), Inundation: f(9), Discharge: f(1000),
	})
	store.points = append(store.points, domain.SamplePoint{PointID: 5, Segment: 2, HAND: f(1)})
	p, _ := newPipeline(store, ratings, forecasts, &mockSnapshots{}, pipeline.Options{})

	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	seg := store.segment(2, noForecast)
	assert.Nil(t, seg.Discharge)
	assert.Nil(t, seg.Stage)
	assert.Nil(t, seg.Inundation)
}

func TestRunOnce_ForecastWindow(t *testing.T) {
	store, ratings, forecasts := workedExample()
	window := domain.Window{To: time.Date(2017, time.August, 28, 0, 0, 0, 0, time.UTC)}
	p, _ := newPipeline(store, ratings, forecasts, &mockSnapshots{}, pipeline.Options{Window: window})

	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	seg := store.segment(1, harveyCatchment)
	require.NotNil(t, seg.Discharge)
	assert.InDelta(t, 120, *seg.Discharge, 1e-12)
}

func TestRunOnce_AuditFindings(t *testing.T) {
	store, ratings, forecasts := workedExample()
	store.segments = append(store.segments,
		domain.Segment{ID: 3, Catchment: harveyCatchment},
		domain.Segment{ID: 3, Catchment: dryCatchment},
	)
	p, metrics := newPipeline(store, ratings, forecasts, &mockSnapshots{}, pipeline.Options{})

	report, err := p.RunOnce(context.Background())
	require.NoError(t, err, "audit findings never block a run")

	assert.Equal(t, []domain.SegmentID{3}, report.Audit.Duplicates)
	assert.True(t, store.segment(3, harveyCatchment).Duplicate)
	assert.True(t, store.segment(3, dryCatchment).Duplicate)
	assert.False(t, store.segment(1, harveyCatchment).Duplicate)
	assert.Len(t, report.Audit.Gaps, 2)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.IntegrityViolations.WithLabelValues("duplicate")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.IntegrityViolations.WithLabelValues("gap")), 0)
}

func TestRunOnce_StrictPolicyAborts(t *testing.T) {
	store, ratings, forecasts := workedExample()
	ratings.errs = []error{domain.ErrSourceUnavailable}
	snapshots := &mockSnapshots{}
	p, metrics := newPipeline(store, ratings, forecasts, snapshots, pipeline.Options{SourcePolicy: config.PolicyStrict})

	_, err := p.RunOnce(context.Background())
	require.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.Contains(t, err.Error(), "load ratings")

	assert.Zero(t, snapshots.saves())
	assert.Empty(t, store.updated)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Runs.WithLabelValues("failed")), 0)
	require.Error(t, p.CheckReadiness(context.Background()))
}

func TestRunOnce_LenientPolicyContinues(t *testing.T) {
	store, ratings, forecasts := workedExample()
	ratings.errs = []error{domain.ErrSourceUnavailable}
	snapshots := &mockSnapshots{}
	p, metrics := newPipeline(store, ratings, forecasts, snapshots, pipeline.Options{SourcePolicy: config.PolicyLenient})

	report, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"ratings"}, report.Unavailable)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.SourceUnavailable.WithLabelValues("ratings")), 0)
	assert.Equal(t, 1, report.MissingCorrespondence, "roster catchment has an empty curve")

	seg := store.segment(1, harveyCatchment)
	require.NotNil(t, seg.MinHAND)
	assert.Nil(t, seg.Stage)
	assert.Empty(t, snapshots.last().Records)
}

func TestRunOnce_LenientPolicyUnavailablePoints(t *testing.T) {
	store, ratings, forecasts := workedExample()
	store.pointsErr = domain.ErrSourceUnavailable
	p, _ := newPipeline(store, ratings, forecasts, &mockSnapshots{}, pipeline.Options{SourcePolicy: config.PolicyLenient})

	report, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Points)
	assert.Equal(t, 1, report.UnexpectedKeys)
}

func TestRunOnce_LenientPolicyStillFailsOnOtherErrors(t *testing.T) {
	store, ratings, forecasts := workedExample()
	forecasts.err = errors.New("permission denied")
	p, _ := newPipeline(store, ratings, forecasts, &mockSnapshots{}, pipeline.Options{SourcePolicy: config.PolicyLenient})

	_, err := p.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load forecasts")
}

func TestRunOnce_WriteErrorsAreCounted(t *testing.T) {
	store, ratings, forecasts := workedExample()
	store.updateErr = errors.New("database is locked")
	snapshots := &mockSnapshots{}
	p, metrics := newPipeline(store, ratings, forecasts, snapshots, pipeline.Options{})

	report, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.WriteErrors)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.WriteErrors.WithLabelValues("road_segments")), 0)
	assert.Equal(t, 1, snapshots.saves(), "export is computed in memory")
}

func TestRunOnce_SnapshotSaveFails(t *testing.T) {
	store, ratings, forecasts := workedExample()
	publisher := &mockPublisher{}
	p, _ := newPipeline(store, ratings, forecasts, &mockSnapshots{err: errors.New("disk full")},
		pipeline.Options{Publisher: publisher})

	_, err := p.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save snapshot")
	assert.Empty(t, publisher.published)
}

func TestRunOnce_PublishFails(t *testing.T) {
	store, ratings, forecasts := workedExample()
	p, _ := newPipeline(store, ratings, forecasts, &mockSnapshots{},
		pipeline.Options{Publisher: &mockPublisher{err: errors.New("broker unavailable")}})

	_, err := p.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish results")
}

func TestCheckReadiness_StoreDown(t *testing.T) {
	store, ratings, forecasts := workedExample()
	p, _ := newPipeline(store, ratings, forecasts, &mockSnapshots{}, pipeline.Options{})

	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.CheckReadiness(context.Background()))

	store.pingErr = errors.New("connection refused")
	err = p.CheckReadiness(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feature store")
}

func TestRun_OnceReturnsError(t *testing.T) {
	store, ratings, forecasts := workedExample()
	ratings.errs = []error{domain.ErrSourceUnavailable}
	p, metrics := newPipeline(store, ratings, forecasts, &mockSnapshots{}, pipeline.Options{})

	err := p.Run(context.Background(), 0)
	require.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.PipelineRunning), 0)
}

func TestRun_TicksOnInterval(t *testing.T) {
	store, ratings, forecasts := workedExample()
	snapshots := &mockSnapshots{}
	fc := clockwork.NewFakeClock()
	p, _ := newPipeline(store, ratings, forecasts, snapshots, pipeline.Options{Clock: fc})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	runCtx, stop := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(runCtx, time.Hour) }()

	require.Eventually(t, func() bool { return snapshots.saves() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(time.Hour)
	require.Eventually(t, func() bool { return snapshots.saves() == 2 }, 2*time.Second, 5*time.Millisecond)

	stop()
	require.NoError(t, <-errCh)
}

func TestRun_RetriesWithBackoff(t *testing.T) {
	store, ratings, forecasts := workedExample()
	ratings.errs = []error{domain.ErrSourceUnavailable}
	snapshots := &mockSnapshots{}
	fc := clockwork.NewFakeClock()
	p, metrics := newPipeline(store, ratings, forecasts, snapshots, pipeline.Options{Clock: fc})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	runCtx, stop := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(runCtx, time.Hour) }()

	require.Eventually(t, func() bool { return ratings.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	// The ticker plus the backoff timer.
	require.NoError(t, fc.BlockUntilContext(ctx, 2))
	assert.Zero(t, snapshots.saves())

	fc.Advance(200 * time.Millisecond)
	require.Eventually(t, func() bool { return snapshots.saves() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Runs.WithLabelValues("failed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Runs.WithLabelValues("success")), 0)

	stop()
	require.NoError(t, <-errCh)
}
