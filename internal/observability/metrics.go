package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the inundation pipeline.
type Metrics struct {
	PipelineRunning prometheus.Gauge
	Runs            *prometheus.CounterVec // labels: outcome={success,failed}
	RunDuration     prometheus.Histogram
	LastSuccess     prometheus.Gauge

	PointsRead         prometheus.Counter
	SegmentsProcessed  prometheus.Counter
	SegmentsInundated  prometheus.Gauge
	SegmentsExported   prometheus.Gauge
	SegmentsPublished  prometheus.Counter
	PointLabelsWritten prometheus.Counter

	// Data-quality diagnostics.
	MissingCorrespondence *prometheus.CounterVec // labels: reason={no_forecast,no_rating_curve,empty_rating_curve}
	UnexpectedKeys        prometheus.Counter
	IntegrityViolations   *prometheus.CounterVec // labels: kind={gap,duplicate}
	SourceUnavailable     *prometheus.CounterVec // labels: source={points,segments,catchments,ratings,forecasts}
	WriteErrors           *prometheus.CounterVec // labels: table={road_segments,sample_points}
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.PipelineRunning,
		m.Runs,
		m.RunDuration,
		m.LastSuccess,
		m.PointsRead,
		m.SegmentsProcessed,
		m.SegmentsInundated,
		m.SegmentsExported,
		m.SegmentsPublished,
		m.PointLabelsWritten,
		m.MissingCorrespondence,
		m.UnexpectedKeys,
		m.IntegrityViolations,
		m.SourceUnavailable,
		m.WriteErrors,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "road_inundation",
			Name:      "pipeline_running",
			Help:      "1 while a pipeline run is in progress, 0 otherwise.",
		}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "road_inundation",
			Name:      "runs_total",
			Help:      "Pipeline runs by outcome.",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "road_inundation",
			Name:      "run_duration_seconds",
			Help:      "Duration of a complete pipeline run.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "road_inundation",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run.",
		}),
		PointsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "road_inundation",
			Name:      "points_read_total",
			Help:      "Total HAND sample points read from the feature store.",
		}),
		SegmentsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "road_inundation",
			Name:      "segments_processed_total",
			Help:      "Total road segments annotated.",
		}),
		SegmentsInundated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "road_inundation",
			Name:      "segments_inundated",
			Help:      "Segments with inundation above zero in the last run.",
		}),
		SegmentsExported: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "road_inundation",
			Name:      "segments_exported",
			Help:      "Records in the last persisted snapshot.",
		}),
		SegmentsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "road_inundation",
			Name:      "segments_published_total",
			Help:      "Total segment results published to Kafka.",
		}),
		PointLabelsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "road_inundation",
			Name:      "point_labels_written_total",
			Help:      "Total minimum-point labels written back to the feature store.",
		}),
		MissingCorrespondence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "road_inundation",
			Name:      "missing_correspondence_total",
			Help:      "Segments left without stage, by reason.",
		}, []string{"reason"}),
		UnexpectedKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "road_inundation",
			Name:      "unexpected_keys_total",
			Help:      "Road segments without any valid HAND sample.",
		}),
		IntegrityViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "road_inundation",
			Name:      "integrity_violations_total",
			Help:      "Segment id audit findings by kind.",
		}, []string{"kind"}),
		SourceUnavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "road_inundation",
			Name:      "source_unavailable_total",
			Help:      "Input tables that could not be read, by source.",
		}, []string{"source"}),
		WriteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "road_inundation",
			Name:      "write_errors_total",
			Help:      "Feature store row updates that failed, by table.",
		}, []string{"table"}),
	}
}
