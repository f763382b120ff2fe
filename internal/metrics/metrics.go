package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the pipeline instrumentation on a dedicated registry.
type Metrics struct {
	Registry *prometheus.Registry

	PointsIngested   prometheus.Counter
	PointsDeduped    prometheus.Counter
	PointsRejected   prometheus.Counter
	VisitsDetected   prometheus.Counter
	VisitsMerged     prometheus.Counter
	TripsDetected    prometheus.Counter
	GeocodeCalls     *prometheus.CounterVec
	QueueMessages    *prometheus.CounterVec
	QueueDeadLetters *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
}

// New creates the metrics set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		PointsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeline_points_ingested_total",
			Help: "Raw location points accepted into storage.",
		}),
		PointsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeline_points_deduplicated_total",
			Help: "Raw location points dropped as duplicates.",
		}),
		PointsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeline_points_rejected_total",
			Help: "Raw location points dropped as anomalies.",
		}),
		VisitsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeline_visits_detected_total",
			Help: "Stay clusters persisted as visits.",
		}),
		VisitsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeline_visits_merged_total",
			Help: "Visits consolidated into processed visits.",
		}),
		TripsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeline_trips_detected_total",
			Help: "Trips created between processed visits.",
		}),
		GeocodeCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timeline_geocode_calls_total",
			Help: "Reverse geocoding calls by provider and outcome.",
		}, []string{"provider", "status"}),
		QueueMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timeline_queue_messages_total",
			Help: "Queue messages by queue and outcome.",
		}, []string{"queue", "outcome"}),
		QueueDeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timeline_queue_dead_letters_total",
			Help: "Messages parked after exhausting retries.",
		}, []string{"queue"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "timeline_stage_duration_seconds",
			Help:    "Processing time per pipeline stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.PointsIngested,
		m.PointsDeduped,
		m.PointsRejected,
		m.VisitsDetected,
		m.VisitsMerged,
		m.TripsDetected,
		m.GeocodeCalls,
		m.QueueMessages,
		m.QueueDeadLetters,
		m.StageDuration,
	)
	return m
}
