package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job outcomes
const (
	OutcomePublished = "published"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
	OutcomeInvalid   = "invalid"
	OutcomeDuplicate = "duplicate"
)

// Metrics holds the worker's collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	Jobs               *prometheus.CounterVec
	JobDuration        prometheus.Histogram
	JobsInFlight       prometheus.Gauge
	Uploads            *prometheus.CounterVec
	UploadBytes        prometheus.Counter
	Publishes          *prometheus.CounterVec
	RelayConnects      *prometheus.CounterVec
	RetentionDeletes   *prometheus.CounterVec
	RetentionLastSwept prometheus.Gauge
}

// New registers all collectors on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "thumb_dvm",
			Name:      "jobs_total",
			Help:      "Thumbnail requests by outcome.",
		}, []string{"outcome"}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "thumb_dvm",
			Name:      "job_duration_seconds",
			Help:      "Wall time of accepted jobs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900},
		}),
		JobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "thumb_dvm",
			Name:      "jobs_in_flight",
			Help:      "Jobs currently holding a worker slot.",
		}),
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "thumb_dvm",
			Name:      "uploads_total",
			Help:      "Thumbnail uploads by result.",
		}, []string{"result"}),
		UploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "thumb_dvm",
			Name:      "upload_bytes_total",
			Help:      "Bytes uploaded to the blob server.",
		}),
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "thumb_dvm",
			Name:      "publishes_total",
			Help:      "Result publications per relay attempt.",
		}, []string{"result"}),
		RelayConnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "thumb_dvm",
			Name:      "relay_connects_total",
			Help:      "Subscription (re)establishment attempts.",
		}, []string{"result"}),
		RetentionDeletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "thumb_dvm",
			Name:      "retention_deletes_total",
			Help:      "Expired blob deletions by result.",
		}, []string{"result"}),
		RetentionLastSwept: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "thumb_dvm",
			Name:      "retention_last_sweep_timestamp_seconds",
			Help:      "Unix time of the last completed retention sweep.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Jobs, m.JobDuration, m.JobsInFlight,
		m.Uploads, m.UploadBytes, m.Publishes,
		m.RelayConnects, m.RetentionDeletes, m.RetentionLastSwept,
	)
	return m
}

// WatchDedupWindow exports the number of request ids the dedup gate holds
func (m *Metrics) WatchDedupWindow(size func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "thumb_dvm",
		Name:      "dedup_window_ids",
		Help:      "Request ids remembered by the dedup gate.",
	}, func() float64 { return float64(size()) }))
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
