// Package metrics instruments the broker with Prometheus counters.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job statuses.
const (
	StatusOK                = "ok"
	StatusReferenceNotFound = "reference_not_found"
	StatusSynthesisFailed   = "synthesis_failed"
	StatusTranscodeFailed   = "transcode_failed"
	StatusPersistFailed     = "persist_failed"
	StatusRejected          = "rejected"
)

// Download outcomes.
const (
	DownloadServed   = "served"
	DownloadNotFound = "not_found"
	DownloadExpired  = "expired"
	DownloadError    = "error"
)

// Recorder receives broker events.
type Recorder interface {
	JobStarted()
	JobFinished(status string, elapsed time.Duration)
	Download(outcome string)
	Swept(deleted, failed int)
	ConnectionOpened()
	ConnectionClosed()
}

// Noop implements Recorder without emitting anything.
type Noop struct{}

func (Noop) JobStarted()                       {}
func (Noop) JobFinished(string, time.Duration) {}
func (Noop) Download(string)                   {}
func (Noop) Swept(int, int)                    {}
func (Noop) ConnectionOpened()                 {}
func (Noop) ConnectionClosed()                 {}

// Prom implements Recorder on a dedicated registry.
type Prom struct {
	registry     *prometheus.Registry
	jobsStarted  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	downloads    *prometheus.CounterVec
	sweepDeleted prometheus.Counter
	sweepFailed  prometheus.Counter
	connections  prometheus.Gauge
}

// NewProm registers the broker's collectors under namespace on a fresh registry.
func NewProm(namespace string) *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Synthesis jobs admitted",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Synthesis jobs finished by status",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "End-to-end synthesis job duration",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"status"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Artifact retrievals by outcome",
		}, []string{"outcome"}),
		sweepDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_deleted_total",
			Help:      "Expired files deleted by the sweeper",
		}),
		sweepFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_failed_total",
			Help:      "Expired files the sweeper could not delete",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Open command channel connections",
		}),
	}

	p.registry.MustRegister(
		p.jobsStarted,
		p.jobsFinished,
		p.jobDuration,
		p.downloads,
		p.sweepDeleted,
		p.sweepFailed,
		p.connections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return p
}

func (p *Prom) JobStarted() {
	p.jobsStarted.Inc()
}

func (p *Prom) JobFinished(status string, elapsed time.Duration) {
	p.jobsFinished.WithLabelValues(status).Inc()
	p.jobDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (p *Prom) Download(outcome string) {
	p.downloads.WithLabelValues(outcome).Inc()
}

func (p *Prom) Swept(deleted, failed int) {
	p.sweepDeleted.Add(float64(deleted))
	p.sweepFailed.Add(float64(failed))
}

func (p *Prom) ConnectionOpened() {
	p.connections.Inc()
}

func (p *Prom) ConnectionClosed() {
	p.connections.Dec()
}

// Registry exposes the underlying registry for gathering in tests.
func (p *Prom) Registry() *prometheus.Registry {
	return p.registry
}

// Handler returns an HTTP handler for /metrics.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
