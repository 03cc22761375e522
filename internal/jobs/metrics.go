// Package jobmetrics instruments the ledger's background jobs.
package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared by every ledger job.
type Metrics struct {
	runs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	processed   *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec
	anomalies   *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the collectors on registerer. A nil registerer shares
// one instance on the default Prometheus registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer != nil {
		return register(registerer)
	}
	defaultOnce.Do(func() {
		defaultMetrics = register(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

func register(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_ledger_job_runs_total",
			Help: "Ledger job runs by task type and outcome.",
		}, []string{"task", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odyssey_ledger_job_duration_seconds",
			Help:    "Wall time of ledger job runs.",
			Buckets: []float64{0.05, 0.25, 1, 5, 30, 120, 600, 1800},
		}, []string{"task"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_ledger_job_items_total",
			Help: "Records or scopes handled by ledger jobs.",
		}, []string{"task"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "odyssey_ledger_job_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run per task type.",
		}, []string{"task"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_ledger_integrity_anomalies_total",
			Help: "Ledger records whose projection and event stream disagree, by anomaly kind.",
		}, []string{"kind"}),
	}
	registerer.MustRegister(m.runs, m.duration, m.processed, m.lastSuccess, m.anomalies)
	return m
}

// Run instruments one execution of a task.
type Run struct {
	metrics *Metrics
	task    string
	started time.Time
	items   int
}

// Track starts a run for task. A nil Metrics yields a run that records nothing.
func (m *Metrics) Track(task string) *Run {
	return &Run{metrics: m, task: task, started: time.Now()}
}

// Processed adds n handled items to the run.
func (r *Run) Processed(n int) {
	if r != nil && n > 0 {
		r.items += n
	}
}

// End records the outcome of the run and returns err unchanged.
func (r *Run) End(err error) error {
	if r == nil || r.metrics == nil || r.task == "" {
		return err
	}
	m := r.metrics
	outcome := "ok"
	if err != nil {
		outcome = "error"
	} else {
		m.lastSuccess.WithLabelValues(r.task).SetToCurrentTime()
	}
	m.runs.WithLabelValues(r.task, outcome).Inc()
	m.duration.WithLabelValues(r.task).Observe(time.Since(r.started).Seconds())
	if r.items > 0 {
		m.processed.WithLabelValues(r.task).Add(float64(r.items))
	}
	return err
}

// AddAnomalies counts integrity anomalies of one kind.
func (m *Metrics) AddAnomalies(kind string, count int) {
	if m == nil || count <= 0 {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.anomalies.WithLabelValues(kind).Add(float64(count))
}
