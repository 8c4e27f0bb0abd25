// Package metrics exposes pipeline counters and timings to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tally/internal/core"
)

type Metrics struct {
	registry *prometheus.Registry

	Submissions      *prometheus.CounterVec
	AcceptedAmount   prometheus.Counter
	PipelineDuration *prometheus.HistogramVec
	StorageErrors    prometheus.Counter
	PublishFailures  prometheus.Counter
	ClaimsReleased   prometheus.Counter
}

// New registers every collector on a private registry so several instances
// can coexist in tests.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_submissions_total",
			Help: "Submissions by terminal outcome",
		}, []string{"outcome"}),
		AcceptedAmount: f.NewCounter(prometheus.CounterOpts{
			Name: "tally_accepted_amount_total",
			Help: "Sum of accepted receipt amounts",
		}),
		PipelineDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tally_pipeline_duration_seconds",
			Help:    "End to end duration of a submission",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),
		StorageErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "tally_storage_errors_total",
			Help: "Submissions aborted by a storage failure",
		}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "tally_event_publish_failures_total",
			Help: "Accepted events that could not be published",
		}),
		ClaimsReleased: f.NewCounter(prometheus.CounterOpts{
			Name: "tally_stale_claims_released_total",
			Help: "Pending fingerprint claims released after a crash",
		}),
	}
}

// ObserveOutcome records a finished submission. Call with the time the
// submission started.
func (m *Metrics) ObserveOutcome(o core.Outcome, start time.Time) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(o.Kind.String()).Inc()
	m.PipelineDuration.WithLabelValues(o.Kind.String()).Observe(time.Since(start).Seconds())
	if o.Accepted() {
		// Float only for the metric; ledger math stays decimal.
		m.AcceptedAmount.Add(o.Amount.InexactFloat64())
	}
}

func (m *Metrics) IncStorageError() {
	if m != nil {
		m.StorageErrors.Inc()
	}
}

func (m *Metrics) IncPublishFailure() {
	if m != nil {
		m.PublishFailures.Inc()
	}
}

func (m *Metrics) AddClaimsReleased(n int) {
	if m != nil && n > 0 {
		m.ClaimsReleased.Add(float64(n))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
