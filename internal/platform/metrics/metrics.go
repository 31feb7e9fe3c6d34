// Package metrics holds the Prometheus collectors for the claim pipeline.
// Every method is safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	ValidationResults *prometheus.CounterVec
	Submissions       *prometheus.CounterVec
	ExchangeLatency   *prometheus.HistogramVec
	ExchangeRetries   prometheus.Counter
	Polls             *prometheus.CounterVec
	ActivePolls       prometheus.Gauge
	DeadLetters       prometheus.Counter
	Rejections        *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ValidationResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "claimgate_validation_results_total",
			Help: "Validation outcomes by status and kind",
		}, []string{"status", "kind"}),

		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "claimgate_submissions_total",
			Help: "Submission results by resulting claim status",
		}, []string{"status"}),

		ExchangeLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claimgate_exchange_request_duration_seconds",
			Help:    "Duration of exchange calls by operation and outcome",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"operation", "outcome"}),

		ExchangeRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "claimgate_exchange_retries_total",
			Help: "Transient exchange failures that were retried",
		}),

		Polls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "claimgate_polls_total",
			Help: "Status polls by result",
		}, []string{"result"}),

		ActivePolls: f.NewGauge(prometheus.GaugeOpts{
			Name: "claimgate_active_polls",
			Help: "Claims currently awaiting asynchronous adjudication",
		}),

		DeadLetters: f.NewCounter(prometheus.CounterOpts{
			Name: "claimgate_dead_letters_total",
			Help: "Submissions moved to the dead-letter state",
		}),

		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "claimgate_rejections_ingested_total",
			Help: "Rejection records ingested by severity",
		}, []string{"severity"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveValidation(status, kind string) {
	if m != nil {
		m.ValidationResults.WithLabelValues(status, kind).Inc()
	}
}

func (m *Metrics) ObserveSubmission(status string) {
	if m != nil {
		m.Submissions.WithLabelValues(status).Inc()
	}
}

// ObserveExchange records the latency of one exchange call.
func (m *Metrics) ObserveExchange(operation, outcome string, d time.Duration) {
	if m != nil {
		m.ExchangeLatency.WithLabelValues(operation, outcome).Observe(d.Seconds())
	}
}

func (m *Metrics) IncRetry() {
	if m != nil {
		m.ExchangeRetries.Inc()
	}
}

func (m *Metrics) ObservePoll(result string) {
	if m != nil {
		m.Polls.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) PollStarted() {
	if m != nil {
		m.ActivePolls.Inc()
	}
}

func (m *Metrics) PollStopped() {
	if m != nil {
		m.ActivePolls.Dec()
	}
}

func (m *Metrics) IncDeadLetter() {
	if m != nil {
		m.DeadLetters.Inc()
	}
}

func (m *Metrics) ObserveRejection(severity string) {
	if m != nil {
		m.Rejections.WithLabelValues(severity).Inc()
	}
}
