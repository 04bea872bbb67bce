package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestLatency    *prometheus.HistogramVec
	ConsentsRecorded  prometheus.Counter
	VerifyOutcomes    *prometheus.CounterVec
	HookShortCircuits prometheus.Counter
	BannerDecisions   *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consentd_requests_total",
			Help: "Total API requests by endpoint and status",
		}, []string{"endpoint", "status"}),
		RequestLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "consentd_request_duration_seconds",
			Help:    "Request latency by endpoint",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		ConsentsRecorded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "consentd_consents_recorded_total",
			Help: "Total consent records written",
		}),
		VerifyOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consentd_verify_outcomes_total",
			Help: "Consent verification outcomes by validity",
		}, []string{"valid"}),
		HookShortCircuits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "consentd_hook_short_circuits_total",
			Help: "Requests vetoed by a before hook",
		}),
		BannerDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consentd_banner_decisions_total",
			Help: "Consent banner decisions by jurisdiction",
		}, []string{"jurisdiction"}),
	}
}

// ObserveRequest records one dispatched request.
func (m *Metrics) ObserveRequest(endpoint, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.RequestLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}
