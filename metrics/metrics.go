// Package metrics defines the Prometheus collectors of the registry service
// and the HTTP server that exposes them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector of the service. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	StageDuration       *prometheus.HistogramVec
	Registrations       *prometheus.CounterVec
	ReconcilerOutcomes  *prometheus.CounterVec
	InFlight            *prometheus.GaugeVec
	LedgerGasUsed       prometheus.Histogram
	Verifications       *prometheus.CounterVec
	RoleEventsApplied   prometheus.Counter
	DeletionsProcessed  *prometheus.CounterVec
	RetentionRequests   prometheus.Counter
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg under namespace.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Duration of registration pipeline stages",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		Registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registration attempts by outcome",
		}, []string{"outcome"}),
		ReconcilerOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciler_outcomes_total",
			Help:      "Reconciled uploaded records by outcome",
		}, []string{"outcome"}),
		InFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_requests",
			Help:      "In-flight calls to external backends",
		}, []string{"backend"}),
		LedgerGasUsed: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_gas_used",
			Help:      "Gas used by confirmed registerDocument transactions",
			Buckets:   prometheus.ExponentialBuckets(50000, 1.5, 10),
		}),
		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Verification requests by result",
		}, []string{"result"}),
		RoleEventsApplied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "role_events_applied_total",
			Help:      "Ledger role events applied to the role cache",
		}),
		DeletionsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deletion_requests_processed_total",
			Help:      "Processed deletion requests by outcome",
		}, []string{"outcome"}),
		RetentionRequests: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deletion_requests_total",
			Help:      "Deletion requests created by the retention sweep",
		}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests by route and status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}

func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncRegistration(outcome string) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncReconciler(outcome string) {
	if m == nil {
		return
	}
	m.ReconcilerOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetInFlight(backend string, n int64) {
	if m == nil {
		return
	}
	m.InFlight.WithLabelValues(backend).Set(float64(n))
}

func (m *Metrics) ObserveGas(gas uint64) {
	if m == nil {
		return
	}
	m.LedgerGasUsed.Observe(float64(gas))
}

func (m *Metrics) IncVerification(result string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(result).Inc()
}

func (m *Metrics) AddRoleEvents(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RoleEventsApplied.Add(float64(n))
}

func (m *Metrics) IncDeletion(outcome string) {
	if m == nil {
		return
	}
	m.DeletionsProcessed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddRetentionRequests(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RetentionRequests.Add(float64(n))
}

func (m *Metrics) ObserveHTTP(route, status string, start time.Time) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(route, status).Observe(time.Since(start).Seconds())
}
