// Package monitoring exposes the control plane's Prometheus metrics.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus series the control plane publishes.
type Metrics struct {
	// Gateway
	ExecuteTotal    *prometheus.CounterVec
	ExecuteDuration *prometheus.HistogramVec
	ChargeUSD       *prometheus.CounterVec

	// Admission gates
	GateDenials  *prometheus.CounterVec
	BreakerTrips *prometheus.CounterVec

	// Credit ledger
	LedgerTransactions *prometheus.CounterVec

	// Fleet
	NodesByStatus   *prometheus.GaugeVec
	CommandDuration *prometheus.HistogramVec

	// Billing export
	UsageReports *prometheus.CounterVec
}

// NewMetrics registers all series on a fresh registry and returns the
// handle plus the registry for the /metrics endpoint.
func NewMetrics() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		ExecuteTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wopr_execute_total",
				Help: "Adapter executions by capability, provider and outcome",
			},
			[]string{"capability", "provider", "outcome"},
		),
		ExecuteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wopr_execute_duration_seconds",
				Help:    "End-to-end adapter execution latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"capability", "provider"},
		),
		ChargeUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wopr_charge_usd_total",
				Help: "Total charged USD by capability and usage tier",
			},
			[]string{"capability", "tier"},
		),
		GateDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wopr_gate_denials_total",
				Help: "Requests denied by an admission gate",
			},
			[]string{"gate", "reason"},
		),
		BreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wopr_breaker_trips_total",
				Help: "Circuit breaker trips by breaker name",
			},
			[]string{"breaker"},
		),
		LedgerTransactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wopr_ledger_transactions_total",
				Help: "Credit ledger writes by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		NodesByStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wopr_fleet_nodes",
				Help: "Fleet nodes by lifecycle status",
			},
			[]string{"status"},
		),
		CommandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wopr_fleet_command_duration_seconds",
				Help:    "Round-trip latency of node commands",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"command"},
		),
		UsageReports: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wopr_usage_reports_total",
				Help: "Billing period summaries reported to the payment processor",
			},
			[]string{"outcome"},
		),
	}
	return m, reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
