// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the pipeline records into. A single
// instance is created at startup and shared by reference.
type Metrics struct {
	Registry *prometheus.Registry

	SignalsTotal     *prometheus.CounterVec
	RiskDecisions    *prometheus.CounterVec
	OrderTransitions *prometheus.CounterVec
	OrderSubmitSecs  *prometheus.HistogramVec
	FillsApplied     prometheus.Counter
	DuplicateFills   prometheus.Counter
	AdapterErrors    *prometheus.CounterVec
	BreakerTrips     prometheus.Counter

	OpenPositions    prometheus.Gauge
	LossAccruedToday prometheus.Gauge
	Equity           prometheus.Gauge
	BreakerHalted    prometheus.Gauge
	RateLimitWaiting *prometheus.GaugeVec
}

// New creates all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		SignalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execpipe",
			Name:      "signals_total",
			Help:      "Signals received, labelled by admission outcome.",
		}, []string{"outcome"}),

		RiskDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execpipe",
			Name:      "risk_decisions_total",
			Help:      "Risk gate decisions by action.",
		}, []string{"action"}),

		OrderTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execpipe",
			Name:      "order_transitions_total",
			Help:      "Order state transitions by target state.",
		}, []string{"to_state"}),

		OrderSubmitSecs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "execpipe",
			Name:      "order_submit_seconds",
			Help:      "Wall time from submission start to venue ack or terminal failure.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"venue"}),

		FillsApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "execpipe",
			Name:      "fills_applied_total",
			Help:      "Fill events applied to the position ledger.",
		}),

		DuplicateFills: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "execpipe",
			Name:      "duplicate_fills_total",
			Help:      "Fill events discarded as already applied.",
		}),

		AdapterErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execpipe",
			Name:      "adapter_errors_total",
			Help:      "Adapter call failures by venue and error kind.",
		}, []string{"venue", "kind"}),

		BreakerTrips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "execpipe",
			Name:      "breaker_trips_total",
			Help:      "Emergency breaker trip events.",
		}),

		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "execpipe",
			Name:      "open_positions",
			Help:      "Symbols with a non-zero net position.",
		}),

		LossAccruedToday: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "execpipe",
			Name:      "loss_accrued_today",
			Help:      "Realized loss accrued since the last daily reset.",
		}),

		Equity: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "execpipe",
			Name:      "portfolio_equity",
			Help:      "Portfolio equity including unrealized P&L.",
		}),

		BreakerHalted: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "execpipe",
			Name:      "breaker_halted",
			Help:      "1 while the emergency breaker is tripped.",
		}),

		RateLimitWaiting: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "execpipe",
			Name:      "rate_limit_waiting",
			Help:      "Callers queued on a venue rate-limit bucket.",
		}, []string{"venue", "class"}),
	}
}
