// Package metrics exposes the agent's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors the orchestrator and adapters update.
type Metrics struct {
	TickDuration    *prometheus.HistogramVec
	TickOverruns    *prometheus.CounterVec
	OrdersPlaced    *prometheus.CounterVec
	OrdersFilled    *prometheus.CounterVec
	OrdersCancelled *prometheus.CounterVec
	OrderErrors     *prometheus.CounterVec
	RiskDenials     *prometheus.CounterVec
	SignalsRejected *prometheus.CounterVec
	ReconcileMisses *prometheus.CounterVec
	EmergencyStops  *prometheus.CounterVec
	RealizedPnL     *prometheus.GaugeVec
	BotState        *prometheus.GaugeVec
}

// New registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TickDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "trading_agent",
			Name:      "tick_duration_seconds",
			Help:      "Orchestrator tick wall time per bot.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 0.9, 2.0, 5.0},
		}, []string{"bot"}),
		TickOverruns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading_agent",
			Name:      "tick_overruns_total",
			Help:      "Ticks that exceeded the tick budget.",
		}, []string{"bot"}),
		OrdersPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading_agent",
			Name:      "orders_placed_total",
			Help:      "Orders acknowledged by the exchange.",
		}, []string{"bot", "side", "role"}),
		OrdersFilled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading_agent",
			Name:      "orders_filled_total",
			Help:      "Orders that reached closed status.",
		}, []string{"bot", "side"}),
		OrdersCancelled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading_agent",
			Name:      "orders_cancelled_total",
			Help:      "Orders cancelled locally or on the exchange.",
		}, []string{"bot"}),
		OrderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading_agent",
			Name:      "order_errors_total",
			Help:      "Order placements or lookups that failed.",
		}, []string{"bot", "kind"}),
		RiskDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading_agent",
			Name:      "risk_denials_total",
			Help:      "Intents denied by the risk gate.",
		}, []string{"bot", "reason"}),
		SignalsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading_agent",
			Name:      "signals_rejected_total",
			Help:      "Signals dropped by the staleness, regime or risk gate.",
		}, []string{"bot", "reason"}),
		ReconcileMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading_agent",
			Name:      "reconcile_mismatches_total",
			Help:      "Orders the exchange no longer recognizes.",
		}, []string{"bot"}),
		EmergencyStops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading_agent",
			Name:      "emergency_stops_total",
			Help:      "Emergency stops triggered.",
		}, []string{"bot", "reason"}),
		RealizedPnL: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "trading_agent",
			Name:      "realized_pnl_quote",
			Help:      "Cumulative realized PnL in quote currency.",
		}, []string{"bot"}),
		BotState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "trading_agent",
			Name:      "bot_state",
			Help:      "Bot lifecycle state (1 for the active state).",
		}, []string{"bot", "state"}),
	}
}

// NewNop returns metrics bound to a throwaway registry (tests).
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
