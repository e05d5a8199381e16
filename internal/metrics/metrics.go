// Package metrics defines the process's Prometheus collectors and the
// instrumented gateway decorator that feeds the broker-call series.
//
// Collectors are package-level and registered on the default registry, so
// any layer can record without plumbing a registry handle around. The HTTP
// server exposes them on GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"riskmanager/pkg/types"
)

// BrokerCalls counts gateway calls by backend, operation, and outcome.
var BrokerCalls = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskmanager",
		Subsystem: "broker",
		Name:      "calls_total",
		Help:      "Broker gateway calls by operation and outcome",
	},
	[]string{"backend", "op", "outcome"}, // outcome: ok, error
)

// BrokerCallDuration observes gateway call latency. The REST backend sleeps
// through account switches, so the buckets reach into seconds.
var BrokerCallDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "riskmanager",
		Subsystem: "broker",
		Name:      "call_duration_seconds",
		Help:      "Broker gateway call latency in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"backend", "op"},
)

// StopOrdersPlaced counts placement attempts by outcome.
var StopOrdersPlaced = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskmanager",
		Subsystem: "orders",
		Name:      "stop_orders_placed_total",
		Help:      "Stop-loss placement attempts by outcome",
	},
	[]string{"backend", "outcome"}, // outcome: success, rejected, error
)

// FxRefreshes counts FX rate refresh attempts by outcome.
var FxRefreshes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskmanager",
		Subsystem: "fx",
		Name:      "refresh_total",
		Help:      "FX rate refresh attempts by outcome",
	},
	[]string{"outcome"}, // outcome: ok, error
)

// ReportsBuilt counts completed risk reports.
var ReportsBuilt = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "riskmanager",
		Subsystem: "risk",
		Name:      "reports_total",
		Help:      "Risk reports built",
	},
)

// WorstCaseProfit tracks the last report's worst-case profit in base currency.
var WorstCaseProfit = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "riskmanager",
		Subsystem: "risk",
		Name:      "worst_case_profit",
		Help:      "Worst-case profit of the last report in base currency",
	},
)

// TotalPositionValue tracks the last report's portfolio value in base currency.
var TotalPositionValue = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "riskmanager",
		Subsystem: "risk",
		Name:      "total_position_value",
		Help:      "Total position value of the last report in base currency",
	},
)

// RecordReport updates the report counter and gauges.
func RecordReport(r types.RiskReport) {
	ReportsBuilt.Inc()
	WorstCaseProfit.Set(r.WorstCaseProfit.InexactFloat64())
	TotalPositionValue.Set(r.TotalPositionValue.InexactFloat64())
}

// RecordFxRefresh records one refresh attempt.
func RecordFxRefresh(ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	FxRefreshes.WithLabelValues(outcome).Inc()
}
