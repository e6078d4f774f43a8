// Package metrics exposes Prometheus instrumentation for the bot. The
// collectors register on the default registry; the operator server
// mounts the scrape handler at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kalshi-trading-bot/pkg/types"
)

var (
	SignalsGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_signals_generated_total",
			Help: "Trading signals emitted (by strategy and direction).",
		},
		[]string{"strategy", "direction"},
	)

	TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_trades_total",
			Help: "Trades reaching each lifecycle status.",
		},
		[]string{"status"},
	)

	GateRefusals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_gate_refusals_total",
			Help: "Signals refused by the edge or risk gates.",
		},
		[]string{"gate"},
	)

	OpenOrders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_open_orders",
			Help: "Orders currently resting on the exchange.",
		},
	)

	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_open_positions",
			Help: "Positions currently held.",
		},
	)

	DailyPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_daily_pnl_dollars",
			Help: "Daily P&L, realized plus unrealized.",
		},
	)

	CircuitBreakerActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_circuit_breaker_active",
			Help: "1 while the circuit breaker is latched.",
		},
	)

	SpotPrice = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_spot_price",
			Help: "Last observed spot price of the underlying.",
		},
	)

	ExchangeErrors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_exchange_consecutive_errors",
			Help: "Consecutive failed exchange requests.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SignalsGenerated,
		TradesTotal,
		GateRefusals,
		OpenOrders,
		OpenPositions,
		DailyPnL,
		CircuitBreakerActive,
		SpotPrice,
		ExchangeErrors,
	)
}

// Handler returns the scrape endpoint for the operator server.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRisk mirrors a risk snapshot into the gauges.
func ObserveRisk(rm types.RiskMetrics) {
	OpenOrders.Set(float64(rm.OpenOrdersCount))
	OpenPositions.Set(float64(rm.TotalPositions))
	DailyPnL.Set(rm.DailyPnL)
	if rm.CircuitBreakerTriggered {
		CircuitBreakerActive.Set(1)
	} else {
		CircuitBreakerActive.Set(0)
	}
}
