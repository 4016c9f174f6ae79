// Package metrics exposes Prometheus collectors for the trading loops.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fno_entries_total",
			Help: "Positions opened, by underlying and trade type.",
		},
		[]string{"underlying", "trade_type"},
	)

	ExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fno_exits_total",
			Help: "Positions closed, by underlying and exit reason.",
		},
		[]string{"underlying", "reason"},
	)

	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fno_orders_total",
			Help: "Orders submitted, by side and resulting status.",
		},
		[]string{"side", "status"},
	)

	TickErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fno_tick_errors_total",
			Help: "Monitoring loop iterations that failed, by loop.",
		},
		[]string{"loop"},
	)

	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fno_open_positions",
			Help: "Currently open positions.",
		},
	)

	DailyPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fno_daily_pnl_rupees",
			Help: "Realised P&L for the current trading day.",
		},
	)

	Capital = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fno_capital_rupees",
			Help: "Initial capital plus realised P&L.",
		},
	)

	VIX = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fno_india_vix",
			Help: "Last INDIA VIX value used by the strategy.",
		},
	)

	UnrealisedPnL = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fno_unrealised_pnl_rupees",
			Help: "Mark-to-market P&L of the open position, by underlying.",
		},
		[]string{"underlying"},
	)
)

func init() {
	prometheus.MustRegister(EntriesTotal, ExitsTotal, OrdersTotal, TickErrors,
		OpenPositions, DailyPnL, Capital, VIX, UnrealisedPnL)
}

// Account updates the account level gauges.
func Account(openPositions int, dailyPnL, capital float64) {
	OpenPositions.Set(float64(openPositions))
	DailyPnL.Set(dailyPnL)
	Capital.Set(capital)
}

// PositionClosed records an exit and clears the underlying's mark-to-market.
func PositionClosed(underlying, reason string) {
	ExitsTotal.WithLabelValues(underlying, reason).Inc()
	UnrealisedPnL.DeleteLabelValues(underlying)
}
