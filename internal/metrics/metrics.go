// Package metrics exposes the engine's Prometheus collectors: the
// signal-to-execution conversion funnel (spec §8), per-reason close
// counters, position/margin gauges, and WebSocket health counters.
//
// Grounded on r3e-network-service_layer/infrastructure/metrics.Metrics's
// shape — a struct of *prometheus.CounterVec/*HistogramVec/GaugeVec fields
// built once in New, registered together, with one small Record* method per
// concern — generalized here from HTTP/DB/blockchain label sets to this
// engine's symbol/outcome/reason label sets.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quantforge/perpscalp/internal/signalcoord"
)

// Metrics holds every collector the engine exports.
type Metrics struct {
	SignalOutcomesTotal *prometheus.CounterVec
	EntriesExecutedTotal *prometheus.CounterVec
	ClosesTotal          *prometheus.CounterVec
	OrderAmendsTotal     *prometheus.CounterVec
	OrderCancelsTotal    *prometheus.CounterVec
	MarketReplacesTotal  *prometheus.CounterVec

	OpenPositions    *prometheus.GaugeVec
	UnrealizedPnLUSD *prometheus.GaugeVec
	MarginRatio      *prometheus.GaugeVec
	EquityUSD        prometheus.Gauge
	DrawdownPercent  prometheus.Gauge
	EmergencyStopActive prometheus.Gauge

	WSReconnectsTotal *prometheus.CounterVec
	WSStaleTotal      *prometheus.CounterVec
	DroppedTickUpdates prometheus.Counter

	OrderLifecycleDuration *prometheus.HistogramVec
}

// New builds and registers every collector against registerer. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() in tests.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		SignalOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "perpscalp",
				Name:      "signal_outcomes_total",
				Help:      "Candidate signals processed by the Signal Coordinator, by symbol and outcome.",
			},
			[]string{"symbol", "outcome"},
		),
		EntriesExecutedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "perpscalp",
				Name:      "entries_executed_total",
				Help:      "Positions opened by the Entry Manager, by symbol.",
			},
			[]string{"symbol"},
		),
		ClosesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "perpscalp",
				Name:      "closes_total",
				Help:      "Position closes, by symbol and reason.",
			},
			[]string{"symbol", "reason"},
		),
		OrderAmendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "perpscalp", Name: "order_amends_total", Help: "Limit order reprices, by symbol."},
			[]string{"symbol"},
		),
		OrderCancelsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "perpscalp", Name: "order_cancels_total", Help: "Limit order cancels, by symbol."},
			[]string{"symbol"},
		),
		MarketReplacesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "perpscalp", Name: "market_replaces_total", Help: "Timed-out limit orders replaced with a market order, by symbol."},
			[]string{"symbol"},
		),
		OpenPositions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: "perpscalp", Name: "open_positions", Help: "1 if symbol currently has an open position, else absent."},
			[]string{"symbol", "side"},
		),
		UnrealizedPnLUSD: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: "perpscalp", Name: "unrealized_pnl_usd", Help: "Current unrealized PnL per open position, in USD."},
			[]string{"symbol"},
		),
		MarginRatio: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: "perpscalp", Name: "margin_ratio", Help: "Current margin_ratio per open position (spec §4.9)."},
			[]string{"symbol"},
		),
		EquityUSD: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: "perpscalp", Name: "equity_usd", Help: "Current account equity, in USD."},
		),
		DrawdownPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: "perpscalp", Name: "drawdown_percent", Help: "Current drawdown from initial_balance, as a fraction."},
		),
		EmergencyStopActive: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: "perpscalp", Name: "emergency_stop_active", Help: "1 if Emergency Stop is active, else 0."},
		),
		WSReconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "perpscalp", Name: "ws_reconnects_total", Help: "WebSocket reconnect attempts, by channel (public/private)."},
			[]string{"channel"},
		),
		WSStaleTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "perpscalp", Name: "ws_stale_total", Help: "ws_stale_signal_fallback events, by symbol."},
			[]string{"symbol"},
		),
		DroppedTickUpdates: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: "perpscalp", Name: "dropped_tick_updates_total", Help: "Malformed ticker/candle updates dropped by the Data Registry."},
		),
		OrderLifecycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "perpscalp", Name: "order_lifecycle_duration_seconds",
				Help:    "Time from order placement to terminal state.",
				Buckets: []float64{.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"symbol", "terminal_state"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.SignalOutcomesTotal, m.EntriesExecutedTotal, m.ClosesTotal, m.OrderAmendsTotal,
			m.OrderCancelsTotal, m.MarketReplacesTotal, m.OpenPositions, m.UnrealizedPnLUSD,
			m.MarginRatio, m.EquityUSD, m.DrawdownPercent, m.EmergencyStopActive,
			m.WSReconnectsTotal, m.WSStaleTotal, m.DroppedTickUpdates, m.OrderLifecycleDuration,
		)
	}
	return m
}

// RecordSignalOutcome implements signalcoord.Metrics.
func (m *Metrics) RecordSignalOutcome(symbol string, outcome signalcoord.Outcome) {
	m.SignalOutcomesTotal.WithLabelValues(symbol, string(outcome)).Inc()
}

// RecordEntryExecuted implements entry.Metrics.
func (m *Metrics) RecordEntryExecuted(symbol string) {
	m.EntriesExecutedTotal.WithLabelValues(symbol).Inc()
}

// RecordClose records a position close by reason.
func (m *Metrics) RecordClose(symbol, reason string) {
	m.ClosesTotal.WithLabelValues(symbol, reason).Inc()
}

// RecordOrderAmend records one reprice.
func (m *Metrics) RecordOrderAmend(symbol string) {
	m.OrderAmendsTotal.WithLabelValues(symbol).Inc()
}

// RecordOrderCancel records one cancel.
func (m *Metrics) RecordOrderCancel(symbol string) {
	m.OrderCancelsTotal.WithLabelValues(symbol).Inc()
}

// RecordMarketReplace records one timeout-path market-order fallback.
func (m *Metrics) RecordMarketReplace(symbol string) {
	m.MarketReplacesTotal.WithLabelValues(symbol).Inc()
}

// SetOpenPosition sets/clears the open-position gauge for symbol/side.
func (m *Metrics) SetOpenPosition(symbol, side string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	m.OpenPositions.WithLabelValues(symbol, side).Set(v)
}

// SetPositionSnapshot updates the per-position PnL and margin-ratio gauges.
func (m *Metrics) SetPositionSnapshot(symbol string, unrealizedPnLUSD, marginRatio float64) {
	m.UnrealizedPnLUSD.WithLabelValues(symbol).Set(unrealizedPnLUSD)
	m.MarginRatio.WithLabelValues(symbol).Set(marginRatio)
}

// SetAccountSnapshot updates the account-level gauges.
func (m *Metrics) SetAccountSnapshot(equityUSD, drawdownPercent float64, emergencyStopActive bool) {
	m.EquityUSD.Set(equityUSD)
	m.DrawdownPercent.Set(drawdownPercent)
	stop := 0.0
	if emergencyStopActive {
		stop = 1.0
	}
	m.EmergencyStopActive.Set(stop)
}

// RecordWSReconnect records one reconnect attempt on channel ("public" or
// "private").
func (m *Metrics) RecordWSReconnect(channel string) {
	m.WSReconnectsTotal.WithLabelValues(channel).Inc()
}

// RecordWSStale records one ws_stale_signal_fallback event (spec §4.10).
func (m *Metrics) RecordWSStale(symbol string) {
	m.WSStaleTotal.WithLabelValues(symbol).Inc()
}

// RecordDroppedTick records one malformed ticker/candle update dropped by the
// Data Registry.
func (m *Metrics) RecordDroppedTick() {
	m.DroppedTickUpdates.Inc()
}

// RecordOrderLifecycle observes the time from placement to a terminal
// order state.
func (m *Metrics) RecordOrderLifecycle(symbol, terminalState string, d time.Duration) {
	m.OrderLifecycleDuration.WithLabelValues(symbol, terminalState).Observe(d.Seconds())
}
