package dataregistry

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/quantforge/perpscalp/internal/domain"
	"github.com/quantforge/perpscalp/pkg/clock"
)

// countingMetrics is a test double for Metrics that counts calls instead of
// exporting to Prometheus.
type countingMetrics struct {
	drops int
}

func (m *countingMetrics) RecordDroppedTick() { m.drops++ }

func candle(ts time.Time, o, h, l, c string) domain.Candle {
	return domain.Candle{
		Timestamp: ts,
		Open:      decimal.RequireFromString(o), High: decimal.RequireFromString(h),
		Low: decimal.RequireFromString(l), Close: decimal.RequireFromString(c),
	}
}

// TestAppendCandle_EvictsOldestPastMaxSize verifies the ring-buffer eviction
// invariant of spec §4.1: once the buffer exceeds max_size, the oldest
// candle is dropped and the buffer stays sorted ascending by timestamp.
func TestAppendCandle_EvictsOldestPastMaxSize(t *testing.T) {
	r := New(zap.NewNop(), clock.Real{}, time.Minute, nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		r.AppendCandle("BTC-USDT", domain.Timeframe1m, candle(ts, "100", "101", "99", "100"), 3)
	}
	buf := r.Candles("BTC-USDT", domain.Timeframe1m)
	assert.Len(t, buf, 3)
	assert.True(t, buf[0].Timestamp.Equal(base.Add(2*time.Minute)), "oldest two candles must have been evicted")
	assert.True(t, buf[2].Timestamp.Equal(base.Add(4*time.Minute)))
}

// TestAppendCandle_ReplacesInProgressCandleAtSameTimestamp confirms a candle
// sharing the most recent timestamp updates in place rather than
// duplicating (spec §4.1: "an in-progress candle ... is replaced, not
// duplicated").
func TestAppendCandle_ReplacesInProgressCandleAtSameTimestamp(t *testing.T) {
	r := New(zap.NewNop(), clock.Real{}, time.Minute, nil)
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.AppendCandle("BTC-USDT", domain.Timeframe1m, candle(ts, "100", "101", "99", "100"), 10)
	r.AppendCandle("BTC-USDT", domain.Timeframe1m, candle(ts, "100", "105", "99", "104"), 10)

	buf := r.Candles("BTC-USDT", domain.Timeframe1m)
	assert.Len(t, buf, 1)
	assert.True(t, buf[0].Close.Equal(decimal.RequireFromString("104")))
}

// TestAppendCandle_DropsMalformedAndRecordsMetric confirms a candle failing
// the OHLC ordering invariant is dropped, the drop counter increments, and
// the nilable Metrics hook is exercised (review fix: dataregistry previously
// never reached Prometheus for either drop site).
func TestAppendCandle_DropsMalformedAndRecordsMetric(t *testing.T) {
	met := &countingMetrics{}
	r := New(zap.NewNop(), clock.Real{}, time.Minute, met)
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// high < low violates the OHLC ordering invariant.
	r.AppendCandle("BTC-USDT", domain.Timeframe1m, candle(ts, "100", "90", "99", "100"), 10)

	assert.Empty(t, r.Candles("BTC-USDT", domain.Timeframe1m))
	assert.Equal(t, int64(1), r.DroppedUpdateCount())
	assert.Equal(t, 1, met.drops)
}

// TestUpdateTicker_DropsMalformedAndRecordsMetric is the ticker-side
// counterpart: best_bid > last violates the Valid() invariant.
func TestUpdateTicker_DropsMalformedAndRecordsMetric(t *testing.T) {
	met := &countingMetrics{}
	r := New(zap.NewNop(), clock.Real{}, time.Minute, met)
	bad := domain.Ticker{
		Symbol: "BTC-USDT", Last: decimal.RequireFromString("100"),
		BestBid: decimal.RequireFromString("105"), BestAsk: decimal.RequireFromString("110"),
		Timestamp: time.Now(),
	}
	r.UpdateTicker("BTC-USDT", bad)

	_, _, ok := r.GetTicker("BTC-USDT")
	assert.False(t, ok)
	assert.Equal(t, int64(1), r.DroppedUpdateCount())
	assert.Equal(t, 1, met.drops)
}

// TestUpdateTicker_NilMetricsIsSafe confirms a nil Metrics never panics at
// the ticker drop site (constructor injection documents this as a no-op).
func TestUpdateTicker_NilMetricsIsSafe(t *testing.T) {
	r := New(zap.NewNop(), clock.Real{}, time.Minute, nil)
	assert.NotPanics(t, func() {
		r.UpdateTicker("BTC-USDT", domain.Ticker{Last: decimal.Zero})
	})
}

// TestGetTicker_ReportsStaleAfterThreshold verifies the staleness window
// used by the stale watchdog (spec §4.10).
func TestGetTicker_ReportsStaleAfterThreshold(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	frozen := clock.Frozen{T: start}
	r := New(zap.NewNop(), frozen, 5*time.Second, nil)
	r.UpdateTicker("BTC-USDT", domain.Ticker{
		Symbol: "BTC-USDT", Last: decimal.RequireFromString("100"), Timestamp: start,
	})

	_, stale, ok := r.GetTicker("BTC-USDT")
	assert.True(t, ok)
	assert.False(t, stale)

	frozen.T = start.Add(10 * time.Second)
	r2 := New(zap.NewNop(), frozen, 5*time.Second, nil)
	r2.UpdateTicker("BTC-USDT", domain.Ticker{
		Symbol: "BTC-USDT", Last: decimal.RequireFromString("100"), Timestamp: start,
	})
	_, stale, ok = r2.GetTicker("BTC-USDT")
	assert.True(t, ok)
	assert.True(t, stale)
}

// TestSnapshot_AggregatesTickerCandlesAndRegime confirms Snapshot returns an
// internally consistent view across all three categories for one symbol
// (spec §4.1 get_market_data).
func TestSnapshot_AggregatesTickerCandlesAndRegime(t *testing.T) {
	r := New(zap.NewNop(), clock.Real{}, time.Minute, nil)
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.UpdateTicker("BTC-USDT", domain.Ticker{Symbol: "BTC-USDT", Last: decimal.RequireFromString("100"), Timestamp: time.Now()})
	r.AppendCandle("BTC-USDT", domain.Timeframe1m, candle(ts, "100", "101", "99", "100"), 10)
	r.UpdateRegime("BTC-USDT", domain.RegimeTrending)

	snap := r.Snapshot("BTC-USDT", []domain.Timeframe{domain.Timeframe1m})
	assert.Equal(t, domain.RegimeTrending, snap.Regime)
	assert.Len(t, snap.Candles[domain.Timeframe1m], 1)
	assert.True(t, snap.Ticker.Last.Equal(decimal.RequireFromString("100")))
}

// TestGetRegime_DefaultsToUnknown confirms an unset symbol reports
// RegimeUnknown rather than a zero-value empty string being mistaken for a
// valid regime.
func TestGetRegime_DefaultsToUnknown(t *testing.T) {
	r := New(zap.NewNop(), clock.Real{}, time.Minute, nil)
	assert.Equal(t, domain.RegimeUnknown, r.GetRegime("BTC-USDT"))
}
