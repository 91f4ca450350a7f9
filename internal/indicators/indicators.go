// Package indicators wraps go-talib for the technical-analysis values the
// regime detector and exit analyzer consume (RSI/MACD for the smart exit
// filter, ADX for trend strength, ATR for ATR-derived take-profit). Grounded
// on aristath-sentinel's pkg/formulas/rsi.go — last-value extraction with a
// nil-on-insufficient-data contract, adapted here to plural indicator series
// for a whole candle buffer instead of a single scalar.
package indicators

import (
	"math"

	"github.com/markcheno/go-talib"

	"github.com/quantforge/perpscalp/internal/domain"
)

// Snapshot is the latest technical-indicator reading for a symbol's candle
// buffer. A zero-value field with its Ready flag false means insufficient
// history, mirroring talib's NaN warm-up period.
type Snapshot struct {
	RSI        float64
	RSIReady   bool
	MACDLine   float64
	MACDSignal float64
	MACDReady  bool
	ADX        float64
	ADXReady   bool
	ATR        float64
	ATRReady   bool
}

const (
	rsiPeriod        = 14
	macdFast         = 12
	macdSlow         = 26
	macdSignalPeriod = 9
	adxPeriod        = 14
	atrPeriod        = 14
)

// Compute derives a Snapshot from ascending-order candles. Returns the zero
// Snapshot (all Ready flags false) if candles is empty.
func Compute(candles []domain.Candle) Snapshot {
	n := len(candles)
	if n == 0 {
		return Snapshot{}
	}

	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, c := range candles {
		closes[i], _ = c.Close.Float64()
		highs[i], _ = c.High.Float64()
		lows[i], _ = c.Low.Float64()
	}

	var snap Snapshot

	if n >= rsiPeriod+1 {
		rsi := talib.Rsi(closes, rsiPeriod)
		if v := lastValid(rsi); v != nil {
			snap.RSI = *v
			snap.RSIReady = true
		}
	}

	if n >= macdSlow+macdSignalPeriod {
		macdLine, macdSig, _ := talib.Macd(closes, macdFast, macdSlow, macdSignalPeriod)
		line := lastValid(macdLine)
		sig := lastValid(macdSig)
		if line != nil && sig != nil {
			snap.MACDLine = *line
			snap.MACDSignal = *sig
			snap.MACDReady = true
		}
	}

	if n >= adxPeriod*2 {
		adx := talib.Adx(highs, lows, closes, adxPeriod)
		if v := lastValid(adx); v != nil {
			snap.ADX = *v
			snap.ADXReady = true
		}
	}

	if n >= atrPeriod+1 {
		atr := talib.Atr(highs, lows, closes, atrPeriod)
		if v := lastValid(atr); v != nil {
			snap.ATR = *v
			snap.ATRReady = true
		}
	}

	return snap
}

// lastValid returns a pointer to the final value in series, or nil when the
// series is empty or its final value is NaN.
func lastValid(series []float64) *float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) {
			v := series[i]
			return &v
		}
		return nil // only the trailing-most slot is meaningful; a NaN there means warm-up incomplete
	}
	return nil
}

// TrendStrength maps ADX onto the 0..1 scale the exit analyzer's
// min_trend_strength threshold is configured against (spec §4.7: "ADX-derived
// trend strength"). ADX is conventionally 0-100; values above 25 indicate a
// trending market, above 50 a strong trend.
func (s Snapshot) TrendStrength() float64 {
	if !s.ADXReady {
		return 0
	}
	return math.Min(s.ADX/50.0, 1.0)
}
