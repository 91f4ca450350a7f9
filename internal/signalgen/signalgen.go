// Package signalgen produces candidate entry signals from indicator state
// (spec: "Regime Detector -> Signal Generator -> Signal Coordinator"). It
// runs a small bank of independent filters over the latest indicator
// snapshot and combines their votes into a side, a strength in [0,1], and a
// filters-passed count — the two fields the Order Coordinator's
// timeout-path re-validation and the worked example in spec §9.5 both read
// directly ("a still-valid buy with strength 0.7 and 4 filters passed").
//
// Grounded on the teacher's internal/strategy.Strategy interface
// (OnBar/OnTick producing a *Signal with Strength/StopLoss/TakeProfit) and
// internal/signals's multi-source aggregation idea, generalized from
// "multiple independent strategies voting" to "multiple independent
// indicator filters voting" since this engine has one regime-adaptive
// strategy, not a strategy marketplace.
package signalgen

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantforge/perpscalp/internal/domain"
	"github.com/quantforge/perpscalp/internal/indicators"
)

// Signal is a candidate entry produced for one symbol.
type Signal struct {
	Symbol        string
	Side          domain.Side
	Strength      float64 // 0..1, fraction of filters agreeing
	FiltersPassed int
	FiltersTotal  int
	LimitPrice    decimal.Decimal
	Regime        domain.Regime
}

// filter is one independent vote: reports whether it fired, and for which
// side.
type filter func(ind indicators.Snapshot, regime domain.Regime) (fired bool, side domain.Side)

// Generator runs the filter bank against the latest indicator snapshot for
// a symbol.
type Generator struct {
	logger  *zap.Logger
	filters []filter
}

// New builds a Generator with the default RSI/MACD/ADX/trend filter bank.
func New(logger *zap.Logger) *Generator {
	return &Generator{
		logger: logger.Named("signal_generator"),
		filters: []filter{
			rsiReversionFilter,
			macdCrossFilter,
			trendAlignmentFilter,
			momentumConfirmFilter,
		},
	}
}

// Generate evaluates the filter bank for symbol given its latest candles'
// indicator snapshot and regime, returning the majority-side candidate
// signal, or ok=false if no side won a majority of fired filters.
func (g *Generator) Generate(symbol string, ind indicators.Snapshot, regime domain.Regime, mid decimal.Decimal) (Signal, bool) {
	if !ind.RSIReady || !ind.MACDReady {
		return Signal{}, false
	}

	longVotes, shortVotes, total := 0, 0, 0
	for _, f := range g.filters {
		fired, side := f(ind, regime)
		if !fired {
			continue
		}
		total++
		if side == domain.SideLong {
			longVotes++
		} else {
			shortVotes++
		}
	}
	if total == 0 || longVotes == shortVotes {
		return Signal{}, false
	}

	side := domain.SideLong
	passed := longVotes
	if shortVotes > longVotes {
		side = domain.SideShort
		passed = shortVotes
	}
	if passed == 0 {
		return Signal{}, false
	}

	strength := float64(passed) / float64(len(g.filters))
	return Signal{
		Symbol: symbol, Side: side, Strength: strength,
		FiltersPassed: passed, FiltersTotal: len(g.filters),
		LimitPrice: mid, Regime: regime,
	}, true
}

// rsiReversionFilter fires long below 30, short above 70 (classic
// mean-reversion entry, consistent with the exit side's RSI>70/<30 roles in
// spec §4.7's smart indicator exit).
func rsiReversionFilter(ind indicators.Snapshot, regime domain.Regime) (bool, domain.Side) {
	if ind.RSI < 30 {
		return true, domain.SideLong
	}
	if ind.RSI > 70 {
		return true, domain.SideShort
	}
	return false, ""
}

// macdCrossFilter fires long when MACD line is above its signal line
// (bullish), short when below.
func macdCrossFilter(ind indicators.Snapshot, regime domain.Regime) (bool, domain.Side) {
	if !ind.MACDReady {
		return false, ""
	}
	if ind.MACDLine > ind.MACDSignal {
		return true, domain.SideLong
	}
	return true, domain.SideShort
}

// trendAlignmentFilter only fires in a trending regime, siding with MACD's
// direction — a trending-regime-only confirmation vote, not an independent
// signal, so it amplifies macdCrossFilter's side rather than contradicting
// it in a trend.
func trendAlignmentFilter(ind indicators.Snapshot, regime domain.Regime) (bool, domain.Side) {
	if regime != domain.RegimeTrending || !ind.ADXReady {
		return false, ""
	}
	if ind.MACDLine > ind.MACDSignal {
		return true, domain.SideLong
	}
	return true, domain.SideShort
}

// momentumConfirmFilter requires RSI past the midline in the direction MACD
// already suggests, guarding against a pure crossover with no momentum
// behind it.
func momentumConfirmFilter(ind indicators.Snapshot, regime domain.Regime) (bool, domain.Side) {
	if !ind.MACDReady {
		return false, ""
	}
	if ind.MACDLine > ind.MACDSignal && ind.RSI > 50 {
		return true, domain.SideLong
	}
	if ind.MACDLine < ind.MACDSignal && ind.RSI < 50 {
		return true, domain.SideShort
	}
	return false, ""
}
