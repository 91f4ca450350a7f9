// Package trailingsl implements the Trailing-SL Coordinator (spec §4.6):
// per-symbol ratcheting stop-loss state, profit accounting, and the
// ordered close-decision chain (timeout, SL, trailing trip, loss cut)
// evaluated both on every price tick and on an independent periodic
// fallback tick.
//
// Grounded on internal/margin.Calculator's tagged-Result idiom (this
// package reuses the same shape for close decisions instead of boolean
// flags plus a reason string scattered across the caller) and the
// teacher's internal/execution/risk_manager.go RiskViolation/RiskSeverity
// pairing that inspired it.
package trailingsl

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantforge/perpscalp/internal/domain"
)

// CloseReason enumerates the ordered close-decision outcomes (spec §4.6
// step 3, evaluated first-match-wins in this order).
type CloseReason string

const (
	ReasonNone         CloseReason = ""
	ReasonTimeout      CloseReason = "timeout"
	ReasonSL           CloseReason = "sl"
	ReasonTrailingStop CloseReason = "trailing_stop"
	ReasonLossCut      CloseReason = "loss_cut"
)

// Decision is the tagged result of one evaluation (spec §4.6).
type Decision struct {
	Close  bool
	Reason CloseReason
}

// state is the per-symbol trailing-stop record (spec §4.6 "State").
type state struct {
	domain.TrailingStop
	feeRateRoundTrip decimal.Decimal
}

// Coordinator owns all per-symbol trailing-stop state under one mutex
// (spec §5: single-writer per-symbol state, low contention expected since
// updates are keyed and short).
type Coordinator struct {
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	states map[string]*state
}

// New builds an empty Coordinator.
func New(logger *zap.Logger, now func() time.Time) *Coordinator {
	return &Coordinator{logger: logger.Named("trailing_sl"), now: now, states: make(map[string]*state)}
}

// Init seeds trailing-stop state for a newly opened position (spec §4.4
// step 7 / §4.6 "State ... resolved per-regime at initialization").
func (c *Coordinator) Init(symbol string, entryPrice decimal.Decimal, side domain.Side, regime domain.Regime, trailingPercent, minProfitToClose, lossCutPercent decimal.Decimal, minHoldingSeconds, timeoutMinutes int, extendTimeOnProfit bool, extendTimeMultiplier decimal.Decimal, feeRateRoundTrip decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[symbol] = &state{
		TrailingStop: domain.TrailingStop{
			Symbol: symbol, EntryPrice: entryPrice, Side: side, EntryTime: c.now(),
			PeakPrice: entryPrice, StopPrice: initialStop(entryPrice, side, trailingPercent),
			Regime: regime, TrailingPercent: trailingPercent, MinHoldingSeconds: minHoldingSeconds,
			MinProfitToClose: minProfitToClose, LossCutPercent: lossCutPercent, TimeoutMinutes: timeoutMinutes,
			ExtendTimeOnProfit: extendTimeOnProfit, ExtendTimeMultiplier: extendTimeMultiplier,
		},
		feeRateRoundTrip: feeRateRoundTrip,
	}
}

// Clear removes trailing-stop state for a closed position.
func (c *Coordinator) Clear(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, symbol)
}

// Has reports whether symbol has active trailing-stop state.
func (c *Coordinator) Has(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.states[symbol]
	return ok
}

func initialStop(entryPrice decimal.Decimal, side domain.Side, trailingPercent decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Sub(trailingPercent)
	if side == domain.SideShort {
		factor = decimal.NewFromInt(1).Add(trailingPercent)
	}
	return entryPrice.Mul(factor)
}

// profitPctNet implements spec §4.6's profit_pct_net(price) formula:
// ((price/entry - 1) * dir - fee_rate_round_trip * leverage).
func profitPctNet(s *state, price decimal.Decimal, leverage int) decimal.Decimal {
	dir := decimal.NewFromInt(1)
	if s.Side == domain.SideShort {
		dir = decimal.NewFromInt(-1)
	}
	raw := price.Div(s.EntryPrice).Sub(decimal.NewFromInt(1)).Mul(dir)
	return raw.Sub(s.feeRateRoundTrip.Mul(decimal.NewFromInt(int64(leverage))))
}

// Update applies one price tick to symbol's trailing-stop state and
// returns the close decision (spec §4.6 "Update rule").
// profitPctFromMargin is the position's unrealized-PnL/margin ratio
// (sourced by the caller from the live Position, since margin accounting
// lives outside this package). slPercent is the regime's sl_percent
// (spec §4.6 step 3: "SL: profit_pct_from_margin <= -sl_percent"), distinct
// from loss_cut_percent used by the separate loss-cut check below.
func (c *Coordinator) Update(symbol string, price decimal.Decimal, leverage int, profitPctFromMargin, slPercent decimal.Decimal) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[symbol]
	if !ok {
		return Decision{}
	}

	// 1. Peak only moves favorably.
	if s.Side == domain.SideLong {
		if price.GreaterThan(s.PeakPrice) {
			s.PeakPrice = price
		}
	} else if price.LessThan(s.PeakPrice) || s.PeakPrice.IsZero() {
		s.PeakPrice = price
	}

	// 2. Stop never rewinds.
	candidate := s.PeakPrice.Mul(decimal.NewFromInt(1).Sub(s.TrailingPercent))
	if s.Side == domain.SideShort {
		candidate = s.PeakPrice.Mul(decimal.NewFromInt(1).Add(s.TrailingPercent))
	}
	if s.Side == domain.SideLong {
		if candidate.GreaterThan(s.StopPrice) {
			s.StopPrice = candidate
		}
	} else if candidate.LessThan(s.StopPrice) || s.StopPrice.IsZero() {
		s.StopPrice = candidate
	}

	age := c.now().Sub(s.EntryTime)
	minHolding := time.Duration(s.MinHoldingSeconds) * time.Second
	profitNet := profitPctNet(s, price, leverage)

	// 4. Extend min_holding if currently profitable and extension enabled.
	if s.ExtendTimeOnProfit && profitNet.GreaterThan(decimal.Zero) {
		minHolding = time.Duration(float64(minHolding) * toFloat(s.ExtendTimeMultiplier))
	}

	// 3. Ordered close decision, first match wins.
	if s.TimeoutMinutes > 0 && age >= time.Duration(s.TimeoutMinutes)*time.Minute {
		return Decision{Close: true, Reason: ReasonTimeout}
	}
	if profitPctFromMargin.LessThanOrEqual(slPercent.Neg()) && age >= minHolding {
		// SL path requires "no TSL active"; TSL is considered active once the
		// peak has moved past entry in the favorable direction.
		if !trailingActive(s) {
			return Decision{Close: true, Reason: ReasonSL}
		}
	}
	if trailingTripped(s, price) && age >= minHolding && profitNet.GreaterThanOrEqual(s.MinProfitToClose) {
		return Decision{Close: true, Reason: ReasonTrailingStop}
	}
	lossCutThreshold := s.LossCutPercent.Div(decimal.NewFromInt(int64(maxInt(leverage, 1))))
	if profitNet.LessThanOrEqual(lossCutThreshold.Neg()) && age >= 5*time.Second {
		return Decision{Close: true, Reason: ReasonLossCut}
	}
	return Decision{Close: false, Reason: ReasonNone}
}

func trailingActive(s *state) bool {
	if s.Side == domain.SideLong {
		return s.PeakPrice.GreaterThan(s.EntryPrice)
	}
	return s.PeakPrice.LessThan(s.EntryPrice)
}

func trailingTripped(s *state, price decimal.Decimal) bool {
	if s.Side == domain.SideLong {
		return price.LessThanOrEqual(s.StopPrice)
	}
	return price.GreaterThanOrEqual(s.StopPrice)
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Snapshot returns a copy of symbol's trailing-stop state, for the admin
// API / journal.
func (c *Coordinator) Snapshot(symbol string) (domain.TrailingStop, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[symbol]
	if !ok {
		return domain.TrailingStop{}, false
	}
	return s.TrailingStop, true
}
