// Package sizing implements the Risk Manager's order-sizing algorithm (spec
// §4.4.1): equity/price/regime/profile in, size-in-coins out, running
// through profile lookup, per-symbol multiplier, percent clamps, the
// per-trade risk cap, and the MaxSizeLimiter before step-quantizing to the
// exchange's minimum size. Grounded on
// internal/execution/risk_manager.go's CalculatePositionSize (risk-amount /
// stop-distance, clamped to a max-position-size ceiling), generalized to the
// spec's multi-stage profile-driven sizing pipeline.
package sizing

import (
	"github.com/shopspring/decimal"

	"github.com/quantforge/perpscalp/internal/config"
	"github.com/quantforge/perpscalp/internal/domain"
	"github.com/quantforge/perpscalp/internal/risk"
)

// Result carries the computed size and, on rejection, the reason — mirroring
// the tagged-result idiom used throughout this engine instead of sentinel
// errors for expected business outcomes.
type Result struct {
	SizeCoins decimal.Decimal
	Rejected  bool
	Reason    string // e.g. "below_min_size"
}

// Sizer computes position size in coins from account/profile/regime state.
type Sizer struct {
	cfg *config.Config
	rm  *risk.Manager
}

// New builds a Sizer over the resolved config and the shared risk Manager
// (for the MaxSizeLimiter check).
func New(cfg *config.Config, rm *risk.Manager) *Sizer {
	return &Sizer{cfg: cfg, rm: rm}
}

// Compute implements spec §4.4.1 end to end.
func (s *Sizer) Compute(symbol string, equity, price decimal.Decimal, regime domain.Regime, sym domain.Symbol) Result {
	profile := s.cfg.ResolveProfile(equity)
	pc := s.cfg.ResolveProfileSizing(profile)

	baseUSD := s.baseSizeUSD(pc, equity)

	if sp, ok := s.cfg.SymbolProfiles[symbol]; ok && !sp.Multiplier.IsZero() {
		baseUSD = baseUSD.Mul(sp.Multiplier)
	}

	if !pc.MinPositionUSD.IsZero() && baseUSD.LessThan(pc.MinPositionUSD) {
		baseUSD = pc.MinPositionUSD
	}
	if !pc.MaxPositionUSD.IsZero() && baseUSD.GreaterThan(pc.MaxPositionUSD) {
		baseUSD = pc.MaxPositionUSD
	}

	if !pc.MaxPositionPercent.IsZero() {
		cap := equity.Mul(pc.MaxPositionPercent).Div(decimal.NewFromInt(100))
		if baseUSD.GreaterThan(cap) {
			baseUSD = cap
		}
	}

	riskPct := s.cfg.ResolveRiskPerTradePercent(symbol, regime)
	if riskPct.IsZero() {
		riskPct = decimal.NewFromFloat(1) // fallback 1% per spec §4.4.1
	}
	if !price.IsZero() {
		riskCapUSD := riskPct.Div(decimal.NewFromInt(100)).Mul(equity).Mul(decimal.NewFromInt(int64(s.cfg.Leverage)))
		if baseUSD.GreaterThan(riskCapUSD) {
			baseUSD = riskCapUSD
		}
	}

	if ok, reason := s.rm.CheckMaxSize(symbol, baseUSD); !ok {
		return Result{Rejected: true, Reason: reason}
	}

	if price.IsZero() {
		return Result{Rejected: true, Reason: "zero_price"}
	}
	coins := baseUSD.Div(price)
	coins = quantizeDown(coins, sym.MinSize)

	if coins.LessThan(sym.MinSize) || coins.IsZero() {
		return Result{Rejected: true, Reason: "below_min_size"}
	}
	return Result{SizeCoins: coins}
}

// baseSizeUSD looks up the profile's base position USD, either fixed or
// progressive-linear between size_at_min and size_at_max across
// [min_balance, threshold_or_max_balance] (spec §4.4.1).
func (s *Sizer) baseSizeUSD(pc config.ProfileConfig, equity decimal.Decimal) decimal.Decimal {
	if !pc.Progressive {
		return pc.BasePositionUSD
	}

	upper := pc.ThresholdBalance
	if upper.IsZero() {
		upper = pc.MaxBalance
	}
	span := upper.Sub(pc.MinBalance)
	if span.LessThanOrEqual(decimal.Zero) {
		return pc.SizeAtMin
	}

	clamped := equity
	if clamped.LessThan(pc.MinBalance) {
		clamped = pc.MinBalance
	}
	if clamped.GreaterThan(upper) {
		clamped = upper
	}

	frac := clamped.Sub(pc.MinBalance).Div(span)
	return pc.SizeAtMin.Add(pc.SizeAtMax.Sub(pc.SizeAtMin).Mul(frac))
}

// quantizeDown rounds coins down to a multiple of step, returning coins
// unchanged when step is unset rather than dividing by zero.
func quantizeDown(coins, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return coins
	}
	units := coins.Div(step).Floor()
	return units.Mul(step)
}
