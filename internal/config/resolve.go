package config

import (
	"github.com/shopspring/decimal"

	"github.com/quantforge/perpscalp/internal/domain"
)

// symbolRegimeParams returns the most specific override available for
// (symbol, regime), if any, checking symbol_profiles[symbol].regimes[regime]
// first, per the priority chain of §4.9.1.
func (c *Config) symbolRegimeParams(symbol string, regime domain.Regime) (RegimeParams, bool) {
	sp, ok := c.SymbolProfiles[symbol]
	if !ok {
		return RegimeParams{}, false
	}
	rp, ok := sp.Regimes[regime]
	return rp, ok
}

// symbolParams returns the symbol-level (regime-agnostic) override, if any.
func (c *Config) symbolParams(symbol string) (RegimeParams, bool) {
	sp, ok := c.SymbolProfiles[symbol]
	if !ok {
		return RegimeParams{}, false
	}
	return sp.RegimeParams, true
}

// regimeParams returns the adaptive_regime-level override, if any.
func (c *Config) regimeParams(regime domain.Regime) (RegimeParams, bool) {
	rp, ok := c.AdaptiveRegime.Regimes[regime]
	return rp, ok
}

// ResolveTPPercent implements the §4.9.1 priority chain:
// symbol_profiles[symbol][regime].tp_percent -> symbol_profiles[symbol].tp_percent
// -> adaptive_regime.regimes[regime].tp_percent -> scalping.tp_percent.
func (c *Config) ResolveTPPercent(symbol string, regime domain.Regime) decimal.Decimal {
	if rp, ok := c.symbolRegimeParams(symbol, regime); ok && !rp.TPPercent.IsZero() {
		return rp.TPPercent
	}
	if rp, ok := c.symbolParams(symbol); ok && !rp.TPPercent.IsZero() {
		return rp.TPPercent
	}
	if rp, ok := c.regimeParams(regime); ok && !rp.TPPercent.IsZero() {
		return rp.TPPercent
	}
	return c.Scalping.TPPercent
}

// ResolveSLPercent follows the same chain for sl_percent.
func (c *Config) ResolveSLPercent(symbol string, regime domain.Regime) decimal.Decimal {
	if rp, ok := c.symbolRegimeParams(symbol, regime); ok && !rp.SLPercent.IsZero() {
		return rp.SLPercent
	}
	if rp, ok := c.symbolParams(symbol); ok && !rp.SLPercent.IsZero() {
		return rp.SLPercent
	}
	if rp, ok := c.regimeParams(regime); ok && !rp.SLPercent.IsZero() {
		return rp.SLPercent
	}
	return c.Scalping.SLPercent
}

// ResolveMinHoldingSeconds follows the chain for min_holding_seconds.
func (c *Config) ResolveMinHoldingSeconds(symbol string, regime domain.Regime) int {
	if rp, ok := c.symbolRegimeParams(symbol, regime); ok && rp.MinHoldingSeconds != 0 {
		return rp.MinHoldingSeconds
	}
	if rp, ok := c.symbolParams(symbol); ok && rp.MinHoldingSeconds != 0 {
		return rp.MinHoldingSeconds
	}
	if rp, ok := c.regimeParams(regime); ok && rp.MinHoldingSeconds != 0 {
		return rp.MinHoldingSeconds
	}
	return c.Scalping.MinHoldingSeconds
}

// ResolveRiskPerTradePercent follows the chain for risk_per_trade_percent.
func (c *Config) ResolveRiskPerTradePercent(symbol string, regime domain.Regime) decimal.Decimal {
	if rp, ok := c.symbolRegimeParams(symbol, regime); ok && !rp.RiskPerTradePercent.IsZero() {
		return rp.RiskPerTradePercent
	}
	if rp, ok := c.symbolParams(symbol); ok && !rp.RiskPerTradePercent.IsZero() {
		return rp.RiskPerTradePercent
	}
	if rp, ok := c.regimeParams(regime); ok && !rp.RiskPerTradePercent.IsZero() {
		return rp.RiskPerTradePercent
	}
	if !c.Risk.RiskPerTradePercent.IsZero() {
		return c.Risk.RiskPerTradePercent
	}
	return c.Scalping.BaseRiskPercentage
}

// ResolveTrailingPercent follows the chain for trailing_percent (§4.6).
func (c *Config) ResolveTrailingPercent(symbol string, regime domain.Regime) decimal.Decimal {
	if rp, ok := c.symbolRegimeParams(symbol, regime); ok && !rp.TrailingPercent.IsZero() {
		return rp.TrailingPercent
	}
	if rp, ok := c.symbolParams(symbol); ok && !rp.TrailingPercent.IsZero() {
		return rp.TrailingPercent
	}
	if rp, ok := c.regimeParams(regime); ok && !rp.TrailingPercent.IsZero() {
		return rp.TrailingPercent
	}
	return c.ResolveSLPercent(symbol, regime)
}

// ResolveMinProfitToClose follows the chain for min_profit_to_close.
func (c *Config) ResolveMinProfitToClose(symbol string, regime domain.Regime) decimal.Decimal {
	if rp, ok := c.symbolRegimeParams(symbol, regime); ok && !rp.MinProfitToClose.IsZero() {
		return rp.MinProfitToClose
	}
	if rp, ok := c.symbolParams(symbol); ok && !rp.MinProfitToClose.IsZero() {
		return rp.MinProfitToClose
	}
	if rp, ok := c.regimeParams(regime); ok && !rp.MinProfitToClose.IsZero() {
		return rp.MinProfitToClose
	}
	return c.Scalping.MinProfitToClose
}

// ResolveLossCutPercent follows the chain for loss_cut_percent.
func (c *Config) ResolveLossCutPercent(symbol string, regime domain.Regime) decimal.Decimal {
	if rp, ok := c.symbolRegimeParams(symbol, regime); ok && !rp.LossCutPercent.IsZero() {
		return rp.LossCutPercent
	}
	if rp, ok := c.symbolParams(symbol); ok && !rp.LossCutPercent.IsZero() {
		return rp.LossCutPercent
	}
	if rp, ok := c.regimeParams(regime); ok && !rp.LossCutPercent.IsZero() {
		return rp.LossCutPercent
	}
	return c.ResolveSLPercent(symbol, regime)
}

// ResolveTimeoutMinutes follows the chain for timeout_minutes (max holding time).
func (c *Config) ResolveTimeoutMinutes(symbol string, regime domain.Regime) int {
	if rp, ok := c.symbolRegimeParams(symbol, regime); ok && rp.TimeoutMinutes != 0 {
		return rp.TimeoutMinutes
	}
	if rp, ok := c.symbolParams(symbol); ok && rp.TimeoutMinutes != 0 {
		return rp.TimeoutMinutes
	}
	if rp, ok := c.regimeParams(regime); ok && rp.TimeoutMinutes != 0 {
		return rp.TimeoutMinutes
	}
	return c.Scalping.MaxHoldingMinutes
}

// ResolvePHThreshold follows the chain for ph_threshold (profit-harvest).
func (c *Config) ResolvePHThreshold(symbol string, regime domain.Regime) decimal.Decimal {
	if rp, ok := c.symbolRegimeParams(symbol, regime); ok && !rp.PHThreshold.IsZero() {
		return rp.PHThreshold
	}
	if rp, ok := c.symbolParams(symbol); ok && !rp.PHThreshold.IsZero() {
		return rp.PHThreshold
	}
	if rp, ok := c.regimeParams(regime); ok && !rp.PHThreshold.IsZero() {
		return rp.PHThreshold
	}
	return decimal.Zero
}

// ResolveSafetyThreshold returns the margin safety threshold for a regime.
// Regime-only, no symbol override, and no scalping-level fallback — it is
// validated as Required at startup (§4.9.1), so callers can assume presence.
func (c *Config) ResolveSafetyThreshold(regime domain.Regime) decimal.Decimal {
	if rc, ok := c.Margin.ByRegime[regime]; ok {
		return rc.SafetyThreshold
	}
	return c.Margin.ByRegime[domain.RegimeUnknown].SafetyThreshold
}

// ResolveProfileSizing returns the sizing bounds for a balance profile.
func (c *Config) ResolveProfileSizing(profile domain.BalanceProfile) ProfileConfig {
	return c.Profiles[profile]
}

// ResolvePHTimeLimitSeconds follows the chain for ph_time_limit_seconds.
func (c *Config) ResolvePHTimeLimitSeconds(symbol string, regime domain.Regime) int {
	if rp, ok := c.symbolRegimeParams(symbol, regime); ok && rp.PHTimeLimitSeconds != 0 {
		return rp.PHTimeLimitSeconds
	}
	if rp, ok := c.symbolParams(symbol); ok && rp.PHTimeLimitSeconds != 0 {
		return rp.PHTimeLimitSeconds
	}
	if rp, ok := c.regimeParams(regime); ok && rp.PHTimeLimitSeconds != 0 {
		return rp.PHTimeLimitSeconds
	}
	return 0
}

// ResolveMinTrendStrength follows the chain for min_trend_strength (TP extension gate).
func (c *Config) ResolveMinTrendStrength(symbol string, regime domain.Regime) decimal.Decimal {
	if rp, ok := c.symbolRegimeParams(symbol, regime); ok && !rp.MinTrendStrength.IsZero() {
		return rp.MinTrendStrength
	}
	if rp, ok := c.symbolParams(symbol); ok && !rp.MinTrendStrength.IsZero() {
		return rp.MinTrendStrength
	}
	if rp, ok := c.regimeParams(regime); ok && !rp.MinTrendStrength.IsZero() {
		return rp.MinTrendStrength
	}
	return decimal.Zero
}

// ResolveExtensionStep follows the chain for extension_step (TP extension).
func (c *Config) ResolveExtensionStep(symbol string, regime domain.Regime) decimal.Decimal {
	if rp, ok := c.symbolRegimeParams(symbol, regime); ok && !rp.ExtensionStep.IsZero() {
		return rp.ExtensionStep
	}
	if rp, ok := c.symbolParams(symbol); ok && !rp.ExtensionStep.IsZero() {
		return rp.ExtensionStep
	}
	if rp, ok := c.regimeParams(regime); ok && !rp.ExtensionStep.IsZero() {
		return rp.ExtensionStep
	}
	return decimal.Zero
}

// ResolveMaxTPPercent follows the chain for max_tp_percent.
func (c *Config) ResolveMaxTPPercent(symbol string, regime domain.Regime) decimal.Decimal {
	if rp, ok := c.symbolRegimeParams(symbol, regime); ok && !rp.MaxTPPercent.IsZero() {
		return rp.MaxTPPercent
	}
	if rp, ok := c.symbolParams(symbol); ok && !rp.MaxTPPercent.IsZero() {
		return rp.MaxTPPercent
	}
	if rp, ok := c.regimeParams(regime); ok && !rp.MaxTPPercent.IsZero() {
		return rp.MaxTPPercent
	}
	return decimal.Zero
}

// ResolveTPATRMultiplier follows the chain for tp_atr_multiplier.
func (c *Config) ResolveTPATRMultiplier(symbol string, regime domain.Regime) decimal.Decimal {
	if rp, ok := c.symbolRegimeParams(symbol, regime); ok && !rp.TPATRMultiplier.IsZero() {
		return rp.TPATRMultiplier
	}
	if rp, ok := c.symbolParams(symbol); ok && !rp.TPATRMultiplier.IsZero() {
		return rp.TPATRMultiplier
	}
	if rp, ok := c.regimeParams(regime); ok && !rp.TPATRMultiplier.IsZero() {
		return rp.TPATRMultiplier
	}
	return decimal.Zero
}

// ResolveBigProfitThreshold follows the chain for big_profit_threshold.
func (c *Config) ResolveBigProfitThreshold(symbol string, regime domain.Regime) decimal.Decimal {
	if rp, ok := c.symbolRegimeParams(symbol, regime); ok && !rp.BigProfitThreshold.IsZero() {
		return rp.BigProfitThreshold
	}
	if rp, ok := c.symbolParams(symbol); ok && !rp.BigProfitThreshold.IsZero() {
		return rp.BigProfitThreshold
	}
	if rp, ok := c.regimeParams(regime); ok && !rp.BigProfitThreshold.IsZero() {
		return rp.BigProfitThreshold
	}
	return decimal.Zero
}

// ResolveBigProfitTrailingPct follows the chain for big_profit_trailing_pct,
// using the strong-trend variant when strongTrend is true.
func (c *Config) ResolveBigProfitTrailingPct(symbol string, regime domain.Regime, strongTrend bool) decimal.Decimal {
	pick := func(rp RegimeParams) decimal.Decimal {
		if strongTrend && !rp.BigProfitTrailingPctStrongTrend.IsZero() {
			return rp.BigProfitTrailingPctStrongTrend
		}
		return rp.BigProfitTrailingPct
	}
	if rp, ok := c.symbolRegimeParams(symbol, regime); ok && !pick(rp).IsZero() {
		return pick(rp)
	}
	if rp, ok := c.symbolParams(symbol); ok && !pick(rp).IsZero() {
		return pick(rp)
	}
	if rp, ok := c.regimeParams(regime); ok && !pick(rp).IsZero() {
		return pick(rp)
	}
	if strongTrend {
		return decimal.NewFromFloat(0.40)
	}
	return decimal.NewFromFloat(0.30)
}

// ResolvePartialTPParams follows the chain for the partial-TP trigger fields.
func (c *Config) ResolvePartialTPParams(symbol string, regime domain.Regime) (trigger, fraction, offsetBps decimal.Decimal) {
	pick := func(rp RegimeParams) (decimal.Decimal, decimal.Decimal, decimal.Decimal) {
		return rp.PartialTPTriggerPercent, rp.PartialTPFraction, rp.PartialTPLimitOffsetBps
	}
	if rp, ok := c.symbolRegimeParams(symbol, regime); ok && !rp.PartialTPTriggerPercent.IsZero() {
		return pick(rp)
	}
	if rp, ok := c.symbolParams(symbol); ok && !rp.PartialTPTriggerPercent.IsZero() {
		return pick(rp)
	}
	if rp, ok := c.regimeParams(regime); ok && !rp.PartialTPTriggerPercent.IsZero() {
		return pick(rp)
	}
	return decimal.Zero, decimal.Zero, decimal.Zero
}

// ResolveMaxEmergencyLossPercent follows the chain for max_emergency_loss_percent.
func (c *Config) ResolveMaxEmergencyLossPercent(symbol string, regime domain.Regime) decimal.Decimal {
	if rp, ok := c.symbolRegimeParams(symbol, regime); ok && !rp.MaxEmergencyLossPercent.IsZero() {
		return rp.MaxEmergencyLossPercent
	}
	if rp, ok := c.symbolParams(symbol); ok && !rp.MaxEmergencyLossPercent.IsZero() {
		return rp.MaxEmergencyLossPercent
	}
	if rp, ok := c.regimeParams(regime); ok && !rp.MaxEmergencyLossPercent.IsZero() {
		return rp.MaxEmergencyLossPercent
	}
	return decimal.Zero
}

// ResolveEmergencyMinAgeSeconds follows the chain for emergency_min_age_seconds.
func (c *Config) ResolveEmergencyMinAgeSeconds(symbol string, regime domain.Regime) int {
	if rp, ok := c.symbolRegimeParams(symbol, regime); ok && rp.EmergencyMinAgeSeconds != 0 {
		return rp.EmergencyMinAgeSeconds
	}
	if rp, ok := c.symbolParams(symbol); ok && rp.EmergencyMinAgeSeconds != 0 {
		return rp.EmergencyMinAgeSeconds
	}
	if rp, ok := c.regimeParams(regime); ok && rp.EmergencyMinAgeSeconds != 0 {
		return rp.EmergencyMinAgeSeconds
	}
	return 30
}

// ResolveMinProfitForExtension follows the chain for min_profit_for_extension.
func (c *Config) ResolveMinProfitForExtension(symbol string, regime domain.Regime) decimal.Decimal {
	if rp, ok := c.symbolRegimeParams(symbol, regime); ok && !rp.MinProfitForExtension.IsZero() {
		return rp.MinProfitForExtension
	}
	if rp, ok := c.symbolParams(symbol); ok && !rp.MinProfitForExtension.IsZero() {
		return rp.MinProfitForExtension
	}
	if rp, ok := c.regimeParams(regime); ok && !rp.MinProfitForExtension.IsZero() {
		return rp.MinProfitForExtension
	}
	return decimal.Zero
}

// ResolveExtensionPercent follows the chain for extension_percent (time-based
// holding-window extension).
func (c *Config) ResolveExtensionPercent(symbol string, regime domain.Regime) decimal.Decimal {
	if rp, ok := c.symbolRegimeParams(symbol, regime); ok && !rp.ExtensionPercent.IsZero() {
		return rp.ExtensionPercent
	}
	if rp, ok := c.symbolParams(symbol); ok && !rp.ExtensionPercent.IsZero() {
		return rp.ExtensionPercent
	}
	if rp, ok := c.regimeParams(regime); ok && !rp.ExtensionPercent.IsZero() {
		return rp.ExtensionPercent
	}
	return decimal.Zero
}

// ResolveSmartIndicatorExitEnabled follows the chain for
// smart_indicator_exit_enabled.
func (c *Config) ResolveSmartIndicatorExitEnabled(symbol string, regime domain.Regime) bool {
	if rp, ok := c.symbolRegimeParams(symbol, regime); ok {
		return rp.SmartIndicatorExitEnabled
	}
	if rp, ok := c.symbolParams(symbol); ok {
		return rp.SmartIndicatorExitEnabled
	}
	if rp, ok := c.regimeParams(regime); ok {
		return rp.SmartIndicatorExitEnabled
	}
	return false
}

// ResolveSyncIntervalMultiplier follows the chain for interval_multiplier
// (spec §4.11): symbol×regime, then symbol, then regime. The balance profile
// is not a tier of this chain. Returns 1 when unconfigured at every tier.
func (c *Config) ResolveSyncIntervalMultiplier(symbol string, regime domain.Regime) decimal.Decimal {
	if rp, ok := c.symbolRegimeParams(symbol, regime); ok && !rp.IntervalMultiplier.IsZero() {
		return rp.IntervalMultiplier
	}
	if rp, ok := c.symbolParams(symbol); ok && !rp.IntervalMultiplier.IsZero() {
		return rp.IntervalMultiplier
	}
	if rp, ok := c.regimeParams(regime); ok && !rp.IntervalMultiplier.IsZero() {
		return rp.IntervalMultiplier
	}
	return decimal.NewFromInt(1)
}

// ResolveMaxDrawdownPercent returns the per-regime max_drawdown_percent
// (spec §4.9: "Emergency Stop ... drawdown > max_drawdown_percent[regime]").
// Regime-only, required configuration — no symbol or global fallback.
func (c *Config) ResolveMaxDrawdownPercent(regime domain.Regime) decimal.Decimal {
	if rc, ok := c.Margin.ByRegime[regime]; ok {
		return rc.MaxDrawdownPercent
	}
	return c.Margin.ByRegime[domain.RegimeUnknown].MaxDrawdownPercent
}

// ResolveMinLockMinutes returns the per-regime min_lock_minutes the
// Emergency Stop auto-unlock check waits out.
func (c *Config) ResolveMinLockMinutes(regime domain.Regime) int {
	if rc, ok := c.Margin.ByRegime[regime]; ok {
		return rc.MinLockMinutes
	}
	return c.Margin.ByRegime[domain.RegimeUnknown].MinLockMinutes
}

// ResolveUnlockThresholdPercent returns the per-regime unlock_threshold_percent.
func (c *Config) ResolveUnlockThresholdPercent(regime domain.Regime) decimal.Decimal {
	if rc, ok := c.Margin.ByRegime[regime]; ok {
		return rc.UnlockThresholdPercent
	}
	return c.Margin.ByRegime[domain.RegimeUnknown].UnlockThresholdPercent
}
