// Package exitanalyzer implements the Exit Analyzer and Position Monitor
// (spec §4.7): per-position exit decisions evaluated after Trailing-SL has
// not already triggered, and the periodic task that drives them.
//
// Grounded on original_source's smart_exit_coordinator.py for the
// "apply smart filter, close via callback" shape and the ordered
// evaluation of emergency/PH/TP/partial-TP/time/smart-indicator checks, and
// on internal/margin.Calculator's tagged-Result idiom, which this package
// reuses for the analyzer's own {hold, partial_close, close, extend_tp}
// decision instead of a boolean-plus-string-reason pair.
package exitanalyzer

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantforge/perpscalp/internal/config"
	"github.com/quantforge/perpscalp/internal/dataregistry"
	"github.com/quantforge/perpscalp/internal/domain"
	"github.com/quantforge/perpscalp/internal/indicators"
	"github.com/quantforge/perpscalp/internal/positionregistry"
)

// Action is the tagged outcome of one Exit Analyzer evaluation (spec §4.7:
// "{hold, partial_close(fraction, reason), close(reason), extend_tp}").
type Action string

const (
	ActionHold         Action = "hold"
	ActionPartialClose Action = "partial_close"
	ActionClose        Action = "close"
	ActionExtendTP     Action = "extend_tp"
)

// Reason enumerates the close/partial-close reasons spec §4.7 and §8 name.
type Reason string

const (
	ReasonNone                   Reason = ""
	ReasonEmergencyLossProtection Reason = "emergency_loss_protection"
	ReasonProfitHarvest          Reason = "profit_harvest"
	ReasonTP                     Reason = "tp"
	ReasonBigProfitTrailing      Reason = "big_profit_trailing"
	ReasonPartialTP              Reason = "partial_tp"
	ReasonMaxHoldingTime         Reason = "max_holding_time"
	ReasonSmartIndicatorFilter   Reason = "smart_indicator_filter"
)

// Decision is the tagged result Evaluate returns.
type Decision struct {
	Action   Action
	Reason   Reason
	Fraction decimal.Decimal // set for ActionPartialClose
	Blocked  Reason          // set when a would-fire reason was held back by min-holding, for logging
}

// trailingHighState tracks the 5-minute trailing-high-of-net-PnL window the
// big-profit trailing exit needs (spec §4.7: "maintain a trailing high of
// net PnL over the last 5 minutes per position").
type trailingHighState struct {
	samples []pnlSample
}

type pnlSample struct {
	at  time.Time
	pnl decimal.Decimal
}

const trailingHighWindow = 5 * time.Minute

func (s *trailingHighState) push(now time.Time, pnl decimal.Decimal) decimal.Decimal {
	s.samples = append(s.samples, pnlSample{at: now, pnl: pnl})
	cutoff := now.Add(-trailingHighWindow)
	i := 0
	for i < len(s.samples) && s.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.samples = s.samples[i:]
	}
	high := pnl
	for _, s := range s.samples {
		if s.pnl.GreaterThan(high) {
			high = s.pnl
		}
	}
	return high
}

// Analyzer implements spec §4.7's per-position decision tree.
type Analyzer struct {
	logger  *zap.Logger
	cfg     *config.Config
	dataReg *dataregistry.Registry
	now     func() time.Time

	trailingHigh map[string]*trailingHighState
}

// New builds an Analyzer.
func New(logger *zap.Logger, cfg *config.Config, dataReg *dataregistry.Registry, now func() time.Time) *Analyzer {
	return &Analyzer{
		logger: logger.Named("exit_analyzer"), cfg: cfg, dataReg: dataReg, now: now,
		trailingHigh: make(map[string]*trailingHighState),
	}
}

// ClearPosition drops trailing-high state on position close, so a reopened
// position does not inherit a stale high-water mark.
func (a *Analyzer) ClearPosition(symbol string) {
	delete(a.trailingHigh, symbol)
}

// Evaluate runs spec §4.7's ordered decision chain for one position against
// its current mark price and the regime's adaptive parameters. equity is
// used for the emergency-loss and partial-TP margin-ratio computations.
func (a *Analyzer) Evaluate(symbol string, pos domain.Position, meta domain.PositionMetadata, equity decimal.Decimal, ind indicators.Snapshot) Decision {
	regime := meta.RegimeAtEntry
	age := a.now().Sub(pos.OpenTime)
	marginUsed := pos.Margin
	profitPctFromMargin := decimal.Zero
	if !marginUsed.IsZero() {
		profitPctFromMargin = pos.UnrealizedPnL.Div(marginUsed)
	}
	netPnL := pos.UnrealizedPnL.Sub(a.roundTripCommissionUSD(pos))
	minHolding := time.Duration(meta.MinHoldingSeconds) * time.Second

	// Emergency loss protection — not subject to min-holding.
	maxEmergencyLoss := a.cfg.ResolveMaxEmergencyLossPercent(symbol, regime)
	emergencyMinAge := time.Duration(a.cfg.ResolveEmergencyMinAgeSeconds(symbol, regime)) * time.Second
	if !maxEmergencyLoss.IsZero() && profitPctFromMargin.LessThanOrEqual(maxEmergencyLoss.Neg()) && age >= emergencyMinAge {
		return Decision{Action: ActionClose, Reason: ReasonEmergencyLossProtection}
	}

	// Profit Harvest — strictly per-regime, runs before TP.
	phThreshold := a.cfg.ResolvePHThreshold(symbol, regime)
	phTimeLimit := time.Duration(a.cfg.ResolvePHTimeLimitSeconds(symbol, regime)) * time.Second
	if !phThreshold.IsZero() && netPnL.GreaterThanOrEqual(phThreshold) {
		if age < phTimeLimit && age >= minHolding {
			return Decision{Action: ActionClose, Reason: ReasonProfitHarvest}
		}
	}

	// Adaptive Take-Profit, with ATR-derived override and strong-trend extend.
	tpPercent := a.cfg.ResolveTPPercent(symbol, regime)
	if atrMult := a.cfg.ResolveTPATRMultiplier(symbol, regime); ind.ATRReady && !atrMult.IsZero() && !pos.EntryPrice.IsZero() {
		if atrPct := decimal.NewFromFloat(ind.ATR).Mul(atrMult).Div(pos.EntryPrice); atrPct.GreaterThan(decimal.Zero) {
			tpPercent = atrPct
		}
	}
	buffer := a.cfg.Commission.EffectiveRoundTrip(true, true).
		Add(a.cfg.Scalping.SlippageBufferPercent)
	effectiveTPThreshold := tpPercent.Add(buffer)
	strongTrend := ind.ADXReady && decimal.NewFromFloat(ind.TrendStrength()).GreaterThanOrEqual(a.cfg.ResolveMinTrendStrength(symbol, regime)) && regime == domain.RegimeTrending
	if profitPctFromMargin.GreaterThanOrEqual(effectiveTPThreshold) {
		if age < minHolding {
			return Decision{Action: ActionHold, Blocked: ReasonTP}
		}
		if strongTrend {
			step := a.cfg.ResolveExtensionStep(symbol, regime)
			maxTP := a.cfg.ResolveMaxTPPercent(symbol, regime)
			if !step.IsZero() && (maxTP.IsZero() || tpPercent.Add(step).LessThanOrEqual(maxTP)) {
				return Decision{Action: ActionExtendTP, Reason: ReasonTP}
			}
		}
		return Decision{Action: ActionClose, Reason: ReasonTP}
	}

	// Big-profit trailing exit.
	bigProfitThreshold := a.cfg.ResolveBigProfitThreshold(symbol, regime)
	if !bigProfitThreshold.IsZero() {
		hs, ok := a.trailingHigh[symbol]
		if !ok {
			hs = &trailingHighState{}
			a.trailingHigh[symbol] = hs
		}
		high := hs.push(a.now(), netPnL)
		trailingPct := a.cfg.ResolveBigProfitTrailingPct(symbol, regime, strongTrend)
		if netPnL.GreaterThanOrEqual(bigProfitThreshold) && high.GreaterThan(decimal.Zero) && age >= minHolding {
			drawdown := high.Sub(netPnL).Div(high)
			if drawdown.GreaterThanOrEqual(trailingPct) {
				return Decision{Action: ActionClose, Reason: ReasonBigProfitTrailing}
			}
		}
	}

	// Partial TP (maker-preferred) — caller (Position Monitor) owns order
	// placement; the analyzer only signals the trigger and fraction.
	if !meta.PartialTPDone {
		trigger, fraction, _ := a.cfg.ResolvePartialTPParams(symbol, regime)
		if !trigger.IsZero() && profitPctFromMargin.GreaterThanOrEqual(trigger) && age >= minHolding {
			return Decision{Action: ActionPartialClose, Reason: ReasonPartialTP, Fraction: fraction}
		}
	}

	// Time-based exit.
	if d, fire := a.timeBasedExit(symbol, meta, profitPctFromMargin, age, regime); fire {
		return d
	}

	// Smart indicator exit (optional, runs last: the other paths take
	// priority when they also fire on this tick).
	if a.cfg.ResolveSmartIndicatorExitEnabled(symbol, regime) {
		if d, fire := a.smartIndicatorExit(pos.Side, ind, age, minHolding); fire {
			return d
		}
	}

	return Decision{Action: ActionHold}
}

// timeBasedExit implements spec §4.7's time-based exit chain: extend once on
// profit, hold for TSL while profit exceeds min_profit_to_close, never close
// a loser by time, else (profit above zero but not above min_profit_to_close)
// close.
func (a *Analyzer) timeBasedExit(symbol string, meta domain.PositionMetadata, profitPctFromMargin decimal.Decimal, age time.Duration, regime domain.Regime) (Decision, bool) {
	maxHolding := time.Duration(meta.MaxHoldingMinutes) * time.Minute
	if maxHolding <= 0 || age < maxHolding {
		return Decision{}, false
	}
	minProfitForExtension := a.cfg.ResolveMinProfitForExtension(symbol, regime)
	if profitPctFromMargin.GreaterThan(minProfitForExtension) && !meta.HoldingTimeExtended {
		// Caller must persist the extension via positionregistry.UpdateMetadata;
		// the analyzer signals the need via ExtendTP-shaped close=false hold.
		return Decision{Action: ActionHold, Blocked: ReasonMaxHoldingTime}, false
	}
	minProfitToClose := a.cfg.ResolveMinProfitToClose(symbol, regime)
	if profitPctFromMargin.GreaterThan(minProfitToClose) {
		return Decision{Action: ActionHold, Blocked: ReasonMaxHoldingTime}, false
	}
	if profitPctFromMargin.LessThanOrEqual(decimal.Zero) {
		return Decision{Action: ActionHold, Blocked: ReasonMaxHoldingTime}, false
	}
	return Decision{Action: ActionClose, Reason: ReasonMaxHoldingTime}, true
}

// smartIndicatorExit implements spec §4.7's RSI/MACD exit filter, with the
// explicit contradiction-holds override: if the indicators disagree with the
// exit (RSI on the wrong side of 50 for this direction), hold. Evaluate runs
// this check last, so the hold takes effect only when no earlier exit check
// fired on this tick; it does not override those earlier checks.
func (a *Analyzer) smartIndicatorExit(side domain.Side, ind indicators.Snapshot, age, minHolding time.Duration) (Decision, bool) {
	if !ind.RSIReady || !ind.MACDReady || age < minHolding {
		return Decision{}, false
	}
	if side == domain.SideLong {
		if ind.RSI < 50 {
			return Decision{Action: ActionHold}, true
		}
		if ind.RSI > 70 || ind.MACDLine < ind.MACDSignal {
			return Decision{Action: ActionClose, Reason: ReasonSmartIndicatorFilter}, true
		}
	} else {
		if ind.RSI > 50 {
			return Decision{Action: ActionHold}, true
		}
		if ind.RSI < 30 || ind.MACDLine > ind.MACDSignal {
			return Decision{Action: ActionClose, Reason: ReasonSmartIndicatorFilter}, true
		}
	}
	return Decision{}, false
}

// roundTripCommissionUSD estimates the round-trip commission in quote
// currency for the profit-harvest net_pnl_usd computation (spec §4.7: "PH ...
// net_pnl_usd").
func (a *Analyzer) roundTripCommissionUSD(pos domain.Position) decimal.Decimal {
	notional := pos.SizeCoins.Mul(pos.EntryPrice)
	return notional.Mul(a.cfg.Commission.EffectiveRoundTrip(true, true))
}

// CloseCallback closes a position fully for the given reason.
type CloseCallback func(ctx context.Context, symbol string, reason Reason) error

// PartialCloseCallback reduces a position by fraction of its current size,
// maker-preferred with a market fallback (spec §4.7 partial TP).
type PartialCloseCallback func(ctx context.Context, symbol string, fraction decimal.Decimal, reason Reason) error

// ExtendTPCallback persists a raised TP threshold in position metadata.
type ExtendTPCallback func(symbol string, newTPPercent decimal.Decimal)

// Monitor is the Position Monitor (spec §4.7): a periodic task over every
// registered position that invokes the Analyzer and dispatches its decision.
type Monitor struct {
	logger   *zap.Logger
	cfg      *config.Config
	analyzer *Analyzer
	posReg   *positionregistry.Registry
	dataReg  *dataregistry.Registry
	interval time.Duration
	now      func() time.Time

	onClose        CloseCallback
	onPartialClose PartialCloseCallback
	onExtendTP     ExtendTPCallback
}

// NewMonitor builds a Position Monitor ticking at interval (default 5s).
func NewMonitor(logger *zap.Logger, cfg *config.Config, analyzer *Analyzer, posReg *positionregistry.Registry, dataReg *dataregistry.Registry, interval time.Duration, now func() time.Time, onClose CloseCallback, onPartialClose PartialCloseCallback, onExtendTP ExtendTPCallback) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		logger: logger.Named("position_monitor"), cfg: cfg, analyzer: analyzer, posReg: posReg,
		dataReg: dataReg, interval: interval, now: now,
		onClose: onClose, onPartialClose: onPartialClose, onExtendTP: onExtendTP,
	}
}

// Run blocks, ticking every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick evaluates every registered position once (exported so the
// orchestrator's main loop can also drive it inline per spec §4.8 step 4).
func (m *Monitor) Tick(ctx context.Context) {
	positions := m.posReg.GetAll()
	metas := m.posReg.GetAllMetadata()
	balance := m.dataReg.GetBalance()
	for symbol, pos := range positions {
		meta, ok := metas[symbol]
		if !ok {
			continue
		}
		candles := m.dataReg.Candles(symbol, domain.Timeframe1m)
		ind := indicators.Compute(candles)
		decision := m.analyzer.Evaluate(symbol, pos, meta, balance.Equity, ind)
		m.dispatch(ctx, symbol, meta, decision)
	}
}

func (m *Monitor) dispatch(ctx context.Context, symbol string, meta domain.PositionMetadata, d Decision) {
	switch d.Action {
	case ActionClose:
		if m.onClose == nil {
			return
		}
		if err := m.onClose(ctx, symbol, d.Reason); err != nil {
			m.logger.Error("exit analyzer close failed", zap.String("symbol", symbol), zap.String("reason", string(d.Reason)), zap.Error(err))
			return
		}
		m.analyzer.ClearPosition(symbol)
	case ActionPartialClose:
		if m.onPartialClose == nil {
			return
		}
		if err := m.onPartialClose(ctx, symbol, d.Fraction, d.Reason); err != nil {
			m.logger.Error("exit analyzer partial close failed", zap.String("symbol", symbol), zap.Error(err))
			return
		}
		m.posReg.UpdateMetadata(symbol, func(pm *domain.PositionMetadata) { pm.PartialTPDone = true })
	case ActionExtendTP:
		if m.onExtendTP != nil {
			regime := meta.RegimeAtEntry
			step := m.cfg.ResolveExtensionStep(symbol, regime)
			newTP := meta.TPPercent
			if meta.ExtendedTPPercent.GreaterThan(decimal.Zero) {
				newTP = meta.ExtendedTPPercent
			}
			newTP = newTP.Add(step)
			m.onExtendTP(symbol, newTP)
		}
		m.posReg.UpdateMetadata(symbol, func(pm *domain.PositionMetadata) {
			pm.TPExtended = true
			step := m.cfg.ResolveExtensionStep(symbol, pm.RegimeAtEntry)
			base := pm.ExtendedTPPercent
			if base.IsZero() {
				base = pm.TPPercent
			}
			pm.ExtendedTPPercent = base.Add(step)
		})
	case ActionHold:
		if d.Blocked != "" {
			m.logger.Debug("exit blocked by min-holding", zap.String("symbol", symbol), zap.String("reason", string(d.Blocked)))
		}
		if meta.MaxHoldingMinutes > 0 {
			m.maybeExtendHoldingWindow(symbol, meta)
		}
	}
}

// maybeExtendHoldingWindow persists the one-time max_holding_minutes
// extension spec §4.7's time-based exit calls for, keyed off
// HoldingTimeExtended so it only ever applies once per position.
func (m *Monitor) maybeExtendHoldingWindow(symbol string, meta domain.PositionMetadata) {
	if meta.HoldingTimeExtended {
		return
	}
	pos, ok := m.posReg.Get(symbol)
	if !ok {
		return
	}
	age := m.now().Sub(pos.OpenTime)
	maxHolding := time.Duration(meta.MaxHoldingMinutes) * time.Minute
	if maxHolding <= 0 || age < maxHolding {
		return
	}
	profitPctFromMargin := decimal.Zero
	if !pos.Margin.IsZero() {
		profitPctFromMargin = pos.UnrealizedPnL.Div(pos.Margin)
	}
	minProfitForExtension := m.cfg.ResolveMinProfitForExtension(symbol, meta.RegimeAtEntry)
	if !profitPctFromMargin.GreaterThan(minProfitForExtension) {
		return
	}
	extensionPct := m.cfg.ResolveExtensionPercent(symbol, meta.RegimeAtEntry)
	if extensionPct.IsZero() {
		return
	}
	originalMax := decimal.NewFromInt(int64(meta.MaxHoldingMinutes))
	extra := originalMax.Mul(extensionPct).Div(decimal.NewFromInt(100))
	m.posReg.UpdateMetadata(symbol, func(pm *domain.PositionMetadata) {
		pm.MaxHoldingMinutes += int(extra.IntPart())
		pm.HoldingTimeExtended = true
	})
}
