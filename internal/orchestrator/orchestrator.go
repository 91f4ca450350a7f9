// Package orchestrator is the central integration point for the engine: it
// builds the Entry Manager, Signal Coordinator, Exit Analyzer/Position
// Monitor, and Position-Sync reconciler from their narrower constructor
// dependencies, implements the Emergency Stop / Auto-unlock drawdown
// checks, the closing-side logic every exit path delegates to, and runs the
// ten-step cooperative main loop of spec §4.8 on one ticker.
//
// Grounded on the teacher's TradingOrchestrator: the running-flag +
// stopCh-guarded-by-mutex Start/Stop idiom and the ticker+select loop shape
// of its regimeDetectionLoop, generalized from a PhD-research pipeline
// (event bus, Monte Carlo, walk-forward optimizer) coordinating independent
// background loops into the single synchronous step sequence spec §4.8 and
// §5 require ("single-threaded cooperative task scheduler ... every step
// must cooperatively check [is_running]").
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantforge/perpscalp/internal/config"
	"github.com/quantforge/perpscalp/internal/dataregistry"
	"github.com/quantforge/perpscalp/internal/domain"
	"github.com/quantforge/perpscalp/internal/entry"
	"github.com/quantforge/perpscalp/internal/exchange"
	"github.com/quantforge/perpscalp/internal/exitanalyzer"
	"github.com/quantforge/perpscalp/internal/indicators"
	"github.com/quantforge/perpscalp/internal/journal"
	"github.com/quantforge/perpscalp/internal/margin"
	"github.com/quantforge/perpscalp/internal/metrics"
	"github.com/quantforge/perpscalp/internal/ordercoord"
	"github.com/quantforge/perpscalp/internal/positionregistry"
	"github.com/quantforge/perpscalp/internal/possync"
	"github.com/quantforge/perpscalp/internal/regimedetector"
	"github.com/quantforge/perpscalp/internal/risk"
	"github.com/quantforge/perpscalp/internal/signalcoord"
	"github.com/quantforge/perpscalp/internal/signalgen"
	"github.com/quantforge/perpscalp/internal/sizing"
	"github.com/quantforge/perpscalp/internal/trailingsl"
)

// Deps are the already-constructed lower-level components the orchestrator
// wires together. All fields are required except Journal/Metrics, which may
// be nil (a nil Journal/Metrics is a documented no-op at the call sites that
// use them).
type Deps struct {
	Logger         *zap.Logger
	Config         *config.Config
	REST           exchange.REST
	DataReg        *dataregistry.Registry
	PosReg         *positionregistry.Registry
	RegimeDetector *regimedetector.Detector
	SignalGen      *signalgen.Generator
	RiskMgr        *risk.Manager
	Sizer          *sizing.Sizer
	OrderCoord     *ordercoord.Coordinator
	TSL            *trailingsl.Coordinator
	Journal        *journal.Writer
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

// Orchestrator implements spec §4.8's main loop and owns the wiring between
// every other component.
type Orchestrator struct {
	logger  *zap.Logger
	cfg     *config.Config
	rest    exchange.REST
	dataReg *dataregistry.Registry
	posReg  *positionregistry.Registry

	regimeDetector *regimedetector.Detector
	signalGen      *signalgen.Generator
	signalCoord    *signalcoord.Coordinator
	entryMgr       *entry.Manager
	exitAnalyzer   *exitanalyzer.Analyzer
	exitMonitor    *exitanalyzer.Monitor
	orderCoord     *ordercoord.Coordinator
	tsl            *trailingsl.Coordinator
	riskMgr        *risk.Manager
	marginCalc     *margin.Calculator
	posSync        *possync.Reconciler
	journal        *journal.Writer
	metrics        *metrics.Metrics

	now           func() time.Time
	checkInterval time.Duration

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
}

// New assembles the Orchestrator and every component that depends on its
// own close/partial-close/extend-TP callbacks (Exit Analyzer's Position
// Monitor, Position Sync's concurrent-entry Closer).
func New(d Deps) *Orchestrator {
	now := d.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	o := &Orchestrator{
		logger:         d.Logger.Named("orchestrator"),
		cfg:            d.Config,
		rest:           d.REST,
		dataReg:        d.DataReg,
		posReg:         d.PosReg,
		regimeDetector: d.RegimeDetector,
		signalGen:      d.SignalGen,
		orderCoord:     d.OrderCoord,
		tsl:            d.TSL,
		riskMgr:        d.RiskMgr,
		marginCalc:     margin.New(now),
		journal:        d.Journal,
		metrics:        d.Metrics,
		now:            now,
	}

	o.checkInterval = time.Duration(d.Config.Engine.CheckIntervalSeconds) * time.Second
	if o.checkInterval <= 0 {
		o.checkInterval = 5 * time.Second
	}

	o.entryMgr = entry.New(d.Logger, d.Config, d.REST, d.OrderCoord, d.PosReg, d.DataReg, d.TSL, o.journalOrNil(), o.metricsOrNil(), now)
	o.signalCoord = signalcoord.New(d.Logger, d.Config, d.DataReg, d.PosReg, d.RiskMgr, d.Sizer, d.REST, o.entryMgr, o.metricsOrNil(), now)
	o.exitAnalyzer = exitanalyzer.New(d.Logger, d.Config, d.DataReg, now)
	o.exitMonitor = exitanalyzer.NewMonitor(d.Logger, d.Config, o.exitAnalyzer, d.PosReg, d.DataReg, 5*time.Second, now, o.handleExitClose, o.handleExitPartialClose, o.handleExtendTP)
	o.posSync = possync.New(d.Logger, d.Config, d.REST, d.PosReg, d.DataReg, d.TSL, d.OrderCoord, d.RiskMgr, o, now)

	return o
}

// journalOrNil returns a typed-nil-safe entry.Journal: entry.Manager checks
// the interface for nil before calling it, and a nil *journal.Writer boxed
// into the interface would not compare equal to nil, so this returns the
// untyped nil interface when Journal is unset.
func (o *Orchestrator) journalOrNil() entry.Journal {
	if o.journal == nil {
		return nil
	}
	return o.journal
}

func (o *Orchestrator) metricsOrNil() *metrics.Metrics {
	return o.metrics
}

// Symbols returns the configured trading universe.
func (o *Orchestrator) Symbols() []string { return o.cfg.Engine.Symbols }

// Start launches the main loop and the Position Monitor's own ticker in
// background goroutines, mirroring the teacher's Start: guard against a
// double-start under the running flag, launch one goroutine per periodic
// concern.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.mu.Unlock()

	if err := o.resolveConcurrentEntriesOnStartup(ctx); err != nil {
		o.logger.Warn("startup concurrent-entry resolution failed", zap.Error(err))
	}
	if err := o.posSync.Run(ctx, true, o.Symbols()); err != nil {
		o.logger.Warn("startup position sync failed", zap.Error(err))
	}

	go o.runLoop(ctx)

	o.logger.Info("orchestrator started", zap.Duration("check_interval", o.checkInterval))
	return nil
}

// Stop signals the main loop to exit and returns without waiting for it;
// an in-flight step unwinds through the caller's own ctx cancellation.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	close(o.stopCh)
	o.mu.Unlock()
	o.logger.Info("orchestrator stopped")
	return nil
}

func (o *Orchestrator) resolveConcurrentEntriesOnStartup(ctx context.Context) error {
	positions, err := o.rest.GetPositions(ctx, "")
	if err != nil {
		return err
	}
	return o.posSync.ResolveConcurrentEntries(ctx, positions)
}

// runLoop drives spec §4.8's ten-step cooperative main loop at
// check_interval, observing ctx and stopCh between every step the way the
// teacher's regimeDetectionLoop observes ctx.Done()/o.stopCh between ticks
// (spec §5: "the orchestrator's main loop observes an is_running flag
// between steps; each step must cooperatively check it").
func (o *Orchestrator) runLoop(ctx context.Context) {
	ticker := time.NewTicker(o.checkInterval)
	defer ticker.Stop()

	go o.exitMonitor.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.runCycle(ctx)
		}
	}
}

// runCycle executes one pass of steps 1-10. Each step checks ctx/stopCh
// before running so a shutdown mid-cycle does not block on exchange I/O.
func (o *Orchestrator) runCycle(ctx context.Context) {
	if o.cancelled(ctx) {
		return
	}

	// 1. update_state.
	o.updateState(ctx)
	if o.cancelled(ctx) {
		return
	}

	// Drawdown & Emergency Stop / Auto-unlock (spec §4.9), evaluated once
	// per cycle ahead of signal generation so a triggered stop blocks the
	// rest of this cycle's entries.
	o.evaluateDrawdown(ctx)

	symbols := o.Symbols()

	// 2. signal_generator.generate_signals().
	signals := o.generateSignals(symbols)
	if o.cancelled(ctx) {
		return
	}

	// 3. signal_coordinator.process(signals).
	for _, sig := range signals {
		sym := o.symbolConstants(sig.Symbol)
		o.signalCoord.Process(ctx, sig, sym)
	}
	if o.cancelled(ctx) {
		return
	}

	// 4. position_manager.manage() via the Exit Analyzer's Position Monitor,
	// driven inline here in addition to its own ticker goroutine (spec §4.8
	// step 4), plus the defensive safety checks of §4.9.2.
	o.exitMonitor.Tick(ctx)
	o.runDefensiveSafetyChecks(ctx)
	if o.cancelled(ctx) {
		return
	}

	// 5 + 6. order_coordinator.monitor_limit_orders() and
	// update_orders_cache_status() — Sweep performs both in one pass.
	o.orderCoord.Sweep(ctx)
	if o.cancelled(ctx) {
		return
	}

	// 7. position_sync(force=false).
	if err := o.posSync.Run(ctx, false, symbols); err != nil {
		o.logger.Warn("position_sync failed", zap.Error(err))
	}
	if o.cancelled(ctx) {
		return
	}

	// 8. performance_tracker.update(active_positions) — exported as gauges.
	o.updatePerformanceMetrics()

	// 9. trailing_sl.periodic_check().
	o.trailingSLPeriodicCheck(ctx)

	// 10. sleep — implicit: the next tick of runLoop's ticker.
}

func (o *Orchestrator) cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-o.stopCh:
		return true
	default:
		return false
	}
}

// updateState implements spec §4.8 step 1: re-snapshot positions from the
// exchange, preserving metadata fields the exchange omits. This is
// deliberately lighter than Position Sync's full DRIFT_ADD/DRIFT_REMOVE
// pass (step 7 owns adding/removing registry entries) — it only refreshes
// mark price, margin, and unrealized PnL for positions already known.
func (o *Orchestrator) updateState(ctx context.Context) {
	balance, err := o.rest.GetBalance(ctx)
	if err != nil {
		o.logger.Warn("GetBalance failed", zap.Error(err))
	} else {
		profile := o.cfg.ResolveProfile(balance)
		o.dataReg.UpdateBalance(domain.Balance{Equity: balance, Profile: profile, UpdatedAt: o.now()})
	}

	for symbol := range o.posReg.GetAll() {
		fresh, err := o.rest.GetPositions(ctx, symbol)
		if err != nil || len(fresh) == 0 {
			continue
		}
		pos := fresh[0]
		o.posReg.UpdatePosition(symbol, func(p *domain.Position) {
			if pos.EntryPrice.IsZero() {
				pos.EntryPrice = p.EntryPrice
			}
			if pos.OpenTime.IsZero() {
				pos.OpenTime = p.OpenTime
			}
			if pos.Side == "" {
				pos.Side = p.Side
			}
			pos.UpdateTime = o.now()
			*p = pos
		})
	}
}

// evaluateDrawdown implements spec §4.9's Drawdown & Emergency Stop /
// Auto-unlock algorithm, keyed by the current regime of the first
// configured symbol (the engine tracks one drawdown/Emergency-Stop state
// globally, per-regime only in which thresholds apply).
func (o *Orchestrator) evaluateDrawdown(ctx context.Context) {
	balance := o.dataReg.GetBalance()
	regime := o.currentRegimeForDrawdown()
	maxDrawdown := o.cfg.ResolveMaxDrawdownPercent(regime)

	if o.riskMgr.IsEmergencyStopActive() {
		minLock := time.Duration(o.cfg.ResolveMinLockMinutes(regime)) * time.Minute
		unlockThreshold := o.cfg.ResolveUnlockThresholdPercent(regime)
		if o.riskMgr.TryAutoUnlock(balance.Equity, maxDrawdown, unlockThreshold, minLock) {
			o.logger.Info("emergency stop auto-unlocked", zap.String("regime", string(regime)))
		}
		return
	}

	if !maxDrawdown.IsZero() && o.riskMgr.EvaluateEmergencyStop(balance.Equity, maxDrawdown) {
		drawdown := o.riskMgr.Drawdown(balance.Equity)
		o.logger.Warn("emergency stop triggered", zap.String("regime", string(regime)), zap.Stringer("drawdown", drawdown))
		if err := o.CloseAll("emergency_stop"); err != nil {
			o.logger.Error("emergency stop: close all positions failed", zap.Error(err))
		}
	}
}

func (o *Orchestrator) currentRegimeForDrawdown() domain.Regime {
	symbols := o.Symbols()
	if len(symbols) == 0 {
		return domain.RegimeRanging
	}
	regime := o.dataReg.GetRegime(symbols[0])
	if regime == domain.RegimeUnknown {
		return domain.RegimeRanging
	}
	return regime
}

// generateSignals implements spec §4.8 step 2 for every configured symbol:
// classify the regime from the Data Registry's own candle buffer, compute
// the latest indicator snapshot, and run the Signal Generator's filter bank.
func (o *Orchestrator) generateSignals(symbols []string) []signalgen.Signal {
	out := make([]signalgen.Signal, 0, len(symbols))
	for _, symbol := range symbols {
		candles := o.dataReg.Candles(symbol, domain.Timeframe1m)
		regime := o.regimeDetector.Classify(symbol, candles)
		if regime == domain.RegimeUnknown {
			regime = domain.RegimeRanging
		}
		o.dataReg.UpdateRegime(symbol, regime)

		ticker, stale, ok := o.dataReg.GetTicker(symbol)
		if !ok || stale {
			continue
		}
		ind := indicators.Compute(candles)
		sig, fired := o.signalGen.Generate(symbol, ind, regime, ticker.Last)
		if !fired {
			continue
		}
		out = append(out, sig)
	}
	return out
}

// symbolConstants resolves the exchange-reported instrument constants for
// symbol, queried fresh since the engine does not cache a separate symbol
// table (GetInstrumentDetails is itself cheap REST and already relied upon
// by Position Sync's DRIFT_ADD path).
func (o *Orchestrator) symbolConstants(symbol string) domain.Symbol {
	details, err := o.rest.GetInstrumentDetails(context.Background(), symbol)
	if err != nil {
		return domain.Symbol{Instrument: symbol, Leverage: o.cfg.Leverage}
	}
	return domain.Symbol{
		Instrument: symbol, CtVal: details.CtVal, MinSize: details.MinSize,
		TickSize: details.TickSize, Leverage: o.cfg.Leverage,
	}
}

// runDefensiveSafetyChecks implements spec §4.9.2's position-manager
// defensive pass, a second line of defense should the Position Monitor's
// own tick be delayed. Past a 10-second safety window it runs the margin
// safety check and the false-trigger guard only, closing with
// ReasonEmergencyLossProtection when both report unsafe. It does not run
// the Exit Analyzer's profit-harvest, stop-loss, loss-cut, TP, big-profit
// or partial-TP checks.
func (o *Orchestrator) runDefensiveSafetyChecks(ctx context.Context) {
	balance := o.dataReg.GetBalance()
	for symbol, pos := range o.posReg.GetAll() {
		age := o.now().Sub(pos.OpenTime)
		if age < 10*time.Second {
			continue // safety window
		}
		meta, ok := o.posReg.GetMetadata(symbol)
		if !ok {
			continue
		}
		safetyThreshold := o.cfg.ResolveSafetyThreshold(meta.RegimeAtEntry)
		result := o.marginCalc.CheckSafety(pos, balance.Equity, safetyThreshold)
		if result.Tag != margin.SafetyUnsafe {
			continue
		}
		guard := o.marginCalc.FalseTriggerGuard(pos, balance.Equity)
		if guard.Tag != margin.SafetyUnsafe {
			continue // suspected false trigger: age/PnL-ratio/margin-ratio clauses not all satisfied
		}
		o.logger.Warn("defensive safety check: margin unsafe", zap.String("symbol", symbol), zap.Stringer("margin_ratio", result.Ratio))
		if err := o.closePositionReason(ctx, symbol, exitanalyzer.ReasonEmergencyLossProtection); err != nil {
			o.logger.Error("defensive close failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
}

// updatePerformanceMetrics implements spec §4.8 step 8: export per-position
// and account-level gauges.
func (o *Orchestrator) updatePerformanceMetrics() {
	if o.metrics == nil {
		return
	}
	balance := o.dataReg.GetBalance()
	drawdown := o.riskMgr.Drawdown(balance.Equity)
	f, _ := drawdown.Float64()
	equityF, _ := balance.Equity.Float64()
	o.metrics.SetAccountSnapshot(equityF, f, o.riskMgr.IsEmergencyStopActive())

	for symbol, pos := range o.posReg.GetAll() {
		o.metrics.SetOpenPosition(symbol, string(pos.Side), true)
		pnlF, _ := pos.UnrealizedPnL.Float64()
		ratio := o.marginCalc.Ratio(pos, balance.Equity)
		ratioF, _ := ratio.Float64()
		o.metrics.SetPositionSnapshot(symbol, pnlF, ratioF)
	}
}

// trailingSLPeriodicCheck implements spec §4.8 step 9: a fallback sweep
// independent of WS ticker delivery, evaluating Trailing-SL's close
// decision from the latest registry ticker for every open position.
func (o *Orchestrator) trailingSLPeriodicCheck(ctx context.Context) {
	for symbol, pos := range o.posReg.GetAll() {
		o.evaluateTrailingSL(ctx, symbol, pos)
	}
}

// OnTicker is wired to the Public WS Coordinator's ticker callback (spec
// §4.10: "On every ticker the coordinator: ... calls the trailing-SL
// update callback").
func (o *Orchestrator) OnTicker(ev exchange.TickerEvent) {
	pos, ok := o.posReg.Get(ev.Symbol)
	if !ok {
		return
	}
	o.evaluateTrailingSL(context.Background(), ev.Symbol, pos)
}

func (o *Orchestrator) evaluateTrailingSL(ctx context.Context, symbol string, pos domain.Position) {
	if !o.tsl.Has(symbol) {
		return
	}
	ticker, stale, ok := o.dataReg.GetTicker(symbol)
	if !ok || stale {
		return
	}
	profitPctFromMargin := decimal.Zero
	if !pos.Margin.IsZero() {
		profitPctFromMargin = pos.UnrealizedPnL.Div(pos.Margin)
	}
	slPercent := o.cfg.Scalping.SLPercent
	if meta, ok := o.posReg.GetMetadata(symbol); ok {
		slPercent = o.cfg.ResolveSLPercent(symbol, meta.RegimeAtEntry)
	}
	decision := o.tsl.Update(symbol, ticker.Mark, pos.Leverage, profitPctFromMargin, slPercent)
	if !decision.Close {
		return
	}
	if err := o.closePositionReason(ctx, symbol, exitanalyzer.Reason(decision.Reason)); err != nil {
		o.logger.Error("trailing-sl close failed", zap.String("symbol", symbol), zap.String("reason", string(decision.Reason)), zap.Error(err))
	}
}

// handleExitClose implements exitanalyzer.CloseCallback.
func (o *Orchestrator) handleExitClose(ctx context.Context, symbol string, reason exitanalyzer.Reason) error {
	return o.closePositionReason(ctx, symbol, reason)
}

// handleExitPartialClose implements exitanalyzer.PartialCloseCallback (spec
// §4.7 "Partial TP (maker-preferred)"): reduce-only post-only limit at a
// favorable offset, market fallback on rejection.
func (o *Orchestrator) handleExitPartialClose(ctx context.Context, symbol string, fraction decimal.Decimal, reason exitanalyzer.Reason) error {
	pos, ok := o.posReg.Get(symbol)
	if !ok {
		return nil
	}
	ticker, stale, ok := o.dataReg.GetTicker(symbol)
	if !ok || stale {
		return fmt.Errorf("orchestrator: no fresh ticker for partial close of %s", symbol)
	}
	regime := o.dataReg.GetRegime(symbol)
	_, _, offsetBps := o.cfg.ResolvePartialTPParams(symbol, regime)
	closeSide := oppositeSide(pos.Side)
	price := partialClosePrice(closeSide, ticker, offsetBps)
	size := pos.SizeCoins.Mul(fraction)

	resp, err := o.rest.PlaceOrder(ctx, exchange.PlaceOrderRequest{
		Symbol: symbol, Side: closeSide, Size: size, Type: domain.OrderTypeLimit,
		Price: price, ReduceOnly: true, PostOnly: true,
	})
	if err != nil || !resp.Succeeded() {
		resp, err = o.rest.PlaceOrder(ctx, exchange.PlaceOrderRequest{
			Symbol: symbol, Side: closeSide, Size: size, Type: domain.OrderTypeMarket, ReduceOnly: true,
		})
		if err != nil {
			return err
		}
	}
	if resp.Succeeded() && resp.OrdID != "" {
		o.orderCoord.Track(domain.Order{
			ID: resp.OrdID, Symbol: symbol, Side: closeSide, Type: domain.OrderTypeLimit,
			Size: size, Price: price, PostOnly: true, ReduceOnly: true,
			State: domain.OrderStateLive, CreateTime: o.now(), UpdateTime: o.now(),
		})
	}
	if o.metrics != nil {
		o.metrics.RecordClose(symbol, string(reason))
	}
	return nil
}

// handleExtendTP implements exitanalyzer.ExtendTPCallback. Metadata
// persistence is already handled by the Position Monitor's dispatch; this
// hook only logs, since nothing else downstream needs to react.
func (o *Orchestrator) handleExtendTP(symbol string, newTPPercent decimal.Decimal) {
	o.logger.Info("take-profit extended", zap.String("symbol", symbol), zap.Stringer("new_tp_percent", newTPPercent))
}

// ClosePosition implements possync.Closer for the startup concurrent-entry
// resolution (spec §4.11).
func (o *Orchestrator) ClosePosition(ctx context.Context, symbol string, side domain.Side, sizeCoins decimal.Decimal) error {
	return o.executeClose(ctx, symbol, side, sizeCoins, "concurrent_entry_resolution")
}

// CloseAll implements adminapi.EmergencyCloser and the Emergency Stop
// handler (spec §4.9 step 1: "Close all positions (market reduce-only)").
func (o *Orchestrator) CloseAll(reason string) error {
	ctx := context.Background()
	o.riskMgr.TriggerEmergencyStop(o.dataReg.GetBalance().Equity)
	var firstErr error
	for symbol, pos := range o.posReg.GetAll() {
		if err := o.executeClose(ctx, symbol, pos.Side, pos.SizeCoins, reason); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (o *Orchestrator) closePositionReason(ctx context.Context, symbol string, reason exitanalyzer.Reason) error {
	pos, ok := o.posReg.Get(symbol)
	if !ok {
		return nil
	}
	return o.executeClose(ctx, symbol, pos.Side, pos.SizeCoins, string(reason))
}

// executeClose places a reduce-only market close, records the journal exit
// row, and tears down every per-symbol registry/coordinator state the
// closed position owned.
func (o *Orchestrator) executeClose(ctx context.Context, symbol string, side domain.Side, sizeCoins decimal.Decimal, reason string) error {
	pos, hadPos := o.posReg.Get(symbol)
	meta, _ := o.posReg.GetMetadata(symbol)
	closeSide := oppositeSide(side)

	resp, err := o.rest.PlaceOrder(ctx, exchange.PlaceOrderRequest{
		Symbol: symbol, Side: closeSide, Size: sizeCoins, Type: domain.OrderTypeMarket, ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: close %s: %w", symbol, err)
	}
	if !resp.Succeeded() {
		return fmt.Errorf("orchestrator: close %s rejected (code=%s)", symbol, resp.Code)
	}

	if o.journal != nil && hadPos {
		exitPrice := pos.MarkPrice
		if ticker, stale, ok := o.dataReg.GetTicker(symbol); ok && !stale {
			exitPrice = ticker.Last
		}
		duration := o.now().Sub(pos.OpenTime)
		comm := journal.CommissionBreakdown{
			MakerOpen: o.cfg.Commission.MakerFeeRate, TakerOpen: o.cfg.Commission.TakerFeeRate,
			MakerClose: o.cfg.Commission.MakerFeeRate, TakerClose: o.cfg.Commission.TakerFeeRate,
		}
		feeRoundTrip := pos.SizeCoins.Mul(pos.EntryPrice).Mul(o.cfg.Commission.EffectiveRoundTrip(true, true))
		netPnL := pos.UnrealizedPnL.Sub(feeRoundTrip)
		o.journal.RecordExit(symbol, side, pos.EntryPrice, exitPrice, pos.SizeCoins, pos.UnrealizedPnL, comm, netPnL, duration, reason, meta.RegimeAtEntry)
	}

	o.posReg.Unregister(symbol)
	o.tsl.Clear(symbol)
	o.exitAnalyzer.ClearPosition(symbol)
	o.riskMgr.ClearExposure(symbol)
	o.orderCoord.MarkSymbolOrdersClosed(symbol)
	o.signalCoord.SetReentryCooldown(symbol, o.now().Add(time.Duration(o.cfg.Scalping.SignalCooldownSeconds)*time.Second))
	if o.metrics != nil {
		o.metrics.RecordClose(symbol, reason)
		o.metrics.SetOpenPosition(symbol, string(side), false)
	}
	o.logger.Info("position closed", zap.String("symbol", symbol), zap.String("reason", reason))
	return nil
}

func oppositeSide(side domain.Side) domain.Side {
	if side == domain.SideShort {
		return domain.SideLong
	}
	return domain.SideShort
}

// partialClosePrice applies the small favorable offset spec §4.7's partial
// TP names (limit_offset_bps), on the side that reduces the position.
func partialClosePrice(closeSide domain.Side, ticker domain.Ticker, offsetBps decimal.Decimal) decimal.Decimal {
	offset := offsetBps.Div(decimal.NewFromInt(10000))
	if closeSide == domain.SideSell || closeSide == domain.SideShort {
		return ticker.BestAsk.Mul(decimal.NewFromInt(1).Add(offset))
	}
	return ticker.BestBid.Mul(decimal.NewFromInt(1).Sub(offset))
}
