// Package possync implements the Position Sync drift reconciler (spec
// §4.11): periodically diffs exchange positions against the Position
// Registry, adding anything the registry missed (DRIFT_ADD), dropping
// anything the exchange no longer shows (DRIFT_REMOVE), and refreshing the
// Data Registry's margin snapshot from the reconciled set.
//
// Grounded on original_source's position_sync.py for the DRIFT_ADD/
// DRIFT_REMOVE algorithm and log-event names, and on internal/wsfeed's
// periodic-tick shape for the scheduling loop.
package possync

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantforge/perpscalp/internal/config"
	"github.com/quantforge/perpscalp/internal/dataregistry"
	"github.com/quantforge/perpscalp/internal/domain"
	"github.com/quantforge/perpscalp/internal/exchange"
	"github.com/quantforge/perpscalp/internal/ordercoord"
	"github.com/quantforge/perpscalp/internal/positionregistry"
	"github.com/quantforge/perpscalp/internal/risk"
	"github.com/quantforge/perpscalp/internal/trailingsl"
)

// epsilon is the minimum |size| spec §4.11 treats as "a real position" when
// diffing against the registry.
const epsilon = 1e-9

// Closer places a reduce-only market close for one side of a symbol, used
// only by the startup concurrent-entry resolution (spec §4.11: "close the
// one with the smaller unrealized PnL first").
type Closer interface {
	ClosePosition(ctx context.Context, symbol string, side domain.Side, sizeCoins decimal.Decimal) error
}

// Reconciler implements spec §4.11's drift-reconciliation algorithm.
type Reconciler struct {
	logger  *zap.Logger
	cfg     *config.Config
	rest    exchange.REST
	posReg  *positionregistry.Registry
	dataReg *dataregistry.Registry
	tsl     *trailingsl.Coordinator
	orders  *ordercoord.Coordinator
	riskMgr *risk.Manager
	closer  Closer
	now     func() time.Time

	lastRunAt time.Time
}

// New builds a Reconciler.
func New(logger *zap.Logger, cfg *config.Config, rest exchange.REST, posReg *positionregistry.Registry, dataReg *dataregistry.Registry, tsl *trailingsl.Coordinator, orders *ordercoord.Coordinator, riskMgr *risk.Manager, closer Closer, now func() time.Time) *Reconciler {
	return &Reconciler{
		logger: logger.Named("position_sync"), cfg: cfg, rest: rest, posReg: posReg, dataReg: dataReg,
		tsl: tsl, orders: orders, riskMgr: riskMgr, closer: closer, now: now,
	}
}

// DueInterval returns the regime-adaptive sync interval (spec §4.11):
// base_interval_seconds (default 5 min) scaled by the interval_multiplier
// that symbol/regime select. The balance profile does not affect it. Run
// uses the minimum over all tracked symbols.
func (r *Reconciler) DueInterval(symbol string, regime domain.Regime) time.Duration {
	base := time.Duration(r.cfg.PositionSync.BaseIntervalSeconds) * time.Second
	if base <= 0 {
		base = 5 * time.Minute
	}
	mult := r.cfg.ResolveSyncIntervalMultiplier(symbol, regime)
	if mult.IsZero() {
		return base
	}
	return time.Duration(float64(base) * toFloat(mult))
}

// Run executes one reconciliation pass (spec §4.11's four-step algorithm).
// force=true always runs (startup, after close, after market-replace);
// force=false skips the pass until the minimum DueInterval over symbols has
// elapsed since the last run.
func (r *Reconciler) Run(ctx context.Context, force bool, symbols []string) error {
	if !force && r.now().Sub(r.lastRunAt) < r.minInterval(symbols) {
		return nil
	}
	r.lastRunAt = r.now()

	exchangePositions := make(map[string]domain.Position)
	for _, symbol := range symbols {
		positions, err := r.rest.GetPositions(ctx, symbol)
		if err != nil {
			r.logger.Warn("position_sync: GetPositions failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		for _, p := range positions {
			if p.SizeContracts.Abs().LessThan(decimal.NewFromFloat(epsilon)) && p.SizeCoins.Abs().LessThan(decimal.NewFromFloat(epsilon)) {
				continue
			}
			exchangePositions[p.Symbol] = p
		}
	}

	for symbol, pos := range exchangePositions {
		if existing, ok := r.posReg.Get(symbol); ok {
			r.updateInPlace(symbol, existing, pos)
			continue
		}
		r.driftAdd(ctx, symbol, pos)
	}

	for symbol := range r.posReg.GetAll() {
		if _, onExchange := exchangePositions[symbol]; !onExchange {
			r.driftRemove(symbol)
		}
	}

	r.refreshMargin(exchangePositions)
	return nil
}

func (r *Reconciler) minInterval(symbols []string) time.Duration {
	min := r.DueInterval("", domain.RegimeRanging)
	for _, symbol := range symbols {
		regime := r.dataReg.GetRegime(symbol)
		if d := r.DueInterval(symbol, regime); d < min {
			min = d
		}
	}
	return min
}

// driftAdd implements spec §4.11 step 2's "not in registry" branch.
func (r *Reconciler) driftAdd(ctx context.Context, symbol string, pos domain.Position) {
	details, err := r.rest.GetInstrumentDetails(ctx, symbol)
	if err != nil {
		r.logger.Error("position_sync: DRIFT_ADD failed fetching instrument details", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	if !details.CtVal.IsZero() {
		pos.SizeCoins = pos.SizeContracts.Mul(details.CtVal)
	}
	if pos.OpenTime.IsZero() {
		pos.OpenTime = r.now()
	}
	regime := r.dataReg.GetRegime(symbol)
	if regime == domain.RegimeUnknown {
		regime = domain.RegimeRanging
	}
	balance := r.dataReg.GetBalance()
	profile := r.cfg.ResolveProfile(balance.Equity)
	meta := domain.PositionMetadata{
		EntryTime: pos.OpenTime, RegimeAtEntry: regime, BalanceProfile: profile,
		TPPercent:         r.cfg.ResolveTPPercent(symbol, regime),
		SLPercent:         r.cfg.ResolveSLPercent(symbol, regime),
		MinHoldingSeconds: r.cfg.ResolveMinHoldingSeconds(symbol, regime),
		MaxHoldingMinutes: r.cfg.ResolveTimeoutMinutes(symbol, regime),
	}
	r.posReg.Register(symbol, pos, meta)
	r.logger.Info("DRIFT_ADD_SYNCED", zap.String("symbol", symbol), zap.String("side", string(pos.Side)))

	trailingPct := r.cfg.ResolveTrailingPercent(symbol, regime)
	minProfit := r.cfg.ResolveMinProfitToClose(symbol, regime)
	lossCut := r.cfg.ResolveLossCutPercent(symbol, regime)
	minHolding := r.cfg.ResolveMinHoldingSeconds(symbol, regime)
	timeoutMin := r.cfg.ResolveTimeoutMinutes(symbol, regime)
	feeRoundTrip := r.cfg.Commission.EffectiveRoundTrip(true, true)
	r.tsl.Init(symbol, pos.EntryPrice, pos.Side, regime, trailingPct, minProfit, lossCut, minHolding, timeoutMin, false, decimal.NewFromInt(1), feeRoundTrip)
	r.logger.Info("DRIFT_ADD_TSL_CREATED", zap.String("symbol", symbol))

	r.riskMgr.RegisterExposure(symbol, pos.SizeCoins.Mul(pos.EntryPrice))
}

// updateInPlace implements spec §4.11 step 2's "else" branch: update from
// exchange but preserve registry-only fields the exchange omits.
func (r *Reconciler) updateInPlace(symbol string, existing domain.Position, fresh domain.Position) {
	if fresh.EntryPrice.IsZero() {
		fresh.EntryPrice = existing.EntryPrice
	}
	if fresh.OpenTime.IsZero() {
		fresh.OpenTime = existing.OpenTime
	}
	if fresh.Side == "" {
		fresh.Side = existing.Side
	}
	fresh.UpdateTime = r.now()
	r.posReg.UpdatePosition(symbol, func(p *domain.Position) { *p = fresh })
}

// driftRemove implements spec §4.11 step 3.
func (r *Reconciler) driftRemove(symbol string) {
	r.posReg.Unregister(symbol)
	r.tsl.Clear(symbol)
	r.riskMgr.ClearExposure(symbol)
	r.orders.MarkSymbolOrdersClosed(symbol)
	r.logger.Info("DRIFT_REMOVE", zap.String("symbol", symbol))
}

// refreshMargin implements spec §4.11 step 4.
func (r *Reconciler) refreshMargin(positions map[string]domain.Position) {
	used := decimal.Zero
	for _, p := range positions {
		used = used.Add(p.Margin)
	}
	balance := r.dataReg.GetBalance()
	r.dataReg.UpdateMargin(domain.MarginSnapshot{
		Used: used, Available: balance.Equity.Sub(used), Total: balance.Equity, UpdatedAt: r.now(),
	})
}

// ResolveConcurrentEntries implements spec §4.11's startup-only rule: when
// allow_concurrent_positions is false and both long and short exist for a
// symbol, close the side with the smaller (more negative) unrealized PnL
// first, then leave the remaining side for the normal sync to pick up.
func (r *Reconciler) ResolveConcurrentEntries(ctx context.Context, positions []domain.Position) error {
	if r.cfg.Engine.AllowConcurrentPositions {
		return nil
	}
	bySymbol := make(map[string][]domain.Position)
	for _, p := range positions {
		bySymbol[p.Symbol] = append(bySymbol[p.Symbol], p)
	}
	for symbol, ps := range bySymbol {
		if len(ps) < 2 {
			continue
		}
		loser := ps[0]
		for _, p := range ps[1:] {
			if p.UnrealizedPnL.LessThan(loser.UnrealizedPnL) {
				loser = p
			}
		}
		if r.closer == nil {
			r.logger.Warn("position_sync: concurrent long+short found but no closer wired", zap.String("symbol", symbol))
			continue
		}
		if err := r.closer.ClosePosition(ctx, symbol, loser.Side, loser.SizeCoins); err != nil {
			r.logger.Error("position_sync: failed closing concurrent-entry loser", zap.String("symbol", symbol), zap.Error(err))
			return err
		}
	}
	return nil
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
