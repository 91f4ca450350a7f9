// Package entry implements the Entry Manager (spec §4.4): the atomic
// open-a-position flow from a sized candidate signal through order
// placement, fill confirmation, position registration, and Trailing-SL
// seeding.
//
// Grounded on internal/execution/order_manager.go's TrackOrder/fill-wait
// shape, generalized from passive status polling into the Entry Manager's
// own wait-for-fill loop against the Order Coordinator plus the
// position-query retry-once-then-fallback behavior spec §4.4 requires.
package entry

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantforge/perpscalp/internal/apperrors"
	"github.com/quantforge/perpscalp/internal/config"
	"github.com/quantforge/perpscalp/internal/dataregistry"
	"github.com/quantforge/perpscalp/internal/domain"
	"github.com/quantforge/perpscalp/internal/exchange"
	"github.com/quantforge/perpscalp/internal/ordercoord"
	"github.com/quantforge/perpscalp/internal/positionregistry"
	"github.com/quantforge/perpscalp/internal/signalgen"
	"github.com/quantforge/perpscalp/internal/trailingsl"
)

// Journal records one opened-position row (spec §4.4 step 8). Implemented
// by internal/journal.
type Journal interface {
	RecordEntry(symbol string, side domain.Side, entryPrice, size decimal.Decimal, regime domain.Regime)
}

// Metrics records the entry-side conversion-metric counter (spec §4.4
// step 8: "Record signal_executed").
type Metrics interface {
	RecordEntryExecuted(symbol string)
}

// Manager implements spec §4.4's atomic open-a-position algorithm.
type Manager struct {
	logger  *zap.Logger
	cfg     *config.Config
	rest    exchange.REST
	orders  *ordercoord.Coordinator
	posReg  *positionregistry.Registry
	dataReg *dataregistry.Registry
	tsl     *trailingsl.Coordinator
	journal Journal
	metrics Metrics
	now     func() time.Time
}

// New builds an Entry Manager.
func New(logger *zap.Logger, cfg *config.Config, rest exchange.REST, orders *ordercoord.Coordinator, posReg *positionregistry.Registry, dataReg *dataregistry.Registry, tsl *trailingsl.Coordinator, journal Journal, metrics Metrics, now func() time.Time) *Manager {
	return &Manager{
		logger: logger.Named("entry_manager"), cfg: cfg, rest: rest, orders: orders,
		posReg: posReg, dataReg: dataReg, tsl: tsl, journal: journal, metrics: metrics, now: now,
	}
}

// Open implements spec §4.4's eight-step algorithm for one sized signal.
func (m *Manager) Open(ctx context.Context, sig signalgen.Signal, sizeCoins decimal.Decimal) error {
	symbol := sig.Symbol

	// 1. Re-check no local position; re-check no exchange position via a
	// single uncached REST call.
	if m.posReg.Has(symbol) {
		return nil
	}
	positions, err := m.rest.GetPositions(ctx, symbol)
	if err != nil {
		return err
	}
	if len(positions) > 0 && !positions[0].SizeContracts.IsZero() {
		return nil
	}

	// 2. Place entry order via Order Coordinator: limit at the signal's
	// LimitPrice, clamped within exchange price limits. No regime-dependent
	// offset is applied to the price.
	limits, err := m.rest.GetPriceLimits(ctx, symbol)
	if err != nil {
		return err
	}
	price := clampToLimits(sig.LimitPrice, limits)
	req := exchange.PlaceOrderRequest{
		Symbol: symbol, Side: sig.Side, Size: sizeCoins, Type: domain.OrderTypeLimit,
		Price: price, PostOnly: m.cfg.Scalping.OrderType.PostOnly,
	}
	resp, err := m.rest.PlaceOrder(ctx, req)
	if err != nil {
		return apperrors.New(apperrors.KindTransient, "entry_manager", err)
	}
	if !resp.Succeeded() {
		return apperrors.New(apperrors.KindSemantic, "entry_manager", fmt.Errorf("place_order rejected: code %s", resp.Code))
	}
	order := domain.Order{
		ID: resp.OrdID, Symbol: symbol, Side: sig.Side, Type: domain.OrderTypeLimit,
		Size: sizeCoins, Price: price, PostOnly: req.PostOnly, State: domain.OrderStateLive, CreateTime: m.now(),
	}
	m.orders.Track(order)

	// 3. Wait until fill, partial fill, or lifecycle completion, bounded by
	// the configured entry window.
	entryWindow := time.Duration(m.cfg.OrderCoordinator.EntryWindowSeconds) * time.Second
	if entryWindow == 0 {
		entryWindow = 30 * time.Second
	}
	if !m.waitForFill(ctx, order.ID, entryWindow) {
		return nil // aborted: no fill within the entry window
	}

	// 4. Query positions; retry once after 0.5s; on second failure fall back
	// to entry_price := signal.limit_price.
	entryPrice := sig.LimitPrice
	positions, err = m.rest.GetPositions(ctx, symbol)
	if err != nil || len(positions) == 0 {
		time.Sleep(500 * time.Millisecond)
		positions, err = m.rest.GetPositions(ctx, symbol)
	}
	if err == nil && len(positions) > 0 {
		entryPrice = positions[0].EntryPrice
	} else {
		m.logger.Warn("position not visible after retry, falling back to signal limit price", zap.String("symbol", symbol))
	}

	// 5. Compose PositionMetadata.
	regime := m.dataReg.GetRegime(symbol)
	if regime == domain.RegimeUnknown {
		m.logger.Warn("regime missing at entry, falling back to ranging", zap.String("symbol", symbol))
		regime = domain.RegimeRanging
	}
	balance := m.dataReg.GetBalance()
	profile := m.cfg.ResolveProfile(balance.Equity)
	meta := domain.PositionMetadata{
		RegimeAtEntry: regime, BalanceProfile: profile,
		TPPercent: m.cfg.ResolveTPPercent(symbol, regime), SLPercent: m.cfg.ResolveSLPercent(symbol, regime),
		MinHoldingSeconds: m.cfg.ResolveMinHoldingSeconds(symbol, regime),
		MaxHoldingMinutes: m.cfg.ResolveTimeoutMinutes(symbol, regime),
	}
	pos := domain.Position{
		Symbol: symbol, Side: sig.Side, SizeCoins: sizeCoins, EntryPrice: entryPrice,
		MarkPrice: entryPrice, Leverage: m.cfg.Leverage, OpenTime: m.now(), UpdateTime: m.now(),
	}

	// 6. Register in Position Registry.
	m.posReg.Register(symbol, pos, meta)

	// 7. Initialize Trailing-SL with the same metadata.
	m.initTrailingSL(symbol, entryPrice, sig.Side, regime)

	// 8. Conversion metric + journal row.
	if m.metrics != nil {
		m.metrics.RecordEntryExecuted(symbol)
	}
	if m.journal != nil {
		m.journal.RecordEntry(symbol, sig.Side, entryPrice, sizeCoins, regime)
	}
	return nil
}

// initTrailingSL seeds Trailing-SL state, logging (not failing the open) if
// it cannot — per spec §4.4's failure semantics: "position exists but runs
// without TSL; monitor logs this as degraded."
func (m *Manager) initTrailingSL(symbol string, entryPrice decimal.Decimal, side domain.Side, regime domain.Regime) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("trailing-sl init panicked, position running degraded without TSL", zap.String("symbol", symbol), zap.Any("panic", r))
		}
	}()
	trailingPct := m.cfg.ResolveTrailingPercent(symbol, regime)
	minProfit := m.cfg.ResolveMinProfitToClose(symbol, regime)
	lossCut := m.cfg.ResolveLossCutPercent(symbol, regime)
	minHolding := m.cfg.ResolveMinHoldingSeconds(symbol, regime)
	timeoutMin := m.cfg.ResolveTimeoutMinutes(symbol, regime)
	feeRoundTrip := m.cfg.Commission.EffectiveRoundTrip(true, true)
	m.tsl.Init(symbol, entryPrice, side, regime, trailingPct, minProfit, lossCut, minHolding, timeoutMin, false, decimal.NewFromInt(1), feeRoundTrip)
}

func (m *Manager) waitForFill(ctx context.Context, orderID string, window time.Duration) bool {
	deadline := m.now().Add(window)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			order, ok := m.orders.Get(orderID)
			if ok && (order.State == domain.OrderStateFilled || order.State == domain.OrderStatePartiallyFilled) {
				return true
			}
			if ok && order.State == domain.OrderStateCancelled {
				return false
			}
			if m.now().After(deadline) {
				return false
			}
		}
	}
}

func clampToLimits(price decimal.Decimal, limits exchange.PriceLimits) decimal.Decimal {
	if !limits.MaxBuyPrice.IsZero() && price.GreaterThan(limits.MaxBuyPrice) {
		price = limits.MaxBuyPrice
	}
	if !limits.MinSellPrice.IsZero() && price.LessThan(limits.MinSellPrice) {
		price = limits.MinSellPrice
	}
	return price
}

