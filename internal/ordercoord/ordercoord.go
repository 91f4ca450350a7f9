// Package ordercoord implements the Order Coordinator (spec §4.5): owns the
// lifecycle of non-terminal limit orders (entry, partial-TP) through the
// placed -> live -> {partially_filled -> filled | amended | cancelled}
// state machine, a periodic sweep that auto-reprices, drift-cancels, or
// times out stuck orders, a market-replace fallback, and a per-symbol
// cancel/amend rate-limit heuristic.
//
// Grounded on internal/execution/order_manager.go's ManagedOrder/OrderStatus
// shape (mutex-guarded map of tracked orders, a small status enum), adapted
// from a pure observer (tracks status pushed in from elsewhere) into an
// active coordinator that drives the exchange REST surface itself each
// sweep, per spec §4.5's state machine and periodic-sweep algorithm.
package ordercoord

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantforge/perpscalp/internal/config"
	"github.com/quantforge/perpscalp/internal/dataregistry"
	"github.com/quantforge/perpscalp/internal/domain"
	"github.com/quantforge/perpscalp/internal/exchange"
	"github.com/quantforge/perpscalp/internal/signalgen"
)

// Metrics records order-lifecycle durations (placement to terminal state).
// Implemented by internal/metrics.
type Metrics interface {
	RecordOrderLifecycle(symbol, terminalState string, d time.Duration)
}

// SignalRevalidator re-runs the Signal Generator for the timeout path (spec
// §4.5 step 4). internal/signalgen.Generator satisfies a narrowed form of
// this via the signalRevalidator adapter in cmd/engine/main.go.
type SignalRevalidator interface {
	Revalidate(symbol string) (signalgen.Signal, bool)
}

// TrackedOrder is the coordinator's view of one non-terminal limit order.
type TrackedOrder struct {
	Order             domain.Order
	Symbol            string
	LastAmendAt       time.Time
	RepricedThisCycle bool
}

// Coordinator owns all non-terminal limit orders and runs the periodic
// sweep (spec §4.5).
type Coordinator struct {
	logger *zap.Logger
	cfg    config.OrderCoordinatorConfig
	rest    exchange.REST
	data    *dataregistry.Registry
	reval   SignalRevalidator
	now     func() time.Time
	metrics Metrics

	mu               sync.Mutex
	orders           map[string]*TrackedOrder // orderID -> order
	cancelAmendLog   map[string][]time.Time   // symbol -> timestamps, 5 min window
	marketReplaces   map[string]int           // symbol -> consecutive count
	reentryBlockedAt map[string]time.Time     // symbol -> block-until
}

// New builds an Order Coordinator. metrics may be nil.
func New(logger *zap.Logger, cfg config.OrderCoordinatorConfig, rest exchange.REST, data *dataregistry.Registry, reval SignalRevalidator, now func() time.Time, metrics Metrics) *Coordinator {
	return &Coordinator{
		logger: logger.Named("order_coordinator"), cfg: cfg, rest: rest, data: data, reval: reval, now: now, metrics: metrics,
		orders: make(map[string]*TrackedOrder), cancelAmendLog: make(map[string][]time.Time),
		marketReplaces: make(map[string]int), reentryBlockedAt: make(map[string]time.Time),
	}
}

// MarkSymbolOrdersClosed removes every tracked order for symbol, marking
// them closed in the coordinator's cache (spec §4.11 DRIFT_REMOVE: "mark
// cached orders as closed").
func (c *Coordinator) MarkSymbolOrdersClosed(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.orders {
		if t.Symbol == symbol {
			delete(c.orders, id)
		}
	}
}

// Track registers a newly placed limit order for sweep management.
func (c *Coordinator) Track(order domain.Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders[order.ID] = &TrackedOrder{Order: order, Symbol: order.Symbol}
}

// Get returns the current tracked state for orderID.
func (c *Coordinator) Get(orderID string) (domain.Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.orders[orderID]
	if !ok {
		return domain.Order{}, false
	}
	return t.Order, true
}

// IsReentryBlocked reports whether symbol is inside a market-replace-failure
// reentry block window (spec §4.5 step 4).
func (c *Coordinator) IsReentryBlocked(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.reentryBlockedAt[symbol]
	return ok && c.now().Before(until)
}

// Sweep runs one periodic pass over every live/partially_filled order (spec
// §4.5 "Periodic sweep").
func (c *Coordinator) Sweep(ctx context.Context) {
	c.mu.Lock()
	snapshot := make([]*TrackedOrder, 0, len(c.orders))
	for _, t := range c.orders {
		if t.Order.State == domain.OrderStateLive || t.Order.State == domain.OrderStatePartiallyFilled {
			t.RepricedThisCycle = false
			snapshot = append(snapshot, t)
		}
	}
	c.mu.Unlock()

	for _, t := range snapshot {
		c.sweepOne(ctx, t)
	}
	c.updateCache(ctx)
}

func (c *Coordinator) sweepOne(ctx context.Context, t *TrackedOrder) {
	ticker, _, ok := c.data.GetTicker(t.Symbol)
	if !ok || ticker.Last.IsZero() {
		return
	}
	waitTime := c.now().Sub(t.Order.CreateTime)
	maxWait := time.Duration(c.cfg.MaxWaitSeconds) * time.Second
	driftPct := ticker.Last.Sub(t.Order.Price).Abs().Div(t.Order.Price).Mul(decimal.NewFromInt(100))
	driftCancelPct := c.cfg.DriftCancelThresholdPct
	if driftCancelPct.IsZero() {
		driftCancelPct = decimal.NewFromFloat(0.1)
	}

	closeToExecution := driftPct.LessThan(driftCancelPct)
	postOnlyStuck := t.Order.PostOnly && c.now().Sub(t.Order.CreateTime) > time.Duration(c.cfg.PostOnlyStuckSeconds)*time.Second

	// 2. Close-to-execution clause.
	if closeToExecution {
		if postOnlyStuck && c.cfg.PostOnlyStuckWinsOverDrift {
			c.cancelAndReplacePostOnly(ctx, t, ticker)
		}
		return
	}

	// 3. Auto-reprice.
	autoRepriceThreshold := c.cfg.AutoRepriceDriftPct
	if autoRepriceThreshold.IsZero() {
		autoRepriceThreshold = decimal.NewFromFloat(0.2)
	}
	if driftPct.GreaterThanOrEqual(autoRepriceThreshold) && waitTime <= maxWait {
		c.reprice(ctx, t, ticker)
		return
	}

	// 4. Timeout path.
	if waitTime > maxWait {
		c.handleTimeout(ctx, t, ticker)
		return
	}

	// 5. Drift cancel (not close-to-execution, not repriced this cycle).
	if driftPct.GreaterThan(driftCancelPct) && !t.RepricedThisCycle {
		c.cancel(ctx, t, "drift_cancel")
	}
}

func (c *Coordinator) reprice(ctx context.Context, t *TrackedOrder, ticker domain.Ticker) {
	throttle := time.Duration(c.cfg.AmendThrottleSeconds) * time.Second
	if throttle == 0 {
		throttle = 2 * time.Second
	}
	if c.now().Sub(t.LastAmendAt) < throttle {
		return
	}
	newPrice := postOnlyOffsetPrice(t.Order.Side, ticker, decimal.NewFromFloat(0.0001))
	if err := c.rest.AmendOrderPrice(ctx, t.Symbol, t.Order.ID, newPrice); err != nil {
		c.logger.Warn("amend failed", zap.String("order_id", t.Order.ID), zap.Error(err))
		return
	}
	c.mu.Lock()
	t.Order.Price = newPrice
	t.Order.LastAmendAt = c.now()
	t.Order.AmendCount++
	t.LastAmendAt = c.now()
	t.RepricedThisCycle = true
	c.mu.Unlock()
	c.recordCancelAmend(t.Symbol)
}

func (c *Coordinator) cancelAndReplacePostOnly(ctx context.Context, t *TrackedOrder, ticker domain.Ticker) {
	if err := c.rest.CancelOrder(ctx, t.Symbol, t.Order.ID); err != nil {
		c.logger.Warn("cancel for post-only replace failed", zap.Error(err))
		return
	}
	price := nonPostOnlyOffsetPrice(t.Order.Side, ticker)
	req := exchange.PlaceOrderRequest{Symbol: t.Symbol, Side: t.Order.Side, Size: t.Order.Size, Type: domain.OrderTypeLimit, Price: price}
	resp, err := c.rest.PlaceOrder(ctx, req)
	c.recordCancelAmend(t.Symbol)
	c.removeTracked(t.Order.ID, "post_only_replaced")
	if err != nil || !resp.Succeeded() {
		c.logger.Warn("post-only replace order failed", zap.Error(err))
		return
	}
	c.Track(domain.Order{ID: resp.OrdID, Symbol: t.Symbol, Side: t.Order.Side, Type: domain.OrderTypeLimit, Size: t.Order.Size, Price: price, State: domain.OrderStateLive, CreateTime: c.now()})
}

func (c *Coordinator) handleTimeout(ctx context.Context, t *TrackedOrder, ticker domain.Ticker) {
	if c.reval != nil {
		if sig, ok := c.reval.Revalidate(t.Symbol); ok && sig.Side == t.Order.Side && sig.Strength >= 0.5 && sig.FiltersPassed >= 3 {
			moveAgainst := movedAgainst(t.Order.Side, t.Order.Price, ticker.Last)
			if moveAgainst.LessThan(decimal.NewFromFloat(0.5)) {
				return // keep order alive
			}
		}
	}

	if err := c.rest.CancelOrder(ctx, t.Symbol, t.Order.ID); err != nil {
		c.logger.Warn("timeout cancel failed", zap.Error(err))
		return
	}
	c.recordCancelAmend(t.Symbol)

	if !c.cfg.ReplaceWithMarket {
		c.removeTracked(t.Order.ID, "timeout_cancelled")
		return
	}
	maxReplaces := c.cfg.MaxConsecutiveMarketReplaces
	if maxReplaces == 0 {
		maxReplaces = 2
	}
	c.mu.Lock()
	count := c.marketReplaces[t.Symbol]
	c.mu.Unlock()
	if count >= maxReplaces {
		c.removeTracked(t.Order.ID, "timeout_cancelled")
		return
	}

	req := exchange.PlaceOrderRequest{Symbol: t.Symbol, Side: t.Order.Side, Size: t.Order.Size, Type: domain.OrderTypeMarket}
	resp, err := c.rest.PlaceOrder(ctx, req)
	c.removeTracked(t.Order.ID, "market_replaced")
	if err != nil || !resp.Succeeded() {
		c.mu.Lock()
		blockMinutes := c.cfg.ReentryBlockMinutes
		if blockMinutes == 0 {
			blockMinutes = 2
		}
		c.reentryBlockedAt[t.Symbol] = c.now().Add(time.Duration(blockMinutes) * time.Minute)
		c.mu.Unlock()
		c.logger.Warn("market replace failed, reentry blocked", zap.String("symbol", t.Symbol), zap.Error(err))
		return
	}
	c.mu.Lock()
	c.marketReplaces[t.Symbol] = count + 1
	c.mu.Unlock()
}

func (c *Coordinator) cancel(ctx context.Context, t *TrackedOrder, reason string) {
	if err := c.rest.CancelOrder(ctx, t.Symbol, t.Order.ID); err != nil {
		c.logger.Warn("cancel failed", zap.String("reason", reason), zap.Error(err))
		return
	}
	c.recordCancelAmend(t.Symbol)
	c.removeTracked(t.Order.ID, reason)
}

// updateCache transitions cached orders older than 10s to filled/cancelled
// per spec §4.5's "Cache update" rule.
func (c *Coordinator) updateCache(ctx context.Context) {
	c.mu.Lock()
	stale := make([]*TrackedOrder, 0)
	for _, t := range c.orders {
		if c.now().Sub(t.Order.CreateTime) > 10*time.Second {
			stale = append(stale, t)
		}
	}
	c.mu.Unlock()

	for _, t := range stale {
		active, err := c.rest.GetActiveOrders(ctx, t.Symbol)
		if err != nil {
			continue
		}
		stillListed := false
		for _, o := range active {
			if o.ID == t.Order.ID {
				stillListed = true
				break
			}
		}
		if stillListed {
			continue
		}
		positions, err := c.rest.GetPositions(ctx, t.Symbol)
		terminalState := "cancelled"
		c.mu.Lock()
		if err == nil && len(positions) > 0 && !positions[0].SizeContracts.IsZero() {
			t.Order.State = domain.OrderStateFilled
			terminalState = "filled"
		} else {
			t.Order.State = domain.OrderStateCancelled
		}
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.RecordOrderLifecycle(t.Symbol, terminalState, c.now().Sub(t.Order.CreateTime))
		}
	}
}

// removeTracked drops orderID from the tracked set and records the
// placement-to-terminal-state duration (spec §6.3's order-lifecycle metric).
func (c *Coordinator) removeTracked(orderID, terminalState string) {
	c.mu.Lock()
	t, ok := c.orders[orderID]
	delete(c.orders, orderID)
	c.mu.Unlock()
	if ok && c.metrics != nil {
		c.metrics.RecordOrderLifecycle(t.Symbol, terminalState, c.now().Sub(t.Order.CreateTime))
	}
}

// recordCancelAmend appends a cancel/amend timestamp to the configured
// sliding window (default 5 minutes) and warns past the configured threshold
// (default 5) (spec §4.5 "Rate-limit heuristic").
func (c *Coordinator) recordCancelAmend(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	windowLen := time.Duration(c.cfg.RateLimitWindowMinutes) * time.Minute
	if windowLen <= 0 {
		windowLen = 5 * time.Minute
	}
	threshold := c.cfg.RateLimitWarnThreshold
	if threshold <= 0 {
		threshold = 5
	}
	window := now.Add(-windowLen)
	log := c.cancelAmendLog[symbol]
	trimmed := log[:0]
	for _, t := range log {
		if t.After(window) {
			trimmed = append(trimmed, t)
		}
	}
	trimmed = append(trimmed, now)
	c.cancelAmendLog[symbol] = trimmed
	if len(trimmed) > threshold {
		c.logger.Warn("order cancel/amend rate exceeded", zap.String("symbol", symbol), zap.Int("count_5m", len(trimmed)))
	}
}

func postOnlyOffsetPrice(side domain.Side, ticker domain.Ticker, offset decimal.Decimal) decimal.Decimal {
	if side == domain.SideLong {
		return ticker.BestBid.Mul(decimal.NewFromInt(1).Add(offset))
	}
	return ticker.BestAsk.Mul(decimal.NewFromInt(1).Sub(offset))
}

func nonPostOnlyOffsetPrice(side domain.Side, ticker domain.Ticker) decimal.Decimal {
	if side == domain.SideLong {
		return ticker.BestAsk.Mul(decimal.NewFromFloat(1.0001))
	}
	return ticker.BestBid.Mul(decimal.NewFromFloat(0.9999))
}

func movedAgainst(side domain.Side, orderPrice, current decimal.Decimal) decimal.Decimal {
	if orderPrice.IsZero() {
		return decimal.Zero
	}
	diff := current.Sub(orderPrice).Div(orderPrice).Mul(decimal.NewFromInt(100))
	if side == domain.SideLong {
		return diff.Neg() // price falling hurts a long buy
	}
	return diff // price rising hurts a short sell
}
