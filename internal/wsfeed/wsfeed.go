// Package wsfeed owns the reconnect/backoff policy, stale-data watchdog,
// and event fan-out for the Public and Private WebSocket Coordinators (spec
// §4.10). It wraps an exchange.PublicWS/PrivateWS connection — dialing and
// subscribing with exponential backoff on failure; the public side also
// redials and re-subscribes when its stale-data watchdog trips, while the
// private side does not redial once set up — and pushes decoded events into the Data Registry /
// Position Registry and a set of caller-supplied hooks.
//
// Grounded on internal/execution/adapters/binance.go's dial-then-read-loop
// shape, generalized with the supervision loop the teacher's adapter lacks:
// its readWebSocket simply returns on error with no redial, which spec
// §4.10 explicitly requires ("reconnect with exponential backoff: base 5s,
// cap 300s, max 10 attempts").
package wsfeed

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantforge/perpscalp/internal/dataregistry"
	"github.com/quantforge/perpscalp/internal/domain"
	"github.com/quantforge/perpscalp/internal/exchange"
	"github.com/quantforge/perpscalp/internal/positionregistry"
)

// Metrics records WS reconnect attempts and stale-watchdog trips.
// Implemented by internal/metrics.
type Metrics interface {
	RecordWSReconnect(channel string)
	RecordWSStale(symbol string)
}

// BackoffConfig parameterizes the reconnect policy (spec §4.10).
type BackoffConfig struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries int
}

// DefaultBackoff returns the spec's base 5s / cap 300s / 10-attempt policy.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Base: 5 * time.Second, Cap: 300 * time.Second, MaxRetries: 10}
}

// delay returns the backoff delay for the given zero-based attempt number,
// doubling from Base and clamped to Cap.
func (b BackoffConfig) delay(attempt int) time.Duration {
	d := float64(b.Base) * math.Pow(2, float64(attempt))
	if d > float64(b.Cap) {
		d = float64(b.Cap)
	}
	return time.Duration(d)
}

// PublicCoordinator owns a live exchange.PublicWS connection: initial
// connect+subscribe, redial-on-failure with backoff, a stale-data watchdog
// per symbol, and wiring decoded events into the Data Registry.
type PublicCoordinator struct {
	logger     *zap.Logger
	ws         exchange.PublicWS
	registry   *dataregistry.Registry
	symbols    []string
	timeframes []domain.Timeframe
	backoff    BackoffConfig
	staleAfter time.Duration
	metrics    Metrics

	mu          sync.Mutex
	lastTickAt  map[string]time.Time
	onTickerFns []func(exchange.TickerEvent)
	onCandleFns []func(exchange.CandleEvent)
}

// NewPublicCoordinator builds a coordinator over an unconnected PublicWS.
// staleAfter drives the watchdog: a symbol with no ticker update within
// that window is logged and its ticker considered stale (the Data Registry
// itself also tracks staleness independently — this is a supervisory signal
// for forcing a reconnect). metrics may be nil.
func NewPublicCoordinator(logger *zap.Logger, ws exchange.PublicWS, registry *dataregistry.Registry, symbols []string, timeframes []domain.Timeframe, staleAfter time.Duration, metrics Metrics) *PublicCoordinator {
	return &PublicCoordinator{
		logger:     logger.Named("public_ws_coordinator"),
		ws:         ws,
		registry:   registry,
		symbols:    symbols,
		timeframes: timeframes,
		backoff:    DefaultBackoff(),
		staleAfter: staleAfter,
		metrics:    metrics,
		lastTickAt: make(map[string]time.Time),
	}
}

// OnTicker registers an additional callback invoked after the Data Registry
// update (e.g. Signal Coordinator's ticker-driven checks).
func (c *PublicCoordinator) OnTicker(fn func(exchange.TickerEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTickerFns = append(c.onTickerFns, fn)
}

// OnCandle registers an additional candle callback.
func (c *PublicCoordinator) OnCandle(fn func(exchange.CandleEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCandleFns = append(c.onCandleFns, fn)
}

// Run connects, subscribes, and supervises the connection until ctx is
// cancelled, redialing with backoff on disconnect. It returns only when ctx
// is done or the retry budget is exhausted.
func (c *PublicCoordinator) Run(ctx context.Context) error {
	c.ws.OnTicker(c.handleTicker)
	c.ws.OnCandle(c.handleCandle)

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.ws.Connect(ctx); err != nil {
			attempt++
			c.recordReconnect()
			if attempt > c.backoff.MaxRetries {
				c.logger.Error("public ws retry budget exhausted", zap.Error(err))
				return err
			}
			c.logger.Warn("public ws connect failed, backing off", zap.Error(err), zap.Int("attempt", attempt))
			c.sleep(ctx, c.backoff.delay(attempt-1))
			continue
		}
		if err := c.ws.Subscribe(ctx, c.symbols, c.timeframes); err != nil {
			c.logger.Warn("public ws subscribe failed", zap.Error(err))
			c.ws.Close()
			attempt++
			c.recordReconnect()
			c.sleep(ctx, c.backoff.delay(attempt-1))
			continue
		}
		attempt = 0
		c.logger.Info("public ws connected", zap.Int("symbols", len(c.symbols)))
		c.waitUntilStaleOrDone(ctx)
		c.ws.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// waitUntilStaleOrDone blocks until ctx is cancelled or the stale watchdog
// detects no ticker activity for staleAfter across every symbol, at which
// point it returns so Run redials.
func (c *PublicCoordinator) waitUntilStaleOrDone(ctx context.Context) {
	if c.staleAfter <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(c.staleAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.anySymbolStale() {
				c.logger.Warn("public ws stale watchdog tripped, forcing reconnect")
				return
			}
		}
	}
}

// anySymbolStale reports whether any symbol has gone without a ticker
// update for longer than staleAfter, recording a ws_stale_signal_fallback
// event (spec §4.10) for each stale symbol found.
func (c *PublicCoordinator) anySymbolStale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	stale := false
	for _, s := range c.symbols {
		last, ok := c.lastTickAt[s]
		if !ok || now.Sub(last) > c.staleAfter {
			stale = true
			if c.metrics != nil {
				c.metrics.RecordWSStale(s)
			}
		}
	}
	return stale
}

func (c *PublicCoordinator) recordReconnect() {
	if c.metrics != nil {
		c.metrics.RecordWSReconnect("public")
	}
}

func (c *PublicCoordinator) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *PublicCoordinator) handleTicker(ev exchange.TickerEvent) {
	c.registry.UpdateTicker(ev.Symbol, ev.Ticker)
	c.mu.Lock()
	c.lastTickAt[ev.Symbol] = time.Now()
	fns := append([]func(exchange.TickerEvent){}, c.onTickerFns...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *PublicCoordinator) handleCandle(ev exchange.CandleEvent) {
	c.registry.AppendCandle(ev.Symbol, ev.Timeframe, ev.Candle, 0)
	c.mu.Lock()
	fns := append([]func(exchange.CandleEvent){}, c.onCandleFns...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// PrivateCoordinator owns a live exchange.PrivateWS connection: connect,
// authenticate and subscribe (retried with backoff until it first
// succeeds), and wiring decoded position/order/account events into the
// Position Registry (spec §4.10/§4.11: WS position updates
// feed the same registry the Position-Sync reconciler reads).
type PrivateCoordinator struct {
	logger  *zap.Logger
	ws      exchange.PrivateWS
	posReg  *positionregistry.Registry
	symbols []string
	backoff BackoffConfig
	metrics Metrics

	mu           sync.Mutex
	onPositionFn []func(exchange.PositionEvent)
	onOrderFn    []func(exchange.OrderEvent)
	onAccountFn  []func(exchange.AccountEvent)
}

// NewPrivateCoordinator builds a coordinator over an unconnected PrivateWS.
// metrics may be nil.
func NewPrivateCoordinator(logger *zap.Logger, ws exchange.PrivateWS, posReg *positionregistry.Registry, symbols []string, metrics Metrics) *PrivateCoordinator {
	return &PrivateCoordinator{
		logger:  logger.Named("private_ws_coordinator"),
		ws:      ws,
		posReg:  posReg,
		symbols: symbols,
		backoff: DefaultBackoff(),
		metrics: metrics,
	}
}

// OnPosition registers an additional position-event callback (e.g. the
// trailing-SL coordinator seeding/clearing state on open/close).
func (c *PrivateCoordinator) OnPosition(fn func(exchange.PositionEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPositionFn = append(c.onPositionFn, fn)
}

// OnOrder registers an additional order-event callback.
func (c *PrivateCoordinator) OnOrder(fn func(exchange.OrderEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOrderFn = append(c.onOrderFn, fn)
}

// OnAccount registers an additional account-event callback.
func (c *PrivateCoordinator) OnAccount(fn func(exchange.AccountEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAccountFn = append(c.onAccountFn, fn)
}

// Run connects, authenticates and subscribes, retrying the whole setup with
// backoff until it succeeds or the retry budget is spent, then holds the
// connection until ctx is cancelled. It does not detect a dropped connection
// after setup, so it does not redial, re-authenticate or re-subscribe.
func (c *PrivateCoordinator) Run(ctx context.Context) error {
	c.ws.OnPosition(c.handlePosition)
	c.ws.OnOrder(c.handleOrder)
	c.ws.OnAccount(c.handleAccount)

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.connectAuthSubscribe(ctx); err != nil {
			attempt++
			if c.metrics != nil {
				c.metrics.RecordWSReconnect("private")
			}
			if attempt > c.backoff.MaxRetries {
				c.logger.Error("private ws retry budget exhausted", zap.Error(err))
				return err
			}
			c.logger.Warn("private ws setup failed, backing off", zap.Error(err), zap.Int("attempt", attempt))
			c.sleep(ctx, c.backoff.delay(attempt-1))
			continue
		}
		attempt = 0
		c.logger.Info("private ws connected")
		<-ctx.Done()
		c.ws.Close()
		return ctx.Err()
	}
}

func (c *PrivateCoordinator) connectAuthSubscribe(ctx context.Context) error {
	if err := c.ws.Connect(ctx); err != nil {
		return err
	}
	if err := c.ws.Authenticate(ctx); err != nil {
		c.ws.Close()
		return err
	}
	if err := c.ws.Subscribe(ctx, c.symbols); err != nil {
		c.ws.Close()
		return err
	}
	return nil
}

func (c *PrivateCoordinator) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// handlePosition applies the WS snapshot to an already-registered position
// only. A position the registry doesn't know about yet is left for the
// Position-Sync reconciler's DRIFT_ADD to pick up (spec §4.11) rather than
// registered here, so only one code path ever creates a registry entry.
func (c *PrivateCoordinator) handlePosition(ev exchange.PositionEvent) {
	if ev.Removed {
		c.posReg.Unregister(ev.Symbol)
	} else {
		c.posReg.UpdatePosition(ev.Symbol, func(p *domain.Position) { *p = ev.Position })
	}
	c.mu.Lock()
	fns := append([]func(exchange.PositionEvent){}, c.onPositionFn...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *PrivateCoordinator) handleOrder(ev exchange.OrderEvent) {
	c.mu.Lock()
	fns := append([]func(exchange.OrderEvent){}, c.onOrderFn...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *PrivateCoordinator) handleAccount(ev exchange.AccountEvent) {
	c.mu.Lock()
	fns := append([]func(exchange.AccountEvent){}, c.onAccountFn...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
