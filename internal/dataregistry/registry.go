// Package dataregistry owns all market and account observables: candle
// buffers per (symbol, timeframe), latest ticker per symbol, regime per
// symbol, balance snapshot and derived profile, and margin snapshot. Grounded
// on the teacher's internal/data.Store (per-field RWMutex + zap logging),
// generalized from OHLCV-cache-for-backtesting into the live per-category
// registries the engine's coordinators share.
package dataregistry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantforge/perpscalp/internal/domain"
	"github.com/quantforge/perpscalp/pkg/clock"
)

// Metrics records the registry's malformed-update drop counter.
// Implemented by internal/metrics.
type Metrics interface {
	RecordDroppedTick()
}

// Registry is the single market/account data store, guarded by a mutex per
// category so tickers, candles, regime, balance and margin never contend
// with each other (spec §5: "per-category mutexes").
type Registry struct {
	clock   clock.Source
	logger  *zap.Logger
	metrics Metrics

	tickerMu    sync.RWMutex
	tickers     map[string]domain.Ticker

	candleMu    sync.RWMutex
	candles     map[string]map[domain.Timeframe][]domain.Candle
	maxSize     map[string]map[domain.Timeframe]int

	regimeMu    sync.RWMutex
	regimes     map[string]domain.Regime
	globalRegime domain.Regime

	balanceMu sync.RWMutex
	balance   domain.Balance

	marginMu sync.RWMutex
	margin   domain.MarginSnapshot

	staleAfter time.Duration

	droppedUpdates int64
}

// New builds an empty registry. metrics may be nil (a nil Metrics is a
// documented no-op at the drop sites that use it).
func New(logger *zap.Logger, clk clock.Source, staleAfter time.Duration, metrics Metrics) *Registry {
	return &Registry{
		clock:      clk,
		logger:     logger.Named("data_registry"),
		metrics:    metrics,
		tickers:    make(map[string]domain.Ticker),
		candles:    make(map[string]map[domain.Timeframe][]domain.Candle),
		maxSize:    make(map[string]map[domain.Timeframe]int),
		regimes:    make(map[string]domain.Regime),
		staleAfter: staleAfter,
	}
}

func (r *Registry) recordDropped() {
	if r.metrics != nil {
		r.metrics.RecordDroppedTick()
	}
}

// UpdateTicker stores the latest ticker. Malformed fields are dropped with a
// counter increment rather than failing the caller (spec §4.1).
func (r *Registry) UpdateTicker(symbol string, t domain.Ticker) {
	if !t.Valid() || t.Last.IsZero() {
		r.tickerMu.Lock()
		r.droppedUpdates++
		r.tickerMu.Unlock()
		r.logger.Warn("dropped malformed ticker", zap.String("symbol", symbol))
		r.recordDropped()
		return
	}
	r.tickerMu.Lock()
	defer r.tickerMu.Unlock()
	r.tickers[symbol] = t
}

// GetTicker returns the latest ticker for symbol and whether it is stale.
func (r *Registry) GetTicker(symbol string) (t domain.Ticker, stale bool, ok bool) {
	r.tickerMu.RLock()
	defer r.tickerMu.RUnlock()
	t, ok = r.tickers[symbol]
	if !ok {
		return domain.Ticker{}, false, false
	}
	stale = r.clock.Now().Sub(t.Timestamp) > r.staleAfter
	return t, stale, true
}

// AppendCandle deduplicates by timestamp and evicts the oldest entry past
// max_size (spec §4.1). An in-progress candle at the same timestamp as the
// most recent one is replaced in place, not duplicated.
func (r *Registry) AppendCandle(symbol string, tf domain.Timeframe, c domain.Candle, maxSize int) {
	if !c.Valid() {
		r.tickerMu.Lock()
		r.droppedUpdates++
		r.tickerMu.Unlock()
		r.logger.Warn("dropped malformed candle", zap.String("symbol", symbol), zap.String("tf", string(tf)))
		r.recordDropped()
		return
	}
	r.candleMu.Lock()
	defer r.candleMu.Unlock()

	if r.candles[symbol] == nil {
		r.candles[symbol] = make(map[domain.Timeframe][]domain.Candle)
	}
	buf := r.candles[symbol][tf]

	if n := len(buf); n > 0 && buf[n-1].Timestamp.Equal(c.Timestamp) {
		buf[n-1] = c
	} else {
		buf = append(buf, c)
	}
	if maxSize > 0 && len(buf) > maxSize {
		buf = buf[len(buf)-maxSize:]
	}
	r.candles[symbol][tf] = buf
}

// InitializeCandles replaces the buffer atomically, sorted ascending by
// timestamp (spec §4.1). Caller is responsible for pre-sorting; this stores
// a defensive copy.
func (r *Registry) InitializeCandles(symbol string, tf domain.Timeframe, candles []domain.Candle, maxSize int) {
	cp := make([]domain.Candle, len(candles))
	copy(cp, candles)
	if maxSize > 0 && len(cp) > maxSize {
		cp = cp[len(cp)-maxSize:]
	}
	r.candleMu.Lock()
	defer r.candleMu.Unlock()
	if r.candles[symbol] == nil {
		r.candles[symbol] = make(map[domain.Timeframe][]domain.Candle)
	}
	r.candles[symbol][tf] = cp
}

// Candles returns a copy of the stored candle buffer for (symbol, tf).
func (r *Registry) Candles(symbol string, tf domain.Timeframe) []domain.Candle {
	r.candleMu.RLock()
	defer r.candleMu.RUnlock()
	buf := r.candles[symbol][tf]
	cp := make([]domain.Candle, len(buf))
	copy(cp, buf)
	return cp
}

// UpdateRegime sets the regime for symbol (single-writer, spec §5).
func (r *Registry) UpdateRegime(symbol string, regime domain.Regime) {
	r.regimeMu.Lock()
	defer r.regimeMu.Unlock()
	r.regimes[symbol] = regime
}

// GetRegime returns the regime for symbol, or RegimeUnknown if never set.
func (r *Registry) GetRegime(symbol string) domain.Regime {
	r.regimeMu.RLock()
	defer r.regimeMu.RUnlock()
	if reg, ok := r.regimes[symbol]; ok {
		return reg
	}
	return domain.RegimeUnknown
}

// UpdateBalance overwrites the balance snapshot.
func (r *Registry) UpdateBalance(b domain.Balance) {
	r.balanceMu.Lock()
	defer r.balanceMu.Unlock()
	r.balance = b
}

// GetBalance returns the current balance snapshot.
func (r *Registry) GetBalance() domain.Balance {
	r.balanceMu.RLock()
	defer r.balanceMu.RUnlock()
	return r.balance
}

// UpdateMargin overwrites the margin snapshot.
func (r *Registry) UpdateMargin(m domain.MarginSnapshot) {
	r.marginMu.Lock()
	defer r.marginMu.Unlock()
	r.margin = m
}

// GetMargin returns the current margin snapshot.
func (r *Registry) GetMargin() domain.MarginSnapshot {
	r.marginMu.RLock()
	defer r.marginMu.RUnlock()
	return r.margin
}

// DroppedUpdateCount reports how many malformed ticker/candle updates were
// dropped since startup, for the conversion-metrics exporter.
func (r *Registry) DroppedUpdateCount() int64 {
	r.tickerMu.RLock()
	defer r.tickerMu.RUnlock()
	return r.droppedUpdates
}

// Snapshot returns an internally consistent view of market data for a symbol:
// latest ticker, latest candles per timeframe, and current regime (spec §4.1
// get_market_data).
func (r *Registry) Snapshot(symbol string, timeframes []domain.Timeframe) domain.Snapshot {
	ticker, stale, _ := r.GetTicker(symbol)
	snap := domain.Snapshot{
		Ticker:      ticker,
		TickerStale: stale,
		Candles:     make(map[domain.Timeframe][]domain.Candle, len(timeframes)),
		Regime:      r.GetRegime(symbol),
	}
	for _, tf := range timeframes {
		snap.Candles[tf] = r.Candles(symbol, tf)
	}
	return snap
}
