// Package signalcoord implements the Signal Coordinator (spec §4.3): the
// gate between candidate signals and order placement. Every candidate is
// processed under a non-blocking per-symbol try-lock so signals for
// different symbols run in parallel while same-symbol signals serialize,
// and is rejected for an existing position, cooldown, Emergency Stop,
// max-concurrent-positions, or a too-small computed size before being
// handed to the Entry Manager.
//
// Grounded on internal/execution/risk_manager.go's per-symbol gating style
// (map-keyed cooldown/state tracking guarded by a mutex) and the teacher's
// general single-writer-map idiom used throughout internal/data.Store,
// generalized here to a try-lock-per-symbol instead of a blocking mutex
// because spec §4.3 explicitly calls for drop-not-block semantics
// ("non-blocking try-acquire; if held, drop signal as redundant").
package signalcoord

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
	"github.com/quantforge/perpscalp/internal/positionregistry"
	"github.com/quantforge/perpscalp/internal/risk"
	"github.com/quantforge/perpscalp/internal/signalgen"
	"github.com/quantforge/perpscalp/internal/sizing"
)

// Outcome enumerates what happened to a processed signal, for the
// conversion-metrics exporter (spec §4.3, §8: filtered:concurrent_lock,
// signal_executed, etc).
type Outcome string

const (
	OutcomeExecuted           Outcome = "signal_executed"
	OutcomeFilteredLock       Outcome = "filtered_concurrent_lock"
	OutcomeFilteredPosition   Outcome = "filtered_position_exists"
	OutcomeFilteredCooldown   Outcome = "filtered_cooldown"
	OutcomeFilteredEmergency  Outcome = "filtered_emergency_stop"
	OutcomeFilteredMaxOpen    Outcome = "filtered_max_open_positions"
	OutcomeFilteredBelowMin   Outcome = "filtered_below_min_size"
)

// Metrics is the narrow conversion-metrics sink the coordinator reports
// outcomes to. internal/metrics implements this.
type Metrics interface {
	RecordSignalOutcome(symbol string, outcome Outcome)
}

// EntryDelegate is the Entry Manager's surface from the coordinator's point
// of view (spec §4.3 step 7: "Delegate to Entry Manager").
type EntryDelegate interface {
	Open(ctx context.Context, sig signalgen.Signal, sizeCoins decimal.Decimal) error
}

// Coordinator implements spec §4.3's per-signal contract.
type Coordinator struct {
	logger   *zap.Logger
	cfg      *config.Config
	dataReg  *dataregistry.Registry
	posReg   *positionregistry.Registry
	riskMgr  *risk.Manager
	sizer    *sizing.Sizer
	rest     exchange.REST
	entry    EntryDelegate
	metrics  Metrics
	clock    func() time.Time

	symbolMu      sync.Map // symbol -> *sync.Mutex (try-lock)
	lastSignalAt  sync.Map // symbol -> time.Time
	reentryUntil  sync.Map // symbol -> time.Time (set externally by exit pipeline, §4.7)
}

// New builds a Coordinator. rest is used for the "confirm via fresh REST
// query" fallback in step 2 when the local registry says no position but
// the exchange may have just opened one.
func New(logger *zap.Logger, cfg *config.Config, dataReg *dataregistry.Registry, posReg *positionregistry.Registry, riskMgr *risk.Manager, sizer *sizing.Sizer, rest exchange.REST, entry EntryDelegate, metrics Metrics, clock func() time.Time) *Coordinator {
	return &Coordinator{
		logger: logger.Named("signal_coordinator"), cfg: cfg, dataReg: dataReg, posReg: posReg,
		riskMgr: riskMgr, sizer: sizer, rest: rest, entry: entry, metrics: metrics, clock: clock,
	}
}

// SetReentryCooldown blocks new signals for symbol until until (spec §4.7's
// reentry cool-down after a close feeds this).
func (c *Coordinator) SetReentryCooldown(symbol string, until time.Time) {
	c.reentryUntil.Store(symbol, until)
}

// Process runs one candidate signal through the full gating contract (spec
// §4.3, numbered to match).
func (c *Coordinator) Process(ctx context.Context, sig signalgen.Signal, sym domain.Symbol) {
	symbol := sig.Symbol

	// 1. non-blocking per-symbol try-lock.
	lockIface, _ := c.symbolMu.LoadOrStore(symbol, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	if !lock.TryLock() {
		c.record(symbol, OutcomeFilteredLock)
		return
	}
	defer lock.Unlock()

	// 2. reject if position already exists locally, or (if local says no but
	// data may be stale) confirmed via a fresh exchange query.
	if c.posReg.Has(symbol) {
		c.record(symbol, OutcomeFilteredPosition)
		return
	}
	if ticker, stale, ok := c.dataReg.GetTicker(symbol); ok && !stale {
		_ = ticker // local data is fresh enough; skip the REST confirmation round-trip
	} else if c.rest != nil {
		if positions, err := c.rest.GetPositions(ctx, symbol); err == nil && len(positions) > 0 {
			c.record(symbol, OutcomeFilteredPosition)
			return
		}
	}

	// 3. reentry cooldown (§4.7) and global per-symbol signal cooldown.
	if until, ok := c.reentryUntil.Load(symbol); ok {
		if c.clock().Before(until.(time.Time)) {
			c.record(symbol, OutcomeFilteredCooldown)
			return
		}
	}
	cooldown := time.Duration(c.cfg.Scalping.SignalCooldownSeconds) * time.Second
	if last, ok := c.lastSignalAt.Load(symbol); ok && cooldown > 0 {
		if c.clock().Sub(last.(time.Time)) < cooldown {
			c.record(symbol, OutcomeFilteredCooldown)
			return
		}
	}

	// 4. emergency stop gate.
	if c.riskMgr.IsEmergencyStopActive() {
		c.record(symbol, OutcomeFilteredEmergency)
		return
	}

	// 5. max concurrent positions derived from balance profile.
	balance := c.dataReg.GetBalance()
	profile := c.cfg.ResolveProfile(balance.Equity)
	pc := c.cfg.ResolveProfileSizing(profile)
	if pc.MaxOpenPositions > 0 && len(c.posReg.GetAll()) >= pc.MaxOpenPositions {
		c.record(symbol, OutcomeFilteredMaxOpen)
		return
	}

	// 6. compute size via the Risk Manager (internal/sizing.Sizer).
	regime := c.dataReg.GetRegime(symbol)
	result := c.sizer.Compute(symbol, balance.Equity, sig.LimitPrice, regime, sym)
	if result.Rejected {
		c.record(symbol, OutcomeFilteredBelowMin)
		return
	}

	// 7. delegate to Entry Manager.
	c.lastSignalAt.Store(symbol, c.clock())
	if err := c.entry.Open(ctx, sig, result.SizeCoins); err != nil {
		c.logger.Error("entry delegate failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	c.record(symbol, OutcomeExecuted)
}

func (c *Coordinator) record(symbol string, outcome Outcome) {
	if c.metrics != nil {
		c.metrics.RecordSignalOutcome(symbol, outcome)
	}
	if outcome != OutcomeExecuted {
		c.logger.Debug("signal filtered", zap.String("symbol", symbol), zap.String("outcome", string(outcome)))
	}
}
