// Package risk tracks account drawdown and owns the Emergency Stop switch,
// and enforces the MaxSizeLimiter's aggregate exposure caps. Grounded on
// internal/execution/risk_manager.go's kill-switch shape (isDisabled +
// disabledUntil guarded by a mutex, RiskEvent channel, zap logging),
// generalized from the teacher's manual/threshold kill switch into the
// spec's drawdown-percent-triggered Emergency Stop with regime-scoped
// auto-unlock (spec §4.9).
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Manager owns the account-level Emergency Stop flag and the MaxSizeLimiter
// exposure cap, both single-writer structures guarded by one mutex (spec §5:
// "Emergency-stop transitions are guarded by a single flag read+write").
type Manager struct {
	logger *zap.Logger
	now    func() time.Time

	mu             sync.RWMutex
	initialBalance decimal.Decimal
	stopActive     bool
	stopTime       time.Time
	stopBalance    decimal.Decimal

	maxTotalSizeUSD  decimal.Decimal
	maxSingleSizeUSD decimal.Decimal
	maxPositions     int
	exposure         map[string]decimal.Decimal // symbol -> notional USD
}

// Config configures the exposure caps enforced by MaxSizeLimiter.
type Config struct {
	MaxTotalSizeUSD  decimal.Decimal
	MaxSingleSizeUSD decimal.Decimal
	MaxPositions     int
}

// New builds a Manager. initialBalance anchors the drawdown calculation for
// the lifetime of the process, per spec §4.9 ("tracks initial_balance at
// startup").
func New(logger *zap.Logger, now func() time.Time, initialBalance decimal.Decimal, cfg Config) *Manager {
	return &Manager{
		logger:           logger.Named("risk_manager"),
		now:              now,
		initialBalance:   initialBalance,
		maxTotalSizeUSD:  cfg.MaxTotalSizeUSD,
		maxSingleSizeUSD: cfg.MaxSingleSizeUSD,
		maxPositions:     cfg.MaxPositions,
		exposure:         make(map[string]decimal.Decimal),
	}
}

// Drawdown computes (initial - current) / initial (spec §4.9).
func (m *Manager) Drawdown(currentBalance decimal.Decimal) decimal.Decimal {
	if m.initialBalance.IsZero() {
		return decimal.Zero
	}
	return m.initialBalance.Sub(currentBalance).Div(m.initialBalance)
}

// EvaluateEmergencyStop checks the drawdown against the regime's
// max_drawdown_percent and flips the Emergency Stop flag if breached. The
// caller is responsible for actually closing positions via the returned
// triggered flag — this method only owns the flag transition (spec §4.9:
// "Main loop continues" after triggering, closes are a separate step).
func (m *Manager) EvaluateEmergencyStop(currentBalance, maxDrawdownPercent decimal.Decimal) (triggered bool) {
	drawdown := m.Drawdown(currentBalance)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopActive {
		return false
	}
	if drawdown.GreaterThan(maxDrawdownPercent) {
		m.stopActive = true
		m.stopTime = m.now()
		m.stopBalance = currentBalance
		m.logger.Error("emergency stop triggered",
			zap.String("drawdown", drawdown.String()),
			zap.String("threshold", maxDrawdownPercent.String()))
		return true
	}
	return false
}

// TryAutoUnlock clears Emergency Stop if the lock duration has elapsed and
// the drawdown has recovered below unlock_threshold_percent * max_drawdown
// (spec §4.9 auto-unlock).
func (m *Manager) TryAutoUnlock(currentBalance, maxDrawdownPercent, unlockThresholdPercent decimal.Decimal, minLock time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopActive {
		return false
	}
	if m.now().Sub(m.stopTime) < minLock {
		return false
	}
	drawdown := m.Drawdown(currentBalance)
	unlockCeiling := unlockThresholdPercent.Mul(maxDrawdownPercent)
	if drawdown.LessThan(unlockCeiling) {
		m.stopActive = false
		m.logger.Info("emergency stop auto-unlocked", zap.String("drawdown", drawdown.String()))
		return true
	}
	return false
}

// TriggerEmergencyStop unconditionally sets the flag, for the manual admin
// trigger and the account-wide close-all path (spec §4.9 step 1), bypassing
// the drawdown-threshold check EvaluateEmergencyStop performs.
func (m *Manager) TriggerEmergencyStop(currentBalance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopActive {
		return
	}
	m.stopActive = true
	m.stopTime = m.now()
	m.stopBalance = currentBalance
	m.logger.Warn("emergency stop triggered manually")
}

// IsEmergencyStopActive reports the current flag state.
func (m *Manager) IsEmergencyStopActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stopActive
}

// ClearEmergencyStop unconditionally clears the flag (admin API manual clear).
func (m *Manager) ClearEmergencyStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopActive = false
	m.logger.Info("emergency stop manually cleared")
}

// RegisterExposure records a position's notional for MaxSizeLimiter
// accounting, replacing any prior notional for the same symbol.
func (m *Manager) RegisterExposure(symbol string, notionalUSD decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exposure[symbol] = notionalUSD
}

// ClearExposure removes a symbol's notional (position closed / DRIFT_REMOVE).
func (m *Manager) ClearExposure(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.exposure, symbol)
}

// CheckMaxSize validates a candidate new-position notional against the
// MaxSizeLimiter caps (spec §4.4.1): total notional across open positions,
// per-position notional, and open-position count.
func (m *Manager) CheckMaxSize(symbol string, candidateNotionalUSD decimal.Decimal) (ok bool, reason string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.maxSingleSizeUSD.IsZero() && candidateNotionalUSD.GreaterThan(m.maxSingleSizeUSD) {
		return false, "exceeds max_single_size_usd"
	}
	if m.maxPositions > 0 {
		count := len(m.exposure)
		if _, exists := m.exposure[symbol]; !exists {
			count++
		}
		if count > m.maxPositions {
			return false, "exceeds max_positions"
		}
	}
	if !m.maxTotalSizeUSD.IsZero() {
		total := candidateNotionalUSD
		for sym, n := range m.exposure {
			if sym == symbol {
				continue
			}
			total = total.Add(n)
		}
		if total.GreaterThan(m.maxTotalSizeUSD) {
			return false, "exceeds max_total_size_usd"
		}
	}
	return true, ""
}

// StopState reports Emergency Stop metadata for the admin API/journal.
type StopState struct {
	Active      bool
	StopTime    time.Time
	StopBalance decimal.Decimal
}

// State returns a snapshot of Emergency Stop state.
func (m *Manager) State() StopState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return StopState{Active: m.stopActive, StopTime: m.stopTime, StopBalance: m.stopBalance}
}
