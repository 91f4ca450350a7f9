// Package regimedetector classifies a symbol's recent candles into the
// trending/ranging/choppy/unknown regimes the rest of the engine's adaptive
// parameter resolution keys off of. Grounded on the teacher's
// internal/regime.RegimeDetector (Config+mutex+rolling-buffer shape, logger
// field, Default*Config factory) but replaces its HMM bull/bear/high_vol
// state machine with the ADX/ATR-based classifier the spec's regime concept
// actually needs — trend strength and choppiness, not direction.
package regimedetector

import (
	"sync"

	"go.uber.org/zap"

	"github.com/quantforge/perpscalp/internal/domain"
	"github.com/quantforge/perpscalp/internal/indicators"
)

// Config tunes the ADX/ATR thresholds that separate the three named regimes.
type Config struct {
	TrendingADXMin   float64 // ADX >= this => trending
	ChoppyADXMax     float64 // ADX <= this => choppy
	MinCandlesForADX int     // below this, report unknown
}

// DefaultConfig returns the thresholds used absent explicit configuration.
func DefaultConfig() *Config {
	return &Config{
		TrendingADXMin:   25.0,
		ChoppyADXMax:     15.0,
		MinCandlesForADX: 30,
	}
}

// Detector classifies regimes per symbol from the candles the Data Registry
// already holds; it never owns its own candle buffer.
type Detector struct {
	logger *zap.Logger
	config *Config

	mu      sync.RWMutex
	history map[string][]domain.Regime // bounded recent classifications, for logging transitions
}

// New builds a Detector. A nil config uses DefaultConfig.
func New(logger *zap.Logger, config *Config) *Detector {
	if config == nil {
		config = DefaultConfig()
	}
	return &Detector{
		logger:  logger.Named("regime_detector"),
		config:  config,
		history: make(map[string][]domain.Regime),
	}
}

// Classify derives the regime for symbol from its most recent candles
// (ascending order) using ADX for trend strength: ADX >= TrendingADXMin is
// trending, ADX <= ChoppyADXMax is choppy, otherwise ranging. Too little
// history to compute ADX yields RegimeUnknown, per spec §4.4's "if missing,
// fall back to ranging and log warning" — that fallback is the entry
// manager's responsibility, not this classifier's.
func (d *Detector) Classify(symbol string, candles []domain.Candle) domain.Regime {
	if len(candles) < d.config.MinCandlesForADX {
		return domain.RegimeUnknown
	}

	snap := indicators.Compute(candles)
	if !snap.ADXReady {
		return domain.RegimeUnknown
	}

	var regime domain.Regime
	switch {
	case snap.ADX >= d.config.TrendingADXMin:
		regime = domain.RegimeTrending
	case snap.ADX <= d.config.ChoppyADXMax:
		regime = domain.RegimeChoppy
	default:
		regime = domain.RegimeRanging
	}

	d.record(symbol, regime)
	return regime
}

func (d *Detector) record(symbol string, regime domain.Regime) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hist := d.history[symbol]
	if len(hist) == 0 || hist[len(hist)-1] != regime {
		d.logger.Info("regime transition",
			zap.String("symbol", symbol),
			zap.String("regime", string(regime)))
	}
	hist = append(hist, regime)
	if len(hist) > 50 {
		hist = hist[len(hist)-50:]
	}
	d.history[symbol] = hist
}

// Last returns the most recently recorded regime for symbol, or
// RegimeUnknown if Classify has never been called for it.
func (d *Detector) Last(symbol string) domain.Regime {
	d.mu.RLock()
	defer d.mu.RUnlock()
	hist := d.history[symbol]
	if len(hist) == 0 {
		return domain.RegimeUnknown
	}
	return hist[len(hist)-1]
}
