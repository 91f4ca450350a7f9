package exitanalyzer

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/quantforge/perpscalp/internal/config"
	"github.com/quantforge/perpscalp/internal/dataregistry"
	"github.com/quantforge/perpscalp/internal/domain"
	"github.com/quantforge/perpscalp/internal/indicators"
	"github.com/quantforge/perpscalp/pkg/clock"
)

func pct(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// newTestAnalyzer builds an Analyzer against a minimal config matching
// spec §8 scenario 1: commission 1% round trip, slippage buffer 0.15%, no
// tp_percent (tests that need one set it themselves) and no
// profit-harvest/big-profit/partial-TP thresholds configured.
func newTestAnalyzer(now func() time.Time) *Analyzer {
	cfg := &config.Config{
		Commission: config.CommissionConfig{MakerFeeRate: pct("0.005"), TakerFeeRate: pct("0.005")},
		Scalping:   config.ScalpingConfig{SlippageBufferPercent: pct("0.0015"), TPBufferPercent: pct("0.5")},
	}
	dataReg := dataregistry.New(zap.NewNop(), clock.Real{}, time.Minute, nil)
	return New(zap.NewNop(), cfg, dataReg, now)
}

func basePosition() domain.Position {
	return domain.Position{
		Symbol: "BTC-USDT", Side: domain.SideLong, SizeCoins: pct("1"),
		EntryPrice: pct("100"), MarkPrice: pct("100"), Margin: pct("1000"),
		OpenTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func baseMeta() domain.PositionMetadata {
	return domain.PositionMetadata{RegimeAtEntry: domain.RegimeRanging}
}

// TestEvaluate_TPThresholdMatchesSpecScenario1 is a regression test for the
// review fix: the effective TP threshold must be tp_percent + commission +
// slippage_buffer_percent (2.15% in spec §8 scenario 1), with no
// tp_buffer_percent term folded in.
func TestEvaluate_TPThresholdMatchesSpecScenario1(t *testing.T) {
	now := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	a := newTestAnalyzer(func() time.Time { return now })
	a.cfg.Scalping.TPPercent = pct("0.01")

	pos := basePosition()
	meta := baseMeta()

	// Just below the 2.15% threshold: must hold.
	pos.UnrealizedPnL = pct("1000").Mul(pct("0.0214"))
	d := a.Evaluate(pos.Symbol, pos, meta, pct("10000"), indicators.Snapshot{})
	assert.Equal(t, ActionHold, d.Action)

	// At/above the 2.15% threshold: must close for TP.
	pos.UnrealizedPnL = pct("1000").Mul(pct("0.0216"))
	d = a.Evaluate(pos.Symbol, pos, meta, pct("10000"), indicators.Snapshot{})
	assert.Equal(t, ActionClose, d.Action)
	assert.Equal(t, ReasonTP, d.Reason)
}

// TestEvaluate_EmergencyLossIgnoresMinHoldingFloor confirms the emergency
// loss path fires as soon as the configured min-age is reached, independent
// of the position's min_holding_seconds (spec §4.7: "not subject to
// min-holding").
func TestEvaluate_EmergencyLossIgnoresMinHoldingFloor(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)
	a := newTestAnalyzer(func() time.Time { return now })
	a.cfg.AdaptiveRegime = config.AdaptiveRegimeConfig{
		Regimes: map[domain.Regime]config.RegimeParams{
			domain.RegimeRanging: {MaxEmergencyLossPercent: pct("0.10"), EmergencyMinAgeSeconds: 30},
		},
	}

	pos := basePosition()
	pos.UnrealizedPnL = pct("1000").Mul(pct("-0.15"))
	meta := baseMeta()
	meta.MinHoldingSeconds = 600 // much longer than the 60s elapsed

	d := a.Evaluate(pos.Symbol, pos, meta, pct("10000"), indicators.Snapshot{})
	assert.Equal(t, ActionClose, d.Action)
	assert.Equal(t, ReasonEmergencyLossProtection, d.Reason)
}

// TestEvaluate_PartialTPIdempotent verifies meta.PartialTPDone suppresses
// the partial-TP branch on every subsequent evaluation, once the Position
// Monitor's dispatch has set it (spec §8: partial-TP idempotence).
func TestEvaluate_PartialTPIdempotent(t *testing.T) {
	now := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	a := newTestAnalyzer(func() time.Time { return now })
	a.cfg.AdaptiveRegime = config.AdaptiveRegimeConfig{
		Regimes: map[domain.Regime]config.RegimeParams{
			domain.RegimeRanging: {
				PartialTPTriggerPercent: pct("0.01"),
				PartialTPFraction:       pct("0.5"),
			},
		},
	}

	// 1.05%: above the 1% partial-TP trigger but below the ~1.15% effective
	// TP threshold (commission + slippage buffer, no tp_percent configured),
	// so the TP branch must not preempt the partial-TP branch.
	pos := basePosition()
	pos.UnrealizedPnL = pct("1000").Mul(pct("0.0105"))
	meta := baseMeta()

	d := a.Evaluate(pos.Symbol, pos, meta, pct("10000"), indicators.Snapshot{})
	assert.Equal(t, ActionPartialClose, d.Action)
	assert.Equal(t, ReasonPartialTP, d.Reason)

	meta.PartialTPDone = true
	d = a.Evaluate(pos.Symbol, pos, meta, pct("10000"), indicators.Snapshot{})
	assert.NotEqual(t, ActionPartialClose, d.Action, "partial TP must not refire once already done")
}

// TestEvaluate_HoldsWhenNothingTriggers is the baseline negative case: a
// small, fresh, flat-PnL position should simply hold.
func TestEvaluate_HoldsWhenNothingTriggers(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)
	a := newTestAnalyzer(func() time.Time { return now })
	pos := basePosition()
	pos.UnrealizedPnL = decimal.Zero
	d := a.Evaluate(pos.Symbol, pos, baseMeta(), pct("10000"), indicators.Snapshot{})
	assert.Equal(t, ActionHold, d.Action)
	assert.Equal(t, ReasonNone, d.Blocked)
}

// TestClearPosition_DropsTrailingHighState confirms a reopened position
// does not inherit a stale trailing-high-of-net-PnL watermark.
func TestClearPosition_DropsTrailingHighState(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := newTestAnalyzer(func() time.Time { return now })
	a.cfg.AdaptiveRegime = config.AdaptiveRegimeConfig{
		Regimes: map[domain.Regime]config.RegimeParams{
			// TPPercent kept high so the TP branch (which runs before the
			// big-profit branch) does not preempt it in this test.
			domain.RegimeRanging: {TPPercent: pct("0.5"), BigProfitThreshold: pct("100"), BigProfitTrailingPct: pct("0.3")},
		},
	}
	pos := basePosition()
	pos.UnrealizedPnL = pct("200")
	a.Evaluate(pos.Symbol, pos, baseMeta(), pct("10000"), indicators.Snapshot{})
	assert.Contains(t, a.trailingHigh, pos.Symbol)

	a.ClearPosition(pos.Symbol)
	assert.NotContains(t, a.trailingHigh, pos.Symbol)
}
