// Package margin computes per-position margin safety and the tagged safety
// result the exit/position-manager paths branch on, replacing the
// exception-as-control-flow pattern spec §9 flags for "suspicious margin"
// with the explicit MarginSafetyResult tagged result it prescribes. Grounded
// on internal/execution/risk_manager.go's tagged-violation style
// (RiskViolation/RiskSeverity), generalized from portfolio-level risk rules
// to the per-position margin-ratio formula of spec §4.9.
package margin

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantforge/perpscalp/internal/domain"
)

// Safety is the tagged result of a margin safety check (spec §9: "tagged
// results {Safe, SuspectFalseTrigger{reason}, Unsafe{ratio}}").
type Safety string

const (
	SafetySafe                 Safety = "safe"
	SafetySuspectFalseTrigger  Safety = "suspect_false_trigger"
	SafetyUnsafe               Safety = "unsafe"
)

// Result is the outcome of CheckSafety: a tag plus the ratio and reason that
// produced it, for logging and the false-trigger-protection gate.
type Result struct {
	Tag    Safety
	Ratio  decimal.Decimal
	Reason string
}

const (
	newPositionGrace    = 30 * time.Second
	smallPositionMargin = 50 // USDT
)

// Calculator derives margin ratios and classifies their safety against a
// per-regime threshold (spec §4.9).
type Calculator struct {
	now func() time.Time
}

// New builds a Calculator using the given time source.
func New(now func() time.Time) *Calculator {
	return &Calculator{now: now}
}

// Ratio computes margin_ratio = available_margin / margin_used for a
// position, applying the corrective fallbacks spec §4.9 names: brand-new
// positions (< 30s old) report 2.0; small positions (margin_used < 50 USDT)
// recompute from equity; pathological negatives with small PnL fall back to
// equity/margin_used, clamped to 1.0 if that is still below 0.5.
func (c *Calculator) Ratio(pos domain.Position, equity decimal.Decimal) decimal.Decimal {
	if pos.Margin.IsZero() {
		return decimal.NewFromInt(2)
	}

	age := c.now().Sub(pos.OpenTime)
	if age < newPositionGrace {
		return decimal.NewFromInt(2)
	}

	availableMargin := equity.Sub(pos.Margin).Add(pos.UnrealizedPnL)
	ratio := availableMargin.Div(pos.Margin)

	if pos.Margin.LessThan(decimal.NewFromInt(smallPositionMargin)) {
		ratio = equity.Div(pos.Margin)
	}

	if ratio.IsNegative() && pos.UnrealizedPnL.Abs().LessThan(pos.Margin.Mul(decimal.NewFromFloat(0.1))) {
		ratio = equity.Div(pos.Margin)
		if ratio.LessThan(decimal.NewFromFloat(0.5)) {
			ratio = decimal.NewFromInt(1)
		}
	}

	return ratio
}

// CheckSafety classifies a position's margin ratio against the per-regime
// safety threshold (spec §4.9: "safe iff margin_ratio >= safety_threshold").
func (c *Calculator) CheckSafety(pos domain.Position, equity, safetyThreshold decimal.Decimal) Result {
	ratio := c.Ratio(pos, equity)
	if ratio.GreaterThanOrEqual(safetyThreshold) {
		return Result{Tag: SafetySafe, Ratio: ratio}
	}
	return Result{Tag: SafetyUnsafe, Ratio: ratio, Reason: "margin_ratio below safety_threshold"}
}

// FalseTriggerGuard implements spec §4.9's false-trigger protection: an
// emergency close by the position manager requires ALL of age >= 30s,
// |pnl|/margin >= 2%, and margin_ratio in (0, 1.2). A position failing any
// clause is reported SuspectFalseTrigger rather than Unsafe, so the caller
// does not act on a transient/noisy reading.
func (c *Calculator) FalseTriggerGuard(pos domain.Position, equity decimal.Decimal) Result {
	age := c.now().Sub(pos.OpenTime)
	ratio := c.Ratio(pos, equity)

	if age < newPositionGrace {
		return Result{Tag: SafetySuspectFalseTrigger, Ratio: ratio, Reason: "position younger than grace period"}
	}
	if pos.Margin.IsZero() {
		return Result{Tag: SafetySuspectFalseTrigger, Ratio: ratio, Reason: "zero margin"}
	}
	pnlPct := pos.UnrealizedPnL.Abs().Div(pos.Margin)
	if pnlPct.LessThan(decimal.NewFromFloat(0.02)) {
		return Result{Tag: SafetySuspectFalseTrigger, Ratio: ratio, Reason: "pnl magnitude below 2% of margin"}
	}
	if !(ratio.IsPositive() && ratio.LessThan(decimal.NewFromFloat(1.2))) {
		return Result{Tag: SafetySuspectFalseTrigger, Ratio: ratio, Reason: "ratio outside (0, 1.2) warning band"}
	}
	return Result{Tag: SafetyUnsafe, Ratio: ratio, Reason: "emergency close conditions met"}
}
