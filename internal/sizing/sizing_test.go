package sizing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/quantforge/perpscalp/internal/config"
	"github.com/quantforge/perpscalp/internal/domain"
	"github.com/quantforge/perpscalp/internal/risk"
)

func pct(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestSizer(t *testing.T) *Sizer {
	t.Helper()
	cfg := &config.Config{
		Leverage: 5,
		Profiles: map[domain.BalanceProfile]config.ProfileConfig{
			domain.ProfileSmall: {BasePositionUSD: pct("10"), MinPositionUSD: pct("10"), MaxPositionUSD: pct("1000"), MaxOpenPositions: 5, MaxPositionPercent: pct("50")},
		},
	}
	rm := risk.New(zap.NewNop(), time.Now, pct("1000"), risk.Config{MaxTotalSizeUSD: pct("100000"), MaxSingleSizeUSD: pct("100000"), MaxPositions: 10})
	return New(cfg, rm)
}

// TestCompute_RejectsBelowMinSize verifies spec §4.4.1's floor: a sized
// candidate that quantizes down below the exchange's min_size is rejected
// with reason "below_min_size" rather than silently placed at zero.
func TestCompute_RejectsBelowMinSize(t *testing.T) {
	s := newTestSizer(t)
	sym := domain.Symbol{Instrument: "DOGE-USDT", MinSize: pct("1000")}

	// base_position_usd=10 at a price of 1 => 10 coins, which quantizes to
	// zero against a 1000-coin step.
	res := s.Compute("DOGE-USDT", pct("1000"), pct("1"), domain.RegimeRanging, sym)
	assert.True(t, res.Rejected)
	assert.Equal(t, "below_min_size", res.Reason)
	assert.True(t, res.SizeCoins.IsZero())
}

// TestCompute_AcceptsAtOrAboveMinSize is the positive counterpart: a
// candidate that quantizes to a whole number of min_size steps (0.1 coins,
// 100 steps of 0.001) is accepted.
func TestCompute_AcceptsAtOrAboveMinSize(t *testing.T) {
	s := newTestSizer(t)
	sym := domain.Symbol{Instrument: "BTC-USDT", MinSize: pct("0.001")}

	res := s.Compute("BTC-USDT", pct("1000"), pct("100"), domain.RegimeRanging, sym)
	assert.False(t, res.Rejected)
	assert.True(t, res.SizeCoins.GreaterThanOrEqual(sym.MinSize))
}

// TestCompute_RejectsZeroPrice confirms a zero price is rejected explicitly
// rather than dividing by zero.
func TestCompute_RejectsZeroPrice(t *testing.T) {
	s := newTestSizer(t)
	sym := domain.Symbol{Instrument: "BTC-USDT", MinSize: pct("0.001")}
	res := s.Compute("BTC-USDT", pct("1000"), decimal.Zero, domain.RegimeRanging, sym)
	assert.True(t, res.Rejected)
	assert.Equal(t, "zero_price", res.Reason)
}
