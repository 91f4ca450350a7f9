package trailingsl

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/quantforge/perpscalp/internal/domain"
)

// fakeClock lets a test advance time deterministically without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestCoordinator() (*Coordinator, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(zap.NewNop(), clk.now), clk
}

func pct(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// TestUpdate_PeakAndStopNeverRewind verifies spec §4.6's monotonicity
// invariant: the peak and the stop only move in the favorable direction,
// even when price later retraces.
func TestUpdate_PeakAndStopNeverRewind(t *testing.T) {
	c, clk := newTestCoordinator()
	c.Init("BTC-USDT", pct("100"), domain.SideLong, domain.RegimeTrending,
		pct("0.02"), pct("0.01"), pct("0.05"), 0, 0, false, decimal.NewFromInt(1), pct("0.002"))

	c.Update("BTC-USDT", pct("110"), 1, pct("0.05"), pct("0.05"))
	snap, ok := c.Snapshot("BTC-USDT")
	assert.True(t, ok)
	assert.True(t, snap.PeakPrice.Equal(pct("110")))
	stopAfterRise := snap.StopPrice
	assert.True(t, stopAfterRise.GreaterThan(pct("100")))

	// Price retraces below the peak (and below the 107.8 stop): peak and stop
	// must not rewind to reflect the lower price.
	clk.advance(time.Minute)
	c.Update("BTC-USDT", pct("105"), 1, pct("0.03"), pct("0.05"))
	snap, ok = c.Snapshot("BTC-USDT")
	assert.True(t, ok)
	assert.True(t, snap.PeakPrice.Equal(pct("110")), "peak must not rewind on a retrace")
	assert.True(t, snap.StopPrice.Equal(stopAfterRise), "stop must not rewind on a retrace")
}

// TestUpdate_SLUsesSLPercentNotLossCutPercent regression-tests the review
// fix: the SL branch must trigger off slPercent, independent of
// LossCutPercent, even when the two are configured to very different values.
func TestUpdate_SLUsesSLPercentNotLossCutPercent(t *testing.T) {
	c, clk := newTestCoordinator()
	// loss_cut_percent is configured far looser (50%) than sl_percent (2%),
	// so only the SL branch should be able to fire at -3% profit margin.
	c.Init("BTC-USDT", pct("100"), domain.SideLong, domain.RegimeRanging,
		pct("0.02"), pct("0.01"), pct("0.50"), 0, 0, false, decimal.NewFromInt(1), pct("0.001"))
	clk.advance(10 * time.Second)

	d := c.Update("BTC-USDT", pct("99"), 1, pct("-0.03"), pct("0.02"))
	assert.True(t, d.Close)
	assert.Equal(t, ReasonSL, d.Reason)
}

// TestUpdate_LossCutIndependentOfSLPercent confirms the loss-cut branch
// still fires on its own threshold when slPercent is configured far looser.
func TestUpdate_LossCutIndependentOfSLPercent(t *testing.T) {
	c, clk := newTestCoordinator()
	c.Init("BTC-USDT", pct("100"), domain.SideLong, domain.RegimeRanging,
		pct("0.02"), pct("0.01"), pct("0.04"), 0, 0, false, decimal.NewFromInt(1), pct("0.001"))
	clk.advance(10 * time.Second)

	// slPercent is 50% of margin (far looser than the -5% price move below,
	// so the SL branch cannot trip); loss_cut_percent (0.04) / leverage 1 = 4%
	// on profit_pct_net, which the price-derived -5.1% move clears.
	d := c.Update("BTC-USDT", pct("95"), 1, decimal.Zero, pct("0.50"))
	assert.True(t, d.Close)
	assert.Equal(t, ReasonLossCut, d.Reason)
}

// TestUpdate_TrailingStopTripsAfterPeakRetrace verifies the ordered
// decision chain's trailing-stop branch fires once price retraces through
// the ratcheted stop and the position is already profitable enough.
func TestUpdate_TrailingStopTripsAfterPeakRetrace(t *testing.T) {
	c, clk := newTestCoordinator()
	c.Init("BTC-USDT", pct("100"), domain.SideLong, domain.RegimeTrending,
		pct("0.02"), pct("0"), pct("0.50"), 0, 0, false, decimal.NewFromInt(1), pct("0"))
	clk.advance(time.Minute)

	c.Update("BTC-USDT", pct("120"), 1, pct("0.20"), pct("0.50"))
	// Stop is now 120 * (1 - 0.02) = 117.6; a price at 117 should trip it.
	d := c.Update("BTC-USDT", pct("117"), 1, pct("0.17"), pct("0.50"))
	assert.True(t, d.Close)
	assert.Equal(t, ReasonTrailingStop, d.Reason)
}

// TestUpdate_TimeoutTakesPriorityOverEverything verifies the first-match-wins
// ordering: timeout must fire even when SL/loss-cut conditions also hold.
func TestUpdate_TimeoutTakesPriorityOverEverything(t *testing.T) {
	c, clk := newTestCoordinator()
	c.Init("BTC-USDT", pct("100"), domain.SideLong, domain.RegimeChoppy,
		pct("0.02"), pct("0.01"), pct("0.01"), 0, 5, false, decimal.NewFromInt(1), pct("0"))
	clk.advance(5 * time.Minute)

	d := c.Update("BTC-USDT", pct("80"), 1, pct("-0.90"), pct("0.01"))
	assert.True(t, d.Close)
	assert.Equal(t, ReasonTimeout, d.Reason)
}

// TestUpdate_UnknownSymbolIsNoop confirms an update for a symbol with no
// seeded state returns a zero-value, non-closing decision.
func TestUpdate_UnknownSymbolIsNoop(t *testing.T) {
	c, _ := newTestCoordinator()
	d := c.Update("ETH-USDT", pct("100"), 1, decimal.Zero, decimal.Zero)
	assert.False(t, d.Close)
	assert.Equal(t, ReasonNone, d.Reason)
}

// TestCoordinator_ConcurrentLongAndShortResolveIndependently drives two
// symbols — one long, one short — through concurrent updates and confirms
// neither's state leaks into the other's close decision (spec §5:
// per-symbol state under one mutex must not cross-contaminate).
func TestCoordinator_ConcurrentLongAndShortResolveIndependently(t *testing.T) {
	c, clk := newTestCoordinator()
	c.Init("LONG-USDT", pct("100"), domain.SideLong, domain.RegimeTrending,
		pct("0.02"), pct("0.01"), pct("0.50"), 0, 0, false, decimal.NewFromInt(1), pct("0.001"))
	c.Init("SHORT-USDT", pct("100"), domain.SideShort, domain.RegimeTrending,
		pct("0.02"), pct("0.01"), pct("0.50"), 0, 0, false, decimal.NewFromInt(1), pct("0.001"))
	clk.advance(10 * time.Second)

	var wg sync.WaitGroup
	longDecisions := make([]Decision, 50)
	shortDecisions := make([]Decision, 50)
	for i := 0; i < 50; i++ {
		wg.Add(2)
		i := i
		go func() {
			defer wg.Done()
			longDecisions[i] = c.Update("LONG-USDT", pct("101"), 1, pct("0.01"), pct("0.50"))
		}()
		go func() {
			defer wg.Done()
			shortDecisions[i] = c.Update("SHORT-USDT", pct("99"), 1, pct("0.01"), pct("0.50"))
		}()
	}
	wg.Wait()

	longSnap, ok := c.Snapshot("LONG-USDT")
	assert.True(t, ok)
	assert.Equal(t, domain.SideLong, longSnap.Side)
	assert.True(t, longSnap.PeakPrice.Equal(pct("101")))

	shortSnap, ok := c.Snapshot("SHORT-USDT")
	assert.True(t, ok)
	assert.Equal(t, domain.SideShort, shortSnap.Side)
	assert.True(t, shortSnap.PeakPrice.Equal(pct("99")))

	for _, d := range longDecisions {
		assert.False(t, d.Close)
	}
	for _, d := range shortDecisions {
		assert.False(t, d.Close)
	}
}

// TestClear_RemovesState confirms Clear fully drops a symbol's state so a
// subsequent Has reports false and Update becomes a no-op again.
func TestClear_RemovesState(t *testing.T) {
	c, _ := newTestCoordinator()
	c.Init("BTC-USDT", pct("100"), domain.SideLong, domain.RegimeRanging,
		pct("0.02"), pct("0.01"), pct("0.05"), 0, 0, false, decimal.NewFromInt(1), pct("0"))
	assert.True(t, c.Has("BTC-USDT"))
	c.Clear("BTC-USDT")
	assert.False(t, c.Has("BTC-USDT"))
	d := c.Update("BTC-USDT", pct("100"), 1, decimal.Zero, decimal.Zero)
	assert.Equal(t, ReasonNone, d.Reason)
}
