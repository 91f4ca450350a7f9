package positionregistry

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/quantforge/perpscalp/internal/domain"
	"github.com/quantforge/perpscalp/pkg/clock"
)

func newTestRegistry() *Registry {
	return New(zap.NewNop(), clock.Frozen{T: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)})
}

// TestRegister_SetsEntryTimeExactlyOnce verifies spec §4.2: entry_time is
// set once at first registration and survives later re-registrations of the
// same symbol (e.g. a scaling-in update), even though pos.OpenTime changes.
func TestRegister_SetsEntryTimeExactlyOnce(t *testing.T) {
	r := newTestRegistry()
	first := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.Register("BTC-USDT", domain.Position{Symbol: "BTC-USDT", OpenTime: first}, domain.PositionMetadata{})

	meta, ok := r.GetMetadata("BTC-USDT")
	assert.True(t, ok)
	assert.True(t, meta.EntryTime.Equal(first))

	later := first.Add(time.Hour)
	r.Register("BTC-USDT", domain.Position{Symbol: "BTC-USDT", OpenTime: later}, domain.PositionMetadata{})
	meta, ok = r.GetMetadata("BTC-USDT")
	assert.True(t, ok)
	assert.True(t, meta.EntryTime.Equal(first), "entry_time must not move on re-registration")
}

// TestRegister_FallsBackToClockWhenOpenTimeZero covers the third tier of the
// entry_time priority chain: metadata.EntryTime, then pos.OpenTime, then the
// registry's own clock.
func TestRegister_FallsBackToClockWhenOpenTimeZero(t *testing.T) {
	r := newTestRegistry()
	r.Register("BTC-USDT", domain.Position{Symbol: "BTC-USDT"}, domain.PositionMetadata{})
	meta, ok := r.GetMetadata("BTC-USDT")
	assert.True(t, ok)
	assert.True(t, meta.EntryTime.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
}

// TestAppendScalingEvent_IsAppendOnly confirms scaling history only grows
// and earlier entries are never rewritten (spec §8: append-only).
func TestAppendScalingEvent_IsAppendOnly(t *testing.T) {
	r := newTestRegistry()
	r.Register("BTC-USDT", domain.Position{Symbol: "BTC-USDT"}, domain.PositionMetadata{})

	r.AppendScalingEvent("BTC-USDT", domain.ScalingEvent{SizeAdded: decimal.NewFromInt(1), Price: decimal.NewFromInt(100)})
	r.AppendScalingEvent("BTC-USDT", domain.ScalingEvent{SizeAdded: decimal.NewFromInt(2), Price: decimal.NewFromInt(101)})

	meta, ok := r.GetMetadata("BTC-USDT")
	assert.True(t, ok)
	assert.Len(t, meta.ScalingHistory, 2)
	assert.True(t, meta.ScalingHistory[0].SizeAdded.Equal(decimal.NewFromInt(1)))
	assert.True(t, meta.ScalingHistory[1].SizeAdded.Equal(decimal.NewFromInt(2)))
}

// TestRegister_PreservesScalingHistoryAndPartialTPDone verifies that
// re-registering an existing symbol (a position update, not a fresh entry)
// carries forward the append-only scaling history and the monotone
// partial-TP-done flag instead of resetting them — the idempotence the
// Position Monitor's partial-close dispatch relies on.
func TestRegister_PreservesScalingHistoryAndPartialTPDone(t *testing.T) {
	r := newTestRegistry()
	r.Register("BTC-USDT", domain.Position{Symbol: "BTC-USDT"}, domain.PositionMetadata{})
	r.AppendScalingEvent("BTC-USDT", domain.ScalingEvent{SizeAdded: decimal.NewFromInt(1)})
	r.UpdateMetadata("BTC-USDT", func(m *domain.PositionMetadata) { m.PartialTPDone = true })

	// Re-register as if the position sync reconciler refreshed the record.
	r.Register("BTC-USDT", domain.Position{Symbol: "BTC-USDT", SizeCoins: decimal.NewFromInt(2)}, domain.PositionMetadata{})

	meta, ok := r.GetMetadata("BTC-USDT")
	assert.True(t, ok)
	assert.True(t, meta.PartialTPDone, "partial_tp_done must stay true across a re-register")
	assert.Len(t, meta.ScalingHistory, 1)
}

// TestGetMetadata_ReturnsDeepCopy confirms mutating the returned slice
// cannot corrupt registry state (spec §4.2 copy-on-read).
func TestGetMetadata_ReturnsDeepCopy(t *testing.T) {
	r := newTestRegistry()
	r.Register("BTC-USDT", domain.Position{Symbol: "BTC-USDT"}, domain.PositionMetadata{})
	r.AppendScalingEvent("BTC-USDT", domain.ScalingEvent{SizeAdded: decimal.NewFromInt(1)})

	meta, ok := r.GetMetadata("BTC-USDT")
	assert.True(t, ok)
	meta.ScalingHistory[0].SizeAdded = decimal.NewFromInt(999)

	fresh, _ := r.GetMetadata("BTC-USDT")
	assert.True(t, fresh.ScalingHistory[0].SizeAdded.Equal(decimal.NewFromInt(1)), "caller mutation must not leak into registry state")
}

// TestUnregister_IsNoopWhenAbsent confirms spec §4.2's invariant that
// unregistering a symbol with no record does not panic or alter state.
func TestUnregister_IsNoopWhenAbsent(t *testing.T) {
	r := newTestRegistry()
	assert.NotPanics(t, func() { r.Unregister("BTC-USDT") })
	assert.False(t, r.Has("BTC-USDT"))
}

// TestConcurrentLongAndShortRegistration registers two independently-sided
// positions, drives updates to both from many goroutines at once, then reads
// them back, confirming the single registry mutex keeps each symbol's final state
// internally consistent rather than partially overwritten by the other.
func TestConcurrentLongAndShortRegistration(t *testing.T) {
	r := newTestRegistry()
	r.Register("LONG-USDT", domain.Position{Symbol: "LONG-USDT", Side: domain.SideLong, SizeCoins: decimal.Zero}, domain.PositionMetadata{})
	r.Register("SHORT-USDT", domain.Position{Symbol: "SHORT-USDT", Side: domain.SideShort, SizeCoins: decimal.Zero}, domain.PositionMetadata{})

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		i := i
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.UpdatePosition("LONG-USDT", func(p *domain.Position) {
				p.SizeCoins = p.SizeCoins.Add(decimal.NewFromInt(1))
			})
		}()
		go func() {
			defer wg.Done()
			r.UpdatePosition("SHORT-USDT", func(p *domain.Position) {
				p.SizeCoins = p.SizeCoins.Sub(decimal.NewFromInt(1))
			})
		}()
		_ = i
	}
	wg.Wait()

	longPos, ok := r.Get("LONG-USDT")
	assert.True(t, ok)
	assert.True(t, longPos.SizeCoins.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, domain.SideLong, longPos.Side)

	shortPos, ok := r.Get("SHORT-USDT")
	assert.True(t, ok)
	assert.True(t, shortPos.SizeCoins.Equal(decimal.NewFromInt(-50)))
	assert.Equal(t, domain.SideShort, shortPos.Side)
}
